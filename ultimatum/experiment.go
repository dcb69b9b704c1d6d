package ultimatum

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Status string

const (
	StatusLobby       Status = "LOBBY"
	StatusTreatment1  Status = "TREATMENT_1"
	StatusTreatment2  Status = "TREATMENT_2"
	StatusWaitingNext Status = "WAITING_NEXT_PHASE"
)

func (s Status) Valid() bool {
	switch s {
	case StatusLobby, StatusTreatment1, StatusTreatment2, StatusWaitingNext:
		return true
	}
	return false
}

func (s Status) inTreatment() bool {
	return s == StatusTreatment1 || s == StatusTreatment2
}

type AssignmentRole string

const (
	AssignedProposer  AssignmentRole = "PROPOSER"
	AssignedResponder AssignmentRole = "RESPONDER"
	AssignedUnpaired  AssignmentRole = "UNPAIRED"
)

// Assignment is one player's slot in the current sub-round.
type Assignment struct {
	Role    AssignmentRole `json:"role"`
	Partner string         `json:"partner,omitempty"`
	GameID  string         `json:"game_id,omitempty"`
}

// State is the experiment-wide phase and round bookkeeping.
//
// Round counts every sub-round started since the last reset and is part of
// each game id. SubRound is the position within the running treatment.
type State struct {
	Status       Status                `json:"status"`
	Treatment    Treatment             `json:"treatment"`
	Round        int                   `json:"round"`
	SubRound     int                   `json:"sub_round"`
	MaxSubRounds int                   `json:"max_sub_rounds"`
	Pairings     map[string]Assignment `json:"pairings"`
}

func (s State) clone() State {
	out := s
	out.Pairings = make(map[string]Assignment, len(s.Pairings))
	for k, v := range s.Pairings {
		out.Pairings[k] = v
	}
	return out
}

const (
	DefaultMaxResearchers = 3
	DefaultMaxSubRounds   = 4
)

// Experiment is the authoritative experiment state. All exported methods
// are safe for concurrent use.
type Experiment struct {
	mu sync.RWMutex

	logger         *zap.Logger
	rng            *rand.Rand
	now            func() time.Time
	maxResearchers int
	maxSubRounds   int

	players  *registry
	seen     *liveness
	state    State
	pairing  *Pairing
	sessions map[string]*session
	order    []string
}

type Option func(*Experiment)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Experiment) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRand sets the source used for pairing draws.
func WithRand(rng *rand.Rand) Option {
	return func(e *Experiment) {
		if rng != nil {
			e.rng = rng
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Experiment) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMaxResearchers sets how many registrants may hold RESEARCHER.
func WithMaxResearchers(n int) Option {
	return func(e *Experiment) {
		if n >= 0 {
			e.maxResearchers = n
		}
	}
}

// WithMaxSubRounds sets how many sub-rounds each treatment runs.
func WithMaxSubRounds(n int) Option {
	return func(e *Experiment) {
		if n > 0 {
			e.maxSubRounds = n
		}
	}
}

func New(opts ...Option) *Experiment {
	e := &Experiment{
		logger:         zap.NewNop(),
		rng:            rand.New(rand.NewChaCha8(cryptoSeed())),
		now:            time.Now,
		maxResearchers: DefaultMaxResearchers,
		maxSubRounds:   DefaultMaxSubRounds,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.wipeLocked()

	return e
}

func cryptoSeed() [32]byte {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		binary.LittleEndian.PutUint64(seed[:], uint64(time.Now().UnixNano()))
	}
	return seed
}

func (e *Experiment) wipeLocked() {
	e.players = newRegistry(e.maxResearchers)
	if e.seen == nil {
		e.seen = newLiveness()
	} else {
		e.seen.reset()
	}
	e.state = State{
		Status:       StatusLobby,
		Treatment:    TreatmentNone,
		Round:        0,
		SubRound:     0,
		MaxSubRounds: e.maxSubRounds,
		Pairings:     map[string]Assignment{},
	}
	e.pairing = nil
	e.sessions = make(map[string]*session)
	e.order = nil
}

// Register adds a player. A RESEARCHER claim is honoured only while fewer
// than the configured number of researchers exist.
func (e *Experiment) Register(id, name string, claim Role) (Player, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.players.register(id, name, claim, e.now())
	if err != nil {
		return Player{}, err
	}

	e.logger.Info("player registered",
		zap.String("player", p.ID),
		zap.String("name", p.Name),
		zap.String("role", string(p.Role)),
		zap.Bool("downgraded", claim != p.Role),
	)

	return p, nil
}

// Touch records that id polled at the given time.
func (e *Experiment) Touch(id string, at time.Time) error {
	e.mu.RLock()
	_, ok := e.players.get(id)
	e.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}

	e.seen.touch(id, at)

	return nil
}

// Online counts players that polled within window of now.
func (e *Experiment) Online(window time.Duration) int {
	return e.seen.seenSince(e.now().Add(-window))
}

func (e *Experiment) authorizeLocked(callerID string) error {
	p, ok := e.players.get(callerID)
	if !ok || p.Role != RoleResearcher {
		return fmt.Errorf("%w: %q is not a researcher", ErrUnauthorized, callerID)
	}
	return nil
}

// StartTreatment begins treatment t at sub-round 1 and creates a game for
// every pair.
func (e *Experiment) StartTreatment(callerID string, t Treatment) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorizeLocked(callerID); err != nil {
		return err
	}
	if !t.Valid() {
		return fmt.Errorf("%w: treatment %d", ErrInvalidArgument, t)
	}
	if e.state.Status == t.Status() {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, e.state.Status)
	}

	pairing, err := ComputePairing(e.rng, e.players.participants(), t, nil)
	if err != nil {
		return err
	}

	e.state.Status = t.Status()
	e.state.Treatment = t
	e.state.SubRound = 1
	e.installLocked(pairing)

	e.logger.Info("treatment started",
		zap.String("researcher", callerID),
		zap.Int("treatment", int(t)),
		zap.Int("round", e.state.Round),
		zap.Int("pairs", len(pairing.Pairs)),
		zap.String("unpaired", pairing.Unpaired),
	)

	return nil
}

// NextRound advances the sub-round, re-pairing players, or moves to
// WAITING_NEXT_PHASE once the treatment has run its last sub-round.
func (e *Experiment) NextRound(callerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorizeLocked(callerID); err != nil {
		return err
	}
	if !e.state.Status.inTreatment() {
		return fmt.Errorf("%w: %s", ErrNotInTreatment, e.state.Status)
	}

	if e.state.SubRound >= e.state.MaxSubRounds {
		e.closeCurrentLocked()
		e.state.Status = StatusWaitingNext
		e.state.Pairings = map[string]Assignment{}
		e.pairing = nil

		e.logger.Info("treatment finished",
			zap.String("researcher", callerID),
			zap.Int("treatment", int(e.state.Treatment)),
			zap.Int("round", e.state.Round),
		)

		return nil
	}

	pairing, err := ComputePairing(e.rng, e.players.participants(), e.state.Treatment, e.pairing)
	if err != nil {
		return err
	}

	e.state.SubRound++
	e.installLocked(pairing)

	e.logger.Info("round advanced",
		zap.String("researcher", callerID),
		zap.Int("treatment", int(e.state.Treatment)),
		zap.Int("round", e.state.Round),
		zap.Int("sub_round", e.state.SubRound),
		zap.Int("pairs", len(pairing.Pairs)),
	)

	return nil
}

// installLocked closes the sessions of the previous sub-round, bumps the
// round counter, and creates one session per pair of p.
func (e *Experiment) installLocked(p *Pairing) {
	e.closeCurrentLocked()

	e.state.Round++
	now := e.now()

	assignments := make(map[string]Assignment, 2*len(p.Pairs)+1)
	for i, pair := range p.Pairs {
		id := gameID(p.Treatment, e.state.Round, i)
		e.sessions[id] = newSession(id, p.Treatment, e.state.Round, e.state.SubRound, pair, now)
		e.order = append(e.order, id)

		assignments[pair.Proposer] = Assignment{Role: AssignedProposer, Partner: pair.Responder, GameID: id}
		assignments[pair.Responder] = Assignment{Role: AssignedResponder, Partner: pair.Proposer, GameID: id}
	}
	if p.Unpaired != "" {
		assignments[p.Unpaired] = Assignment{Role: AssignedUnpaired}
	}

	e.state.Pairings = assignments
	e.pairing = p
}

func (e *Experiment) closeCurrentLocked() {
	for _, a := range e.state.Pairings {
		if s, ok := e.sessions[a.GameID]; ok {
			s.close()
		}
	}
}

// Reset wipes every player, game and counter. It is irreversible; callers
// at the boundary must have confirmed it.
func (e *Experiment) Reset(callerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorizeLocked(callerID); err != nil {
		return err
	}

	players, games := e.players.count(), len(e.sessions)
	e.wipeLocked()

	e.logger.Warn("experiment reset",
		zap.String("researcher", callerID),
		zap.Int("players", players),
		zap.Int("games", games),
	)

	return nil
}

// MakeOffer records the proposer's offer for gameID.
func (e *Experiment) MakeOffer(callerID, gameID string, amount int) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.sessions[gameID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}
	if err := s.makeOffer(callerID, amount); err != nil {
		return err
	}

	e.logger.Debug("offer made",
		zap.String("game", gameID),
		zap.String("proposer", callerID),
		zap.Int("amount", amount),
	)

	return nil
}

// Respond resolves gameID with the responder's decision.
func (e *Experiment) Respond(callerID, gameID string, accepted bool) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.sessions[gameID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}
	if err := s.respond(callerID, accepted, e.now()); err != nil {
		return err
	}

	e.logger.Debug("offer answered",
		zap.String("game", gameID),
		zap.String("responder", callerID),
		zap.Bool("accepted", accepted),
	)

	return nil
}

// State returns a copy of the current experiment state.
func (e *Experiment) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.state.clone()
}

// Role reports the role of a registered player.
func (e *Experiment) Role(id string) (Role, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.players.get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}
	return p.Role, nil
}
