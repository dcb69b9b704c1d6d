package ultimatum

import (
	"fmt"
	"sync"
	"time"
)

// Endowment is the amount a proposer divides each sub-round.
const Endowment = 10

type GameStatus string

const (
	GameWaitingOffer GameStatus = "WAITING_OFFER"
	GameOfferMade    GameStatus = "OFFER_MADE"
	GameCompleted    GameStatus = "COMPLETED"
)

type Response string

const (
	ResponseAccepted Response = "ACCEPTED"
	ResponseRejected Response = "REJECTED"
)

// Game is the exported record of one propose/respond exchange.
type Game struct {
	ID          string         `json:"id"`
	Treatment   Treatment      `json:"treatment"`
	Round       int            `json:"round"`
	SubRound    int            `json:"sub_round"`
	Proposer    string         `json:"proposer"`
	Responder   string         `json:"responder"`
	Status      GameStatus     `json:"status"`
	Offer       *int           `json:"offer"`
	Response    *Response      `json:"response"`
	Earnings    map[string]int `json:"earnings"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at"`
}

func gameID(t Treatment, round, index int) string {
	return fmt.Sprintf("t%d-r%d-p%d", t, round, index)
}

// session guards one Game. Offer and response are each set at most once;
// earnings are written together with the response.
type session struct {
	mu   sync.Mutex
	game Game

	// closed is set once the sub-round that created the session is over.
	closed bool
}

func newSession(id string, t Treatment, round, subRound int, pair Pair, now time.Time) *session {
	return &session{
		game: Game{
			ID:        id,
			Treatment: t,
			Round:     round,
			SubRound:  subRound,
			Proposer:  pair.Proposer,
			Responder: pair.Responder,
			Status:    GameWaitingOffer,
			CreatedAt: now,
		},
	}
}

func (s *session) makeOffer(callerID string, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if callerID != s.game.Proposer {
		return fmt.Errorf("%w: game %s", ErrNotProposer, s.game.ID)
	}
	if s.closed || s.game.Status != GameWaitingOffer {
		return fmt.Errorf("%w: game %s is %s", ErrInvalidState, s.game.ID, s.game.Status)
	}
	if amount < 0 || amount > Endowment {
		return fmt.Errorf("%w: offer %d not in [0, %d]", ErrOutOfRange, amount, Endowment)
	}

	s.game.Offer = &amount
	s.game.Status = GameOfferMade

	return nil
}

func (s *session) respond(callerID string, accepted bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if callerID != s.game.Responder {
		return fmt.Errorf("%w: game %s", ErrNotResponder, s.game.ID)
	}
	if s.closed || s.game.Status != GameOfferMade {
		return fmt.Errorf("%w: game %s is %s", ErrInvalidState, s.game.ID, s.game.Status)
	}

	offer := *s.game.Offer
	response := ResponseRejected
	earnings := map[string]int{
		s.game.Proposer:  0,
		s.game.Responder: 0,
	}
	if accepted {
		response = ResponseAccepted
		earnings[s.game.Proposer] = Endowment - offer
		earnings[s.game.Responder] = offer
	}

	s.game.Response = &response
	s.game.Earnings = earnings
	s.game.CompletedAt = &now
	s.game.Status = GameCompleted

	return nil
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
}

// snapshot returns a deep copy of the game that is safe to hand out.
func (s *session) snapshot() Game {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.game.clone()
}

func (g Game) clone() Game {
	out := g
	if g.Offer != nil {
		v := *g.Offer
		out.Offer = &v
	}
	if g.Response != nil {
		v := *g.Response
		out.Response = &v
	}
	if g.CompletedAt != nil {
		v := *g.CompletedAt
		out.CompletedAt = &v
	}
	if g.Earnings != nil {
		out.Earnings = make(map[string]int, len(g.Earnings))
		for k, v := range g.Earnings {
			out.Earnings[k] = v
		}
	}
	return out
}
