package ultimatum

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Export is the full dataset written out for offline analysis. It carries
// every player, every game ever created and the state at export time.
type Export struct {
	State      State                `json:"final_state"`
	Players    map[string]Player    `json:"all_players"`
	Games      map[string]Game      `json:"all_games"`
	LastSeen   map[string]time.Time `json:"last_seen,omitempty"`
	ExportedAt time.Time            `json:"exported_at"`
}

// Export returns a snapshot of the whole experiment.
func (e *Experiment) Export() Export {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.exportLocked()
}

func (e *Experiment) exportLocked() Export {
	doc := Export{
		State:      e.state.clone(),
		Players:    make(map[string]Player, e.players.count()),
		Games:      make(map[string]Game, len(e.sessions)),
		ExportedAt: e.now(),
	}

	for _, id := range e.players.order {
		doc.Players[id] = e.players.players[id]
		if at := e.seen.get(id); !at.IsZero() {
			if doc.LastSeen == nil {
				doc.LastSeen = make(map[string]time.Time)
			}
			doc.LastSeen[id] = at
		}
	}
	for id, s := range e.sessions {
		doc.Games[id] = s.snapshot()
	}

	return doc
}

// Restore replaces the experiment with the contents of doc. Every reference
// in doc is checked before anything is replaced.
func (e *Experiment) Restore(doc Export) error {
	if !doc.State.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidArgument, doc.State.Status)
	}

	players := make([]Player, 0, len(doc.Players))
	for id, p := range doc.Players {
		if id != p.ID {
			return fmt.Errorf("%w: player key %q holds id %q", ErrInvalidArgument, id, p.ID)
		}
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		if !players[i].JoinedAt.Equal(players[j].JoinedAt) {
			return players[i].JoinedAt.Before(players[j].JoinedAt)
		}
		return players[i].ID < players[j].ID
	})

	reg := newRegistry(e.maxResearchers)
	for _, p := range players {
		if err := reg.restore(p); err != nil {
			return err
		}
	}

	games := make([]Game, 0, len(doc.Games))
	for id, g := range doc.Games {
		if id != g.ID {
			return fmt.Errorf("%w: game key %q holds id %q", ErrInvalidArgument, id, g.ID)
		}
		if _, ok := reg.get(g.Proposer); !ok {
			return fmt.Errorf("%w: game %s proposer %s", ErrUnknownPlayer, g.ID, g.Proposer)
		}
		if _, ok := reg.get(g.Responder); !ok {
			return fmt.Errorf("%w: game %s responder %s", ErrUnknownPlayer, g.ID, g.Responder)
		}
		games = append(games, g.clone())
	}
	sort.Slice(games, func(i, j int) bool {
		if !games[i].CreatedAt.Equal(games[j].CreatedAt) {
			return games[i].CreatedAt.Before(games[j].CreatedAt)
		}
		return gameIndex(games[i].ID) < gameIndex(games[j].ID)
	})

	state := doc.State.clone()
	if state.MaxSubRounds <= 0 {
		state.MaxSubRounds = e.maxSubRounds
	}

	current := make(map[string]bool)
	pairing := &Pairing{Treatment: state.Treatment}
	for id, a := range state.Pairings {
		if _, ok := reg.get(id); !ok {
			return fmt.Errorf("%w: pairing for %s", ErrUnknownPlayer, id)
		}
		switch a.Role {
		case AssignedProposer:
			if _, ok := doc.Games[a.GameID]; !ok {
				return fmt.Errorf("%w: pairing references %s", ErrUnknownGame, a.GameID)
			}
			pairing.Pairs = append(pairing.Pairs, Pair{Proposer: id, Responder: a.Partner})
			current[a.GameID] = true
		case AssignedResponder:
			if _, ok := doc.Games[a.GameID]; !ok {
				return fmt.Errorf("%w: pairing references %s", ErrUnknownGame, a.GameID)
			}
		case AssignedUnpaired:
			pairing.Unpaired = id
		default:
			return fmt.Errorf("%w: assignment role %q", ErrInvalidArgument, a.Role)
		}
	}
	sort.Slice(pairing.Pairs, func(i, j int) bool {
		return gameIndex(state.Pairings[pairing.Pairs[i].Proposer].GameID) <
			gameIndex(state.Pairings[pairing.Pairs[j].Proposer].GameID)
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	e.players = reg
	e.seen.reset()
	for id, at := range doc.LastSeen {
		e.seen.touch(id, at)
	}
	e.state = state
	e.pairing = nil
	if state.Status.inTreatment() {
		e.pairing = pairing
	}
	e.sessions = make(map[string]*session, len(games))
	e.order = make([]string, 0, len(games))
	for _, g := range games {
		e.sessions[g.ID] = &session{game: g, closed: !current[g.ID]}
		e.order = append(e.order, g.ID)
	}

	return nil
}

// gameIndex extracts the pair index from an id built by gameID.
func gameIndex(id string) int {
	i := strings.LastIndex(id, "-p")
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(id[i+2:])
	if err != nil {
		return 0
	}
	return n
}
