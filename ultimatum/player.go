package ultimatum

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role is fixed when a player registers and never reassigned.
type Role string

const (
	RoleParticipant Role = "PARTICIPANT"
	RoleResearcher  Role = "RESEARCHER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleParticipant, RoleResearcher:
		return true
	}
	return false
}

// Player holds the data we store server-side for each registrant.
type Player struct {
	ID       string    `json:"uid"`
	Name     string    `json:"name"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// registry is the identity store. It has no locking of its own; the
// owning Experiment serializes access.
type registry struct {
	players     map[string]Player
	order       []string
	researchers int
	maxAdmins   int
}

func newRegistry(maxAdmins int) *registry {
	return &registry{
		players:   make(map[string]Player),
		maxAdmins: maxAdmins,
	}
}

func (r *registry) register(id, name string, claim Role, now time.Time) (Player, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)

	if id == "" {
		return Player{}, fmt.Errorf("%w: player id is required", ErrInvalidArgument)
	}
	if name == "" {
		return Player{}, fmt.Errorf("%w: player name is required", ErrInvalidArgument)
	}
	if !claim.Valid() {
		return Player{}, fmt.Errorf("%w: role %q", ErrInvalidArgument, claim)
	}
	if _, ok := r.players[id]; ok {
		return Player{}, fmt.Errorf("%w: %s", ErrDuplicateIdentity, id)
	}

	role := RoleParticipant
	if claim == RoleResearcher && r.researchers < r.maxAdmins {
		role = RoleResearcher
		r.researchers++
	}

	p := Player{
		ID:       id,
		Name:     name,
		Role:     role,
		JoinedAt: now,
	}
	r.players[id] = p
	r.order = append(r.order, id)

	return p, nil
}

func (r *registry) get(id string) (Player, bool) {
	p, ok := r.players[id]
	return p, ok
}

// participants returns every PARTICIPANT in registration order.
func (r *registry) participants() []string {
	ids := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.players[id].Role == RoleParticipant {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *registry) count() int {
	return len(r.order)
}

// restore inserts p as-is, bypassing the researcher cap. Used by Import.
func (r *registry) restore(p Player) error {
	if _, ok := r.players[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, p.ID)
	}
	if !p.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidArgument, p.Role)
	}
	if p.Role == RoleResearcher {
		r.researchers++
	}
	r.players[p.ID] = p
	r.order = append(r.order, p.ID)
	return nil
}

// liveness tracks when each player last polled. It sits beside the
// registry under its own lock so polling never waits on a transition.
type liveness struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func newLiveness() *liveness {
	return &liveness{lastSeen: make(map[string]time.Time)}
}

func (l *liveness) touch(id string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.lastSeen[id]; ok && prev.After(at) {
		return
	}
	l.lastSeen[id] = at
}

func (l *liveness) seenSince(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, at := range l.lastSeen {
		if !at.Before(cutoff) {
			n++
		}
	}
	return n
}

func (l *liveness) get(id string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lastSeen[id]
}

func (l *liveness) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeen = make(map[string]time.Time)
}
