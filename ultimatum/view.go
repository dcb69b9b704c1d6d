package ultimatum

import (
	"fmt"
	"sort"
)

// AnonymousPartner replaces the partner's name under TreatmentAnonymous.
const AnonymousPartner = "Anonymous Partner"

// PublicState is the part of State every participant may see.
type PublicState struct {
	Status       Status    `json:"status"`
	Treatment    Treatment `json:"treatment"`
	Round        int       `json:"round"`
	SubRound     int       `json:"sub_round"`
	MaxSubRounds int       `json:"max_sub_rounds"`
}

type RoleInfo struct {
	Role        AssignmentRole `json:"role"`
	PartnerName string         `json:"partner_name,omitempty"`
}

// PersonalView is what a participant sees on each poll.
type PersonalView struct {
	Global      PublicState `json:"global"`
	Me          Player      `json:"me"`
	MyGame      *Game       `json:"my_game"`
	RoleInfo    *RoleInfo   `json:"role_info"`
	PlayerCount int         `json:"all_players_count"`
}

// AggregateView is the researcher's full dataset.
type AggregateView struct {
	Export

	// GameOrder lists game ids newest first.
	GameOrder []string `json:"game_order"`
}

// Projection holds exactly one of Personal or Aggregate, selected by the
// requester's role.
type Projection struct {
	Role      Role           `json:"role"`
	Personal  *PersonalView  `json:"personal,omitempty"`
	Aggregate *AggregateView `json:"aggregate,omitempty"`
}

// ProjectFor builds the view playerID is entitled to.
func (e *Experiment) ProjectFor(playerID string) (Projection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.players.get(playerID)
	if !ok {
		return Projection{}, fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}

	switch p.Role {
	case RoleResearcher:
		agg := e.aggregateLocked()
		return Projection{Role: p.Role, Aggregate: &agg}, nil
	case RoleParticipant:
		pv := e.personalLocked(p)
		return Projection{Role: p.Role, Personal: &pv}, nil
	default:
		return Projection{}, fmt.Errorf("%w: role %q", ErrInvalidArgument, p.Role)
	}
}

// AggregateView returns the full dataset to a researcher.
func (e *Experiment) AggregateView(callerID string) (AggregateView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.authorizeLocked(callerID); err != nil {
		return AggregateView{}, err
	}

	return e.aggregateLocked(), nil
}

func (e *Experiment) personalLocked(p Player) PersonalView {
	pv := PersonalView{
		Global: PublicState{
			Status:       e.state.Status,
			Treatment:    e.state.Treatment,
			Round:        e.state.Round,
			SubRound:     e.state.SubRound,
			MaxSubRounds: e.state.MaxSubRounds,
		},
		Me:          p,
		PlayerCount: e.players.count(),
	}

	a, ok := e.state.Pairings[p.ID]
	if !ok {
		return pv
	}

	info := &RoleInfo{Role: a.Role}
	if a.Partner != "" {
		switch e.state.Treatment {
		case TreatmentKnown:
			if partner, ok := e.players.get(a.Partner); ok {
				info.PartnerName = partner.Name
			}
		default:
			info.PartnerName = AnonymousPartner
		}
	}
	pv.RoleInfo = info

	if s, ok := e.sessions[a.GameID]; ok {
		g := s.snapshot()
		if e.state.Treatment != TreatmentKnown {
			g = g.withPartnerHidden(p.ID)
		}
		pv.MyGame = &g
	}

	return pv
}

// withPartnerHidden replaces the other player's id with AnonymousPartner.
func (g Game) withPartnerHidden(self string) Game {
	partner := g.Responder
	if self == g.Responder {
		partner = g.Proposer
	}

	if g.Proposer == partner {
		g.Proposer = AnonymousPartner
	}
	if g.Responder == partner {
		g.Responder = AnonymousPartner
	}
	if v, ok := g.Earnings[partner]; ok {
		delete(g.Earnings, partner)
		g.Earnings[AnonymousPartner] = v
	}

	return g
}

func (e *Experiment) aggregateLocked() AggregateView {
	agg := AggregateView{Export: e.exportLocked()}

	agg.GameOrder = make([]string, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		agg.GameOrder = append(agg.GameOrder, e.order[i])
	}
	sort.SliceStable(agg.GameOrder, func(i, j int) bool {
		return agg.Games[agg.GameOrder[i]].CreatedAt.After(agg.Games[agg.GameOrder[j]].CreatedAt)
	})

	return agg
}
