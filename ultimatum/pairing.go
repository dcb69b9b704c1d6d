package ultimatum

import (
	"fmt"
	"math/rand/v2"
)

// Treatment is the experimental condition governing partner visibility and
// pairing stability.
type Treatment int

const (
	TreatmentNone Treatment = iota
	// TreatmentAnonymous keeps the same partners for every sub-round and
	// swaps roles each time. Partner names are withheld.
	TreatmentAnonymous
	// TreatmentKnown redraws partners every sub-round. Partner names are shown.
	TreatmentKnown
)

func (t Treatment) Valid() bool {
	return t == TreatmentAnonymous || t == TreatmentKnown
}

// Status returns the experiment status a running treatment puts it in.
func (t Treatment) Status() Status {
	switch t {
	case TreatmentAnonymous:
		return StatusTreatment1
	case TreatmentKnown:
		return StatusTreatment2
	}
	return StatusLobby
}

// Pair is one ordered (proposer, responder) match.
type Pair struct {
	Proposer  string `json:"proposer"`
	Responder string `json:"responder"`
}

// Pairing partitions the eligible players of one sub-round.
type Pairing struct {
	Treatment Treatment `json:"treatment"`
	Pairs     []Pair    `json:"pairs"`
	Unpaired  string    `json:"unpaired,omitempty"`
}

func (p *Pairing) partnerOf(id string) (string, bool) {
	for _, pair := range p.Pairs {
		switch id {
		case pair.Proposer:
			return pair.Responder, true
		case pair.Responder:
			return pair.Proposer, true
		}
	}
	return "", false
}

// ComputePairing matches eligible players for the next sub-round of
// treatment. previous is the pairing of the sub-round before it within the
// same treatment run, or nil when the treatment is just starting.
//
// Under TreatmentAnonymous every previous pair is kept with roles swapped,
// and only players outside the previous pairing are matched afresh. Under
// TreatmentKnown the previous pairing is ignored.
func ComputePairing(rng *rand.Rand, eligible []string, treatment Treatment, previous *Pairing) (*Pairing, error) {
	if !treatment.Valid() {
		return nil, fmt.Errorf("%w: treatment %d", ErrInvalidArgument, treatment)
	}
	if len(eligible) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 participants, have %d", ErrInsufficientPlayers, len(eligible))
	}

	out := &Pairing{Treatment: treatment}

	pool := eligible
	if treatment == TreatmentAnonymous && previous != nil && previous.Treatment == treatment {
		present := make(map[string]bool, len(eligible))
		for _, id := range eligible {
			present[id] = true
		}

		kept := make(map[string]bool, len(eligible))
		for _, pair := range previous.Pairs {
			if !present[pair.Proposer] || !present[pair.Responder] {
				continue
			}
			out.Pairs = append(out.Pairs, Pair{
				Proposer:  pair.Responder,
				Responder: pair.Proposer,
			})
			kept[pair.Proposer] = true
			kept[pair.Responder] = true
		}

		pool = make([]string, 0, len(eligible)-len(kept))
		for _, id := range eligible {
			if !kept[id] {
				pool = append(pool, id)
			}
		}
	}

	fresh, unpaired := matchRandomly(rng, pool)
	out.Pairs = append(out.Pairs, fresh...)
	out.Unpaired = unpaired

	return out, nil
}

// matchRandomly draws a uniformly random matching over ids, leaving one id
// out when the count is odd. Which side proposes is a coin flip per pair.
func matchRandomly(rng *rand.Rand, ids []string) ([]Pair, string) {
	shuffled := make([]string, len(ids))
	copy(shuffled, ids)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	var unpaired string
	if len(shuffled)%2 == 1 {
		unpaired = shuffled[len(shuffled)-1]
		shuffled = shuffled[:len(shuffled)-1]
	}

	pairs := make([]Pair, 0, len(shuffled)/2)
	for i := 0; i+1 < len(shuffled); i += 2 {
		a, b := shuffled[i], shuffled[i+1]
		if rng.IntN(2) == 1 {
			a, b = b, a
		}
		pairs = append(pairs, Pair{Proposer: a, Responder: b})
	}

	return pairs, unpaired
}
