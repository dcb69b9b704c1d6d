package ultimatum

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func players(ids ...string) []string { return ids }

// requirePartition checks every eligible id appears exactly once, either in
// a pair or as the single unpaired player.
func requirePartition(t *testing.T, eligible []string, p *Pairing) {
	t.Helper()

	seen := make(map[string]int, len(eligible))
	for _, pair := range p.Pairs {
		require.NotEqual(t, pair.Proposer, pair.Responder)
		seen[pair.Proposer]++
		seen[pair.Responder]++
	}
	if p.Unpaired != "" {
		seen[p.Unpaired]++
	}

	require.Len(t, seen, len(eligible))
	for _, id := range eligible {
		require.Equal(t, 1, seen[id], "player %s", id)
	}
	require.Equal(t, len(eligible)%2 == 1, p.Unpaired != "")
	require.Len(t, p.Pairs, len(eligible)/2)
}

func TestComputePairingInsufficientPlayers(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))

	for _, tr := range []Treatment{TreatmentAnonymous, TreatmentKnown} {
		_, err := ComputePairing(rng, nil, tr, nil)
		require.ErrorIs(t, err, ErrInsufficientPlayers)

		_, err = ComputePairing(rng, players("a"), tr, nil)
		require.ErrorIs(t, err, ErrInsufficientPlayers)
	}
}

func TestComputePairingRejectsUnknownTreatment(t *testing.T) {
	_, err := ComputePairing(rand.New(rand.NewPCG(1, 1)), players("a", "b"), TreatmentNone, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAnonymousPairsAreFixedAndAlternate(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	eligible := players("a", "b", "c", "d", "e", "f")

	first, err := ComputePairing(rng, eligible, TreatmentAnonymous, nil)
	require.NoError(t, err)
	requirePartition(t, eligible, first)

	prev := first
	for sub := 2; sub <= 4; sub++ {
		next, err := ComputePairing(rng, eligible, TreatmentAnonymous, prev)
		require.NoError(t, err)
		requirePartition(t, eligible, next)

		for _, id := range eligible {
			want, _ := first.partnerOf(id)
			got, _ := next.partnerOf(id)
			assert.Equal(t, want, got, "partner of %s in sub-round %d", id, sub)
		}

		proposers := make(map[string]bool)
		for _, pair := range prev.Pairs {
			proposers[pair.Proposer] = true
		}
		for _, pair := range next.Pairs {
			assert.False(t, proposers[pair.Proposer], "%s proposed twice in a row", pair.Proposer)
			assert.True(t, proposers[pair.Responder], "%s responded twice in a row", pair.Responder)
		}

		prev = next
	}
}

func TestAnonymousLateJoinerPairsWithHeldOutPlayer(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	eligible := players("a", "b", "c")

	first, err := ComputePairing(rng, eligible, TreatmentAnonymous, nil)
	require.NoError(t, err)
	requirePartition(t, eligible, first)
	heldOut := first.Unpaired
	require.NotEmpty(t, heldOut)

	withLate := players("a", "b", "c", "d")
	next, err := ComputePairing(rng, withLate, TreatmentAnonymous, first)
	require.NoError(t, err)
	requirePartition(t, withLate, next)

	partner, ok := next.partnerOf("d")
	require.True(t, ok)
	assert.Equal(t, heldOut, partner)

	kept := first.Pairs[0]
	assert.Contains(t, next.Pairs, Pair{Proposer: kept.Responder, Responder: kept.Proposer})
}

func TestAnonymousIgnoresPairingFromOtherTreatment(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 4))
	eligible := players("a", "b", "c", "d")

	prev := &Pairing{
		Treatment: TreatmentKnown,
		Pairs:     []Pair{{Proposer: "a", Responder: "b"}, {Proposer: "c", Responder: "d"}},
	}

	next, err := ComputePairing(rng, eligible, TreatmentAnonymous, prev)
	require.NoError(t, err)
	requirePartition(t, eligible, next)
	assert.Equal(t, TreatmentAnonymous, next.Treatment)
}

func TestKnownPairsAreRedrawn(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 1))
	eligible := players("a", "b", "c", "d", "e", "f", "g", "h", "i")

	var prev *Pairing
	changed := false
	for sub := 1; sub <= 8; sub++ {
		next, err := ComputePairing(rng, eligible, TreatmentKnown, prev)
		require.NoError(t, err)
		requirePartition(t, eligible, next)

		if prev != nil {
			for _, id := range eligible {
				a, _ := prev.partnerOf(id)
				b, _ := next.partnerOf(id)
				if a != b {
					changed = true
				}
			}
		}
		prev = next
	}

	assert.True(t, changed, "eight draws over nine players never changed a partner")
}

func TestMatchRandomlyDoesNotMutateInput(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	eligible := players("a", "b", "c", "d", "e")
	original := append([]string(nil), eligible...)

	_, _ = matchRandomly(rng, eligible)
	assert.Equal(t, original, eligible)
}
