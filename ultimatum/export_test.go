package ultimatum

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func playedExperiment(t *testing.T) (*Experiment, *fakeClock) {
	t.Helper()

	e, clock := newTestExperiment(t)
	seed(t, e, []string{"admin"}, 5)
	require.NoError(t, e.StartTreatment("admin", TreatmentAnonymous))

	for id, a := range e.State().Pairings {
		if a.Role != AssignedProposer {
			continue
		}
		require.NoError(t, e.MakeOffer(id, a.GameID, 4))
		require.NoError(t, e.Respond(a.Partner, a.GameID, false))
	}
	require.NoError(t, e.NextRound("admin"))

	for id, a := range e.State().Pairings {
		if a.Role == AssignedProposer {
			require.NoError(t, e.MakeOffer(id, a.GameID, 2))
			break
		}
	}
	require.NoError(t, e.Touch("p3", clock.Now()))

	return e, clock
}

func TestExportRoundTrip(t *testing.T) {
	src, _ := playedExperiment(t)
	doc := src.Export()

	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	var decoded Export
	require.NoError(t, json.Unmarshal(raw, &decoded))

	dst := New(WithClock(func() time.Time { return doc.ExportedAt }))
	require.NoError(t, dst.Restore(decoded))

	if diff := cmp.Diff(doc, dst.Export()); diff != "" {
		t.Fatalf("export changed after restore (-want +got):\n%s", diff)
	}
}

func TestRestoredExperimentContinues(t *testing.T) {
	src, _ := playedExperiment(t)
	doc := src.Export()

	dst, _ := newTestExperiment(t)
	require.NoError(t, dst.Restore(doc))

	var open, history string
	for _, a := range dst.State().Pairings {
		if a.Role == AssignedProposer && doc.Games[a.GameID].Status == GameOfferMade {
			require.NoError(t, dst.Respond(a.Partner, a.GameID, true))
			open = a.GameID
		}
	}
	require.NotEmpty(t, open)
	assert.Equal(t, GameCompleted, dst.Export().Games[open].Status)

	for id, g := range doc.Games {
		if g.SubRound == 1 {
			history = id
			break
		}
	}
	g := doc.Games[history]
	require.ErrorIs(t, dst.MakeOffer(g.Proposer, history, 1), ErrInvalidState)

	require.NoError(t, dst.NextRound("admin"))
	assert.Equal(t, 3, dst.State().SubRound)
}

func TestRestoreRejectsDanglingReferences(t *testing.T) {
	src, _ := playedExperiment(t)

	doc := src.Export()
	delete(doc.Players, "p1")
	require.Error(t, New().Restore(doc))

	doc = src.Export()
	doc.State.Status = "PAUSED"
	require.ErrorIs(t, New().Restore(doc), ErrInvalidArgument)

	before := New()
	_, err := before.Register("keep", "Keep", RoleResearcher)
	require.NoError(t, err)
	doc = src.Export()
	for _, a := range doc.State.Pairings {
		if a.GameID != "" {
			delete(doc.Games, a.GameID)
			break
		}
	}
	require.ErrorIs(t, before.Restore(doc), ErrUnknownGame)
	assert.Contains(t, before.Export().Players, "keep")
}
