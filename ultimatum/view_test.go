package ultimatum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectForUnknownPlayer(t *testing.T) {
	e, _ := newTestExperiment(t)

	_, err := e.ProjectFor("ghost")
	require.ErrorIs(t, err, ErrUnknownPlayer)
}

func TestParticipantViewInLobby(t *testing.T) {
	e, _ := newTestExperiment(t)
	seed(t, e, []string{"admin"}, 2)

	proj, err := e.ProjectFor("p1")
	require.NoError(t, err)
	require.Nil(t, proj.Aggregate)
	require.NotNil(t, proj.Personal)

	pv := proj.Personal
	assert.Equal(t, StatusLobby, pv.Global.Status)
	assert.Equal(t, "p1", pv.Me.ID)
	assert.Nil(t, pv.MyGame)
	assert.Nil(t, pv.RoleInfo)
	assert.Equal(t, 3, pv.PlayerCount)
}

func TestAnonymousTreatmentHidesPartner(t *testing.T) {
	e, _ := newTestExperiment(t)
	seed(t, e, []string{"admin"}, 2)
	require.NoError(t, e.StartTreatment("admin", TreatmentAnonymous))

	for _, id := range []string{"p1", "p2"} {
		proj, err := e.ProjectFor(id)
		require.NoError(t, err)
		pv := proj.Personal

		require.NotNil(t, pv.RoleInfo)
		assert.Equal(t, AnonymousPartner, pv.RoleInfo.PartnerName)
		require.NotNil(t, pv.MyGame)

		other := "p2"
		if id == "p2" {
			other = "p1"
		}
		assert.NotContains(t, []string{pv.MyGame.Proposer, pv.MyGame.Responder}, other)
		assert.Contains(t, []string{pv.MyGame.Proposer, pv.MyGame.Responder}, id)
	}
}

func TestAnonymousTreatmentHidesPartnerEarnings(t *testing.T) {
	e, _ := newTestExperiment(t)
	seed(t, e, []string{"admin"}, 2)
	require.NoError(t, e.StartTreatment("admin", TreatmentAnonymous))

	a := e.State().Pairings["p1"]
	proposer, responder := "p1", "p2"
	if a.Role == AssignedResponder {
		proposer, responder = "p2", "p1"
	}
	require.NoError(t, e.MakeOffer(proposer, a.GameID, 4))
	require.NoError(t, e.Respond(responder, a.GameID, true))

	proj, err := e.ProjectFor(responder)
	require.NoError(t, err)

	g := proj.Personal.MyGame
	require.NotNil(t, g)
	assert.Equal(t, 4, g.Earnings[responder])
	assert.Equal(t, 6, g.Earnings[AnonymousPartner])
	assert.NotContains(t, g.Earnings, proposer)

	// The stored game is untouched by the redaction.
	assert.Equal(t, 6, e.Export().Games[a.GameID].Earnings[proposer])
}

func TestKnownTreatmentRevealsPartner(t *testing.T) {
	e, _ := newTestExperiment(t)
	seed(t, e, []string{"admin"}, 2)
	require.NoError(t, e.StartTreatment("admin", TreatmentKnown))

	proj, err := e.ProjectFor("p1")
	require.NoError(t, err)

	pv := proj.Personal
	assert.Equal(t, "Player p2", pv.RoleInfo.PartnerName)
	assert.Contains(t, []string{pv.MyGame.Proposer, pv.MyGame.Responder}, "p2")
	assert.Equal(t, StatusTreatment2, pv.Global.Status)
}

func TestParticipantSeesOnlyOwnGame(t *testing.T) {
	e, _ := newTestExperiment(t)
	seed(t, e, []string{"admin"}, 5)
	require.NoError(t, e.StartTreatment("admin", TreatmentKnown))

	st := e.State()
	for id, a := range st.Pairings {
		proj, err := e.ProjectFor(id)
		require.NoError(t, err)
		pv := proj.Personal

		if a.Role == AssignedUnpaired {
			assert.Nil(t, pv.MyGame)
			assert.Equal(t, AssignedUnpaired, pv.RoleInfo.Role)
			assert.Empty(t, pv.RoleInfo.PartnerName)
			continue
		}

		require.NotNil(t, pv.MyGame)
		assert.Equal(t, a.GameID, pv.MyGame.ID)
		assert.Equal(t, a.Role, pv.RoleInfo.Role)
	}
}

func TestWaitingPhaseHasNoGame(t *testing.T) {
	e, _ := newTestExperiment(t, WithMaxSubRounds(1))
	seed(t, e, []string{"admin"}, 2)
	require.NoError(t, e.StartTreatment("admin", TreatmentKnown))
	require.NoError(t, e.NextRound("admin"))

	proj, err := e.ProjectFor("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingNext, proj.Personal.Global.Status)
	assert.Nil(t, proj.Personal.MyGame)
	assert.Nil(t, proj.Personal.RoleInfo)
}

func TestResearcherGetsAggregate(t *testing.T) {
	e, clock := newTestExperiment(t)
	seed(t, e, []string{"admin"}, 4)
	require.NoError(t, e.StartTreatment("admin", TreatmentKnown))
	require.NoError(t, e.NextRound("admin"))

	require.NoError(t, e.Touch("p1", clock.Now()))
	require.NoError(t, e.Touch("p2", clock.Now().Add(-time.Hour)))
	require.ErrorIs(t, e.Touch("ghost", clock.Now()), ErrUnknownPlayer)

	proj, err := e.ProjectFor("admin")
	require.NoError(t, err)
	require.Nil(t, proj.Personal)
	require.NotNil(t, proj.Aggregate)

	agg := proj.Aggregate
	assert.Len(t, agg.Players, 5)
	assert.Len(t, agg.Games, 4)
	assert.Len(t, agg.State.Pairings, 4)
	require.Len(t, agg.GameOrder, 4)
	assert.Equal(t, 2, agg.Games[agg.GameOrder[0]].Round)
	assert.Equal(t, 1, agg.Games[agg.GameOrder[3]].Round)
	assert.Len(t, agg.LastSeen, 2)

	assert.Equal(t, 1, e.Online(time.Minute))
}
