package ultimatum

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time and moves it forward one second.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.t
	c.t = c.t.Add(time.Second)
	return now
}

func newTestExperiment(t *testing.T, opts ...Option) (*Experiment, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	base := []Option{
		WithRand(rand.New(rand.NewPCG(7, 11))),
		WithClock(clock.Now),
	}
	return New(append(base, opts...)...), clock
}

// seed registers the given researchers followed by n participants named
// p1..pn and returns the participant ids.
func seed(t *testing.T, e *Experiment, researchers []string, n int) []string {
	t.Helper()

	for _, id := range researchers {
		p, err := e.Register(id, id, RoleResearcher)
		require.NoError(t, err)
		require.Equal(t, RoleResearcher, p.Role)
	}

	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("p%d", i)
		_, err := e.Register(id, "Player "+id, RoleParticipant)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}
