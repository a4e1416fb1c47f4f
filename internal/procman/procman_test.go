package procman

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collector records the terminal callback.
type collector struct {
	mu      sync.Mutex
	outcome Outcome
	err     error
	fired   bool
}

func (c *collector) onExit(_ *Handle, outcome Outcome, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcome = outcome
	c.err = err
	c.fired = true
}

func (c *collector) get() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome, c.fired
}

type staticSessions struct {
	mu    sync.Mutex
	alive bool
}

func (s *staticSessions) SessionAlive(string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *staticSessions) set(alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = alive
}

func TestSpawnCompleted(t *testing.T) {
	m := NewManager(nil)
	var c collector

	h, err := m.Spawn(context.Background(), Spec{
		Argv:   []string{"true"},
		OnExit: c.onExit,
	})
	require.NoError(t, err)

	<-h.Done()
	outcome, fired := c.get()
	require.True(t, fired)
	require.Equal(t, OutcomeCompleted, outcome)
}

func TestSpawnCrashed(t *testing.T) {
	m := NewManager(nil)
	var c collector

	h, err := m.Spawn(context.Background(), Spec{
		Argv:   []string{"false"},
		OnExit: c.onExit,
	})
	require.NoError(t, err)

	<-h.Done()
	outcome, fired := c.get()
	require.True(t, fired)
	require.Equal(t, OutcomeCrashed, outcome)
}

func TestDeadlineTimesOut(t *testing.T) {
	m := NewManager(nil)
	var c collector
	deadlineFired := make(chan struct{}, 1)

	h, err := m.Spawn(context.Background(), Spec{
		Argv:       []string{"sleep", "60"},
		Deadline:   100 * time.Millisecond,
		Grace:      200 * time.Millisecond,
		OnDeadline: func(*Handle) { deadlineFired <- struct{}{} },
		OnExit:     c.onExit,
	})
	require.NoError(t, err)

	select {
	case <-deadlineFired:
	case <-time.After(5 * time.Second):
		t.Fatal("deadline callback never fired")
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process never terminated")
	}
	outcome, fired := c.get()
	require.True(t, fired)
	require.Equal(t, OutcomeTimedOut, outcome)
}

func TestGracefulExitDuringGraceIsTimedOut(t *testing.T) {
	m := NewManager(nil)
	var c collector

	// sleep dies on SIGTERM inside the grace window; the classification is
	// still timed_out because the deadline initiated the stop.
	h, err := m.Spawn(context.Background(), Spec{
		Argv:     []string{"sleep", "60"},
		Deadline: 100 * time.Millisecond,
		Grace:    5 * time.Second,
		OnExit:   c.onExit,
	})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process never terminated")
	}
	outcome, _ := c.get()
	require.Equal(t, OutcomeTimedOut, outcome)
}

func TestContextCancelStopsChild(t *testing.T) {
	m := NewManager(nil)
	var c collector
	ctx, cancel := context.WithCancel(context.Background())

	h, err := m.Spawn(ctx, Spec{
		Argv:   []string{"sleep", "60"},
		Grace:  200 * time.Millisecond,
		OnExit: c.onExit,
	})
	require.NoError(t, err)

	cancel()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process never terminated")
	}
	outcome, fired := c.get()
	require.True(t, fired)
	// The child died to our signal without a deadline: crashed, not timed out.
	require.Equal(t, OutcomeCrashed, outcome)
}

func TestZombieDetection(t *testing.T) {
	sessions := &staticSessions{alive: true}
	m := NewManager(sessions)
	m.SetPollInterval(20 * time.Millisecond)
	var c collector

	h, err := m.Spawn(context.Background(), Spec{
		Argv:    []string{"sleep", "60"},
		Session: "proj9-impl",
		OnExit:  c.onExit,
	})
	require.NoError(t, err)

	sessions.set(false)

	require.Eventually(t, func() bool {
		outcome, fired := c.get()
		return fired && outcome == OutcomeZombie
	}, 5*time.Second, 10*time.Millisecond)

	// The zombie process is still alive until explicitly reaped.
	require.True(t, PIDAlive(h.PID()))
	require.NoError(t, h.Kill())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("zombie never reaped")
	}
}

func TestPIDAlive(t *testing.T) {
	require.False(t, PIDAlive(0))
	require.False(t, PIDAlive(-5))

	m := NewManager(nil)
	h, err := m.Spawn(context.Background(), Spec{Argv: []string{"sleep", "60"}, Grace: 100 * time.Millisecond})
	require.NoError(t, err)
	require.True(t, PIDAlive(h.PID()))

	require.NoError(t, KillPID(h.PID(), syscall.SIGKILL))
	<-h.Done()
}
