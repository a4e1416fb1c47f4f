package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/procman"
	"github.com/steward-sh/steward/internal/store"
)

type fakeSessions struct {
	mu      sync.Mutex
	created []string
	killed  []string
}

func (f *fakeSessions) CreateSession(name string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	return nil
}

func (f *fakeSessions) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, name)
	return nil
}

type fakeLifecycle struct {
	mu        sync.Mutex
	completed []int64
	failed    map[int64]string
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{failed: make(map[int64]string)}
}

func (f *fakeLifecycle) Complete(id int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeLifecycle) Fail(id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = reason
	return nil
}

func (f *fakeLifecycle) completedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.completed...)
}

func (f *fakeLifecycle) failedReason(id int64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.failed[id]
	return r, ok
}

func newTestProcessor(t *testing.T, opts Options) (*QueueProcessor, *store.Store, *fakeSessions, *fakeLifecycle) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	sessions := &fakeSessions{}
	lc := newFakeLifecycle()
	procs := procman.NewManager(nil)
	q := NewQueueProcessor(s, sessions, procs, lc, nil, opts)
	return q, s, sessions, lc
}

func TestTickAdmitsAndCompletes(t *testing.T) {
	q, s, sessions, lc := newTestProcessor(t, Options{SetupCommand: []string{"true"}})
	id, _, err := s.Projects.Enqueue("spec.md", "", 0, "")
	require.NoError(t, err)

	require.NoError(t, q.Tick(context.Background()))

	require.Len(t, sessions.created, 1)
	p, err := s.Projects.Get(id)
	require.NoError(t, err)
	require.NotEmpty(t, p.SessionName)
	require.Greater(t, p.MainPID, 0)

	require.Eventually(t, func() bool {
		return len(lc.completedIDs()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []int64{id}, lc.completedIDs())
}

func TestTickHonorsSingleAdmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, s, sessions, _ := newTestProcessor(t, Options{SetupCommand: []string{"sleep", "60"}, Grace: 100 * time.Millisecond})
	_, _, err := s.Projects.Enqueue("a.md", "", 0, "")
	require.NoError(t, err)
	_, _, err = s.Projects.Enqueue("b.md", "", 0, "")
	require.NoError(t, err)

	require.NoError(t, q.Tick(ctx))
	require.NoError(t, q.Tick(ctx))

	// The second pass claims nothing while the first project holds the slot.
	require.Len(t, sessions.created, 1)
	queued, err := s.Projects.List(domain.StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
}

func TestCrashFailsProject(t *testing.T) {
	q, s, _, lc := newTestProcessor(t, Options{SetupCommand: []string{"false"}})
	id, _, err := s.Projects.Enqueue("spec.md", "", 0, "")
	require.NoError(t, err)

	require.NoError(t, q.Tick(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := lc.failedReason(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	reason, _ := lc.failedReason(id)
	require.Contains(t, reason, "crashed")
}

func TestDeadlineMovesToTimingOutThenFails(t *testing.T) {
	q, s, _, lc := newTestProcessor(t, Options{
		SetupCommand:      []string{"sleep", "60"},
		MaxProcessRuntime: 100 * time.Millisecond,
		Grace:             100 * time.Millisecond,
	})
	id, _, err := s.Projects.Enqueue("spec.md", "", 0, "")
	require.NoError(t, err)

	require.NoError(t, q.Tick(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := lc.failedReason(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	reason, _ := lc.failedReason(id)
	require.Contains(t, reason, "timed out")

	// The deadline hook moved the row out of processing before the kill.
	p, err := s.Projects.Get(id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusTimingOut, p.Status)
}

func TestKickRespectsFastLaneSwitch(t *testing.T) {
	q, _, _, _ := newTestProcessor(t, Options{DisableFastLane: true})
	q.Kick()
	select {
	case <-q.kick:
		t.Fatal("kick must be ignored with the fast lane disabled")
	default:
	}

	q2, _, _, _ := newTestProcessor(t, Options{})
	q2.Kick()
	q2.Kick() // coalesces
	select {
	case <-q2.kick:
	default:
		t.Fatal("kick was lost")
	}
	select {
	case <-q2.kick:
		t.Fatal("kicks must coalesce")
	default:
	}
}

func TestSetupArgvSubstitution(t *testing.T) {
	q, _, _, _ := newTestProcessor(t, Options{
		SetupCommand: []string{"runner", "--spec", "{spec}", "--dir", "{project_dir}", "--session", "{session}"},
	})
	argv := q.setupArgv(&domain.Project{SpecPath: "/tmp/s.md", ProjectPath: "/work"}, "steward-9")
	require.Equal(t, []string{"runner", "--spec", "/tmp/s.md", "--dir", "/work", "--session", "steward-9"}, argv)
}
