package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/store"
)

type sentMessage struct {
	agent    domain.AgentID
	priority int
	payload  string
}

type fakeMessenger struct {
	sent []sentMessage
}

func (f *fakeMessenger) Send(agent domain.AgentID, _ string, payload []byte, priority int, _ int64, _ domain.FIFOScope) (*domain.Message, error) {
	f.sent = append(f.sent, sentMessage{agent: agent, priority: priority, payload: string(payload)})
	return &domain.Message{}, nil
}

func newTestCheckin(t *testing.T) (*CheckinScheduler, *store.Store, *fakeMessenger) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	m := &fakeMessenger{}
	return NewCheckinScheduler(s, m, nil, CheckinOptions{}), s, m
}

func TestFireDeliversDueTask(t *testing.T) {
	c, s, m := newTestCheckin(t)
	now := time.Now()
	id, err := s.Tasks.Create("steward-1:worker", "report progress", "routine", 30*time.Minute, now.Add(-time.Second))
	require.NoError(t, err)

	require.NoError(t, c.Fire(now))

	require.Len(t, m.sent, 1)
	require.Equal(t, domain.AgentID("steward-1:worker"), m.sent[0].agent)
	require.Equal(t, domain.PriorityNormal, m.sent[0].priority)
	require.Contains(t, m.sent[0].payload, "report progress")

	// Re-timed one interval out; not due again.
	task, err := s.Tasks.Get(id)
	require.NoError(t, err)
	require.True(t, task.NextRunAt.After(now))
	require.NotNil(t, task.LastRunAt)

	require.NoError(t, c.Fire(now))
	require.Len(t, m.sent, 1)
}

func TestFireSkipsFutureTasks(t *testing.T) {
	c, s, m := newTestCheckin(t)
	now := time.Now()
	_, err := s.Tasks.Create("steward-1:worker", "later", "routine", time.Hour, now.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, c.Fire(now))
	require.Empty(t, m.sent)
}

func TestFireBacksOffCreditPausedSession(t *testing.T) {
	c, s, m := newTestCheckin(t)
	now := time.Now()

	_, _, err := s.Projects.Enqueue("spec.md", "", 0, "")
	require.NoError(t, err)
	p, err := s.Projects.ClaimNext()
	require.NoError(t, err)
	require.NoError(t, s.Projects.SetSession(p.ID, "steward-1", 0))
	require.NoError(t, s.Projects.Transition(p.ID, domain.StatusCreditPaused, ""))

	id, err := s.Tasks.Create("steward-1:worker", "report progress", "routine", 30*time.Minute, now.Add(-time.Second))
	require.NoError(t, err)

	require.NoError(t, c.Fire(now))
	require.Empty(t, m.sent)

	task, err := s.Tasks.Get(id)
	require.NoError(t, err)
	require.True(t, task.NextRunAt.After(now))
	require.Equal(t, 1, task.BackoffCount)
	require.Nil(t, task.LastRunAt)
}

func TestFireDropsSelfSchedulingTask(t *testing.T) {
	c, s, m := newTestCheckin(t)
	now := time.Now()
	id, err := s.Tasks.Create("steward-1:orchestrator", "report completion", "completion report", 30*time.Minute, now.Add(-time.Second))
	require.NoError(t, err)

	require.NoError(t, c.Fire(now))

	require.Empty(t, m.sent)
	_, err = s.Tasks.Get(id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFireKeepsOrchestratorRoutineTasks(t *testing.T) {
	c, s, m := newTestCheckin(t)
	now := time.Now()
	_, err := s.Tasks.Create("steward-1:orchestrator", "check in", "routine", 30*time.Minute, now.Add(-time.Second))
	require.NoError(t, err)

	require.NoError(t, c.Fire(now))
	require.Len(t, m.sent, 1)
}

func TestFireCatchesUpMissedTask(t *testing.T) {
	c, s, m := newTestCheckin(t)
	now := time.Now()
	id, err := s.Tasks.Create("steward-1:worker", "report progress", "routine", 10*time.Minute, now.Add(-time.Second))
	require.NoError(t, err)

	// The last fire was three intervals ago.
	_, err = s.DB().Exec(`UPDATE checkin_tasks SET last_run_at = ? WHERE id = ?`,
		now.Add(-30*time.Minute).Unix(), id)
	require.NoError(t, err)

	require.NoError(t, c.Fire(now))
	require.Len(t, m.sent, 1)

	task, err := s.Tasks.Get(id)
	require.NoError(t, err)
	require.False(t, task.Missed(now))
}

func TestFireDeletesMalformedTask(t *testing.T) {
	c, s, m := newTestCheckin(t)
	now := time.Now()
	id, err := s.Tasks.Create("no-window-here", "x", "routine", time.Minute, now.Add(-time.Second))
	require.NoError(t, err)

	require.NoError(t, c.Fire(now))
	require.Empty(t, m.sent)
	_, err = s.Tasks.Get(id)
	require.ErrorIs(t, err, store.ErrNotFound)
}
