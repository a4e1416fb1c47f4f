package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskDueSelection(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	early, err := s.Tasks.Create("s:0", "check in", "periodic", 30*time.Minute, now.Add(-time.Minute))
	require.NoError(t, err)
	late, err := s.Tasks.Create("s:0", "check in", "periodic", 30*time.Minute, now.Add(-2*time.Minute))
	require.NoError(t, err)
	_, err = s.Tasks.Create("s:0", "later", "periodic", 30*time.Minute, now.Add(time.Hour))
	require.NoError(t, err)

	due, err := s.Tasks.Due(now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	// Soonest first.
	require.Equal(t, late, due[0].ID)
	require.Equal(t, early, due[1].ID)
}

func TestTaskFiredRetimes(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Truncate(time.Second)

	id, err := s.Tasks.Create("s:0", "check in", "periodic", 30*time.Minute, now)
	require.NoError(t, err)
	require.NoError(t, s.Tasks.Fired(id, now))

	task, err := s.Tasks.Get(id)
	require.NoError(t, err)
	require.NotNil(t, task.LastRunAt)
	require.Equal(t, now.Unix(), task.LastRunAt.Unix())
	require.Equal(t, now.Add(30*time.Minute).Unix(), task.NextRunAt.Unix())
	require.Zero(t, task.BackoffCount)

	due, err := s.Tasks.Due(now)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestTaskBackoffDoubles(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Truncate(time.Second)

	id, err := s.Tasks.Create("s:0", "check in", "periodic", 30*time.Minute, now)
	require.NoError(t, err)

	require.NoError(t, s.Tasks.Backoff(id, 10*time.Minute, now))
	task, err := s.Tasks.Get(id)
	require.NoError(t, err)
	require.Equal(t, now.Add(10*time.Minute).Unix(), task.NextRunAt.Unix())
	require.Equal(t, 1, task.BackoffCount)

	require.NoError(t, s.Tasks.Backoff(id, 10*time.Minute, now))
	task, err = s.Tasks.Get(id)
	require.NoError(t, err)
	require.Equal(t, now.Add(20*time.Minute).Unix(), task.NextRunAt.Unix())
	require.Equal(t, 2, task.BackoffCount)

	// A successful fire resets the ladder.
	require.NoError(t, s.Tasks.Fired(id, now))
	task, err = s.Tasks.Get(id)
	require.NoError(t, err)
	require.Zero(t, task.BackoffCount)
}

func TestTaskMissed(t *testing.T) {
	now := time.Now()
	last := now.Add(-90 * time.Minute)
	task := &CheckinTask{Interval: 30 * time.Minute, LastRunAt: &last}
	require.True(t, task.Missed(now))

	recent := now.Add(-45 * time.Minute)
	task.LastRunAt = &recent
	require.False(t, task.Missed(now))

	task.LastRunAt = nil
	require.False(t, task.Missed(now))
}

func TestTaskDelete(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	id, err := s.Tasks.Create("s:0", "check in", "periodic", time.Minute, now)
	require.NoError(t, err)
	_, err = s.Tasks.Create("s:1", "check in", "periodic", time.Minute, now)
	require.NoError(t, err)

	require.NoError(t, s.Tasks.Delete(id))
	_, err = s.Tasks.Get(id)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Tasks.DeleteForAgent("s:1"))
	due, err := s.Tasks.Due(now.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, due)
}
