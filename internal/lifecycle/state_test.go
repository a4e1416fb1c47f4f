package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	in := &SessionState{
		Session:     "steward-7",
		ProjectID:   7,
		Phases:      map[string]string{"plan": "done", "build": "running"},
		CompletedAt: nil,
	}
	require.NoError(t, WriteSessionState(dir, in))

	out, err := ReadSessionState(dir, "steward-7")
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, int64(7), out.ProjectID)
	require.Equal(t, "running", out.Phases["build"])
	require.False(t, out.UpdatedAt.Before(now.Add(-time.Second)))
}

func TestSessionStateMissingFile(t *testing.T) {
	out, err := ReadSessionState(t.TempDir(), "steward-404")
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestSessionStateCompleted(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name  string
		state SessionState
		want  bool
	}{
		{"explicit stamp", SessionState{CompletedAt: &now}, true},
		{"all phases terminal", SessionState{Phases: map[string]string{"plan": "done", "build": "skipped"}}, true},
		{"phase running", SessionState{Phases: map[string]string{"plan": "done", "build": "running"}}, false},
		{"no phases no stamp", SessionState{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.state.Completed())
		})
	}
}

func TestSessionStateFailed(t *testing.T) {
	require.True(t, (&SessionState{Phases: map[string]string{"build": "failed"}}).Failed())
	require.False(t, (&SessionState{Phases: map[string]string{"build": "done"}}).Failed())
}

func TestRemoveSessionState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteSessionState(dir, &SessionState{Session: "steward-1"}))
	require.NoError(t, RemoveSessionState(dir, "steward-1"))
	require.NoError(t, RemoveSessionState(dir, "steward-1")) // idempotent

	out, err := ReadSessionState(dir, "steward-1")
	require.NoError(t, err)
	require.Nil(t, out)
}
