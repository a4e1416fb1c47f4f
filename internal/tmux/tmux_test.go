package tmux

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRunner scripts tmux replies keyed by the subcommand plus arguments.
type fakeRunner struct {
	replies map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(args ...string) (string, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	return f.replies[key], nil
}

func newFake() *fakeRunner {
	return &fakeRunner{replies: map[string]string{}, errs: map[string]error{}}
}

func TestCreateSession(t *testing.T) {
	f := newFake()
	f.errs["has-session -t =proj7-impl"] = errors.New("no such session")
	c := NewControllerWithRunner(f)

	require.NoError(t, c.CreateSession("proj7-impl", []string{"lead", "builder"}))
	require.Contains(t, f.calls, "new-session -d -s proj7-impl -n lead")
	require.Contains(t, f.calls, "new-window -t proj7-impl -n builder")
}

func TestCreateSessionExists(t *testing.T) {
	f := newFake() // has-session succeeds by default
	c := NewControllerWithRunner(f)

	err := c.CreateSession("proj7-impl", []string{"lead"})
	require.ErrorIs(t, err, ErrSessionExists)
}

func TestKillSessionMissingIsNoop(t *testing.T) {
	f := newFake()
	f.errs["has-session -t =gone"] = errors.New("no such session")
	c := NewControllerWithRunner(f)

	require.NoError(t, c.KillSession("gone"))
	require.NotContains(t, f.calls, "kill-session -t gone")
}

func TestListSessions(t *testing.T) {
	f := newFake()
	f.replies["list-sessions -F #{session_name}\t#{session_created}"] = "proj7-impl\t1700000000\nother\t1700000100\n"
	c := NewControllerWithRunner(f)

	sessions, err := c.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, int64(1700000000), sessions["proj7-impl"].Unix())
}

func TestListSessionsNoServer(t *testing.T) {
	f := newFake()
	f.errs["list-sessions -F #{session_name}\t#{session_created}"] = errors.New("no server running")
	c := NewControllerWithRunner(f)

	sessions, err := c.ListSessions()
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestResolveWindow(t *testing.T) {
	f := newFake()
	f.replies["list-windows -t s -F #{window_index}\t#{window_name}"] = "0\tlead\n1\tbuilder\n2\t42\n"
	c := NewControllerWithRunner(f)

	// Exact name match.
	idx, err := c.ResolveWindow("s", "builder")
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	// A name that looks numeric wins over index interpretation.
	idx, err = c.ResolveWindow("s", "42")
	require.NoError(t, err)
	require.Equal(t, 2, idx)

	// Numeric index fallback.
	idx, err = c.ResolveWindow("s", "0")
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	_, err = c.ResolveWindow("s", "missing")
	require.ErrorIs(t, err, ErrWindowNotFound)
}

func TestSendKeys(t *testing.T) {
	f := newFake()
	f.replies["list-windows -t s -F #{window_index}\t#{window_name}"] = "0\tlead\n"
	c := NewControllerWithRunner(f)

	require.NoError(t, c.SendKeys("s:lead", "status report please"))
	require.Contains(t, f.calls, "send-keys -t s:0 -l status report please")
	require.Contains(t, f.calls, "send-keys -t s:0 Enter")
}

func TestCapturePaneTail(t *testing.T) {
	f := newFake()
	f.replies["list-windows -t s -F #{window_index}\t#{window_name}"] = "0\tlead\n"
	f.replies["capture-pane -t s:0 -p"] = "line1\nline2\nline3\nline4\n"
	c := NewControllerWithRunner(f)

	out, err := c.CapturePane("s:lead", 2)
	require.NoError(t, err)
	require.Equal(t, "line3\nline4", out)
}
