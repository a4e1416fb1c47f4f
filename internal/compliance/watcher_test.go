package compliance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/internal/events"
)

func TestWatcherReloadsOnEdit(t *testing.T) {
	evbus, err := events.NewBus("")
	require.NoError(t, err)
	defer evbus.Close()
	engine := NewEngine(evbus, nil, 0)

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.md")
	require.NoError(t, os.WriteFile(path, []byte("# Git\n- first rule\n"), 0o600))
	require.NoError(t, engine.LoadRulesFile(path))
	require.Len(t, engine.Rules(), 1)

	w, err := NewWatcher(engine, path, 50*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	reloaded, err := w.Start()
	require.NoError(t, err)

	// A burst of writes coalesces into one reload.
	for i := range 5 {
		require.NoError(t, os.WriteFile(path, []byte("# Git\n- first rule\n- second rule\n"), 0o600))
		if i < 4 {
			time.Sleep(5 * time.Millisecond)
		}
	}

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("reload never happened")
	}
	require.Len(t, engine.Rules(), 2)

	// The trigger marker is dropped next to the document.
	_, err = os.Stat(path + ".reload")
	require.NoError(t, err)
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	evbus, err := events.NewBus("")
	require.NoError(t, err)
	defer evbus.Close()
	engine := NewEngine(evbus, nil, 0)

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.md")
	require.NoError(t, os.WriteFile(path, []byte("# Git\n- rule\n"), 0o600))
	require.NoError(t, engine.LoadRulesFile(path))

	w, err := NewWatcher(engine, path, 30*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	reloaded, err := w.Start()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	select {
	case <-reloaded:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherKeepsRulesOnBrokenEdit(t *testing.T) {
	evbus, err := events.NewBus("")
	require.NoError(t, err)
	defer evbus.Close()
	engine := NewEngine(evbus, nil, 0)

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.md")
	require.NoError(t, os.WriteFile(path, []byte("# Git\n- rule\n"), 0o600))
	require.NoError(t, engine.LoadRulesFile(path))

	w, err := NewWatcher(engine, path, 30*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	reloaded, err := w.Start()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("# Git\n- broken pattern:`[bad`\n"), 0o600))

	select {
	case <-reloaded:
		t.Fatal("broken document must not complete a reload")
	case <-time.After(300 * time.Millisecond):
	}
	require.Len(t, engine.Rules(), 1)
}
