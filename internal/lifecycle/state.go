package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionState is the per-session state file the agent layer maintains under
// the session-state directory. The core consults it during reboot recovery
// and completion detection; only the agent layer writes it.
type SessionState struct {
	Session   string            `json:"session"`
	ProjectID int64             `json:"project_id"`
	// Phases maps phase name to its state. A phase is terminal when its
	// state is done, failed, or skipped.
	Phases      map[string]string `json:"phases,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

var terminalPhases = map[string]bool{
	"done":      true,
	"completed": true,
	"failed":    true,
	"skipped":   true,
}

// Completed reports whether the state records a finished run: an explicit
// completion stamp, or every tracked phase terminal.
func (s *SessionState) Completed() bool {
	if s.CompletedAt != nil {
		return true
	}
	if len(s.Phases) == 0 {
		return false
	}
	for _, state := range s.Phases {
		if !terminalPhases[state] {
			return false
		}
	}
	return true
}

// Failed reports whether any phase ended in failure.
func (s *SessionState) Failed() bool {
	for _, state := range s.Phases {
		if state == "failed" {
			return true
		}
	}
	return false
}

func statePath(dir, session string) string {
	return filepath.Join(dir, session+".json")
}

// ReadSessionState loads the state file for session from dir. A missing file
// returns (nil, nil); a corrupt one is an error.
func ReadSessionState(dir, session string) (*SessionState, error) {
	data, err := os.ReadFile(statePath(dir, session)) //nolint:gosec // G304: path under the configured state dir
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session state for %s: %w", session, err)
	}
	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing session state for %s: %w", session, err)
	}
	return &state, nil
}

// WriteSessionState persists the state file. Exposed for the agent-side
// tooling and tests; the daemon itself only reads.
func WriteSessionState(dir string, state *SessionState) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating session-state dir: %w", err)
	}
	state.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session state for %s: %w", state.Session, err)
	}
	tmp := statePath(dir, state.Session) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing session state for %s: %w", state.Session, err)
	}
	return os.Rename(tmp, statePath(dir, state.Session))
}

// RemoveSessionState deletes the session's state file if present.
func RemoveSessionState(dir, session string) error {
	err := os.Remove(statePath(dir, session))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
