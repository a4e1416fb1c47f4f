package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/steward-sh/steward/internal/lock"
	"github.com/steward-sh/steward/internal/store"
)

// Process exit codes. Scripts depend on these staying stable.
const (
	exitOK       = 0
	exitUsage    = 2
	exitConflict = 3
	exitStore    = 4
	exitTimeout  = 5
)

// usageError marks operator input mistakes so Execute can map them to the
// usage exit code.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	var usage usageError
	switch {
	case errors.As(err, &usage):
		return exitUsage
	case errors.Is(err, lock.ErrAlreadyHeld):
		return exitConflict
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrIllegalTransition),
		errors.Is(err, store.ErrAgentUnknown),
		errors.Is(err, store.ErrDependencyCycle):
		return exitStore
	case errors.Is(err, context.DeadlineExceeded):
		return exitTimeout
	default:
		return 1
	}
}
