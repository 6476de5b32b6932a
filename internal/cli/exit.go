package cli

import (
	"errors"
	"fmt"

	"github.com/Fralo/trento-tree-detection/internal/engine"
)

// Process exit statuses.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// ExitError carries a specific process exit status through Cobra's error
// return. main extracts it with errors.As.
type ExitError struct {
	ExitCode int
	Reason   string
	Err      error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d: %s", e.ExitCode, e.Reason)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCodeFor maps an error returned by the command tree to a process exit
// status: 0 for nil, the carried code for an *ExitError, 130 for an
// interrupted run and 1 for anything else.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}
	if errors.Is(err, engine.ErrCanceled) {
		return ExitInterrupted
	}
	return ExitFailure
}
