package engine

import (
	"errors"
	"fmt"

	"github.com/Fralo/trento-tree-detection/internal/converter"
)

// Sentinel errors for structured error handling. Typed errors below match
// them with errors.Is.
var (
	// ErrConfiguration covers missing arguments and an unusable source or
	// destination directory. Reported before any conversion starts.
	ErrConfiguration = errors.New("configuration error")

	// ErrDependencyMissing indicates the converter executable is not available.
	ErrDependencyMissing = errors.New("dependency missing")

	// ErrJobsFailed indicates at least one conversion exited non-zero.
	ErrJobsFailed = errors.New("one or more conversions failed")

	// ErrDownloadsFailed indicates at least one tile download failed.
	ErrDownloadsFailed = errors.New("one or more downloads failed")

	// ErrCanceled indicates the run was interrupted before every item was processed.
	ErrCanceled = errors.New("run cancelled")
)

// ConfigurationError describes an invalid run request.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrConfiguration, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrConfiguration, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrorf(err error, format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// DependencyMissingError reports that the converter could not be resolved.
type DependencyMissingError struct {
	Name string
	Err  error
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("%s: converter %q not found on PATH; install it or set --converter", ErrDependencyMissing, e.Name)
}

func (e *DependencyMissingError) Is(target error) bool { return target == ErrDependencyMissing }

func (e *DependencyMissingError) Unwrap() error { return e.Err }

// JobFailure records one failed conversion. It is collected in the Summary
// and never aborts the batch.
type JobFailure struct {
	Input string
	Err   error
}

func (f *JobFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Input, f.Err)
}

func (f *JobFailure) Unwrap() error { return f.Err }

// ExitCode returns the converter's exit status, or -1 when the process did
// not exit normally (failed to start, or was terminated by a signal).
func (f *JobFailure) ExitCode() int {
	var exitErr *converter.ExitStatusError
	if errors.As(f.Err, &exitErr) {
		return exitErr.Code
	}
	return -1
}
