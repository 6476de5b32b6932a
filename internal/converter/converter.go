// Package converter runs the external single-file tile converter.
//
// The converter is an executable invoked once per input file as
//
//	<converter> <dest-dir> <input-file>
//
// Its standard streams are discarded; only the process exit status is
// consulted.
package converter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/Fralo/trento-tree-detection/internal/logging"
)

// ErrConverterNotFound indicates the converter executable could not be resolved.
var ErrConverterNotFound = errors.New("converter executable not found")

// ExitStatusError reports a converter run that exited non-zero.
type ExitStatusError struct {
	Input string
	Code  int
	Err   error
}

func (e *ExitStatusError) Error() string {
	return fmt.Sprintf("converter exited with status %d", e.Code)
}

func (e *ExitStatusError) Unwrap() error { return e.Err }

// Runner executes an external command to completion. This interface enables
// testing without spawning real subprocesses.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// execRunner is the default Runner. Cancelling ctx sends the process a single
// SIGTERM; the process is never force-killed.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	return cmd.Run()
}

// ExecRunner returns the Runner backed by os/exec.
func ExecRunner() Runner {
	return execRunner{}
}

// FindBinary resolves name (a bare command or a path) to an executable.
// Returns an error wrapping ErrConverterNotFound if it cannot be resolved.
func FindBinary(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: no converter configured", ErrConverterNotFound)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not an executable on PATH", ErrConverterNotFound, name)
	}
	return path, nil
}

// Converter invokes one executable per input file.
type Converter struct {
	path   string
	runner Runner
}

// NewWithRunner returns a Converter that runs path through runner.
func NewWithRunner(path string, runner Runner) *Converter {
	return &Converter{path: path, runner: runner}
}

// Convert converts input into destDir. A non-zero exit is returned as an
// *ExitStatusError; failures to start the process are wrapped as-is.
func (c *Converter) Convert(ctx context.Context, destDir, input string) error {
	log := logging.FromContext(ctx)
	log.Debug().
		Ctx(ctx).
		Str("component", "converter").
		Str("input", input).
		Str("dest_dir", destDir).
		Msg("starting conversion")

	err := c.runner.Run(ctx, c.path, destDir, input)
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitStatusError{Input: input, Code: exitErr.ExitCode(), Err: err}
	}
	return fmt.Errorf("running converter on %s: %w", input, err)
}
