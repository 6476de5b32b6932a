package cli_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Fralo/trento-tree-detection/internal/cli"
)

func TestExitError(t *testing.T) {
	inner := errors.New("interrupted by signal")
	err := &cli.ExitError{ExitCode: cli.ExitInterrupted, Reason: "interrupted", Err: inner}
	assert.Equal(t, "interrupted by signal", err.Error())
	assert.ErrorIs(t, err, inner)

	bare := &cli.ExitError{ExitCode: 3, Reason: "custom"}
	assert.Equal(t, "exit status 3: custom", bare.Error())
	assert.Equal(t, 3, cli.ExitCodeFor(bare))
}
