package runner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/necessist/internal/backend"
	"github.com/trailofbits/necessist/internal/runner"
)

func TestRun_CapturesStdoutAndExitCode(t *testing.T) {
	t.Parallel()

	cmd := backend.CommandLine{Program: "sh", Args: []string{"-c", "echo hello; exit 0"}}

	result, err := runner.Run(context.Background(), t.TempDir(), cmd, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.TimedOut)
}

func TestRun_CapturesNonZeroExitCode(t *testing.T) {
	t.Parallel()

	cmd := backend.CommandLine{Program: "sh", Args: []string{"-c", "echo boom 1>&2; exit 7"}}

	result, err := runner.Run(context.Background(), t.TempDir(), cmd, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "boom\n", result.Stderr)
	assert.Equal(t, 7, result.ExitCode)
}

func TestRun_Timeout(t *testing.T) {
	t.Parallel()

	cmd := backend.CommandLine{Program: "sh", Args: []string{"-c", "sleep 5"}}

	result, err := runner.Run(context.Background(), t.TempDir(), cmd, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
}

func TestRun_NoTimeoutMeansUnbounded(t *testing.T) {
	t.Parallel()

	cmd := backend.CommandLine{Program: "sh", Args: []string{"-c", "exit 0"}}

	result, err := runner.Run(context.Background(), t.TempDir(), cmd, 0)
	require.NoError(t, err)
	assert.False(t, result.TimedOut)
}

func TestStripANSI_RemovesEscapeSequences(t *testing.T) {
	t.Parallel()

	colored := "\x1b[32mok\x1b[0m \x1b[1;31mFAIL\x1b[0m"
	assert.Equal(t, "ok FAIL", runner.StripANSI(colored))
}

func TestStripANSI_LeavesPlainTextUnchanged(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "plain text", runner.StripANSI("plain text"))
}
