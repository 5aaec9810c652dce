// Package runner executes a backend's build and test commands as child
// processes, enforcing a per-trial wall-clock timeout and stripping ANSI
// escape sequences from captured output before the dry-run coordinator or
// scheduler parses it.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"syscall"
	"time"

	"github.com/trailofbits/necessist/internal/backend"
)

// ansiEscape matches ANSI CSI/SGR escape sequences emitted by colorized
// test-runner output (cargo, a TTY-detecting `go test` reporter, forge,
// hardhat/mocha, vitest).
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes ANSI escape sequences from s.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// Result is what one invocation of a backend's command line produced.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Run executes cmd under dir with a wall-clock timeout (zero means no
// timeout), killing the full process group if it is exceeded so a
// runaway recursive fork-and-exec in the target test cannot outlive the
// watchdog. Stdout and stderr are captured separately and ANSI-stripped
// before being returned: the dry-run coordinator parses sentinels out of
// them.
func Run(ctx context.Context, dir string, cmd backend.CommandLine, timeout time.Duration) (Result, error) {
	runCtx := ctx

	if timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(runCtx, cmd.Program, cmd.Args...)
	execCmd.Dir = dir
	execCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer

	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	runErr := execCmd.Run()
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	canceled := runCtx.Err() != nil

	if canceled {
		// Reaches both the per-trial watchdog (DeadlineExceeded) and an
		// outer SIGINT (Canceled): either way the whole process group,
		// including anything the test runner itself forked, must die
		// before the caller reverts the in-flight mutation.
		killGroup(execCmd)
	}

	result := Result{
		Stdout:   StripANSI(stdout.String()),
		Stderr:   StripANSI(stderr.String()),
		TimedOut: timedOut,
	}

	if runErr == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()

		return result, nil
	}

	if timedOut {
		result.ExitCode = -1

		return result, nil
	}

	return result, fmt.Errorf("run %s: %w", cmd.Program, runErr)
}

// killGroup sends one SIGKILL to cmd's entire process group (negative
// pid), so a watchdog timeout or cancellation reaches grandchildren too;
// every member of the group gets the signal at once, in no set order.
func killGroup(c *exec.Cmd) {
	if c.Process == nil {
		return
	}

	_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
}
