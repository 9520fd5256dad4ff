// Package runner executes external commands under enforced timeouts with
// two-phase termination.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/membank/bankd/pkg/models"
)

// Errors reported by the runner and executor for programmer-error-class
// conditions. Everything else is reported as data on the ExecutionResult.
var (
	ErrEmptyCommand     = errors.New("command must not be empty")
	ErrInvalidTimeout   = errors.New("timeout must be positive")
	ErrTooManyProcesses = errors.New("concurrent process limit reached")
)

// Spec describes one command run.
type Spec struct {
	Command        string
	Args           []string
	Timeout        time.Duration
	ForceKillGrace time.Duration
	WorkDir        string
	Env            map[string]string
}

// StatusFunc observes handle status transitions as the run progresses.
type StatusFunc func(models.ProcessStatus)

// Run executes the command described by spec and blocks until a terminal
// outcome. Spawn failures are reported on the result, never as a panic or
// error return. Cancelling ctx requests an explicit stop, which goes through
// the same graceful-then-forced termination as a timeout.
//
// Exactly one terminal outcome is produced: the race between natural exit
// and timeout expiry is resolved first-writer-wins by the select below.
func Run(ctx context.Context, spec Spec, onStatus StatusFunc) models.ExecutionResult {
	if onStatus == nil {
		onStatus = func(models.ProcessStatus) {}
	}

	start := time.Now()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		onStatus(models.ProcessStatusFailed)
		return models.ExecutionResult{
			Success: false,
			Elapsed: time.Since(start),
			Error:   "spawn failed: " + err.Error(),
		}
	}

	pid := cmd.Process.Pid
	onStatus(models.ProcessStatusRunning)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	var (
		waitErr  error
		timedOut bool
		killed   bool
	)

	select {
	case waitErr = <-waitCh:
		// Natural exit won the race.

	case <-timer.C:
		timedOut = true
		killed = true
		onStatus(models.ProcessStatusTimedOut)
		log.Warn().
			Int("pid", pid).
			Str("command", spec.Command).
			Dur("timeout", spec.Timeout).
			Msg("Command exceeded timeout, terminating")
		waitErr = terminate(cmd, waitCh, spec.ForceKillGrace, onStatus)

	case <-ctx.Done():
		killed = true
		log.Info().
			Int("pid", pid).
			Str("command", spec.Command).
			Msg("Stop requested, terminating")
		waitErr = terminate(cmd, waitCh, spec.ForceKillGrace, onStatus)
	}

	elapsed := time.Since(start)
	exitCode := exitCodeOf(waitErr)
	success := waitErr == nil && !timedOut && !killed

	switch {
	case killed:
		onStatus(models.ProcessStatusKilled)
	case success:
		onStatus(models.ProcessStatusCompleted)
	default:
		onStatus(models.ProcessStatusFailed)
	}

	result := models.ExecutionResult{
		Success:  success,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Elapsed:  elapsed,
		PID:      pid,
		TimedOut: timedOut,
		Killed:   killed,
	}
	if timedOut {
		result.Error = "command timed out after " + spec.Timeout.String()
	} else if waitErr != nil && !killed {
		result.Error = waitErr.Error()
	}
	return result
}

// terminate sends SIGTERM, then escalates to SIGKILL if the process has not
// exited within the grace window. It always consumes the wait result.
func terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration, onStatus StatusFunc) error {
	onStatus(models.ProcessStatusStopping)

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process may already be gone; fall through to the wait.
		log.Debug().Err(err).Int("pid", cmd.Process.Pid).Msg("SIGTERM delivery failed")
	}

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
		log.Warn().
			Int("pid", cmd.Process.Pid).
			Dur("grace", grace).
			Msg("Graceful termination ignored, force killing")
		_ = cmd.Process.Kill()
		return <-waitCh
	}
}

// exitCodeOf extracts the exit code from a wait error.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
