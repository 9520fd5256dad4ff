package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/bankd/pkg/models"
)

func testSpec(command string, args []string, timeout time.Duration) Spec {
	return Spec{
		Command:        command,
		Args:           args,
		Timeout:        timeout,
		ForceKillGrace: 500 * time.Millisecond,
	}
}

func TestRun_Success(t *testing.T) {
	result := Run(context.Background(), testSpec("echo", []string{"hi"}, 5*time.Second), nil)

	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "hi")
	assert.False(t, result.TimedOut)
	assert.False(t, result.Killed)
	assert.Empty(t, result.Error)
	assert.Greater(t, result.PID, 0)
}

func TestRun_NonZeroExit(t *testing.T) {
	result := Run(context.Background(), testSpec("sh", []string{"-c", "echo oops >&2; exit 3"}, 5*time.Second), nil)

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Stderr, "oops")
	assert.False(t, result.TimedOut)
	assert.NotEmpty(t, result.Error)
}

func TestRun_Timeout(t *testing.T) {
	start := time.Now()
	result := Run(context.Background(), testSpec("sleep", []string{"10"}, 200*time.Millisecond), nil)
	elapsed := time.Since(start)

	assert.False(t, result.Success)
	assert.True(t, result.TimedOut)
	assert.True(t, result.Killed)
	assert.GreaterOrEqual(t, result.Elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
	assert.Contains(t, result.Error, "timed out")
}

func TestRun_TimeoutEscalatesToKill(t *testing.T) {
	// The child traps SIGTERM, so only the forced kill can end it.
	spec := testSpec("sh", []string{"-c", `trap "" TERM; sleep 10`}, 200*time.Millisecond)
	spec.ForceKillGrace = 300 * time.Millisecond

	start := time.Now()
	result := Run(context.Background(), spec, nil)

	assert.True(t, result.TimedOut)
	assert.True(t, result.Killed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_SpawnFailure(t *testing.T) {
	result := Run(context.Background(), testSpec("/nonexistent-binary-xyz", nil, time.Second), nil)

	assert.False(t, result.Success)
	assert.False(t, result.TimedOut)
	assert.Contains(t, result.Error, "spawn failed")
}

func TestRun_ExplicitStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := Run(ctx, testSpec("sleep", []string{"10"}, 30*time.Second), nil)

	assert.False(t, result.Success)
	assert.False(t, result.TimedOut)
	assert.True(t, result.Killed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_StatusTransitions(t *testing.T) {
	var transitions []models.ProcessStatus
	Run(context.Background(), testSpec("echo", []string{"ok"}, 5*time.Second), func(s models.ProcessStatus) {
		transitions = append(transitions, s)
	})

	require.NotEmpty(t, transitions)
	assert.Equal(t, models.ProcessStatusRunning, transitions[0])
	assert.Equal(t, models.ProcessStatusCompleted, transitions[len(transitions)-1])
}

func TestRun_TimeoutStatusSequence(t *testing.T) {
	var transitions []models.ProcessStatus
	Run(context.Background(), testSpec("sleep", []string{"10"}, 150*time.Millisecond), func(s models.ProcessStatus) {
		transitions = append(transitions, s)
	})

	assert.Equal(t, []models.ProcessStatus{
		models.ProcessStatusRunning,
		models.ProcessStatusTimedOut,
		models.ProcessStatusStopping,
		models.ProcessStatusKilled,
	}, transitions)
}

func TestRun_EnvAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	spec := testSpec("sh", []string{"-c", "echo $BANKD_TEST_VAR; pwd"}, 5*time.Second)
	spec.WorkDir = dir
	spec.Env = map[string]string{"BANKD_TEST_VAR": "hello"}

	result := Run(context.Background(), spec, nil)

	require.True(t, result.Success)
	assert.Contains(t, result.Stdout, "hello")
	assert.Contains(t, result.Stdout, dir)
}
