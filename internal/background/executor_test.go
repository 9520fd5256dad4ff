package background

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/bankd/internal/config"
	"github.com/membank/bankd/internal/events"
	"github.com/membank/bankd/internal/runner"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testBackground(maxConcurrent int, autoRecovery bool, maxAttempts int) (*Executor, *eventRecorder) {
	bus := events.NewBus()
	rec := &eventRecorder{}
	bus.Subscribe(rec.record)

	cfg := &config.BackgroundConfig{
		MaxConcurrent: maxConcurrent,
		AutoRecovery:  autoRecovery,
		MaxAttempts:   maxAttempts,
		BaseDelayMs:   10,
	}
	return NewExecutor(cfg, 500*time.Millisecond, bus), rec
}

func TestSubmit_RunsImmediatelyUnderCeiling(t *testing.T) {
	exec, rec := testBackground(2, false, 0)
	defer exec.Close()

	id, err := exec.Submit("echo", []string{"hi"}, runner.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		return len(rec.ofType(events.ProcessCompleted)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	completed := rec.ofType(events.ProcessCompleted)
	assert.Equal(t, id, completed[0].HandleID)
	assert.Contains(t, completed[0].Result.Stdout, "hi")
	assert.Empty(t, rec.ofType(events.ProcessQueued))
}

func TestSubmit_EmptyCommand(t *testing.T) {
	exec, _ := testBackground(1, false, 0)
	defer exec.Close()

	_, err := exec.Submit("", nil, runner.Options{})
	assert.ErrorIs(t, err, runner.ErrEmptyCommand)
}

// Submitting N+1 jobs with a ceiling of N leaves exactly one queued; it
// starts automatically when a slot frees up.
func TestQueueAdmission(t *testing.T) {
	const ceiling = 5
	exec, rec := testBackground(ceiling, false, 0)
	defer exec.Close()

	ids := make([]string, 0, ceiling+1)
	for i := 0; i < ceiling+1; i++ {
		id, err := exec.Submit("sleep", []string{"0.3"}, runner.Options{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assert.Equal(t, 1, exec.QueueSize())
	assert.Equal(t, ceiling, exec.ActiveCount())

	queued := rec.ofType(events.ProcessQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, ids[ceiling], queued[0].HandleID)

	// As running items complete, the queued item starts automatically.
	require.Eventually(t, func() bool {
		return exec.QueueSize() == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(rec.ofType(events.ProcessCompleted)) == ceiling+1
	}, 5*time.Second, 10*time.Millisecond)
}

// With a ceiling of one, queued items start in submission order.
func TestQueueFIFO(t *testing.T) {
	exec, rec := testBackground(1, false, 0)
	defer exec.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := exec.Submit("sleep", []string{"0.05"}, runner.Options{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		return len(rec.ofType(events.ProcessCompleted)) == 3
	}, 5*time.Second, 10*time.Millisecond)

	started := rec.ofType(events.ProcessStarted)
	require.Len(t, started, 3)
	for i, e := range started {
		assert.Equal(t, ids[i], e.HandleID)
	}
}

func TestAutoRecovery_RetriesThenFailsTerminally(t *testing.T) {
	exec, rec := testBackground(1, true, 2)
	defer exec.Close()

	id, err := exec.Submit("sh", []string{"-c", "exit 1"}, runner.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.ofType(events.ProcessFailed)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Initial run plus two recovery attempts.
	started := rec.ofType(events.ProcessStarted)
	assert.Len(t, started, 3)
	for _, e := range started {
		assert.Equal(t, id, e.HandleID)
	}

	// Exactly one terminal failure after recovery is exhausted.
	failed := rec.ofType(events.ProcessFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].HandleID)
}

func TestAutoRecovery_NotAppliedToTimeouts(t *testing.T) {
	exec, rec := testBackground(1, true, 3)
	defer exec.Close()

	_, err := exec.Submit("sleep", []string{"10"}, runner.Options{Timeout: 150 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.ofType(events.ProcessFailed)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// No retry after a timeout.
	assert.Len(t, rec.ofType(events.ProcessStarted), 1)
}

func TestStop_Running(t *testing.T) {
	exec, rec := testBackground(1, false, 0)
	defer exec.Close()

	id, err := exec.Submit("sleep", []string{"10"}, runner.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return exec.ActiveCount() == 1 }, time.Second, 10*time.Millisecond)

	assert.True(t, exec.Stop(id))

	require.Eventually(t, func() bool {
		return len(rec.ofType(events.ProcessStopped)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Stopping again, or stopping an unknown handle, is a safe no-op.
	assert.False(t, exec.Stop(id))
	assert.False(t, exec.Stop("nope"))
}

func TestStop_Queued(t *testing.T) {
	exec, rec := testBackground(1, false, 0)
	defer exec.Close()

	_, err := exec.Submit("sleep", []string{"2"}, runner.Options{})
	require.NoError(t, err)
	queuedID, err := exec.Submit("echo", []string{"never"}, runner.Options{})
	require.NoError(t, err)

	require.Equal(t, 1, exec.QueueSize())
	assert.True(t, exec.Stop(queuedID))
	assert.Equal(t, 0, exec.QueueSize())

	stopped := rec.ofType(events.ProcessStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, queuedID, stopped[0].HandleID)
}

func TestStats(t *testing.T) {
	exec, rec := testBackground(2, false, 0)
	defer exec.Close()

	_, err := exec.Submit("echo", []string{"ok"}, runner.Options{})
	require.NoError(t, err)
	_, err = exec.Submit("sh", []string{"-c", "exit 1"}, runner.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.ofType(events.ProcessCompleted))+len(rec.ofType(events.ProcessFailed)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	stats := exec.Stats()
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed)
}
