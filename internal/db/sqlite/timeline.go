package sqlite

import (
	"context"
	"time"

	"github.com/membank/bankd/pkg/models"
)

// ExecutionRow is one recorded command execution.
type ExecutionRow struct {
	ID         int64
	HandleID   string
	Command    string
	Background bool
	Success    bool
	ExitCode   int
	TimedOut   bool
	Killed     bool
	Elapsed    time.Duration
	Error      string
	CreatedAt  time.Time
}

// CheckpointRow is one recorded checkpoint save.
type CheckpointRow struct {
	ID            int64
	CheckpointID  string
	Description   string
	Mode          string
	Trigger       models.TriggerType
	SizeBytes     int64
	ArtifactCount int
	CreatedAt     time.Time
}

// RewindRow is one recorded rewind operation.
type RewindRow struct {
	ID            int64
	OperationID   string
	CheckpointID  string
	Status        models.RewindStatus
	FilesRestored int
	Mode          string
	Error         string
	CreatedAt     time.Time
}

// Timeline records engine activity into the timeline database. It is an
// append-only history; the authoritative state lives in the file stores.
type Timeline struct {
	store *Store
}

// NewTimeline creates a timeline over an open store.
func NewTimeline(store *Store) *Timeline {
	return &Timeline{store: store}
}

// RecordExecution appends one execution result.
func (t *Timeline) RecordExecution(ctx context.Context, command string, res *models.ExecutionResult, background bool) error {
	const query = `
		INSERT INTO executions
		(handle_id, command, background, success, exit_code, timed_out, killed, elapsed_ms, error, created_at, created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	_, err := t.store.ExecContext(ctx, query,
		res.HandleID, command, background, res.Success, res.ExitCode,
		res.TimedOut, res.Killed, res.Elapsed.Milliseconds(), nullString(res.Error),
		now.Format(time.RFC3339), now.UnixMilli(),
	)
	return err
}

// RecordCheckpoint appends one checkpoint save.
func (t *Timeline) RecordCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	const query = `
		INSERT INTO checkpoint_log
		(checkpoint_id, description, mode, trigger_type, size_bytes, artifact_count, created_at, created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := t.store.ExecContext(ctx, query,
		cp.ID, nullString(cp.Description), nullString(cp.Mode), string(cp.Trigger),
		cp.SizeBytes, len(cp.Artifacts),
		cp.CreatedAt.Format(time.RFC3339), cp.CreatedAt.UnixMilli(),
	)
	return err
}

// RecordRewind appends one rewind operation.
func (t *Timeline) RecordRewind(ctx context.Context, op *models.RewindOperation) error {
	const query = `
		INSERT INTO rewind_log
		(operation_id, checkpoint_id, status, files_restored, mode, error, created_at, created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := t.store.ExecContext(ctx, query,
		op.ID, op.CheckpointID, string(op.Status), op.FilesRestored,
		nullString(op.Mode), nullString(op.Error),
		op.Timestamp.Format(time.RFC3339), op.Timestamp.UnixMilli(),
	)
	return err
}

// RecentExecutions returns the newest executions, most recent first.
func (t *Timeline) RecentExecutions(ctx context.Context, limit int) ([]*ExecutionRow, error) {
	const query = `
		SELECT id, handle_id, command, background, success, exit_code,
		       timed_out, killed, elapsed_ms, COALESCE(error, ''), created_at
		FROM executions
		ORDER BY created_at_epoch DESC, id DESC
		LIMIT ?
	`
	rows, err := t.store.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionRow
	for rows.Next() {
		var (
			row       ExecutionRow
			elapsedMs int64
			createdAt string
		)
		if err := rows.Scan(
			&row.ID, &row.HandleID, &row.Command, &row.Background, &row.Success,
			&row.ExitCode, &row.TimedOut, &row.Killed, &elapsedMs, &row.Error, &createdAt,
		); err != nil {
			return nil, err
		}
		row.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		row.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &row)
	}
	return out, rows.Err()
}

// CheckpointHistory returns the newest checkpoint saves, most recent first.
func (t *Timeline) CheckpointHistory(ctx context.Context, limit int) ([]*CheckpointRow, error) {
	const query = `
		SELECT id, checkpoint_id, COALESCE(description, ''), COALESCE(mode, ''),
		       trigger_type, size_bytes, artifact_count, created_at
		FROM checkpoint_log
		ORDER BY created_at_epoch DESC, id DESC
		LIMIT ?
	`
	rows, err := t.store.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CheckpointRow
	for rows.Next() {
		var (
			row       CheckpointRow
			trigger   string
			createdAt string
		)
		if err := rows.Scan(
			&row.ID, &row.CheckpointID, &row.Description, &row.Mode,
			&trigger, &row.SizeBytes, &row.ArtifactCount, &createdAt,
		); err != nil {
			return nil, err
		}
		row.Trigger = models.TriggerType(trigger)
		row.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &row)
	}
	return out, rows.Err()
}

// RewindHistory returns the newest rewind operations, most recent first.
func (t *Timeline) RewindHistory(ctx context.Context, limit int) ([]*RewindRow, error) {
	const query = `
		SELECT id, operation_id, checkpoint_id, status, files_restored,
		       COALESCE(mode, ''), COALESCE(error, ''), created_at
		FROM rewind_log
		ORDER BY created_at_epoch DESC, id DESC
		LIMIT ?
	`
	rows, err := t.store.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RewindRow
	for rows.Next() {
		var (
			row       RewindRow
			status    string
			createdAt string
		)
		if err := rows.Scan(
			&row.ID, &row.OperationID, &row.CheckpointID, &status,
			&row.FilesRestored, &row.Mode, &row.Error, &createdAt,
		); err != nil {
			return nil, err
		}
		row.Status = models.RewindStatus(status)
		row.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &row)
	}
	return out, rows.Err()
}

// ExecutionsToday returns the count of executions recorded since local
// midnight.
func (t *Timeline) ExecutionsToday(ctx context.Context) (int, error) {
	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	const query = `SELECT COUNT(*) FROM executions WHERE created_at_epoch >= ?`
	var count int
	err := t.store.QueryRowContext(ctx, query, startOfDay.UnixMilli()).Scan(&count)
	return count, err
}

// Counts returns the total rows per timeline table.
func (t *Timeline) Counts(ctx context.Context) (executions, checkpoints, rewinds int, err error) {
	if err = t.store.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`).Scan(&executions); err != nil {
		return 0, 0, 0, err
	}
	if err = t.store.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoint_log`).Scan(&checkpoints); err != nil {
		return 0, 0, 0, err
	}
	if err = t.store.QueryRowContext(ctx, `SELECT COUNT(*) FROM rewind_log`).Scan(&rewinds); err != nil {
		return 0, 0, 0, err
	}
	return executions, checkpoints, rewinds, nil
}
