package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stagehand/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,matter_id,stage_id,task_number,title,COALESCE(description,'') AS description,due_date,assigned_user_id,status,source_event_id,created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var assigned sql.NullInt64
	err := row.Scan(&t.ID, &t.MatterID, &t.StageID, &t.TaskNumber, &t.Title, &t.Description,
		&t.DueDate, &assigned, &t.Status, &t.SourceEventID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if assigned.Valid {
		t.AssignedUserID = &assigned.Int64
	}
	return t, err
}

// GetTaskByKey fetches the task for the idempotency key.
func (r Repo) GetTaskByKey(ctx context.Context, matterID, stageID int64, taskNumber int) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE matter_id=? AND stage_id=? AND task_number=?`,
		matterID, stageID, taskNumber))
}

// InsertTask creates the task row.
func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO tasks(id,matter_id,stage_id,task_number,title,description,due_date,assigned_user_id,status,source_event_id,created_at,updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.MatterID, t.StageID, t.TaskNumber, t.Title, nullable(t.Description), t.DueDate,
		nullableInt(t.AssignedUserID), t.Status, t.SourceEventID, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTaskFields rewrites a redelivered task's derived fields in place.
// Status is deliberately untouched: completed/deleted never regress to
// pending through this path.
func (r Repo) UpdateTaskFields(ctx context.Context, t domain.Task) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET title=?, description=?, due_date=?, assigned_user_id=?, source_event_id=?, updated_at=?
		 WHERE matter_id=? AND stage_id=? AND task_number=?`,
		t.Title, nullable(t.Description), t.DueDate, nullableInt(t.AssignedUserID), t.SourceEventID, t.UpdatedAt,
		t.MatterID, t.StageID, t.TaskNumber)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskStatus drives pending->completed / pending->deleted transitions.
func (r Repo) SetTaskStatus(ctx context.Context, matterID, stageID int64, taskNumber int, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET status=?, updated_at=? WHERE matter_id=? AND stage_id=? AND task_number=?`,
		status, now, matterID, stageID, taskNumber)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasks returns tasks, newest first, optionally filtered by matter/stage.
func (r Repo) ListTasks(ctx context.Context, matterID, stageID int64, limit int) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if matterID != 0 {
		clauses = append(clauses, "matter_id=?")
		args = append(args, matterID)
	}
	if stageID != 0 {
		clauses = append(clauses, "stage_id=?")
		args = append(args, stageID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, task_number ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListErrors returns the most recent audit rows.
func (r Repo) ListErrors(ctx context.Context, limit int) ([]domain.ErrorEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,code,message,context_json,matter_id,created_at FROM error_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ErrorEntry
	for rows.Next() {
		var e domain.ErrorEntry
		var matter sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Code, &e.Message, &e.Context, &matter, &e.CreatedAt); err != nil {
			return nil, err
		}
		if matter.Valid {
			e.MatterID = &matter.Int64
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// UpsertDeferred parks a template until its dependency materializes,
// preserving the attempt count across redeliveries.
func (r Repo) UpsertDeferred(ctx context.Context, d domain.DeferredTemplate) error {
	payload, err := json.Marshal(d.Template)
	if err != nil {
		return fmt.Errorf("marshal deferred template: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO deferred_templates(matter_id,stage_id,task_number,template_json,source_event_id,attempts,created_at,updated_at)
		 VALUES (?,?,?,?,?,?,?,?)
		 ON CONFLICT(matter_id,stage_id,task_number) DO UPDATE SET
		   template_json=excluded.template_json, source_event_id=excluded.source_event_id, updated_at=excluded.updated_at`,
		d.MatterID, d.StageID, d.Template.TaskNumber, string(payload), d.SourceEventID, d.Attempts, now, now)
	return err
}

// ListDeferred returns parked templates for one (matter, stage).
func (r Repo) ListDeferred(ctx context.Context, matterID, stageID int64) ([]domain.DeferredTemplate, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT matter_id,stage_id,template_json,source_event_id,attempts FROM deferred_templates
		 WHERE matter_id=? AND stage_id=? ORDER BY task_number ASC`, matterID, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeferredTemplate
	for rows.Next() {
		var d domain.DeferredTemplate
		var payload string
		if err := rows.Scan(&d.MatterID, &d.StageID, &payload, &d.SourceEventID, &d.Attempts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &d.Template); err != nil {
			return nil, fmt.Errorf("unmarshal deferred template: %w", err)
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// BumpDeferredAttempts records one more failed resolution attempt.
func (r Repo) BumpDeferredAttempts(ctx context.Context, matterID, stageID int64, taskNumber int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx,
		`UPDATE deferred_templates SET attempts=attempts+1, updated_at=? WHERE matter_id=? AND stage_id=? AND task_number=?`,
		now, matterID, stageID, taskNumber)
	return err
}

// DeleteDeferred removes a parked template once resolved or exhausted.
func (r Repo) DeleteDeferred(ctx context.Context, matterID, stageID int64, taskNumber int) error {
	_, err := r.DB.ExecContext(ctx,
		`DELETE FROM deferred_templates WHERE matter_id=? AND stage_id=? AND task_number=?`,
		matterID, stageID, taskNumber)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
