package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stagehand/internal/config"
	"stagehand/internal/domain"
)

// MeetingTemplates returns the raw meeting-template rows for a calendar event.
func (r Repo) MeetingTemplates(ctx context.Context, calendarEventID int64) ([]domain.TemplateRow, error) {
	return r.templateRows(ctx,
		`SELECT task_number, attrs_json FROM meeting_task_templates WHERE calendar_event_id=? ORDER BY task_number ASC`,
		calendarEventID)
}

// MatterTemplates returns the raw non-meeting template rows for a stage.
func (r Repo) MatterTemplates(ctx context.Context, stageID int64) ([]domain.TemplateRow, error) {
	return r.templateRows(ctx,
		`SELECT task_number, attrs_json FROM matter_task_templates WHERE stage_id=? ORDER BY task_number ASC`,
		stageID)
}

// ProbateTemplates returns the raw probate fallback rows for a stage.
func (r Repo) ProbateTemplates(ctx context.Context, stageID int64) ([]domain.TemplateRow, error) {
	return r.templateRows(ctx,
		`SELECT task_number, attrs_json FROM probate_task_templates WHERE stage_id=? ORDER BY task_number ASC`,
		stageID)
}

func (r Repo) templateRows(ctx context.Context, query string, key int64) ([]domain.TemplateRow, error) {
	rows, err := r.DB.QueryContext(ctx, query, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TemplateRow
	for rows.Next() {
		var row domain.TemplateRow
		var attrs string
		if err := rows.Scan(&row.TaskNumber, &attrs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attrs), &row.Attrs); err != nil {
			return nil, fmt.Errorf("template attrs for task %d: %w", row.TaskNumber, err)
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// CalendarMappingByStage looks up the meeting mapping for a stage.
func (r Repo) CalendarMappingByStage(ctx context.Context, stageID int64) (domain.CalendarEventMapping, error) {
	return scanMapping(r.DB.QueryRowContext(ctx,
		`SELECT stage_id,calendar_event_id,uses_meeting_location,active FROM calendar_stage_mappings WHERE stage_id=?`, stageID))
}

// CalendarMappingByCalendarEvent resolves the stage a calendar entry belongs to.
func (r Repo) CalendarMappingByCalendarEvent(ctx context.Context, calendarEventID int64) (domain.CalendarEventMapping, error) {
	return scanMapping(r.DB.QueryRowContext(ctx,
		`SELECT stage_id,calendar_event_id,uses_meeting_location,active FROM calendar_stage_mappings WHERE calendar_event_id=?`, calendarEventID))
}

func scanMapping(row *sql.Row) (domain.CalendarEventMapping, error) {
	var m domain.CalendarEventMapping
	var usesMeeting, active int
	err := row.Scan(&m.StageID, &m.CalendarEventID, &usesMeeting, &active)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.UsesMeetingLocation = usesMeeting != 0
	m.Active = active != 0
	return m, err
}

// LookupAssignee resolves (reference, location) to a user id.
func (r Repo) LookupAssignee(ctx context.Context, reference, location string) (int64, error) {
	var userID int64
	err := r.DB.QueryRowContext(ctx,
		`SELECT user_id FROM assignee_refs WHERE reference_name=? AND location=?`, reference, location).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return userID, err
}

// ImportRefData replaces the configuration tables with the operator file's
// contents in one transaction. The engine only ever reads these tables.
func (r Repo) ImportRefData(ctx context.Context, d *config.RefData) error {
	if d == nil {
		return fmt.Errorf("refdata nil")
	}
	if err := d.Validate(); err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"meeting_task_templates", "matter_task_templates", "probate_task_templates", "calendar_stage_mappings", "assignee_refs"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for _, row := range d.MeetingTemplates {
		attrs, err := json.Marshal(row.Attrs)
		if err != nil {
			return fmt.Errorf("meeting template %d attrs: %w", row.TaskNumber, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meeting_task_templates(calendar_event_id,stage_id,task_number,attrs_json) VALUES (?,?,?,?)`,
			row.CalendarEventID, row.StageID, row.TaskNumber, string(attrs)); err != nil {
			return fmt.Errorf("insert meeting template: %w", err)
		}
	}
	for _, row := range d.MatterTemplates {
		attrs, err := json.Marshal(row.Attrs)
		if err != nil {
			return fmt.Errorf("matter template %d attrs: %w", row.TaskNumber, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO matter_task_templates(stage_id,task_number,attrs_json) VALUES (?,?,?)`,
			row.StageID, row.TaskNumber, string(attrs)); err != nil {
			return fmt.Errorf("insert matter template: %w", err)
		}
	}
	for _, row := range d.ProbateTemplates {
		attrs, err := json.Marshal(row.Attrs)
		if err != nil {
			return fmt.Errorf("probate template %d attrs: %w", row.TaskNumber, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO probate_task_templates(stage_id,task_number,attrs_json) VALUES (?,?,?)`,
			row.StageID, row.TaskNumber, string(attrs)); err != nil {
			return fmt.Errorf("insert probate template: %w", err)
		}
	}
	for _, row := range d.CalendarMappings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO calendar_stage_mappings(stage_id,calendar_event_id,uses_meeting_location,active) VALUES (?,?,?,?)`,
			row.StageID, row.CalendarEventID, boolInt(row.UsesMeetingLocation), boolInt(row.IsActive())); err != nil {
			return fmt.Errorf("insert calendar mapping: %w", err)
		}
	}
	for _, row := range d.AssigneeRefs {
		for _, loc := range row.Locations {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO assignee_refs(reference_name,location,user_id) VALUES (?,?,?)`,
				row.Reference, loc, row.UserID); err != nil {
				return fmt.Errorf("insert assignee ref: %w", err)
			}
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
