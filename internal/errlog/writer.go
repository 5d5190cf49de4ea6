package errlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Stable error codes for operational triage.
const (
	CodeWebhookMissingSignature = "WEBHOOK_MISSING_SIGNATURE"
	CodeWebhookInvalidSignature = "WEBHOOK_INVALID_SIGNATURE"
	CodeWebhookActivation       = "WEBHOOK_ACTIVATION"
	CodeConfigMissing           = "CONFIG_MISSING"
	CodeTemplateNotFound        = "TEMPLATE_NOT_FOUND"
	CodeDependencyCycle         = "DEPENDENCY_CYCLE"
	CodeDependencyUnresolved    = "DEPENDENCY_UNRESOLVED"
	CodeAssigneeNotFound        = "ASSIGNEE_NOT_FOUND"
	CodeTransientTimeout        = "TRANSIENT_TIMEOUT"
)

// Writer appends audit rows. Rows are append-only and never mutated.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Context map[string]any

// Append writes one audit row. matterID 0 is stored as NULL.
func (w Writer) Append(ctx context.Context, code, message string, matterID int64, payload Context) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Context{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit context: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO error_log(code,message,context_json,matter_id,created_at) VALUES (?,?,?,?,?)`,
		code, message, string(data), nullableID(matterID), ts)
	return err
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
