package domain

import "time"

// Event types delivered by the upstream platform.
const (
	EventStageChanged         = "stage_changed"
	EventCalendarEntryCreated = "calendar_entry_created"
	EventCalendarEntryUpdated = "calendar_entry_updated"
	EventDocumentCreated      = "document_created"
)

// Event is the canonical internal representation of one webhook notification.
// It is derived entirely from the verified payload and never mutated.
type Event struct {
	EventID         string    `json:"event_id"`
	Type            string    `json:"type"`
	MatterID        int64     `json:"matter_id"`
	StageID         int64     `json:"stage_id,omitempty"`
	StageName       string    `json:"stage_name,omitempty"`
	CalendarEventID int64     `json:"calendar_event_id,omitempty"`
	MatterLocation  string    `json:"matter_location,omitempty"`
	MeetingLocation string    `json:"meeting_location,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Due-rule relation types after alias normalization.
const (
	RelationAfterCreation = "after creation"
	RelationAfterEvent    = "after event"
	RelationAfterTask     = "after task"
)

// Template source tables.
const (
	SourceMeeting = "meeting"
	SourceMatter  = "matter"
	SourceProbate = "probate"
)

// TaskTemplate is the canonical template shape shared by all three source
// tables once column aliases are resolved.
type TaskTemplate struct {
	SourceTable string `json:"source_table"`
	StageID     int64  `json:"stage_id"`
	TaskNumber  int    `json:"task_number"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueValue    int    `json:"due_value"`
	DueUnit     string `json:"due_unit"`
	DueRelation string `json:"due_relation"`
	DependsOn   int    `json:"depends_on,omitempty"` // task_number within the same set; 0 means none
	AssigneeRef string `json:"assignee_ref,omitempty"`
}

// TemplateRow is one raw row from a template source table, attributes kept
// verbatim under their upstream column names.
type TemplateRow struct {
	TaskNumber int
	Attrs      map[string]any
}

// CalendarEventMapping marks a stage as meeting-based.
type CalendarEventMapping struct {
	StageID             int64 `json:"stage_id"`
	CalendarEventID     int64 `json:"calendar_event_id"`
	UsesMeetingLocation bool  `json:"uses_meeting_location"`
	Active              bool  `json:"active"`
}

// AssigneeRef maps one (reference, location) pair to a user.
type AssigneeRef struct {
	Reference string `json:"reference"`
	Location  string `json:"location"`
	UserID    int64  `json:"user_id"`
}

// Task statuses.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
	TaskDeleted   = "deleted"
)

// Task is the durable output of the engine, at most one live row per
// (matter_id, stage_id, task_number).
type Task struct {
	ID             string `json:"id"`
	MatterID       int64  `json:"matter_id"`
	StageID        int64  `json:"stage_id"`
	TaskNumber     int    `json:"task_number"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	DueDate        string `json:"due_date" format:"date-time"`
	AssignedUserID *int64 `json:"assigned_user_id,omitempty"`
	Status         string `json:"status" enum:"pending,completed,deleted"`
	SourceEventID  string `json:"source_event_id"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

// ErrorEntry is one append-only audit row.
type ErrorEntry struct {
	ID        int64  `json:"id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Context   string `json:"context_json"`
	MatterID  *int64 `json:"matter_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// DeferredTemplate is a template parked until its dependency materializes.
type DeferredTemplate struct {
	MatterID      int64        `json:"matter_id"`
	StageID       int64        `json:"stage_id"`
	Template      TaskTemplate `json:"template"`
	SourceEventID string       `json:"source_event_id"`
	Attempts      int          `json:"attempts"`
}
