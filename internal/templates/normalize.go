// Package templates resolves the column-naming inconsistencies between the
// three upstream template exports. Each source table spells the same semantic
// fields differently (hyphenated vs underscored, "-value" vs "-value-only",
// "relation" vs "relational"); a Schema lists every known alias in priority
// order and Normalize reads a raw attribute map through it into the one
// canonical TaskTemplate shape.
package templates

import (
	"encoding/json"
	"strconv"
	"strings"

	"stagehand/internal/domain"
)

// Documented defaults, applied only when every alias is absent.
const (
	DefaultDueValue = 0
	DefaultDueUnit  = "days"
)

// Schema is one source table's alias-priority list per canonical field.
type Schema struct {
	Source      string
	Title       []string
	Description []string
	DueValue    []string
	DueUnit     []string
	DueRelation []string
	DependsOn   []string
	AssigneeRef []string
	TaskNumber  []string
}

var sharedTitle = []string{"name", "title", "task_name"}
var sharedTaskNumber = []string{"task_number", "task-number", "number"}
var sharedDependsOn = []string{"depends_on_task", "depends-on-task", "relative_task_number"}
var sharedAssigneeRef = []string{"assignee_reference", "assignee-reference", "assigned_to_reference"}

// MeetingSchema reads the meeting-template table (hyphenated convention).
var MeetingSchema = Schema{
	Source:      domain.SourceMeeting,
	Title:       sharedTitle,
	Description: []string{"description", "task-description"},
	DueValue:    []string{"due_date-value", "due_date_value"},
	DueUnit:     []string{"due_date-time-unit", "due_date_time_unit"},
	DueRelation: []string{"due_date-relation-type", "due_date_relation_type"},
	DependsOn:   sharedDependsOn,
	AssigneeRef: sharedAssigneeRef,
	TaskNumber:  sharedTaskNumber,
}

// MatterSchema reads the non-meeting matter-template table (underscored
// convention with the hyphenated "-value-only" variant).
var MatterSchema = Schema{
	Source:      domain.SourceMatter,
	Title:       sharedTitle,
	Description: []string{"description", "task_description"},
	DueValue:    []string{"due_date_value", "due_date-value-only"},
	DueUnit:     []string{"due_date_time_unit", "time_unit"},
	DueRelation: []string{"due_date_relation_type", "due_date-relational-type"},
	DependsOn:   sharedDependsOn,
	AssigneeRef: sharedAssigneeRef,
	TaskNumber:  sharedTaskNumber,
}

// ProbateSchema reads the probate fallback table ("value_only" and
// "relational" variants).
var ProbateSchema = Schema{
	Source:      domain.SourceProbate,
	Title:       sharedTitle,
	Description: []string{"task_description", "description"},
	DueValue:    []string{"due_date_value_only", "due_date_value", "due_date-value-only"},
	DueUnit:     []string{"due_date_time_unit", "due-date-time-unit"},
	DueRelation: []string{"due_date_relational_type", "due_date_relation_type"},
	DependsOn:   sharedDependsOn,
	AssigneeRef: sharedAssigneeRef,
	TaskNumber:  sharedTaskNumber,
}

// SchemaFor returns the schema for a source table name.
func SchemaFor(source string) Schema {
	switch source {
	case domain.SourceMeeting:
		return MeetingSchema
	case domain.SourceProbate:
		return ProbateSchema
	default:
		return MatterSchema
	}
}

// Normalize reads one raw template row through a schema. It is pure: the same
// row always yields the same template.
func Normalize(s Schema, stageID int64, row domain.TemplateRow) domain.TaskTemplate {
	t := domain.TaskTemplate{
		SourceTable: s.Source,
		StageID:     stageID,
		TaskNumber:  row.TaskNumber,
		Title:       lookupString(row.Attrs, s.Title, ""),
		Description: lookupString(row.Attrs, s.Description, ""),
		DueValue:    lookupInt(row.Attrs, s.DueValue, DefaultDueValue),
		DueUnit:     normalizeUnit(lookupString(row.Attrs, s.DueUnit, DefaultDueUnit)),
		DueRelation: normalizeRelation(lookupString(row.Attrs, s.DueRelation, domain.RelationAfterCreation)),
		DependsOn:   lookupInt(row.Attrs, s.DependsOn, 0),
		AssigneeRef: lookupString(row.Attrs, s.AssigneeRef, ""),
	}
	if t.TaskNumber == 0 {
		t.TaskNumber = lookupInt(row.Attrs, s.TaskNumber, 0)
	}
	// A task-relative rule without a dependency number cannot be anchored;
	// degrade to creation-relative so the task still materializes.
	if t.DueRelation == domain.RelationAfterTask && t.DependsOn == 0 {
		t.DueRelation = domain.RelationAfterCreation
	}
	return t
}

func normalizeUnit(unit string) string {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", "day", "days":
		return "days"
	case "week", "weeks":
		return "weeks"
	case "month", "months":
		return "months"
	case "hour", "hours":
		return "hours"
	default:
		return DefaultDueUnit
	}
}

func normalizeRelation(rel string) string {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(rel), "_", " ")) {
	case "", "after creation":
		return domain.RelationAfterCreation
	case "after event":
		return domain.RelationAfterEvent
	case "after task":
		return domain.RelationAfterTask
	default:
		return domain.RelationAfterCreation
	}
}

func lookupString(attrs map[string]any, aliases []string, fallback string) string {
	for _, key := range aliases {
		v, ok := attrs[key]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func lookupInt(attrs map[string]any, aliases []string, fallback int) int {
	for _, key := range aliases {
		v, ok := attrs[key]
		if !ok || v == nil {
			continue
		}
		if n, ok := intFromAny(v); ok {
			return n
		}
	}
	return fallback
}

func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
