package templates

import (
	"testing"

	"stagehand/internal/domain"
)

func TestMeetingSchemaHyphenatedColumns(t *testing.T) {
	row := domain.TemplateRow{
		TaskNumber: 1,
		Attrs: map[string]any{
			"name":                   "Prep signing packet",
			"task-description":       "Assemble documents",
			"due_date-value":         float64(3),
			"due_date-time-unit":     "days",
			"due_date-relation-type": "after event",
			"assignee-reference":     "attorney_of_record",
		},
	}
	got := Normalize(MeetingSchema, 700, row)
	if got.Title != "Prep signing packet" {
		t.Fatalf("title: %q", got.Title)
	}
	if got.Description != "Assemble documents" {
		t.Fatalf("description: %q", got.Description)
	}
	if got.DueValue != 3 || got.DueUnit != "days" {
		t.Fatalf("due: %d %s", got.DueValue, got.DueUnit)
	}
	if got.DueRelation != domain.RelationAfterEvent {
		t.Fatalf("relation: %q", got.DueRelation)
	}
	if got.AssigneeRef != "attorney_of_record" {
		t.Fatalf("assignee: %q", got.AssigneeRef)
	}
	if got.SourceTable != domain.SourceMeeting || got.StageID != 700 {
		t.Fatalf("source/stage: %s %d", got.SourceTable, got.StageID)
	}
}

func TestMatterSchemaValueOnlyAliasEqualsUnderscore(t *testing.T) {
	underscore := domain.TemplateRow{
		TaskNumber: 2,
		Attrs: map[string]any{
			"name":           "Void Invoice",
			"due_date_value": float64(3),
		},
	}
	hyphenOnly := domain.TemplateRow{
		TaskNumber: 2,
		Attrs: map[string]any{
			"name":                "Void Invoice",
			"due_date-value-only": float64(3),
		},
	}
	a := Normalize(MatterSchema, 848343, underscore)
	b := Normalize(MatterSchema, 848343, hyphenOnly)
	if a.DueValue != b.DueValue {
		t.Fatalf("alias mismatch: %d vs %d", a.DueValue, b.DueValue)
	}
	if a.DueValue != 3 {
		t.Fatalf("due value: %d", a.DueValue)
	}
}

func TestMatterSchemaUnderscorePreferredOverAlias(t *testing.T) {
	row := domain.TemplateRow{
		TaskNumber: 1,
		Attrs: map[string]any{
			"due_date_value":      float64(5),
			"due_date-value-only": float64(9),
		},
	}
	got := Normalize(MatterSchema, 1, row)
	if got.DueValue != 5 {
		t.Fatalf("expected primary alias to win, got %d", got.DueValue)
	}
}

func TestProbateSchemaRelationalVariant(t *testing.T) {
	row := domain.TemplateRow{
		TaskNumber: 4,
		Attrs: map[string]any{
			"task_description":         "File inventory",
			"due_date_value_only":      "14",
			"due_date_time_unit":       "days",
			"due_date_relational_type": "after_task",
			"depends_on_task":          float64(2),
		},
	}
	got := Normalize(ProbateSchema, 900, row)
	if got.Description != "File inventory" {
		t.Fatalf("description: %q", got.Description)
	}
	if got.DueValue != 14 {
		t.Fatalf("due value from string: %d", got.DueValue)
	}
	if got.DueRelation != domain.RelationAfterTask || got.DependsOn != 2 {
		t.Fatalf("relation: %q depends %d", got.DueRelation, got.DependsOn)
	}
}

func TestDefaultsWhenEveryAliasAbsent(t *testing.T) {
	for _, schema := range []Schema{MeetingSchema, MatterSchema, ProbateSchema} {
		got := Normalize(schema, 1, domain.TemplateRow{TaskNumber: 1, Attrs: map[string]any{"name": "x"}})
		if got.DueValue != 0 {
			t.Fatalf("%s: due value default %d", schema.Source, got.DueValue)
		}
		if got.DueUnit != "days" {
			t.Fatalf("%s: unit default %q", schema.Source, got.DueUnit)
		}
		if got.DueRelation != domain.RelationAfterCreation {
			t.Fatalf("%s: relation default %q", schema.Source, got.DueRelation)
		}
		if got.Description != "" {
			t.Fatalf("%s: description default %q", schema.Source, got.Description)
		}
	}
}

func TestAfterTaskWithoutDependencyDegrades(t *testing.T) {
	row := domain.TemplateRow{
		TaskNumber: 3,
		Attrs: map[string]any{
			"name":                   "Follow up",
			"due_date-relation-type": "after task",
		},
	}
	got := Normalize(MeetingSchema, 1, row)
	if got.DueRelation != domain.RelationAfterCreation {
		t.Fatalf("expected degradation to after creation, got %q", got.DueRelation)
	}
}

func TestUnitAndRelationSpellings(t *testing.T) {
	cases := []struct {
		unit, want string
	}{
		{"day", "days"},
		{"Weeks", "weeks"},
		{"month", "months"},
		{"HOURS", "hours"},
		{"fortnight", "days"},
	}
	for _, c := range cases {
		row := domain.TemplateRow{TaskNumber: 1, Attrs: map[string]any{"due_date-time-unit": c.unit}}
		if got := Normalize(MeetingSchema, 1, row).DueUnit; got != c.want {
			t.Fatalf("unit %q: got %q want %q", c.unit, got, c.want)
		}
	}
	rel := domain.TemplateRow{TaskNumber: 1, Attrs: map[string]any{"due_date-relation-type": "after_creation"}}
	if got := Normalize(MeetingSchema, 1, rel).DueRelation; got != domain.RelationAfterCreation {
		t.Fatalf("relation underscore spelling: %q", got)
	}
}

func TestSchemaForSource(t *testing.T) {
	if SchemaFor(domain.SourceMeeting).Source != domain.SourceMeeting {
		t.Fatal("meeting schema")
	}
	if SchemaFor(domain.SourceProbate).Source != domain.SourceProbate {
		t.Fatal("probate schema")
	}
	if SchemaFor("anything-else").Source != domain.SourceMatter {
		t.Fatal("matter schema fallback")
	}
}
