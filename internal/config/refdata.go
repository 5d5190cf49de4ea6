package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RefData models the operator reference-data file imported into the
// configuration tables. Template attrs are kept verbatim: the three upstream
// exports each use their own column names and the engine resolves the aliases
// at read time, so the importer must not rename anything.
type RefData struct {
	MeetingTemplates []MeetingTemplateRow `yaml:"meeting_templates"`
	MatterTemplates  []StageTemplateRow   `yaml:"matter_templates"`
	ProbateTemplates []StageTemplateRow   `yaml:"probate_templates"`
	CalendarMappings []CalendarMappingRow `yaml:"calendar_mappings"`
	AssigneeRefs     []AssigneeRefRow     `yaml:"assignee_refs"`
}

type MeetingTemplateRow struct {
	CalendarEventID int64          `yaml:"calendar_event_id"`
	StageID         int64          `yaml:"stage_id"`
	TaskNumber      int            `yaml:"task_number"`
	Attrs           map[string]any `yaml:"attrs"`
}

type StageTemplateRow struct {
	StageID    int64          `yaml:"stage_id"`
	TaskNumber int            `yaml:"task_number"`
	Attrs      map[string]any `yaml:"attrs"`
}

type CalendarMappingRow struct {
	StageID             int64 `yaml:"stage_id"`
	CalendarEventID     int64 `yaml:"calendar_event_id"`
	UsesMeetingLocation bool  `yaml:"uses_meeting_location"`
	Active              *bool `yaml:"active"`
}

type AssigneeRefRow struct {
	Reference string   `yaml:"reference"`
	Locations []string `yaml:"locations"`
	UserID    int64    `yaml:"user_id"`
}

// IsActive treats a missing active flag as active.
func (r CalendarMappingRow) IsActive() bool {
	return r.Active == nil || *r.Active
}

// Validate checks referential basics before anything touches the store.
func (d *RefData) Validate() error {
	for i, row := range d.MeetingTemplates {
		if row.CalendarEventID == 0 {
			return fmt.Errorf("meeting_templates[%d]: calendar_event_id is required", i)
		}
		if row.TaskNumber <= 0 {
			return fmt.Errorf("meeting_templates[%d]: task_number must be positive", i)
		}
	}
	for i, row := range d.MatterTemplates {
		if row.StageID == 0 {
			return fmt.Errorf("matter_templates[%d]: stage_id is required", i)
		}
		if row.TaskNumber <= 0 {
			return fmt.Errorf("matter_templates[%d]: task_number must be positive", i)
		}
	}
	for i, row := range d.ProbateTemplates {
		if row.StageID == 0 {
			return fmt.Errorf("probate_templates[%d]: stage_id is required", i)
		}
		if row.TaskNumber <= 0 {
			return fmt.Errorf("probate_templates[%d]: task_number must be positive", i)
		}
	}
	for i, row := range d.CalendarMappings {
		if row.StageID == 0 || row.CalendarEventID == 0 {
			return fmt.Errorf("calendar_mappings[%d]: stage_id and calendar_event_id are required", i)
		}
	}
	for i, row := range d.AssigneeRefs {
		if row.Reference == "" {
			return fmt.Errorf("assignee_refs[%d]: reference is required", i)
		}
		if len(row.Locations) == 0 {
			return fmt.Errorf("assignee_refs[%d]: at least one location is required", i)
		}
		if row.UserID == 0 {
			return fmt.Errorf("assignee_refs[%d]: user_id is required", i)
		}
	}
	return nil
}

// RefDataFromYAML parses and validates a reference-data file.
func RefDataFromYAML(data []byte) (*RefData, error) {
	var d RefData
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("invalid refdata yaml: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// RefDataFromFile reads a reference-data YAML file.
func RefDataFromFile(path string) (*RefData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return RefDataFromYAML(data)
}
