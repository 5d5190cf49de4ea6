package engine

import (
	"context"
	"errors"

	"stagehand/internal/domain"
	"stagehand/internal/repo"
)

// resolveAssignee maps a template's assignee rule to a concrete user. The
// location comes from the meeting when the stage mapping says so, otherwise
// from the matter. A nil result with nil error means no mapping matched; the
// caller materializes the task unassigned so a human can pick it up.
func (e Engine) resolveAssignee(ctx context.Context, evt domain.Event, mapping *domain.CalendarEventMapping, tpl domain.TaskTemplate) (*int64, error) {
	reference := tpl.AssigneeRef
	if reference == "" {
		reference = e.Config.Scheduling.DefaultAssigneeReference
	}
	location := evt.MatterLocation
	if mapping != nil && mapping.UsesMeetingLocation && evt.MeetingLocation != "" {
		location = evt.MeetingLocation
	}
	if reference == "" || location == "" {
		return nil, nil
	}

	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	userID, err := e.Repo.LookupAssignee(opCtx, reference, location)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &userID, nil
}
