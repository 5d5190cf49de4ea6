package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stagehand/internal/domain"
	"stagehand/internal/errlog"
	"stagehand/internal/repo"
)

// materializeOne upserts the task for one resolved template. The idempotency
// key is (matter_id, stage_id, task_number): a second delivery updates the
// existing row in place instead of creating a sibling, and never touches
// status. Returns whether a row was created.
func (e Engine) materializeOne(ctx context.Context, evt domain.Event, mapping *domain.CalendarEventMapping, tpl domain.TaskTemplate, due time.Time) (bool, error) {
	assigned, err := e.resolveAssignee(ctx, evt, mapping, tpl)
	if err != nil {
		return false, err
	}
	if assigned == nil {
		e.logError(ctx, errlog.CodeAssigneeNotFound,
			fmt.Sprintf("no assignee for task %d (%s), materializing unassigned", tpl.TaskNumber, tpl.Title),
			evt.MatterID, errlog.Context{
				"event_id":    evt.EventID,
				"stage_id":    evt.StageID,
				"task_number": tpl.TaskNumber,
				"reference":   tpl.AssigneeRef,
			})
	}

	opCtx, cancel := e.opCtx(ctx)
	defer cancel()

	now := e.now().UTC().Format(time.RFC3339)
	task := domain.Task{
		MatterID:       evt.MatterID,
		StageID:        evt.StageID,
		TaskNumber:     tpl.TaskNumber,
		Title:          tpl.Title,
		Description:    tpl.Description,
		DueDate:        due.UTC().Format(time.RFC3339),
		AssignedUserID: assigned,
		SourceEventID:  evt.EventID,
		UpdatedAt:      now,
	}

	_, err = e.Repo.GetTaskByKey(opCtx, evt.MatterID, evt.StageID, tpl.TaskNumber)
	switch {
	case err == nil:
		// Redelivered or corrected webhook: refresh derived fields only.
		return false, e.Repo.UpdateTaskFields(opCtx, task)
	case errors.Is(err, repo.ErrNotFound):
		task.ID = uuid.NewString()
		task.Status = domain.TaskPending
		task.CreatedAt = now
		return true, e.Repo.InsertTask(opCtx, task)
	default:
		return false, err
	}
}

// deferTemplate parks a dependent template whose anchor task has not
// materialized yet. The attempt count survives redelivery.
func (e Engine) deferTemplate(ctx context.Context, evt domain.Event, tpl domain.TaskTemplate) error {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.Repo.UpsertDeferred(opCtx, domain.DeferredTemplate{
		MatterID:      evt.MatterID,
		StageID:       evt.StageID,
		Template:      tpl,
		SourceEventID: evt.EventID,
	})
}

// retryDeferred re-resolves parked templates for this (matter, stage) after a
// batch materializes; a freshly created task may be the anchor one of them
// was waiting for. Attempts are bounded; exhausted templates are dropped with
// a DEPENDENCY_UNRESOLVED audit row. The second return value lists the task
// numbers no longer parked, resolved or exhausted.
func (e Engine) retryDeferred(ctx context.Context, evt domain.Event, mapping *domain.CalendarEventMapping) (Result, []int, error) {
	opCtx, cancel := e.opCtx(ctx)
	deferred, err := e.Repo.ListDeferred(opCtx, evt.MatterID, evt.StageID)
	cancel()
	if err != nil {
		return Result{}, nil, err
	}

	var res Result
	var settled []int
	for _, d := range deferred {
		anchor, ok := e.materializedDue(ctx, d.MatterID, d.StageID, d.Template.DependsOn)
		if ok {
			due := addOffset(anchor, d.Template.DueValue, d.Template.DueUnit)
			created, err := e.materializeOne(ctx, evt, mapping, d.Template, due)
			if err != nil {
				return res, settled, err
			}
			if created {
				res.Created++
			} else {
				res.Updated++
			}
			if err := e.dropDeferred(ctx, d); err != nil {
				return res, settled, err
			}
			settled = append(settled, d.Template.TaskNumber)
			continue
		}

		if d.Attempts+1 >= e.Config.MaxAttempts() {
			e.logError(ctx, errlog.CodeDependencyUnresolved,
				fmt.Sprintf("task %d still waiting on task %d after %d attempts, giving up",
					d.Template.TaskNumber, d.Template.DependsOn, d.Attempts+1),
				d.MatterID, errlog.Context{
					"stage_id":    d.StageID,
					"task_number": d.Template.TaskNumber,
					"depends_on":  d.Template.DependsOn,
				})
			if err := e.dropDeferred(ctx, d); err != nil {
				return res, settled, err
			}
			res.Failed++
			settled = append(settled, d.Template.TaskNumber)
			continue
		}
		bumpCtx, cancel := e.opCtx(ctx)
		err = e.Repo.BumpDeferredAttempts(bumpCtx, d.MatterID, d.StageID, d.Template.TaskNumber)
		cancel()
		if err != nil {
			return res, settled, err
		}
	}
	return res, settled, nil
}

func (e Engine) dropDeferred(ctx context.Context, d domain.DeferredTemplate) error {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.Repo.DeleteDeferred(opCtx, d.MatterID, d.StageID, d.Template.TaskNumber)
}
