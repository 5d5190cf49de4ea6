package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"stagehand/internal/config"
	"stagehand/internal/domain"
	"stagehand/internal/errlog"
	"stagehand/internal/matterlock"
	"stagehand/internal/repo"
	"stagehand/internal/templates"
)

// ErrBusy is returned when the per-matter scope or a store call timed out.
// Callers surface it as a 5xx so the upstream sender redelivers.
var ErrBusy = errors.New("matter busy, retry later")

// ErrNotPending marks a completion attempt on a task that already left the
// pending state.
var ErrNotPending = errors.New("task not pending")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Errors errlog.Writer
	Config *config.Config
	Locks  *matterlock.Keyed
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Errors: errlog.Writer{DB: db},
		Config: cfg,
		Locks:  matterlock.New(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Result summarizes one processed webhook for the response body.
type Result struct {
	Action   string `json:"action"`
	Created  int    `json:"created"`
	Updated  int    `json:"updated"`
	Deferred int    `json:"deferred"`
	Failed   int    `json:"failed"`
}

const (
	ActionIgnored      = "ignored"
	ActionNoTemplates  = "no_templates"
	ActionMaterialized = "tasks_materialized"
	ActionPartial      = "tasks_materialized_partial"
)

// ProcessEvent runs the full resolution pipeline for one canonical Event:
// per-matter serialization, template selection, due-date computation over the
// dependency graph, assignee resolution and idempotent materialization.
// Per-template failures are logged and absorbed; only lock/store timeouts
// escape as ErrBusy.
func (e Engine) ProcessEvent(ctx context.Context, evt domain.Event) (Result, error) {
	if evt.Type == domain.EventDocumentCreated {
		return Result{Action: ActionIgnored}, nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.Config.LockWait())
	err := e.Locks.Acquire(lockCtx, evt.MatterID)
	cancel()
	if err != nil {
		if errors.Is(err, matterlock.ErrTimeout) {
			e.logError(ctx, errlog.CodeTransientTimeout, "per-matter lock wait exhausted", evt.MatterID, errlog.Context{
				"event_id": evt.EventID,
				"stage_id": evt.StageID,
			})
			return Result{}, ErrBusy
		}
		return Result{}, err
	}
	defer e.Locks.Release(evt.MatterID)

	set, mapping, err := e.resolveTemplates(ctx, &evt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.logError(ctx, errlog.CodeTransientTimeout, "template lookup timed out", evt.MatterID, errlog.Context{"event_id": evt.EventID})
			return Result{}, ErrBusy
		}
		return Result{}, err
	}
	if len(set) == 0 {
		e.logError(ctx, errlog.CodeTemplateNotFound,
			fmt.Sprintf("no templates for stage %d (event %s)", evt.StageID, evt.Type),
			evt.MatterID, errlog.Context{
				"event_id":          evt.EventID,
				"stage_id":          evt.StageID,
				"calendar_event_id": evt.CalendarEventID,
			})
		return Result{Action: ActionNoTemplates}, nil
	}

	res := Result{Action: ActionMaterialized}

	plan := resolveDueDates(set, evt.OccurredAt, func(taskNumber int) (time.Time, bool) {
		return e.materializedDue(ctx, evt.MatterID, evt.StageID, taskNumber)
	})
	if len(plan.CycleMembers) > 0 {
		// CycleMembers includes tasks parked behind the cycle, not only the
		// cycle itself; none of them can be given a due date.
		e.logError(ctx, errlog.CodeDependencyCycle,
			fmt.Sprintf("dependency cycle blocks tasks %v for stage %d", plan.CycleMembers, evt.StageID),
			evt.MatterID, errlog.Context{"event_id": evt.EventID, "tasks": plan.CycleMembers})
		res.Failed += len(plan.CycleMembers)
	}

	for _, st := range plan.Ready {
		created, err := e.materializeOne(ctx, evt, mapping, st.Template, st.Due)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				e.logError(ctx, errlog.CodeTransientTimeout, "task write timed out", evt.MatterID, errlog.Context{
					"event_id":    evt.EventID,
					"task_number": st.Template.TaskNumber,
				})
				return res, ErrBusy
			}
			return res, err
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}

	deferredNow := make(map[int]struct{}, len(plan.Deferred))
	for _, tpl := range plan.Deferred {
		if err := e.deferTemplate(ctx, evt, tpl); err != nil {
			return res, err
		}
		deferredNow[tpl.TaskNumber] = struct{}{}
	}
	res.Deferred = len(deferredNow)

	// Something may have just materialized a dependency another event parked
	// on. Only templates this batch parked count toward Deferred; settling a
	// leftover from an earlier event must not mask a fresh deferral.
	retried, settled, err := e.retryDeferred(ctx, evt, mapping)
	if err != nil {
		return res, err
	}
	res.Created += retried.Created
	res.Updated += retried.Updated
	res.Failed += retried.Failed
	for _, num := range settled {
		delete(deferredNow, num)
	}
	res.Deferred = len(deferredNow)

	if res.Failed > 0 {
		res.Action = ActionPartial
	}
	return res, nil
}

// CompleteTask drives the downstream pending->completed transition.
func (e Engine) CompleteTask(ctx context.Context, matterID, stageID int64, taskNumber int) error {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	task, err := e.Repo.GetTaskByKey(opCtx, matterID, stageID, taskNumber)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskPending {
		return fmt.Errorf("task %s is %s: %w", task.ID, task.Status, ErrNotPending)
	}
	return e.Repo.SetTaskStatus(opCtx, matterID, stageID, taskNumber, domain.TaskCompleted)
}

// resolveTemplates selects the template set: meeting table when the stage has
// an active calendar mapping, then the non-meeting matter table, then the
// probate fallback. First non-empty result wins.
func (e Engine) resolveTemplates(ctx context.Context, evt *domain.Event) ([]domain.TaskTemplate, *domain.CalendarEventMapping, error) {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()

	var mapping *domain.CalendarEventMapping
	switch evt.Type {
	case domain.EventCalendarEntryCreated, domain.EventCalendarEntryUpdated:
		if evt.CalendarEventID != 0 {
			m, err := e.Repo.CalendarMappingByCalendarEvent(opCtx, evt.CalendarEventID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, nil, err
			}
			if err == nil {
				mapping = &m
				if evt.StageID == 0 {
					evt.StageID = m.StageID
				}
			}
		}
	default:
		if evt.StageID != 0 {
			m, err := e.Repo.CalendarMappingByStage(opCtx, evt.StageID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, nil, err
			}
			if err == nil {
				mapping = &m
			}
		}
	}

	if mapping != nil && mapping.Active {
		rows, err := e.Repo.MeetingTemplates(opCtx, mapping.CalendarEventID)
		if err != nil {
			return nil, nil, err
		}
		if len(rows) > 0 {
			return normalizeRows(templates.MeetingSchema, evt.StageID, rows), mapping, nil
		}
	}
	if evt.StageID == 0 {
		return nil, mapping, nil
	}
	rows, err := e.Repo.MatterTemplates(opCtx, evt.StageID)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) > 0 {
		return normalizeRows(templates.MatterSchema, evt.StageID, rows), mapping, nil
	}
	rows, err = e.Repo.ProbateTemplates(opCtx, evt.StageID)
	if err != nil {
		return nil, nil, err
	}
	return normalizeRows(templates.ProbateSchema, evt.StageID, rows), mapping, nil
}

func normalizeRows(schema templates.Schema, stageID int64, rows []domain.TemplateRow) []domain.TaskTemplate {
	set := make([]domain.TaskTemplate, 0, len(rows))
	for _, row := range rows {
		set = append(set, templates.Normalize(schema, stageID, row))
	}
	return set
}

func (e Engine) materializedDue(ctx context.Context, matterID, stageID int64, taskNumber int) (time.Time, bool) {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	task, err := e.Repo.GetTaskByKey(opCtx, matterID, stageID, taskNumber)
	if err != nil {
		return time.Time{}, false
	}
	due, err := time.Parse(time.RFC3339, task.DueDate)
	if err != nil {
		return time.Time{}, false
	}
	return due, true
}

func (e Engine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.Config.OpTimeout())
}

func (e Engine) logError(ctx context.Context, code, message string, matterID int64, payload errlog.Context) {
	// Audit writes use a fresh context so a cancelled request cannot lose
	// the row after side effects already happened.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.Config.OpTimeout())
	defer cancel()
	if err := e.Errors.Append(logCtx, code, message, matterID, payload); err != nil {
		log.Printf("errlog: append %s failed: %v", code, err)
	}
}
