package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"stagehand/internal/config"
	"stagehand/internal/db"
	"stagehand/internal/domain"
	"stagehand/internal/migrate"
	"stagehand/internal/repo"
)

var testOccurred = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func testRefData() *config.RefData {
	return &config.RefData{
		MeetingTemplates: []config.MeetingTemplateRow{
			{CalendarEventID: 555, StageID: 700, TaskNumber: 1, Attrs: map[string]any{
				"name":                   "Prep signing packet",
				"due_date-value":         1,
				"due_date-time-unit":     "days",
				"due_date-relation-type": "after event",
			}},
		},
		MatterTemplates: []config.StageTemplateRow{
			{StageID: 848343, TaskNumber: 1, Attrs: map[string]any{
				"name":           "Attempt 1",
				"due_date_value": 1,
				"time_unit":      "days",
			}},
			{StageID: 848343, TaskNumber: 2, Attrs: map[string]any{
				"name":                     "Void Invoice",
				"due_date-value-only":      3,
				"due_date-relational-type": "after_task",
				"depends_on_task":          1,
			}},
			{StageID: 600, TaskNumber: 1, Attrs: map[string]any{
				"name":           "Open file",
				"due_date_value": 1,
			}},
			{StageID: 600, TaskNumber: 2, Attrs: map[string]any{
				"name":                   "Chase signature",
				"due_date_value":         2,
				"due_date_relation_type": "after_task",
				"depends_on_task":        9,
			}},
			{StageID: 610, TaskNumber: 1, Attrs: map[string]any{
				"name":                   "A",
				"due_date_relation_type": "after_task",
				"depends_on_task":        2,
			}},
			{StageID: 610, TaskNumber: 2, Attrs: map[string]any{
				"name":                   "B",
				"due_date_relation_type": "after_task",
				"depends_on_task":        1,
			}},
			{StageID: 620, TaskNumber: 1, Attrs: map[string]any{
				"name":                   "Record deed",
				"due_date_value":         2,
				"due_date_relation_type": "after_task",
				"depends_on_task":        8,
			}},
			{StageID: 620, TaskNumber: 2, Attrs: map[string]any{
				"name":                   "Close file",
				"due_date_value":         1,
				"due_date_relation_type": "after_task",
				"depends_on_task":        9,
			}},
		},
		ProbateTemplates: []config.StageTemplateRow{
			{StageID: 900, TaskNumber: 1, Attrs: map[string]any{
				"name":                "File inventory",
				"due_date_value_only": "14",
			}},
		},
		CalendarMappings: []config.CalendarMappingRow{
			{StageID: 700, CalendarEventID: 555, UsesMeetingLocation: true},
		},
		AssigneeRefs: []config.AssigneeRefRow{
			{Reference: "attorney_of_record", Locations: []string{"Southfield", "Detroit"}, UserID: 42},
			{Reference: "attorney_of_record", Locations: []string{"Troy"}, UserID: 43},
		},
	}
}

func newTestEnv(t *testing.T, cfg *config.Config) Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.ImportRefData(context.Background(), testRefData()); err != nil {
		t.Fatalf("import refdata: %v", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	e := New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func stageEvent(eventID string, matterID, stageID int64, location string) domain.Event {
	return domain.Event{
		EventID:        eventID,
		Type:           domain.EventStageChanged,
		MatterID:       matterID,
		StageID:        stageID,
		MatterLocation: location,
		OccurredAt:     testOccurred,
	}
}

func mustTask(t *testing.T, e Engine, matterID, stageID int64, num int) domain.Task {
	t.Helper()
	task, err := e.Repo.GetTaskByKey(context.Background(), matterID, stageID, num)
	if err != nil {
		t.Fatalf("task %d/%d/%d: %v", matterID, stageID, num, err)
	}
	return task
}

func hasErrorCode(t *testing.T, e Engine, code string) bool {
	t.Helper()
	entries, err := e.Repo.ListErrors(context.Background(), 100)
	if err != nil {
		t.Fatalf("list errors: %v", err)
	}
	for _, entry := range entries {
		if entry.Code == code {
			return true
		}
	}
	return false
}

func TestStageChangeMaterializesTemplates(t *testing.T) {
	e := newTestEnv(t, nil)
	res, err := e.ProcessEvent(context.Background(), stageEvent("evt_1", 9, 848343, "Southfield"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Action != ActionMaterialized || res.Created != 2 || res.Updated != 0 || res.Failed != 0 {
		t.Fatalf("result: %+v", res)
	}

	attempt := mustTask(t, e, 9, 848343, 1)
	if attempt.Title != "Attempt 1" || attempt.Status != domain.TaskPending {
		t.Fatalf("task 1: %+v", attempt)
	}
	if want := testOccurred.AddDate(0, 0, 1).Format(time.RFC3339); attempt.DueDate != want {
		t.Fatalf("task 1 due %s want %s", attempt.DueDate, want)
	}
	if attempt.AssignedUserID == nil || *attempt.AssignedUserID != 42 {
		t.Fatalf("task 1 assignee: %v", attempt.AssignedUserID)
	}

	void := mustTask(t, e, 9, 848343, 2)
	if void.Title != "Void Invoice" {
		t.Fatalf("task 2: %+v", void)
	}
	if want := testOccurred.AddDate(0, 0, 4).Format(time.RFC3339); void.DueDate != want {
		t.Fatalf("task 2 due %s want %s", void.DueDate, want)
	}

	tasks, err := e.Repo.ListTasks(context.Background(), 9, 848343, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected exactly the stage's templates, got %d tasks", len(tasks))
	}
}

func TestRedeliveryUpdatesInPlace(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	evt := stageEvent("evt_1", 9, 848343, "Southfield")
	if _, err := e.ProcessEvent(ctx, evt); err != nil {
		t.Fatal(err)
	}
	first := mustTask(t, e, 9, 848343, 1)

	evt.EventID = "evt_2"
	res, err := e.ProcessEvent(ctx, evt)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 0 || res.Updated != 2 {
		t.Fatalf("redelivery result: %+v", res)
	}
	second := mustTask(t, e, 9, 848343, 1)
	if second.ID != first.ID {
		t.Fatalf("redelivery replaced the row: %s vs %s", second.ID, first.ID)
	}
	if second.SourceEventID != "evt_2" {
		t.Fatalf("source event not refreshed: %s", second.SourceEventID)
	}
	tasks, err := e.Repo.ListTasks(ctx, 9, 848343, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected one live row per key, got %d", len(tasks))
	}
}

func TestCompletedStatusSurvivesRedelivery(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := e.ProcessEvent(ctx, stageEvent("evt_1", 9, 848343, "Southfield")); err != nil {
		t.Fatal(err)
	}
	if err := e.CompleteTask(ctx, 9, 848343, 1); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := e.ProcessEvent(ctx, stageEvent("evt_2", 9, 848343, "Southfield")); err != nil {
		t.Fatal(err)
	}
	task := mustTask(t, e, 9, 848343, 1)
	if task.Status != domain.TaskCompleted {
		t.Fatalf("redelivery regressed status to %s", task.Status)
	}
	err := e.CompleteTask(ctx, 9, 848343, 1)
	if !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestMeetingTemplatesUseMeetingLocation(t *testing.T) {
	e := newTestEnv(t, nil)
	evt := domain.Event{
		EventID:         "evt_cal",
		Type:            domain.EventCalendarEntryCreated,
		MatterID:        12,
		CalendarEventID: 555,
		MatterLocation:  "Detroit",
		MeetingLocation: "Troy",
		OccurredAt:      testOccurred,
	}
	res, err := e.ProcessEvent(context.Background(), evt)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 {
		t.Fatalf("result: %+v", res)
	}
	task := mustTask(t, e, 12, 700, 1)
	if task.Title != "Prep signing packet" {
		t.Fatalf("task: %+v", task)
	}
	if task.AssignedUserID == nil || *task.AssignedUserID != 43 {
		t.Fatalf("meeting location should pick the Troy assignee, got %v", task.AssignedUserID)
	}
}

func TestProbateFallbackWhenMatterTableEmpty(t *testing.T) {
	e := newTestEnv(t, nil)
	res, err := e.ProcessEvent(context.Background(), stageEvent("evt_1", 3, 900, "Detroit"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 {
		t.Fatalf("result: %+v", res)
	}
	task := mustTask(t, e, 3, 900, 1)
	if task.Title != "File inventory" {
		t.Fatalf("task: %+v", task)
	}
	if want := testOccurred.AddDate(0, 0, 14).Format(time.RFC3339); task.DueDate != want {
		t.Fatalf("due %s want %s", task.DueDate, want)
	}
}

func TestNoTemplatesLogsAndReturnsAction(t *testing.T) {
	e := newTestEnv(t, nil)
	res, err := e.ProcessEvent(context.Background(), stageEvent("evt_1", 9, 999, "Southfield"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionNoTemplates {
		t.Fatalf("action: %s", res.Action)
	}
	if !hasErrorCode(t, e, "TEMPLATE_NOT_FOUND") {
		t.Fatal("expected TEMPLATE_NOT_FOUND audit row")
	}
}

func TestDocumentEventIgnored(t *testing.T) {
	e := newTestEnv(t, nil)
	evt := domain.Event{
		EventID:    "evt_doc",
		Type:       domain.EventDocumentCreated,
		MatterID:   9,
		OccurredAt: testOccurred,
	}
	res, err := e.ProcessEvent(context.Background(), evt)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionIgnored {
		t.Fatalf("action: %s", res.Action)
	}
	tasks, err := e.Repo.ListTasks(context.Background(), 9, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("ignored event materialized %d tasks", len(tasks))
	}
}

func TestDependencyCycleFailsMembersOnly(t *testing.T) {
	e := newTestEnv(t, nil)
	res, err := e.ProcessEvent(context.Background(), stageEvent("evt_1", 9, 610, "Southfield"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionPartial || res.Failed != 2 || res.Created != 0 {
		t.Fatalf("result: %+v", res)
	}
	if !hasErrorCode(t, e, "DEPENDENCY_CYCLE") {
		t.Fatal("expected DEPENDENCY_CYCLE audit row")
	}
	tasks, err := e.Repo.ListTasks(context.Background(), 9, 610, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("cycle members materialized: %d", len(tasks))
	}
}

func TestUnresolvedDependencyDeferredThenExhausted(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduling.MaxDependencyAttempts = 2
	e := newTestEnv(t, cfg)
	ctx := context.Background()

	res, err := e.ProcessEvent(ctx, stageEvent("evt_1", 9, 600, "Southfield"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 || res.Deferred != 1 || res.Failed != 0 {
		t.Fatalf("first delivery: %+v", res)
	}
	deferred, err := e.Repo.ListDeferred(ctx, 9, 600)
	if err != nil {
		t.Fatal(err)
	}
	if len(deferred) != 1 || deferred[0].Attempts != 1 {
		t.Fatalf("deferred: %+v", deferred)
	}

	res, err = e.ProcessEvent(ctx, stageEvent("evt_2", 9, 600, "Southfield"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionPartial || res.Failed != 1 || res.Deferred != 0 {
		t.Fatalf("second delivery: %+v", res)
	}
	if !hasErrorCode(t, e, "DEPENDENCY_UNRESOLVED") {
		t.Fatal("expected DEPENDENCY_UNRESOLVED audit row")
	}
	deferred, err = e.Repo.ListDeferred(ctx, 9, 600)
	if err != nil {
		t.Fatal(err)
	}
	if len(deferred) != 0 {
		t.Fatalf("exhausted template still parked: %+v", deferred)
	}
	if _, err := e.Repo.GetTaskByKey(ctx, 9, 600, 2); err == nil {
		t.Fatal("exhausted template should not materialize")
	}
}

func TestDeferredResolvesOnceAnchorExists(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := e.ProcessEvent(ctx, stageEvent("evt_1", 9, 600, "Southfield")); err != nil {
		t.Fatal(err)
	}
	if deferred, _ := e.Repo.ListDeferred(ctx, 9, 600); len(deferred) != 1 {
		t.Fatalf("expected one parked template, got %d", len(deferred))
	}

	anchor := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	now := e.Now().UTC().Format(time.RFC3339)
	err := e.Repo.InsertTask(ctx, domain.Task{
		ID:            "seed-task-9",
		MatterID:      9,
		StageID:       600,
		TaskNumber:    9,
		Title:         "Collect signature",
		DueDate:       anchor.Format(time.RFC3339),
		Status:        domain.TaskPending,
		SourceEventID: "seed",
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("seed anchor: %v", err)
	}

	if _, err := e.ProcessEvent(ctx, stageEvent("evt_2", 9, 600, "Southfield")); err != nil {
		t.Fatal(err)
	}
	task := mustTask(t, e, 9, 600, 2)
	if want := anchor.AddDate(0, 0, 2).Format(time.RFC3339); task.DueDate != want {
		t.Fatalf("due %s want %s", task.DueDate, want)
	}
	if deferred, _ := e.Repo.ListDeferred(ctx, 9, 600); len(deferred) != 0 {
		t.Fatalf("resolved template still parked: %+v", deferred)
	}
}

func TestLockWaitExhaustionReturnsBusy(t *testing.T) {
	cfg := config.Default()
	cfg.Webhook.LockWaitSeconds = 1
	e := newTestEnv(t, cfg)
	ctx := context.Background()

	if err := e.Locks.Acquire(ctx, 9); err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer e.Locks.Release(9)

	_, err := e.ProcessEvent(ctx, stageEvent("evt_1", 9, 848343, "Southfield"))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !hasErrorCode(t, e, "TRANSIENT_TIMEOUT") {
		t.Fatal("expected TRANSIENT_TIMEOUT audit row")
	}
	tasks, err := e.Repo.ListTasks(ctx, 9, 848343, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("busy event materialized %d tasks", len(tasks))
	}
}

func TestSettlingEarlierDeferralKeepsNewDeferralCount(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	res, err := e.ProcessEvent(ctx, stageEvent("evt_1", 9, 620, "Southfield"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Deferred != 2 || res.Created != 0 {
		t.Fatalf("first delivery: %+v", res)
	}

	anchor := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	now := e.Now().UTC().Format(time.RFC3339)
	err = e.Repo.InsertTask(ctx, domain.Task{
		ID:            "seed-task-8",
		MatterID:      9,
		StageID:       620,
		TaskNumber:    8,
		Title:         "Receive deed",
		DueDate:       anchor.Format(time.RFC3339),
		Status:        domain.TaskPending,
		SourceEventID: "seed",
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("seed anchor: %v", err)
	}

	// Task 1 resolves against the new anchor; task 2 stays parked. Settling
	// the old deferral must not hide that task 2 deferred again.
	res, err = e.ProcessEvent(ctx, stageEvent("evt_2", 9, 620, "Southfield"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 || res.Deferred != 1 {
		t.Fatalf("second delivery: %+v", res)
	}
	deferred, err := e.Repo.ListDeferred(ctx, 9, 620)
	if err != nil {
		t.Fatal(err)
	}
	if len(deferred) != 1 || deferred[0].Template.TaskNumber != 2 {
		t.Fatalf("deferred: %+v", deferred)
	}
	task := mustTask(t, e, 9, 620, 1)
	if want := anchor.AddDate(0, 0, 2).Format(time.RFC3339); task.DueDate != want {
		t.Fatalf("due %s want %s", task.DueDate, want)
	}
}

func TestUnknownLocationMaterializesUnassigned(t *testing.T) {
	e := newTestEnv(t, nil)
	res, err := e.ProcessEvent(context.Background(), stageEvent("evt_1", 9, 848343, "Lansing"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 2 {
		t.Fatalf("result: %+v", res)
	}
	task := mustTask(t, e, 9, 848343, 1)
	if task.AssignedUserID != nil {
		t.Fatalf("expected unassigned task, got user %d", *task.AssignedUserID)
	}
	if !hasErrorCode(t, e, "ASSIGNEE_NOT_FOUND") {
		t.Fatal("expected ASSIGNEE_NOT_FOUND audit row")
	}
}
