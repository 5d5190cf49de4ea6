package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stagehand/internal/domain"
)

// ErrInvalidEvent marks a payload that verified but cannot be normalized.
var ErrInvalidEvent = errors.New("invalid event payload")

type stageRef struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

type inboundPayload struct {
	ID            json.Number `json:"id"`
	Type          string      `json:"type"`
	OccurredAt    string      `json:"occurred_at"`
	CreatedAt     string      `json:"created_at"`
	StartAt       string      `json:"start_at"`
	Summary       string      `json:"summary"`
	Location      string      `json:"location"`
	MatterID      json.Number `json:"matter_id"`
	MatterStageID json.Number `json:"matter_stage_id"`
	CalendarID    json.Number `json:"calendar_id"`
	MatterStage   *stageRef   `json:"matter_stage"`
	Matter        *struct {
		ID          json.Number `json:"id"`
		Location    string      `json:"location"`
		MatterStage *stageRef   `json:"matter_stage"`
	} `json:"matter"`
	CalendarEntry *struct {
		ID         json.Number `json:"id"`
		CalendarID json.Number `json:"calendar_id"`
		Location   string      `json:"location"`
		StartAt    string      `json:"start_at"`
	} `json:"calendar_entry"`
	Document *struct {
		ID json.Number `json:"id"`
	} `json:"document"`
}

// NormalizeEvent maps provider JSON into the canonical Event. It is pure and
// deterministic: redelivering the same body yields an identical Event, so
// downstream idempotency keys are stable. Stage may arrive nested
// (matter_stage{id,name}, top level or under matter) or flattened
// (matter_stage_id); calendar fields are absent on non-meeting events.
func NormalizeEvent(raw []byte) (domain.Event, error) {
	var p inboundPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	evt := domain.Event{
		EventID: p.ID.String(),
		Summary: p.Summary,
	}
	if evt.EventID == "" {
		// No upstream id: derive one from the body so redeliveries collapse.
		sum := sha256.Sum256(raw)
		evt.EventID = "evt_" + hex.EncodeToString(sum[:8])
	}

	if p.Matter != nil {
		evt.MatterID = numToInt64(p.Matter.ID)
		evt.MatterLocation = p.Matter.Location
	}
	if evt.MatterID == 0 {
		evt.MatterID = numToInt64(p.MatterID)
	}
	if evt.MatterID == 0 {
		return domain.Event{}, fmt.Errorf("%w: matter id missing", ErrInvalidEvent)
	}

	stage := p.MatterStage
	if stage == nil && p.Matter != nil {
		stage = p.Matter.MatterStage
	}
	if stage != nil {
		evt.StageID = numToInt64(stage.ID)
		evt.StageName = stage.Name
	}
	if evt.StageID == 0 {
		evt.StageID = numToInt64(p.MatterStageID)
	}

	if p.CalendarEntry != nil {
		evt.CalendarEventID = numToInt64(p.CalendarEntry.CalendarID)
		evt.MeetingLocation = p.CalendarEntry.Location
		if p.StartAt == "" {
			p.StartAt = p.CalendarEntry.StartAt
		}
	}
	if evt.CalendarEventID == 0 {
		evt.CalendarEventID = numToInt64(p.CalendarID)
	}
	if evt.MeetingLocation == "" && (p.StartAt != "" || p.CalendarEntry != nil) {
		evt.MeetingLocation = p.Location
	}
	if evt.MatterLocation == "" && evt.MeetingLocation == "" {
		evt.MatterLocation = p.Location
	}

	evt.Type = eventType(p)
	if evt.Type == "" {
		return domain.Event{}, fmt.Errorf("%w: cannot determine event type", ErrInvalidEvent)
	}

	occurred, err := firstTimestamp(p.OccurredAt, p.CreatedAt, p.StartAt)
	if err != nil {
		return domain.Event{}, err
	}
	evt.OccurredAt = occurred
	return evt, nil
}

func eventType(p inboundPayload) string {
	switch strings.TrimSpace(p.Type) {
	case domain.EventStageChanged, "matter_stage_changed", "matter.stage_changed":
		return domain.EventStageChanged
	case domain.EventCalendarEntryCreated, "calendar_entry.created":
		return domain.EventCalendarEntryCreated
	case domain.EventCalendarEntryUpdated, "calendar_entry.updated":
		return domain.EventCalendarEntryUpdated
	case domain.EventDocumentCreated, "document.created":
		return domain.EventDocumentCreated
	}
	// No explicit type: infer from shape.
	switch {
	case p.MatterStage != nil, p.MatterStageID != "", p.Matter != nil && p.Matter.MatterStage != nil:
		return domain.EventStageChanged
	case p.CalendarEntry != nil, p.StartAt != "":
		return domain.EventCalendarEntryCreated
	case p.Document != nil:
		return domain.EventDocumentCreated
	default:
		return ""
	}
}

func firstTimestamp(candidates ...string) (time.Time, error) {
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, c)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidEvent, c)
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: no event timestamp", ErrInvalidEvent)
}

func numToInt64(n json.Number) int64 {
	v, err := n.Int64()
	if err != nil {
		return 0
	}
	return v
}
