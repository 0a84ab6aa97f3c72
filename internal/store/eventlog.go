package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// EventRecord is a stored event with its per-instance sequence number.
type EventRecord struct {
	InstanceID string `json:"instance_id"`
	Sequence   int64  `json:"sequence"`
	schema.Event
}

// StepSummary is the replayed view of one step's events.
type StepSummary struct {
	StepIndex   int
	StepName    string
	Status      string
	Attempts    int
	Retries     int
	Iterations  int
	Route       string
	LastMessage string
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// EventLog is an append-only event sink on top of a LibSQLStore.
type EventLog struct {
	db *sql.DB
}

var _ engine.EventSink = (*EventLog)(nil)

// NewEventLog wraps a LibSQLStore to record engine events.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{db: s.DB()}
}

// Emit appends event with the next sequence number for the instance. The
// sequence is computed inside the insert so concurrent writers cannot
// interleave between read and write.
func (el *EventLog) Emit(ctx context.Context, instanceID string, event schema.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := el.db.ExecContext(ctx,
		`INSERT INTO events (instance_id, sequence, kind, step_index, step_name, agent_id, status, message, timestamp)
		 SELECT ?, COALESCE(MAX(sequence), 0) + 1, ?, ?, ?, ?, ?, ?, ?
		 FROM events WHERE instance_id = ?`,
		instanceID, event.Kind, event.StepIndex, nullStr(event.StepName), nullStr(event.AgentID),
		nullStr(event.Status), nullStr(event.Message), event.Timestamp, instanceID,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Events returns the instance's events with sequence > since, in order.
func (el *EventLog) Events(ctx context.Context, instanceID string, since int64) ([]EventRecord, error) {
	return el.query(ctx,
		`SELECT instance_id, sequence, kind, step_index, step_name, agent_id, status, message, timestamp
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence`, instanceID, since)
}

// EventsByKind returns up to limit events of one kind across instances,
// newest first.
func (el *EventLog) EventsByKind(ctx context.Context, kind string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return el.query(ctx,
		`SELECT instance_id, sequence, kind, step_index, step_name, agent_id, status, message, timestamp
		 FROM events WHERE kind = ? ORDER BY id DESC LIMIT ?`, kind, limit)
}

func (el *EventLog) query(ctx context.Context, q string, args ...any) ([]EventRecord, error) {
	rows, err := el.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			r                              EventRecord
			stepName, agentID, status, msg sql.NullString
		)
		if err := rows.Scan(&r.InstanceID, &r.Sequence, &r.Kind, &r.StepIndex,
			&stepName, &agentID, &status, &msg, &r.Timestamp); err != nil {
			return nil, err
		}
		r.StepName = stepName.String
		r.AgentID = agentID.String
		r.Status = status.String
		r.Message = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Replay folds an instance's events into per-step summaries keyed by step
// index. A gap in the sequence means events were lost and is reported as
// a STATE_ERROR.
func (el *EventLog) Replay(ctx context.Context, instanceID string) (map[int]*StepSummary, error) {
	events, err := el.Events(ctx, instanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	steps := make(map[int]*StepSummary)
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeState,
				"sequence gap in instance %s: expected %d, got %d", instanceID, want, e.Sequence)
		}
		if e.StepIndex == schema.NoStep {
			continue
		}

		ss, ok := steps[e.StepIndex]
		if !ok {
			ss = &StepSummary{StepIndex: e.StepIndex, StepName: e.StepName, Status: "pending"}
			steps[e.StepIndex] = ss
		}
		ts := e.Timestamp

		switch e.Kind {
		case schema.EventStepStarted:
			ss.Status = "running"
			ss.Attempts++
			if ss.StartedAt == nil {
				ss.StartedAt = &ts
			}
		case schema.EventStepRetrying:
			ss.Status = "retrying"
			ss.Retries++
		case schema.EventCycleIterCompleted:
			ss.Iterations++
		case schema.EventStepCompleted, schema.EventCycleCompleted:
			ss.Status = string(schema.StepCompleted)
			ss.FinishedAt = &ts
		case schema.EventStepSkipped:
			ss.Status = string(schema.StepSkipped)
			ss.FinishedAt = &ts
		case schema.EventStepRouted:
			ss.Status = string(schema.StepRouted)
			ss.Route, _, _ = strings.Cut(e.Message, " -> ")
			ss.FinishedAt = &ts
		case schema.EventStepFailed:
			ss.Status = string(schema.StepFailed)
			ss.FinishedAt = &ts
		}
		if e.Message != "" {
			ss.LastMessage = e.Message
		}
	}
	return steps, nil
}
