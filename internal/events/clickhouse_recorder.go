package events

import (
	"context"
	"fmt"

	"onboard-service/internal/models"
)

const flowEventsTable = `CREATE TABLE IF NOT EXISTS flow_events (
    event_bucket UInt16,
    flow_id String,
    event_date Date,
    event_time DateTime64(3),
    event_type LowCardinality(String),
    mode LowCardinality(String),
    phase LowCardinality(String),
    previous_phase LowCardinality(String),
    error_kind LowCardinality(String),
    error_message String,
    recoverable UInt8,
    retry_count UInt8,
    user_id String
) ENGINE = MergeTree
PARTITION BY event_date
ORDER BY (event_bucket, flow_id, event_time)`

const insertFlowEvent = `INSERT INTO flow_events (
    event_bucket, flow_id, event_date, event_time, event_type, mode, phase,
    previous_phase, error_kind, error_message, recoverable, retry_count, user_id
)`

// Execer is the ClickHouse client as the recorder uses it
type Execer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

// ClickHouseRecorder keeps the onboarding funnel in ClickHouse
type ClickHouseRecorder struct {
	conn Execer
}

func NewClickHouseRecorder(conn Execer) *ClickHouseRecorder {
	return &ClickHouseRecorder{conn: conn}
}

func (r *ClickHouseRecorder) EnsureSchema(ctx context.Context) error {
	if err := r.conn.Exec(ctx, flowEventsTable); err != nil {
		return fmt.Errorf("failed to create flow_events table: %w", err)
	}
	return nil
}

func (r *ClickHouseRecorder) PublishFlowEvent(ctx context.Context, ev *models.FlowEvent) error {
	return r.conn.BatchInsert(ctx, insertFlowEvent, [][]interface{}{row(ev)})
}

func row(ev *models.FlowEvent) []interface{} {
	var recoverable uint8
	if ev.Recoverable {
		recoverable = 1
	}
	return []interface{}{
		uint16(ev.EventBucket),
		ev.FlowID,
		ev.EventTime.UTC(),
		ev.EventTime.UTC(),
		ev.EventType,
		ev.Mode,
		ev.Phase,
		ev.PreviousPhase,
		ev.ErrorKind,
		ev.ErrorMessage,
		recoverable,
		uint8(ev.RetryCount),
		ev.UserID,
	}
}
