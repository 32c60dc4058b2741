package models

import "time"

// FlowEvent records one phase transition of an onboarding flow
type FlowEvent struct {
	EventBucket   int       `db:"event_bucket" json:"event_bucket"`
	FlowID        string    `db:"flow_id" json:"flow_id"`
	EventDate     string    `db:"event_date" json:"event_date"`
	EventTime     time.Time `db:"event_time" json:"event_time"`
	EventType     string    `db:"event_type" json:"event_type"`
	Mode          string    `db:"mode" json:"mode"`
	Phase         string    `db:"phase" json:"phase"`
	PreviousPhase string    `db:"previous_phase" json:"previous_phase"`
	ErrorKind     string    `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage  string    `db:"error_message" json:"error_message,omitempty"`
	Recoverable   bool      `db:"recoverable" json:"recoverable"`
	RetryCount    int       `db:"retry_count" json:"retry_count"`
	UserID        string    `db:"user_id" json:"user_id,omitempty"`
}

const (
	FlowEventTransition = "transition"
	FlowEventRetry      = "retry"
	FlowEventReset      = "reset"
)
