package models

import "time"

// OnboardingRecord is written once a login or signup reaches its terminal success phase
type OnboardingRecord struct {
	UserBucket       int       `db:"user_bucket" json:"user_bucket"`
	UserID           string    `db:"user_id" json:"user_id"`
	FlowID           string    `db:"flow_id" json:"flow_id"`
	Mode             string    `db:"mode" json:"mode"`
	Channel          string    `db:"channel" json:"channel"`
	EmailFingerprint string    `db:"email_fingerprint" json:"email_fingerprint,omitempty"`
	EmailEncrypted   []byte    `db:"email_encrypted" json:"-"`
	EmailKeyID       string    `db:"email_key_id" json:"-"`
	Address          string    `db:"address" json:"address"`
	KeyID            string    `db:"key_id" json:"key_id"`
	ProfileCreated   bool      `db:"profile_created" json:"profile_created"`
	RetryCount       int       `db:"retry_count" json:"retry_count"`
	CompletedAt      time.Time `db:"completed_at" json:"completed_at"`
}
