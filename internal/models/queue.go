package models

import (
	"time"
)

// Status represents the lifecycle state of a queue item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSigning   Status = "signing"
	StatusUploading Status = "uploading"
	StatusFailed    Status = "failed"
)

// Valid returns true if the status is a known queue state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSigning, StatusUploading, StatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string representation
func (s Status) String() string {
	return string(s)
}

// Operation codes carried on queue items and attestation records.
const (
	OpCreate = "C"
	OpUpdate = "U"
)

// Visibility values carried on queue items and attestation records.
const (
	VisPublic  = "pub"
	VisPrivate = "priv"
)

// QueueItem represents one pending attestation request.
// Rows are created by the producer and deleted once the record is committed.
type QueueItem struct {
	ID           int64     `json:"id" db:"id"`
	EntityID     string    `json:"entity_id" db:"entity_id"`
	CID          string    `json:"cid" db:"cid"`
	Op           string    `json:"op" db:"op"`
	Vis          string    `json:"vis" db:"vis"`
	TS           time.Time `json:"ts" db:"ts"`
	Status       Status    `json:"status" db:"status"`
	RetryCount   int       `json:"retry_count" db:"retry_count"`
	ErrorMessage *string   `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// QueueStats holds row counts by status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}
