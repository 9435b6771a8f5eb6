package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a queue item status change is not
// allowed from the item's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// QueueRecordVersion is the layout version stamped on every queue row.
const QueueRecordVersion = 1

// Status is the lifecycle state of a queued capture. A delivered item is
// deleted, so there is no completed status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusFailed:
		return true
	}
	return false
}

// canTransition lists the allowed edges. uploading -> pending exists only to
// recover rows a crashed process left mid-delivery.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusUploading
	case StatusUploading:
		return to == StatusFailed || to == StatusPending
	case StatusFailed:
		return to == StatusPending
	}
	return false
}

// QueueItem is a capture taken while offline, waiting for upload and analysis.
type QueueItem struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"owner_id"`
	Payload       []byte            `json:"-"`
	PayloadSize   int               `json:"payload_size"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CapturedAt    time.Time         `json:"captured_at"`
	Status        Status            `json:"status"`
	RetryCount    int               `json:"retry_count"`
	LastError     string            `json:"last_error,omitempty"`
	RecordVersion int               `json:"record_version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// QueueStats aggregates the queue by status. Oldest and Newest refer to
// captured_at and are nil when the queue is empty.
type QueueStats struct {
	Total     int        `json:"total"`
	Pending   int        `json:"pending"`
	Uploading int        `json:"uploading"`
	Failed    int        `json:"failed"`
	Oldest    *time.Time `json:"oldest,omitempty"`
	Newest    *time.Time `json:"newest,omitempty"`
}

// Analysis is a persisted assessment produced by the analyze boundary.
type Analysis struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	ImageRef       string            `json:"image_ref"`
	Provider       string            `json:"provider"`
	Model          string            `json:"model,omitempty"`
	Ripeness       string            `json:"ripeness"`
	Confidence     int               `json:"confidence"`
	Sweetness      int               `json:"sweetness"`
	Variety        string            `json:"variety"`
	SurfaceQuality string            `json:"surface_quality"`
	Rationale      string            `json:"rationale"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Attempts       int               `json:"attempts"`
	CreatedAt      time.Time         `json:"created_at"`
}

// PerformanceRecord describes one provider attempt. Token counts are nil when
// the provider did not report usage.
type PerformanceRecord struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"`
	Attempt      int       `json:"attempt"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	Success      bool      `json:"success"`
	InputTokens  *int      `json:"input_tokens,omitempty"`
	OutputTokens *int      `json:"output_tokens,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
