package syncer

import "fmt"

// SkipReason says why a sync request was rejected.
type SkipReason string

const (
	ReasonOffline        SkipReason = "offline"
	ReasonAlreadySyncing SkipReason = "already_syncing"
)

// SkipError is returned when a sync is rejected before touching the queue.
type SkipError struct {
	Reason SkipReason
}

func (e *SkipError) Error() string {
	switch e.Reason {
	case ReasonOffline:
		return "sync skipped: device is offline"
	case ReasonAlreadySyncing:
		return "sync skipped: a sync is already running"
	}
	return "sync skipped: " + string(e.Reason)
}

// Is matches another *SkipError with the same reason, so errors.Is works
// against ErrOffline and ErrAlreadySyncing.
func (e *SkipError) Is(target error) bool {
	t, ok := target.(*SkipError)
	return ok && t.Reason == e.Reason
}

var (
	ErrOffline        = &SkipError{Reason: ReasonOffline}
	ErrAlreadySyncing = &SkipError{Reason: ReasonAlreadySyncing}
)

// UploadError is a failed upload for one queued item.
type UploadError struct {
	ItemID string
	Err    error
}

func (e *UploadError) Error() string { return fmt.Sprintf("upload failed: %v", e.Err) }
func (e *UploadError) Unwrap() error { return e.Err }

// AnalyzeError is a failed analysis for one queued item.
type AnalyzeError struct {
	ItemID string
	Err    error
}

func (e *AnalyzeError) Error() string { return fmt.Sprintf("analysis failed: %v", e.Err) }
func (e *AnalyzeError) Unwrap() error { return e.Err }
