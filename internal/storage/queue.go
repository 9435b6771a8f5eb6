package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const queueColumns = `id, owner_id, payload, metadata, captured_at, status, retry_count, last_error, record_version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (QueueItem, error) {
	var item QueueItem
	var metadata, capturedAt, createdAt, updatedAt, status string
	var lastError sql.NullString
	if err := row.Scan(&item.ID, &item.OwnerID, &item.Payload, &metadata, &capturedAt, &status,
		&item.RetryCount, &lastError, &item.RecordVersion, &createdAt, &updatedAt); err != nil {
		return QueueItem{}, err
	}
	item.Status = Status(status)
	item.LastError = lastError.String
	item.PayloadSize = len(item.Payload)

	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
			return QueueItem{}, fmt.Errorf("parsing metadata for %s: %w", item.ID, err)
		}
	}

	var err error
	if item.CapturedAt, err = parseTime(capturedAt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing captured_at for %s: %w", item.ID, err)
	}
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing created_at for %s: %w", item.ID, err)
	}
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing updated_at for %s: %w", item.ID, err)
	}
	return item, nil
}

func collectQueueItems(rows *sql.Rows) ([]QueueItem, error) {
	defer rows.Close()
	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AddQueueItem persists a new pending item and returns its generated id.
// ID, Status, RetryCount and the created/updated stamps of item are ignored.
// A zero CapturedAt is replaced with the current time.
func (s *Store) AddQueueItem(item QueueItem) (string, error) {
	if item.OwnerID == "" {
		return "", fmt.Errorf("owner id is required")
	}
	if len(item.Payload) == 0 {
		return "", fmt.Errorf("payload is required")
	}

	metadata := "{}"
	if len(item.Metadata) > 0 {
		b, err := json.Marshal(item.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshalling metadata: %w", err)
		}
		metadata = string(b)
	}

	now := formatTime(s.now())
	captured := now
	if !item.CapturedAt.IsZero() {
		captured = formatTime(item.CapturedAt)
	}

	id := uuid.New().String()
	_, err := s.db.Exec(`
		INSERT INTO queue_items (id, owner_id, payload, metadata, captured_at, status, retry_count, record_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)`,
		id, item.OwnerID, item.Payload, metadata, captured, QueueRecordVersion, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("inserting queue item: %w", err)
	}
	return id, nil
}

// GetQueueItem returns the item with the given id or ErrNotFound.
func (s *Store) GetQueueItem(id string) (QueueItem, error) {
	item, err := scanQueueItem(s.db.QueryRow(`SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrNotFound
	}
	return item, err
}

// ListQueueItems returns every item, oldest capture first.
func (s *Store) ListQueueItems() ([]QueueItem, error) {
	rows, err := s.db.Query(`SELECT ` + queueColumns + ` FROM queue_items ORDER BY captured_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	return collectQueueItems(rows)
}

// ListQueueItemsByStatus returns items in the given status, oldest capture first.
func (s *Store) ListQueueItemsByStatus(status Status) ([]QueueItem, error) {
	rows, err := s.db.Query(`SELECT `+queueColumns+` FROM queue_items WHERE status = ? ORDER BY captured_at ASC, rowid ASC`, string(status))
	if err != nil {
		return nil, err
	}
	return collectQueueItems(rows)
}

// CountQueueItems counts items in status, or all items when status is empty.
func (s *Store) CountQueueItems(status Status) (int, error) {
	var n int
	var err error
	if status == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM queue_items`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE status = ?`, string(status)).Scan(&n)
	}
	return n, err
}

// UpdateQueueItemStatus moves an item to status and returns the updated row.
// Moving into failed increments retry_count and records errMsg in the same
// statement. The change is conditional on the status read inside the
// transaction, so two callers can never both apply a transition from the
// same stale state; the loser gets ErrInvalidTransition.
func (s *Store) UpdateQueueItemStatus(id string, status Status, errMsg string) (QueueItem, error) {
	if !status.Valid() {
		return QueueItem{}, fmt.Errorf("unknown status %q", status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return QueueItem{}, fmt.Errorf("beginning status transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM queue_items WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrNotFound
	}
	if err != nil {
		return QueueItem{}, err
	}
	if !canTransition(Status(current), status) {
		return QueueItem{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := formatTime(s.now())
	var res sql.Result
	if status == StatusFailed {
		res, err = tx.Exec(`
			UPDATE queue_items SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(status), errMsg, now, id, current)
	} else {
		res, err = tx.Exec(`UPDATE queue_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(status), now, id, current)
	}
	if err != nil {
		return QueueItem{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return QueueItem{}, err
	} else if n != 1 {
		return QueueItem{}, fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
	}

	item, err := scanQueueItem(tx.QueryRow(`SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id))
	if err != nil {
		return QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return QueueItem{}, fmt.Errorf("committing status change: %w", err)
	}
	return item, nil
}

// RemoveQueueItem deletes one item, returning ErrNotFound if it is absent.
func (s *Store) RemoveQueueItem(id string) error {
	res, err := s.db.Exec(`DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveQueueItems deletes the given ids and returns how many existed.
func (s *Store) RemoveQueueItems(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.Exec(`DELETE FROM queue_items WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClearQueue deletes every item and returns the number removed.
func (s *Store) ClearQueue() (int, error) {
	res, err := s.db.Exec(`DELETE FROM queue_items`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RemoveQueueItemsOlderThan deletes items captured before cutoff regardless
// of status and returns the number removed.
func (s *Store) RemoveQueueItemsOlderThan(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM queue_items WHERE captured_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ResetFailed moves failed items back to pending. When maxRetries > 0 only
// items with retry_count < maxRetries are reset. It returns the count reset.
func (s *Store) ResetFailed(maxRetries int) (int, error) {
	now := formatTime(s.now())
	var res sql.Result
	var err error
	if maxRetries > 0 {
		res, err = s.db.Exec(`UPDATE queue_items SET status = 'pending', updated_at = ? WHERE status = 'failed' AND retry_count < ?`, now, maxRetries)
	} else {
		res, err = s.db.Exec(`UPDATE queue_items SET status = 'pending', updated_at = ? WHERE status = 'failed'`, now)
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RequeueInFlight returns items stuck in uploading to pending. Only a process
// that crashed mid-delivery leaves rows in that state.
func (s *Store) RequeueInFlight() (int, error) {
	res, err := s.db.Exec(`UPDATE queue_items SET status = 'pending', updated_at = ? WHERE status = 'uploading'`, formatTime(s.now()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// QueueStats aggregates counts per status and the capture time range.
func (s *Store) QueueStats() (QueueStats, error) {
	var st QueueStats
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return QueueStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return QueueStats{}, err
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusUploading:
			st.Uploading = n
		case StatusFailed:
			st.Failed = n
		}
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return QueueStats{}, err
	}
	rows.Close()

	var oldest, newest sql.NullString
	if err := s.db.QueryRow(`SELECT MIN(captured_at), MAX(captured_at) FROM queue_items`).Scan(&oldest, &newest); err != nil {
		return QueueStats{}, err
	}
	if oldest.Valid {
		t, err := parseTime(oldest.String)
		if err != nil {
			return QueueStats{}, fmt.Errorf("parsing oldest captured_at: %w", err)
		}
		st.Oldest = &t
	}
	if newest.Valid {
		t, err := parseTime(newest.String)
		if err != nil {
			return QueueStats{}, fmt.Errorf("parsing newest captured_at: %w", err)
		}
		st.Newest = &t
	}
	return st, nil
}
