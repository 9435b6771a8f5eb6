package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// SavePerformanceRecord appends one provider attempt record.
func (s *Store) SavePerformanceRecord(ctx context.Context, r PerformanceRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	var in, out sql.NullInt64
	if r.InputTokens != nil {
		in = sql.NullInt64{Int64: int64(*r.InputTokens), Valid: true}
	}
	if r.OutputTokens != nil {
		out = sql.NullInt64{Int64: int64(*r.OutputTokens), Valid: true}
	}
	var errMsg sql.NullString
	if r.ErrorMessage != "" {
		errMsg = sql.NullString{String: r.ErrorMessage, Valid: true}
	}
	success := 0
	if r.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO performance_records (request_id, provider, attempt, elapsed_ms, success, input_tokens, output_tokens, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.Provider, r.Attempt, r.ElapsedMs, success, in, out, errMsg, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting performance record: %w", err)
	}
	return nil
}

// ListPerformanceRecords returns the most recent records, newest first,
// optionally filtered by provider.
func (s *Store) ListPerformanceRecords(provider string, limit int) ([]PerformanceRecord, error) {
	query := `SELECT id, request_id, provider, attempt, elapsed_ms, success, input_tokens, output_tokens, error_message, created_at
		FROM performance_records`
	args := []any{}
	if provider != "" {
		query += ` WHERE provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PerformanceRecord
	for rows.Next() {
		var r PerformanceRecord
		var success int
		var in, out sql.NullInt64
		var errMsg sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Provider, &r.Attempt, &r.ElapsedMs, &success, &in, &out, &errMsg, &createdAt); err != nil {
			return nil, err
		}
		r.Success = success == 1
		if in.Valid {
			v := int(in.Int64)
			r.InputTokens = &v
		}
		if out.Valid {
			v := int(out.Int64)
			r.OutputTokens = &v
		}
		r.ErrorMessage = errMsg.String
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
		results = append(results, r)
	}
	return results, rows.Err()
}
