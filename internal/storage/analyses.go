package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const analysisColumns = `id, owner_id, image_ref, provider, model, ripeness, confidence, sweetness, variety, surface_quality, rationale, metadata, attempts, created_at`

func scanAnalysis(row rowScanner) (Analysis, error) {
	var a Analysis
	var metadata, createdAt string
	if err := row.Scan(&a.ID, &a.OwnerID, &a.ImageRef, &a.Provider, &a.Model, &a.Ripeness, &a.Confidence,
		&a.Sweetness, &a.Variety, &a.SurfaceQuality, &a.Rationale, &metadata, &a.Attempts, &createdAt); err != nil {
		return Analysis{}, err
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
			return Analysis{}, fmt.Errorf("parsing metadata for %s: %w", a.ID, err)
		}
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Analysis{}, fmt.Errorf("parsing created_at for %s: %w", a.ID, err)
	}
	a.CreatedAt = t
	return a, nil
}

// SaveAnalysis persists a, generating an id and creation time when unset,
// and returns the stored record.
func (s *Store) SaveAnalysis(a Analysis) (Analysis, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	metadata := "{}"
	if len(a.Metadata) > 0 {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return Analysis{}, fmt.Errorf("marshalling metadata: %w", err)
		}
		metadata = string(b)
	}
	_, err := s.db.Exec(`
		INSERT INTO analyses (`+analysisColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.ImageRef, a.Provider, a.Model, a.Ripeness, a.Confidence, a.Sweetness,
		a.Variety, a.SurfaceQuality, a.Rationale, metadata, a.Attempts, formatTime(a.CreatedAt),
	)
	if err != nil {
		return Analysis{}, fmt.Errorf("inserting analysis: %w", err)
	}
	return a, nil
}

func (s *Store) GetAnalysis(id string) (Analysis, error) {
	a, err := scanAnalysis(s.db.QueryRow(`SELECT `+analysisColumns+` FROM analyses WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Analysis{}, ErrNotFound
	}
	return a, err
}

// ListAnalyses returns analyses newest first. An empty owner lists all owners.
func (s *Store) ListAnalyses(owner string, limit, offset int) ([]Analysis, error) {
	var rows *sql.Rows
	var err error
	if owner == "" {
		rows, err = s.db.Query(`SELECT `+analysisColumns+` FROM analyses ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	} else {
		rows, err = s.db.Query(`SELECT `+analysisColumns+` FROM analyses WHERE owner_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, owner, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}
