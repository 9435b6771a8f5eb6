package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSaveAndGetAnalysis(t *testing.T) {
	s := openTestStore(t)

	saved, err := s.SaveAnalysis(Analysis{
		OwnerID:        "user-1",
		ImageRef:       "uploads/user-1/a.jpg",
		Provider:       "gemini",
		Model:          "gemini-2.0-flash",
		Ripeness:       "ripe",
		Confidence:     87,
		Sweetness:      7,
		Variety:        "hass",
		SurfaceQuality: "minor blemishes",
		Rationale:      "uniform dark skin",
		Metadata:       map[string]string{"crate": "12"},
		Attempts:       3,
	})
	if err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}
	if saved.ID == "" || saved.CreatedAt.IsZero() {
		t.Fatalf("SaveAnalysis did not stamp id/created_at: %+v", saved)
	}

	got, err := s.GetAnalysis(saved.ID)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if got.Provider != "gemini" || got.Confidence != 87 || got.Sweetness != 7 || got.Attempts != 3 {
		t.Errorf("got %+v", got)
	}
	if got.Metadata["crate"] != "12" {
		t.Errorf("Metadata = %v", got.Metadata)
	}

	if _, err := s.GetAnalysis("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListAnalyses(t *testing.T) {
	s := openTestStore(t)
	for i, owner := range []string{"a", "b", "a"} {
		_, err := s.SaveAnalysis(Analysis{
			OwnerID:   owner,
			ImageRef:  "ref",
			Provider:  "openai",
			Ripeness:  "unripe",
			CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListAnalyses("", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if !all[0].CreatedAt.After(all[2].CreatedAt) {
		t.Error("analyses not newest first")
	}

	onlyA, err := s.ListAnalyses("a", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyA) != 2 {
		t.Errorf("len(onlyA) = %d, want 2", len(onlyA))
	}

	page, err := s.ListAnalyses("", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].OwnerID != "b" {
		t.Errorf("page = %+v", page)
	}
}

func TestPerformanceRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	in, out := 120, 45

	records := []PerformanceRecord{
		{RequestID: "r1", Provider: "gemini", Attempt: 1, ElapsedMs: 900, Success: false, ErrorMessage: "timeout"},
		{RequestID: "r1", Provider: "openai", Attempt: 1, ElapsedMs: 1200, Success: true, InputTokens: &in, OutputTokens: &out},
	}
	for _, r := range records {
		if err := s.SavePerformanceRecord(ctx, r); err != nil {
			t.Fatalf("SavePerformanceRecord: %v", err)
		}
	}

	got, err := s.ListPerformanceRecords("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Provider != "openai" || !got[0].Success || got[0].InputTokens == nil || *got[0].InputTokens != 120 {
		t.Errorf("newest record = %+v", got[0])
	}
	if got[1].Success || got[1].ErrorMessage != "timeout" || got[1].InputTokens != nil {
		t.Errorf("oldest record = %+v", got[1])
	}

	gemini, err := s.ListPerformanceRecords("gemini", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(gemini) != 1 {
		t.Errorf("gemini records = %d, want 1", len(gemini))
	}
}
