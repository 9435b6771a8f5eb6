package orchestrator

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{5, 5 * time.Second},
		{60, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, time.Second, 5*time.Second); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBudget(t *testing.T) {
	tests := []struct {
		providers, retries int
		want               time.Duration
	}{
		{4, 2, 84 * time.Second},
		{1, 1, 10 * time.Second},
		{0, 0, 10 * time.Second},
		{2, 4, 2 * (40*time.Second + 7*time.Second)},
	}
	for _, tt := range tests {
		got := Budget(tt.providers, tt.retries, 10*time.Second, time.Second, 5*time.Second)
		if got != tt.want {
			t.Errorf("Budget(%d, %d) = %v, want %v", tt.providers, tt.retries, got, tt.want)
		}
	}
}

func TestBackoff_NonDecreasingAndBounded(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 100; attempt++ {
		d := Backoff(attempt, time.Second, 5*time.Second)
		if d < prev {
			t.Fatalf("Backoff(%d) = %v < previous %v", attempt, d, prev)
		}
		if d > 5*time.Second {
			t.Fatalf("Backoff(%d) = %v exceeds cap", attempt, d)
		}
		prev = d
	}
}

func TestPolicy_Sequence(t *testing.T) {
	p := NewPolicy(2, 2, time.Second, 5*time.Second)

	type step struct {
		action   Action
		delay    time.Duration
		provider int
		attempt  int
		total    int
	}
	want := []step{
		{Retry, time.Second, 0, 2, 2},
		{Fallback, 0, 1, 1, 3},
		{Retry, time.Second, 1, 2, 4},
		{Exhausted, 0, 1, 2, 4},
	}
	if p.Provider() != 0 || p.Attempt() != 1 || p.Attempts() != 1 {
		t.Fatalf("initial state provider=%d attempt=%d total=%d", p.Provider(), p.Attempt(), p.Attempts())
	}
	for i, w := range want {
		action, delay := p.Next()
		got := step{action, delay, p.Provider(), p.Attempt(), p.Attempts()}
		if got != w {
			t.Errorf("step %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestPolicy_SingleProviderSingleRetry(t *testing.T) {
	p := NewPolicy(1, 1, time.Second, 5*time.Second)
	if action, _ := p.Next(); action != Exhausted {
		t.Errorf("action = %v, want exhausted", action)
	}
	if p.Attempts() != 1 {
		t.Errorf("Attempts = %d, want 1", p.Attempts())
	}
}
