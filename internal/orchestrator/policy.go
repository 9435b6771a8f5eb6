package orchestrator

import "time"

// Action is what the orchestrator does after a failed attempt.
type Action int

const (
	// Retry the same provider after the returned delay.
	Retry Action = iota
	// Fallback to the next provider immediately.
	Fallback
	// Exhausted means no attempts remain.
	Exhausted
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case Fallback:
		return "fallback"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

// Backoff returns min(base*2^(attempt-1), cap) for attempt >= 1.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= cap {
			return cap
		}
		d *= 2
	}
	if d > cap {
		return cap
	}
	return d
}

// Budget is the longest a fully exhausted chain can take: every attempt
// times out and every retry waits its full backoff.
func Budget(providers, maxRetries int, timeout, base, cap time.Duration) time.Duration {
	if providers < 1 {
		providers = 1
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	perProvider := time.Duration(maxRetries) * timeout
	for attempt := 1; attempt < maxRetries; attempt++ {
		perProvider += Backoff(attempt, base, cap)
	}
	return time.Duration(providers) * perProvider
}

// Policy tracks position in the fallback chain. It holds no clock; callers
// sleep for the delay Next returns.
type Policy struct {
	providers  int
	maxRetries int
	base, cap  time.Duration

	provider int
	attempt  int
	total    int
}

// NewPolicy starts at attempt 1 of provider 0.
func NewPolicy(providers, maxRetries int, base, cap time.Duration) *Policy {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Policy{
		providers:  providers,
		maxRetries: maxRetries,
		base:       base,
		cap:        cap,
		attempt:    1,
		total:      1,
	}
}

// Provider is the index of the provider the current attempt targets.
func (p *Policy) Provider() int { return p.provider }

// Attempt is the 1-based attempt number on the current provider.
func (p *Policy) Attempt() int { return p.attempt }

// Attempts is the number of attempts started so far across all providers.
func (p *Policy) Attempts() int { return p.total }

// Next records that the current attempt failed and advances the state.
func (p *Policy) Next() (Action, time.Duration) {
	if p.attempt < p.maxRetries {
		delay := Backoff(p.attempt, p.base, p.cap)
		p.attempt++
		p.total++
		return Retry, delay
	}
	if p.provider < p.providers-1 {
		p.provider++
		p.attempt = 1
		p.total++
		return Fallback, 0
	}
	return Exhausted, 0
}
