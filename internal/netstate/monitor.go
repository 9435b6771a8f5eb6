// Package netstate tracks whether the device can reach the server and
// notifies subscribers on online/offline transitions.
package netstate

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/ripewise/internal/events"
)

// Monitor holds the current network state. Only changes notify subscribers.
type Monitor struct {
	// notify serializes transitions so subscribers see them in the order
	// the state changed. Subscribers must not call Set.
	notify sync.Mutex

	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	next   int
	bus    events.Publisher
	logger *slog.Logger
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(initial bool, bus events.Publisher) *Monitor {
	if bus == nil {
		bus = events.Discard
	}
	return &Monitor{
		online: initial,
		subs:   make(map[int]func(bool)),
		bus:    bus,
		logger: slog.Default(),
	}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the state. Subscribers are called in subscription order, only
// when the state changes, and a concurrent Set waits until they return. It
// returns whether the state changed.
func (m *Monitor) Set(online bool) bool {
	m.notify.Lock()
	defer m.notify.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	fns := make([]func(bool), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.mu.Unlock()

	m.logger.Info("network state changed", "online", online)
	m.bus.Publish(events.Event{Kind: events.NetworkChanged, Online: &online})
	for _, fn := range fns {
		fn(online)
	}
	return true
}

// Subscribe registers fn for state transitions and returns a function that
// removes it. The returned function is safe to call more than once.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Prober polls a health URL and feeds the result into a Monitor.
type Prober struct {
	url        string
	interval   time.Duration
	monitor    *Monitor
	httpClient *http.Client
	logger     *slog.Logger
}

// NewProber creates a Prober. interval <= 0 defaults to 5s.
func NewProber(url string, interval time.Duration, monitor *Monitor) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := interval
	if timeout > 3*time.Second {
		timeout = 3 * time.Second
	}
	return &Prober{
		url:        url,
		interval:   interval,
		monitor:    monitor,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
}

// Check probes once and updates the monitor. It returns the observed state.
func (p *Prober) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	if ctx.Err() != nil {
		return p.monitor.Online()
	}
	p.monitor.Set(online)
	return online
}

func (p *Prober) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Warn("invalid probe url", "url", p.url, "error", err)
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug("network probe failed", "url", p.url, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.Check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
