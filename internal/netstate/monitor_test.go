package netstate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/ripewise/internal/events"
)

func TestMonitor_OnlyTransitionsNotify(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	m := NewMonitor(false, bus)
	var got []bool
	m.Subscribe(func(online bool) { got = append(got, online) })

	m.Set(false)
	if !m.Set(true) {
		t.Error("Set(true) from offline should report a change")
	}
	if m.Set(true) {
		t.Error("repeated Set(true) should not report a change")
	}
	m.Set(false)

	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("notifications = %v, want [true false]", got)
	}
	if m.Online() {
		t.Error("Online() = true, want false")
	}
	if len(ch) != 2 {
		t.Fatalf("bus events = %d, want 2", len(ch))
	}
	ev := <-ch
	if ev.Kind != events.NetworkChanged || ev.Online == nil || !*ev.Online {
		t.Errorf("first event = %+v", ev)
	}
}

func TestMonitor_TransitionsDeliveredInOrder(t *testing.T) {
	m := NewMonitor(true, nil)
	entered := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var got []bool
	m.Subscribe(func(online bool) {
		if !online {
			close(entered)
			<-release
		}
		mu.Lock()
		got = append(got, online)
		mu.Unlock()
	})

	go m.Set(false)
	<-entered

	done := make(chan struct{})
	go func() {
		m.Set(true)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Set(true) returned while the offline notification was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != false || got[1] != true {
		t.Errorf("notifications = %v, want [false true]", got)
	}
	if !m.Online() {
		t.Error("Online() = false after the last Set(true)")
	}
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(true, nil)
	var a, b atomic.Int32
	unsubA := m.Subscribe(func(bool) { a.Add(1) })
	m.Subscribe(func(bool) { b.Add(1) })

	m.Set(false)
	unsubA()
	unsubA()
	m.Set(true)

	if a.Load() != 1 || b.Load() != 2 {
		t.Errorf("a=%d b=%d, want 1 and 2", a.Load(), b.Load())
	}
}

func TestMonitor_SubscriberMaySubscribe(t *testing.T) {
	m := NewMonitor(false, nil)
	var inner atomic.Int32
	m.Subscribe(func(bool) {
		m.Subscribe(func(bool) { inner.Add(1) })
	})
	m.Set(true)
	m.Set(false)
	if inner.Load() != 1 {
		t.Errorf("inner = %d, want 1", inner.Load())
	}
}

func TestProber_Check(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	m := NewMonitor(false, nil)
	p := NewProber(srv.URL+"/health", time.Second, m)

	if !p.Check(context.Background()) || !m.Online() {
		t.Error("expected online after healthy probe")
	}
	status.Store(http.StatusServiceUnavailable)
	if p.Check(context.Background()) || m.Online() {
		t.Error("expected offline after 503")
	}
	status.Store(http.StatusUnauthorized)
	if !p.Check(context.Background()) {
		t.Error("a reachable server that rejects the probe still counts as online")
	}

	srv.Close()
	if p.Check(context.Background()) || m.Online() {
		t.Error("expected offline when server is down")
	}
}

func TestProber_RunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := NewMonitor(false, nil)
	p := NewProber(srv.URL, 10*time.Millisecond, m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !m.Online() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !m.Online() {
		t.Error("Run never marked the monitor online")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
