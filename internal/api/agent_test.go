package api

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/ripewise/internal/capture"
	"github.com/kalambet/ripewise/internal/events"
	"github.com/kalambet/ripewise/internal/netstate"
	"github.com/kalambet/ripewise/internal/storage"
	"github.com/kalambet/ripewise/internal/syncer"
)

// --- mocks ---

type mockCapturer struct {
	mu        sync.Mutex
	captureFn func(ctx context.Context, c capture.Capture) (capture.Outcome, error)
	got       []capture.Capture
}

func (m *mockCapturer) Capture(ctx context.Context, c capture.Capture) (capture.Outcome, error) {
	m.mu.Lock()
	m.got = append(m.got, c)
	m.mu.Unlock()
	return m.captureFn(ctx, c)
}

type mockSync struct {
	syncNowFn  func(ctx context.Context) (syncer.Result, error)
	retryAllFn func(ctx context.Context, maxRetries int) (int, error)
	pruneFn    func() (int, error)
	statusFn   func() (syncer.Status, error)
}

func (m *mockSync) SyncNow(ctx context.Context) (syncer.Result, error) { return m.syncNowFn(ctx) }
func (m *mockSync) RetryAll(ctx context.Context, maxRetries int) (int, error) {
	return m.retryAllFn(ctx, maxRetries)
}
func (m *mockSync) Prune() (int, error)            { return m.pruneFn() }
func (m *mockSync) Status() (syncer.Status, error) { return m.statusFn() }

func newMockSync() *mockSync {
	return &mockSync{
		syncNowFn:  func(context.Context) (syncer.Result, error) { return syncer.Result{State: syncer.StateIdle}, nil },
		retryAllFn: func(context.Context, int) (int, error) { return 0, nil },
		pruneFn:    func() (int, error) { return 0, nil },
		statusFn:   func() (syncer.Status, error) { return syncer.Status{State: syncer.StateIdle}, nil },
	}
}

// --- helpers ---

type agentFixture struct {
	handler http.Handler
	store   *storage.Store
	capture *mockCapturer
	sync    *mockSync
	net     *netstate.Monitor
	bus     *events.Bus
}

func setupAgentHandler(t *testing.T) *agentFixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	f := &agentFixture{
		store: store,
		capture: &mockCapturer{captureFn: func(ctx context.Context, c capture.Capture) (capture.Outcome, error) {
			return capture.Outcome{Queued: true, QueueID: "q-1", Reason: "offline"}, nil
		}},
		sync: newMockSync(),
		net:  netstate.NewMonitor(false, bus),
		bus:  bus,
	}
	f.handler = NewAgentHandler(AgentDeps{
		Queue:   store,
		Capture: f.capture,
		Sync:    f.sync,
		Network: f.net,
		Events:  bus,
		Token:   testToken,
	})
	return f
}

func (f *agentFixture) do(method, url, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func (f *agentFixture) addItem(t *testing.T, payload string, captured time.Time) string {
	t.Helper()
	id, err := f.store.AddQueueItem(storage.QueueItem{OwnerID: "dev", Payload: []byte(payload), CapturedAt: captured})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// --- tests ---

func TestAgent_RequiresAuth(t *testing.T) {
	f := setupAgentHandler(t)

	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, authReq(http.MethodGet, "/queue", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rr.Code)
	}
}

func TestCapture_Queued(t *testing.T) {
	f := setupAgentHandler(t)

	img := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))
	body := fmt.Sprintf(`{"owner_id":"dev","image":%q,"metadata":{"tree":"4"},"captured_at":"2026-03-01T10:00:00Z"}`, img)
	rr := f.do(http.MethodPost, "/captures", body)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var out capture.Outcome
	json.NewDecoder(rr.Body).Decode(&out)
	if !out.Queued || out.QueueID != "q-1" || out.Reason != "offline" {
		t.Errorf("outcome = %+v", out)
	}

	if len(f.capture.got) != 1 {
		t.Fatalf("captures = %d, want 1", len(f.capture.got))
	}
	c := f.capture.got[0]
	if string(c.Data) != "jpeg-bytes" || c.Metadata["tree"] != "4" {
		t.Errorf("capture = %+v", c)
	}
	if !c.CapturedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("captured_at = %v", c.CapturedAt)
	}
}

func TestCapture_Analyzed(t *testing.T) {
	f := setupAgentHandler(t)
	f.capture.captureFn = func(ctx context.Context, c capture.Capture) (capture.Outcome, error) {
		return capture.Outcome{Analysis: &storage.Analysis{ID: "an-1", Ripeness: "ripe"}}, nil
	}

	body := fmt.Sprintf(`{"owner_id":"dev","image":%q}`, base64.StdEncoding.EncodeToString([]byte("x")))
	rr := f.do(http.MethodPost, "/captures", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var out capture.Outcome
	json.NewDecoder(rr.Body).Decode(&out)
	if out.Queued || out.Analysis == nil || out.Analysis.ID != "an-1" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestCapture_Validation(t *testing.T) {
	f := setupAgentHandler(t)
	for _, body := range []string{
		`nope`,
		`{"image":"eA=="}`,
		`{"owner_id":"dev"}`,
		`{"owner_id":"dev","image":"!!!not base64"}`,
	} {
		if rr := f.do(http.MethodPost, "/captures", body); rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
	if len(f.capture.got) != 0 {
		t.Errorf("capturer called for invalid requests")
	}
}

func TestCapture_Error(t *testing.T) {
	f := setupAgentHandler(t)
	f.capture.captureFn = func(context.Context, capture.Capture) (capture.Outcome, error) {
		return capture.Outcome{}, errors.New("disk full")
	}
	rr := f.do(http.MethodPost, "/captures", `{"owner_id":"dev","image":"eA=="}`)
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestQueue_ListStatsGet(t *testing.T) {
	f := setupAgentHandler(t)
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	first := f.addItem(t, "a", t0)
	second := f.addItem(t, "b", t0.Add(time.Minute))
	if _, err := f.store.UpdateQueueItemStatus(second, storage.StatusUploading, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.UpdateQueueItemStatus(second, storage.StatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}

	var items []storage.QueueItem
	json.NewDecoder(f.do(http.MethodGet, "/queue", "").Body).Decode(&items)
	if len(items) != 2 || items[0].ID != first {
		t.Errorf("queue = %+v", items)
	}

	items = nil
	json.NewDecoder(f.do(http.MethodGet, "/queue?status=failed", "").Body).Decode(&items)
	if len(items) != 1 || items[0].ID != second || items[0].RetryCount != 1 || items[0].LastError != "boom" {
		t.Errorf("failed = %+v", items)
	}

	if rr := f.do(http.MethodGet, "/queue?status=done", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown status: code = %d, want 400", rr.Code)
	}

	var st storage.QueueStats
	json.NewDecoder(f.do(http.MethodGet, "/queue/stats", "").Body).Decode(&st)
	if st.Total != 2 || st.Pending != 1 || st.Failed != 1 {
		t.Errorf("stats = %+v", st)
	}

	var item storage.QueueItem
	rr := f.do(http.MethodGet, "/queue/"+first, "")
	json.NewDecoder(rr.Body).Decode(&item)
	if rr.Code != http.StatusOK || item.ID != first || item.PayloadSize != 1 {
		t.Errorf("item = %+v (code %d)", item, rr.Code)
	}
	if rr := f.do(http.MethodGet, "/queue/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing item: code = %d, want 404", rr.Code)
	}
}

func TestQueue_Remove(t *testing.T) {
	f := setupAgentHandler(t)
	id := f.addItem(t, "a", time.Now())

	if rr := f.do(http.MethodDelete, "/queue/"+id, ""); rr.Code != http.StatusOK {
		t.Fatalf("delete: code = %d", rr.Code)
	}
	if rr := f.do(http.MethodDelete, "/queue/"+id, ""); rr.Code != http.StatusNotFound {
		t.Errorf("second delete: code = %d, want 404", rr.Code)
	}
}

func TestQueue_ClearAndPrune(t *testing.T) {
	f := setupAgentHandler(t)
	now := time.Now().UTC()
	f.addItem(t, "old", now.Add(-48*time.Hour))
	f.addItem(t, "new", now.Add(-time.Minute))

	var resp map[string]int
	rr := f.do(http.MethodDelete, "/queue?older_than=24h", "")
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["removed"] != 1 {
		t.Errorf("pruned = %v, want 1", resp)
	}

	if rr := f.do(http.MethodDelete, "/queue?older_than=soon", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad older_than: code = %d, want 400", rr.Code)
	}

	resp = nil
	json.NewDecoder(f.do(http.MethodDelete, "/queue", "").Body).Decode(&resp)
	if resp["removed"] != 1 {
		t.Errorf("cleared = %v, want 1", resp)
	}
	if n, _ := f.store.CountQueueItems(""); n != 0 {
		t.Errorf("queue not empty: %d", n)
	}
}

func TestQueue_Retry(t *testing.T) {
	f := setupAgentHandler(t)
	var gotMax int
	f.sync.retryAllFn = func(_ context.Context, maxRetries int) (int, error) {
		gotMax = maxRetries
		return 3, nil
	}

	var resp map[string]int
	json.NewDecoder(f.do(http.MethodPost, "/queue/retry?max_retries=4", "").Body).Decode(&resp)
	if resp["reset"] != 3 || gotMax != 4 {
		t.Errorf("resp = %v, max = %d", resp, gotMax)
	}
}

func TestQueue_PruneExpired(t *testing.T) {
	f := setupAgentHandler(t)
	calls := 0
	f.sync.pruneFn = func() (int, error) {
		calls++
		return 2, nil
	}

	var resp map[string]int
	json.NewDecoder(f.do(http.MethodPost, "/queue/prune", "").Body).Decode(&resp)
	if resp["removed"] != 2 || calls != 1 {
		t.Errorf("resp = %v, calls = %d", resp, calls)
	}
}

func TestSyncNow(t *testing.T) {
	f := setupAgentHandler(t)
	f.sync.syncNowFn = func(context.Context) (syncer.Result, error) {
		return syncer.Result{State: syncer.StateSuccess, Processed: 2, Succeeded: 2}, nil
	}

	rr := f.do(http.MethodPost, "/sync", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d", rr.Code)
	}
	var res syncer.Result
	json.NewDecoder(rr.Body).Decode(&res)
	if res.State != syncer.StateSuccess || res.Succeeded != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestSyncNow_Skipped(t *testing.T) {
	for _, skip := range []error{syncer.ErrOffline, syncer.ErrAlreadySyncing} {
		t.Run(skip.Error(), func(t *testing.T) {
			f := setupAgentHandler(t)
			f.sync.syncNowFn = func(context.Context) (syncer.Result, error) { return syncer.Result{}, skip }

			rr := f.do(http.MethodPost, "/sync", "")
			if rr.Code != http.StatusConflict {
				t.Fatalf("code = %d, want 409", rr.Code)
			}
			var body struct {
				Error struct {
					Type   string `json:"type"`
					Reason string `json:"reason"`
				} `json:"error"`
			}
			json.NewDecoder(rr.Body).Decode(&body)
			want := string(skip.(*syncer.SkipError).Reason)
			if body.Error.Type != "sync_skipped" || body.Error.Reason != want {
				t.Errorf("body = %+v, want reason %s", body, want)
			}
		})
	}
}

func TestSyncStatus(t *testing.T) {
	f := setupAgentHandler(t)
	f.sync.statusFn = func() (syncer.Status, error) {
		return syncer.Status{State: syncer.StateSyncing, Online: true, Syncing: true, Pending: 3}, nil
	}
	var st syncer.Status
	json.NewDecoder(f.do(http.MethodGet, "/sync/status", "").Body).Decode(&st)
	if st.State != syncer.StateSyncing || st.Pending != 3 || !st.Syncing {
		t.Errorf("status = %+v", st)
	}
}

func TestSetNetwork(t *testing.T) {
	f := setupAgentHandler(t)

	var resp map[string]bool
	json.NewDecoder(f.do(http.MethodPut, "/network", `{"online":true}`).Body).Decode(&resp)
	if !resp["online"] || !resp["changed"] || !f.net.Online() {
		t.Errorf("resp = %v", resp)
	}

	resp = nil
	json.NewDecoder(f.do(http.MethodPut, "/network", `{"online":true}`).Body).Decode(&resp)
	if resp["changed"] {
		t.Errorf("repeated report should not change state: %v", resp)
	}

	if rr := f.do(http.MethodPut, "/network", `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing online: code = %d, want 400", rr.Code)
	}
}

func TestEvents_StreamsBusEvents(t *testing.T) {
	f := setupAgentHandler(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.bus.Publish(events.Event{Kind: events.SyncState, State: "syncing"})

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if eventLine != string(events.SyncState) {
		t.Errorf("event = %q", eventLine)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatalf("data %q: %v", dataLine, err)
	}
	if ev.Kind != events.SyncState || ev.State != "syncing" {
		t.Errorf("event = %+v", ev)
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for f.bus.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler did not unsubscribe after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
