// Package syncer drains the offline capture queue through the upload and
// analyze endpoints whenever the device is online.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/ripewise/internal/clock"
	"github.com/kalambet/ripewise/internal/events"
	"github.com/kalambet/ripewise/internal/storage"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultItemMaxRetries = 5
	DefaultBackoffBase    = time.Second
	DefaultBackoffCap     = 60 * time.Second
)

// State is the sync manager's externally visible state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSuccess State = "success"
	StateError   State = "error"
)

// Queue is the subset of the queue store the manager uses.
type Queue interface {
	ListQueueItemsByStatus(status storage.Status) ([]storage.QueueItem, error)
	CountQueueItems(status storage.Status) (int, error)
	UpdateQueueItemStatus(id string, status storage.Status, errMsg string) (storage.QueueItem, error)
	RemoveQueueItem(id string) error
	ResetFailed(maxRetries int) (int, error)
	RequeueInFlight() (int, error)
	RemoveQueueItemsOlderThan(cutoff time.Time) (int, error)
}

// Uploader is the upload boundary.
type Uploader interface {
	Upload(ctx context.Context, owner string, data []byte) (string, error)
}

// Analyzer is the analyze boundary.
type Analyzer interface {
	Analyze(ctx context.Context, ref, owner string, metadata map[string]string) (storage.Analysis, error)
}

// Network reports connectivity and its transitions.
type Network interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Deps are the manager's collaborators. Bus, Clock and Logger are optional.
type Deps struct {
	Queue    Queue
	Uploader Uploader
	Analyzer Analyzer
	Network  Network
	Bus      events.Publisher
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Options tunes scheduling. Zero fields take their defaults; a zero
// MaxItemAge disables pruning.
type Options struct {
	Interval       time.Duration
	ItemMaxRetries int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxItemAge     time.Duration
}

// Result summarizes one sync cycle.
type Result struct {
	State      State     `json:"state"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Status is a point-in-time view for display.
type Status struct {
	State      State      `json:"state"`
	Online     bool       `json:"online"`
	Syncing    bool       `json:"syncing"`
	Pending    int        `json:"pending"`
	Failed     int        `json:"failed"`
	Scheduled  int        `json:"scheduled_retries"`
	LastResult *Result    `json:"last_result,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// RetryDelay is the wait before retrying an item that had failed retryCount
// times before its latest failure: min(base*2^retryCount, cap).
func RetryDelay(retryCount int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
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

// retryTimer is a scheduled retry. seq identifies the schedule so a timer
// that fired after being replaced or cancelled can tell it is stale.
type retryTimer struct {
	timer clock.Timer
	seq   uint64
}

// Manager owns the sync schedule. Create it with New, then Start it.
type Manager struct {
	queue    Queue
	uploader Uploader
	analyzer Analyzer
	network  Network
	bus      events.Publisher
	clock    clock.Clock
	logger   *slog.Logger
	opts     Options

	syncing atomic.Bool

	mu          sync.Mutex
	ctx         context.Context
	started     bool
	stopped     bool
	state       State
	lastResult  *Result
	periodic    clock.Timer
	retries     map[string]retryTimer
	retrySeq    uint64
	unsubscribe func()

	background sync.WaitGroup
}

// New creates a Manager.
func New(deps Deps, opts Options) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ItemMaxRetries <= 0 {
		opts.ItemMaxRetries = DefaultItemMaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultBackoffCap
	}
	m := &Manager{
		queue:    deps.Queue,
		uploader: deps.Uploader,
		analyzer: deps.Analyzer,
		network:  deps.Network,
		bus:      deps.Bus,
		clock:    deps.Clock,
		logger:   deps.Logger,
		opts:     opts,
		state:    StateIdle,
		retries:  make(map[string]retryTimer),
		ctx:      context.Background(),
	}
	if m.bus == nil {
		m.bus = events.Discard
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Start recovers rows interrupted mid-delivery, prunes expired rows,
// reschedules failed rows below the retry ceiling and begins reacting to
// network transitions. If the device is online a cycle starts right away.
// Background cycles run under ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("sync manager already started")
	}
	m.started = true
	m.ctx = ctx
	m.mu.Unlock()

	if n, err := m.queue.RequeueInFlight(); err != nil {
		return fmt.Errorf("requeueing interrupted items: %w", err)
	} else if n > 0 {
		m.logger.Info("requeued items interrupted mid-delivery", "count", n)
	}

	if _, err := m.Prune(); err != nil {
		return err
	}

	failed, err := m.queue.ListQueueItemsByStatus(storage.StatusFailed)
	if err != nil {
		return fmt.Errorf("listing failed items: %w", err)
	}
	for _, item := range failed {
		if item.RetryCount < m.opts.ItemMaxRetries {
			m.scheduleRetry(item)
		}
	}

	unsubscribe := m.network.Subscribe(m.onNetworkChange)
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	if m.network.Online() {
		m.armPeriodic()
		m.triggerBackground("startup")
	}
	return nil
}

// Stop cancels every timer, stops reacting to the network and waits for
// background cycles to finish. It is safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.background.Wait()
		return
	}
	m.stopped = true
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.periodic != nil {
		m.periodic.Stop()
		m.periodic = nil
	}
	for id, r := range m.retries {
		r.timer.Stop()
		delete(m.retries, id)
	}
	m.mu.Unlock()
	m.background.Wait()
}

// IsSyncing reports whether a cycle is running.
func (m *Manager) IsSyncing() bool { return m.syncing.Load() }

// SyncNow runs a cycle synchronously. It returns *SkipError without touching
// the queue when offline or when a cycle is already running. Cancelling ctx
// does not abort a cycle once started.
func (m *Manager) SyncNow(ctx context.Context) (Result, error) {
	return m.run(context.WithoutCancel(ctx), "manual")
}

// RetryAll moves failed items back to pending and starts a cycle if possible.
// When maxRetries > 0 only items that failed fewer times are reset; zero
// resets every failed item regardless of its retry count. It returns the
// number reset.
func (m *Manager) RetryAll(ctx context.Context, maxRetries int) (int, error) {
	n, err := m.queue.ResetFailed(maxRetries)
	if err != nil {
		return 0, fmt.Errorf("resetting failed items: %w", err)
	}
	pending, err := m.queue.ListQueueItemsByStatus(storage.StatusPending)
	if err != nil {
		return n, fmt.Errorf("listing pending items: %w", err)
	}
	for _, item := range pending {
		m.cancelRetry(item.ID)
	}

	m.logger.Info("reset failed items", "count", n, "max_retries", maxRetries)
	if n > 0 && m.network.Online() && !m.syncing.Load() {
		m.triggerBackground("retry_all")
	}
	return n, nil
}

// Prune deletes items captured longer ago than MaxItemAge.
func (m *Manager) Prune() (int, error) {
	if m.opts.MaxItemAge <= 0 {
		return 0, nil
	}
	cutoff := m.clock.Now().Add(-m.opts.MaxItemAge)
	n, err := m.queue.RemoveQueueItemsOlderThan(cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning expired items: %w", err)
	}
	if n > 0 {
		m.logger.Info("pruned expired queue items", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// Status reports the current state and queue counts.
func (m *Manager) Status() (Status, error) {
	pending, err := m.queue.CountQueueItems(storage.StatusPending)
	if err != nil {
		return Status{}, fmt.Errorf("counting pending items: %w", err)
	}
	failed, err := m.queue.CountQueueItems(storage.StatusFailed)
	if err != nil {
		return Status{}, fmt.Errorf("counting failed items: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:     m.state,
		Online:    m.network.Online(),
		Syncing:   m.syncing.Load(),
		Pending:   pending,
		Failed:    failed,
		Scheduled: len(m.retries),
	}
	if m.lastResult != nil {
		r := *m.lastResult
		st.LastResult = &r
		at := r.FinishedAt
		st.LastSyncAt = &at
	}
	return st, nil
}

// onNetworkChange acts on the monitor's current state rather than the
// transition it was told about.
func (m *Manager) onNetworkChange(bool) {
	if !m.network.Online() {
		m.mu.Lock()
		if m.periodic != nil {
			m.periodic.Stop()
			m.periodic = nil
		}
		m.mu.Unlock()
		m.logger.Info("offline, periodic sync paused")
		return
	}
	m.armPeriodic()
	if !m.syncing.Load() {
		m.triggerBackground("online")
	}
}

func (m *Manager) armPeriodic() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.periodic != nil {
		return
	}
	m.periodic = m.clock.AfterFunc(m.opts.Interval, m.onTick)
}

func (m *Manager) onTick() {
	m.mu.Lock()
	m.periodic = nil
	stopped := m.stopped
	m.mu.Unlock()
	if stopped || !m.network.Online() {
		return
	}
	m.armPeriodic()
	m.triggerBackground("periodic")
}

func (m *Manager) triggerBackground(trigger string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.background.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.background.Done()
		if _, err := m.run(ctx, trigger); err != nil {
			var skip *SkipError
			if errors.As(err, &skip) {
				m.logger.Debug("sync skipped", "trigger", trigger, "reason", skip.Reason)
				return
			}
			m.logger.Error("sync cycle failed", "trigger", trigger, "error", err)
		}
	}()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.bus.Publish(events.Event{Kind: events.SyncState, State: string(s)})
}

// run is one sync cycle. Items are processed one at a time: pending items
// oldest first, then failed items below the retry ceiling.
func (m *Manager) run(ctx context.Context, trigger string) (Result, error) {
	if !m.network.Online() {
		return Result{}, &SkipError{Reason: ReasonOffline}
	}
	if !m.syncing.CompareAndSwap(false, true) {
		return Result{}, &SkipError{Reason: ReasonAlreadySyncing}
	}

	res := Result{StartedAt: m.clock.Now()}
	m.setState(StateSyncing)

	work, err := m.workList()
	if err != nil {
		m.syncing.Store(false)
		res.State = StateError
		res.FinishedAt = m.clock.Now()
		m.finish(res)
		return res, err
	}

	if len(work) == 0 {
		m.syncing.Store(false)
		res.State = StateIdle
		res.FinishedAt = m.clock.Now()
		m.finish(res)
		return res, nil
	}

	m.logger.Info("sync started", "trigger", trigger, "items", len(work))
	for i, item := range work {
		delivered, err := m.process(ctx, item)
		switch {
		case err != nil:
			res.Failed++
			res.Processed++
		case delivered:
			res.Succeeded++
			res.Processed++
		}
		m.bus.Publish(events.Event{
			Kind:      events.SyncProgress,
			ItemID:    item.ID,
			Remaining: len(work) - i - 1,
			Succeeded: res.Succeeded,
			Failed:    res.Failed,
		})
	}

	m.syncing.Store(false)
	res.State = StateSuccess
	if res.Failed > 0 {
		res.State = StateError
	}
	res.FinishedAt = m.clock.Now()
	m.logger.Info("sync finished", "trigger", trigger, "succeeded", res.Succeeded, "failed", res.Failed)
	m.finish(res)
	return res, nil
}

func (m *Manager) finish(res Result) {
	m.mu.Lock()
	r := res
	m.lastResult = &r
	m.mu.Unlock()

	if res.State != StateIdle {
		m.setState(res.State)
	}
	m.bus.Publish(events.Event{
		Kind:      events.SyncComplete,
		State:     string(res.State),
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
	})
	m.setState(StateIdle)
}

func (m *Manager) workList() ([]storage.QueueItem, error) {
	pending, err := m.queue.ListQueueItemsByStatus(storage.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending items: %w", err)
	}
	failed, err := m.queue.ListQueueItemsByStatus(storage.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("listing failed items: %w", err)
	}

	work := pending
	for _, item := range failed {
		if item.RetryCount < m.opts.ItemMaxRetries {
			work = append(work, item)
		}
	}
	return work, nil
}

// process delivers one item. It returns delivered=false with a nil error
// when the item changed underneath the cycle and was skipped. Claiming a
// failed item cancels its retry timer; if the timer already moved it back to
// pending the claim continues from there.
func (m *Manager) process(ctx context.Context, item storage.QueueItem) (bool, error) {
	if item.Status == storage.StatusFailed {
		m.cancelRetry(item.ID)
		if _, err := m.queue.UpdateQueueItemStatus(item.ID, storage.StatusPending, ""); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
			return m.skipChanged(item, err)
		}
	}
	if _, err := m.queue.UpdateQueueItemStatus(item.ID, storage.StatusUploading, ""); err != nil {
		return m.skipChanged(item, err)
	}

	ref, err := m.uploader.Upload(ctx, item.OwnerID, item.Payload)
	if err != nil {
		return false, m.fail(item, &UploadError{ItemID: item.ID, Err: err})
	}
	if _, err := m.analyzer.Analyze(ctx, ref, item.OwnerID, item.Metadata); err != nil {
		return false, m.fail(item, &AnalyzeError{ItemID: item.ID, Err: err})
	}

	if err := m.queue.RemoveQueueItem(item.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Error("delivered item could not be removed from queue", "id", item.ID, "error", err)
	}
	m.logger.Debug("queue item delivered", "id", item.ID, "ref", ref)
	return true, nil
}

func (m *Manager) skipChanged(item storage.QueueItem, err error) (bool, error) {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidTransition) {
		m.logger.Debug("queue item changed during sync, skipping", "id", item.ID, "error", err)
		return false, nil
	}
	return false, m.fail(item, fmt.Errorf("claiming item: %w", err))
}

func (m *Manager) fail(item storage.QueueItem, cause error) error {
	updated, err := m.queue.UpdateQueueItemStatus(item.ID, storage.StatusFailed, cause.Error())
	if err != nil {
		m.logger.Error("could not mark queue item failed", "id", item.ID, "cause", cause, "error", err)
		return cause
	}
	m.logger.Warn("queue item failed", "id", item.ID, "retries", updated.RetryCount, "error", cause)
	m.bus.Publish(events.Event{
		Kind:    events.ItemFailed,
		ItemID:  item.ID,
		Retries: updated.RetryCount,
		Message: cause.Error(),
	})
	m.scheduleRetry(updated)
	return cause
}

// scheduleRetry arms a one-shot timer that returns a failed item to pending.
// Items at the retry ceiling stay failed until reset by hand.
func (m *Manager) scheduleRetry(item storage.QueueItem) {
	if item.RetryCount >= m.opts.ItemMaxRetries {
		m.logger.Warn("queue item reached retry ceiling", "id", item.ID, "retries", item.RetryCount)
		m.bus.Publish(events.Event{
			Kind:    events.ItemGivenUp,
			ItemID:  item.ID,
			Retries: item.RetryCount,
			Message: fmt.Sprintf("given up after %d attempts", item.RetryCount),
		})
		return
	}

	prior := item.RetryCount - 1
	if prior < 0 {
		prior = 0
	}
	delay := RetryDelay(prior, m.opts.BackoffBase, m.opts.BackoffCap)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if r, ok := m.retries[item.ID]; ok {
		r.timer.Stop()
	}
	id := item.ID
	m.retrySeq++
	seq := m.retrySeq
	m.retries[id] = retryTimer{
		timer: m.clock.AfterFunc(delay, func() { m.onRetryDue(id, seq) }),
		seq:   seq,
	}
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Kind:    events.ItemRetryScheduled,
		ItemID:  id,
		Retries: item.RetryCount,
		Delay:   delay.String(),
	})
}

// cancelRetry stops the item's retry timer, if any.
func (m *Manager) cancelRetry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.retries[id]; ok {
		r.timer.Stop()
		delete(m.retries, id)
	}
}

// onRetryDue requeues the item unless its schedule seq was replaced or
// cancelled while the timer was firing.
func (m *Manager) onRetryDue(id string, seq uint64) {
	m.mu.Lock()
	r, ok := m.retries[id]
	if !ok || r.seq != seq || m.stopped {
		m.mu.Unlock()
		return
	}
	delete(m.retries, id)
	m.mu.Unlock()

	if _, err := m.queue.UpdateQueueItemStatus(id, storage.StatusPending, ""); err != nil {
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrInvalidTransition) {
			m.logger.Error("could not requeue item for retry", "id", id, "error", err)
		}
		return
	}
	if m.network.Online() && !m.syncing.Load() {
		m.triggerBackground("retry")
	}
}
