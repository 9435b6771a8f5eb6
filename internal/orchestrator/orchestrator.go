// Package orchestrator runs a fruit photo through the priority-ordered chain
// of vision providers, retrying each with capped exponential backoff and
// recording one performance record per attempt.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ripewise/internal/clock"
	"github.com/kalambet/ripewise/internal/events"
	"github.com/kalambet/ripewise/internal/storage"
	"github.com/kalambet/ripewise/internal/vision"
)

const (
	DefaultMaxRetries  = 2
	DefaultTimeout     = 10 * time.Second
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 5 * time.Second

	recordTimeout = 5 * time.Second
)

// Providers yields the usable providers in the order they should be tried.
type Providers interface {
	Available() []vision.Entry
}

// ImageSource resolves an image reference to its bytes.
type ImageSource interface {
	Load(ctx context.Context, ref string) (vision.Image, error)
}

// Recorder persists performance records.
type Recorder interface {
	SavePerformanceRecord(ctx context.Context, r storage.PerformanceRecord) error
}

// Options configures an Orchestrator. Zero fields take their defaults.
type Options struct {
	MaxRetries  int
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration

	Clock    clock.Clock
	Recorder Recorder
	Bus      events.Publisher
	Logger   *slog.Logger
	Images   ImageSource
}

// Outcome is a successful analysis.
type Outcome struct {
	RequestID  string
	Assessment vision.Assessment
	Provider   string
	Model      string
	Attempts   int
	Usage      vision.Usage
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	providers Providers
	opts      Options
	logger    *slog.Logger

	pending sync.WaitGroup
}

// New creates an Orchestrator drawing from providers.
func New(providers Providers, opts Options) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultBackoffCap
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Bus == nil {
		opts.Bus = events.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{providers: providers, opts: opts, logger: logger}
}

// Analyze assesses the image at ref. It returns *ConfigurationError when no
// provider is available and *ServiceExhaustedError when every attempt failed.
func (o *Orchestrator) Analyze(ctx context.Context, ref string) (Outcome, error) {
	entries := o.providers.Available()
	if len(entries) == 0 {
		return Outcome{}, &ConfigurationError{Reason: "no provider has a valid credential"}
	}
	if o.opts.Images == nil {
		return Outcome{}, &ConfigurationError{Reason: "no image source"}
	}

	img, err := o.opts.Images.Load(ctx, ref)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading image %s: %w", ref, err)
	}
	return o.AnalyzeImage(ctx, entries, img)
}

// AnalyzeImage runs the fallback chain over entries for an already loaded image.
func (o *Orchestrator) AnalyzeImage(ctx context.Context, entries []vision.Entry, img vision.Image) (Outcome, error) {
	if len(entries) == 0 {
		return Outcome{}, &ConfigurationError{Reason: "no provider has a valid credential"}
	}

	requestID := uuid.New().String()
	policy := NewPolicy(len(entries), o.opts.MaxRetries, o.opts.BackoffBase, o.opts.BackoffCap)

	for {
		entry := entries[policy.Provider()]
		attempt := policy.Attempt()

		start := time.Now()
		res, err := o.attempt(ctx, entry, attempt, img)
		elapsed := time.Since(start)

		o.record(requestID, entry.Name, attempt, elapsed, res, err)

		if err == nil {
			o.logger.Debug("vision analysis complete",
				"request_id", requestID,
				"provider", entry.Name,
				"attempts", policy.Attempts(),
				"elapsed", elapsed,
			)
			return Outcome{
				RequestID:  requestID,
				Assessment: res.Assessment,
				Provider:   entry.Name,
				Model:      res.Model,
				Attempts:   policy.Attempts(),
				Usage:      res.Usage,
			}, nil
		}

		o.logger.Warn("vision provider attempt failed",
			"request_id", requestID,
			"provider", entry.Name,
			"attempt", attempt,
			"error", err,
		)
		o.opts.Bus.Publish(events.Event{
			Kind:     events.ProviderAttemptFailed,
			Provider: entry.Name,
			Attempt:  attempt,
			Message:  err.Error(),
		})

		if ctx.Err() != nil {
			return Outcome{}, fmt.Errorf("analysis cancelled after %d attempts: %w", policy.Attempts(), ctx.Err())
		}

		action, delay := policy.Next()
		switch action {
		case Retry:
			if err := clock.Sleep(ctx, o.opts.Clock, delay); err != nil {
				return Outcome{}, fmt.Errorf("analysis cancelled after %d attempts: %w", policy.Attempts()-1, err)
			}
		case Fallback:
			next := entries[policy.Provider()].Name
			o.logger.Info("falling back to next vision provider", "from", entry.Name, "to", next)
			o.opts.Bus.Publish(events.Event{Kind: events.ProviderFallback, Provider: next, Message: "from " + entry.Name})
		case Exhausted:
			return Outcome{}, &ServiceExhaustedError{Provider: entry.Name, Attempts: policy.Attempts(), Err: err}
		}
	}
}

type attemptResult struct {
	res vision.Result
	err error
}

// attempt races one provider call against the per-attempt timeout. The call
// runs under a derived context that is cancelled when attempt returns. The
// result channel is buffered so a provider that ignores cancellation can
// still finish and exit.
func (o *Orchestrator) attempt(ctx context.Context, entry vision.Entry, attemptNum int, img vision.Image) (vision.Result, error) {
	actx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		res, err := entry.Provider.Analyze(actx, img)
		done <- attemptResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.res, nil
		}
		timedOut := errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		return vision.Result{}, &ProviderError{Provider: entry.Name, Attempt: attemptNum, Timeout: timedOut, Err: r.err}
	case <-actx.Done():
		timedOut := ctx.Err() == nil
		return vision.Result{}, &ProviderError{Provider: entry.Name, Attempt: attemptNum, Timeout: timedOut, Err: actx.Err()}
	}
}

// record writes the attempt's performance record in the background. Write
// failures are logged and otherwise ignored.
func (o *Orchestrator) record(requestID, provider string, attempt int, elapsed time.Duration, res vision.Result, err error) {
	if o.opts.Recorder == nil {
		return
	}
	rec := storage.PerformanceRecord{
		RequestID: requestID,
		Provider:  provider,
		Attempt:   attempt,
		ElapsedMs: elapsed.Milliseconds(),
		Success:   err == nil,
		CreatedAt: o.opts.Clock.Now().UTC(),
	}
	if err != nil {
		rec.ErrorMessage = err.Error()
	} else if res.Usage.Reported {
		in, out := res.Usage.InputTokens, res.Usage.OutputTokens
		rec.InputTokens, rec.OutputTokens = &in, &out
	}

	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := o.opts.Recorder.SavePerformanceRecord(ctx, rec); err != nil {
			o.logger.Warn("failed to save performance record", "provider", provider, "error", err)
		}
	}()
}

// Close waits for in-flight performance records to be written.
func (o *Orchestrator) Close() {
	o.pending.Wait()
}
