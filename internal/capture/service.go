// Package capture is the entry point for new fruit photos on the device.
// Photos go straight to the server when online and into the offline queue
// otherwise.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/ripewise/internal/events"
	"github.com/kalambet/ripewise/internal/storage"
)

// Queue is where undeliverable captures go.
type Queue interface {
	AddQueueItem(item storage.QueueItem) (string, error)
}

// Uploader is the upload boundary.
type Uploader interface {
	Upload(ctx context.Context, owner string, data []byte) (string, error)
}

// Analyzer is the analyze boundary.
type Analyzer interface {
	Analyze(ctx context.Context, ref, owner string, metadata map[string]string) (storage.Analysis, error)
}

// Network reports connectivity.
type Network interface {
	Online() bool
}

// Capture is one photo taken on the device.
type Capture struct {
	OwnerID    string
	Data       []byte
	Metadata   map[string]string
	CapturedAt time.Time
}

// Outcome reports how a capture was handled. Exactly one of Analysis and
// QueueID is set.
type Outcome struct {
	Queued   bool              `json:"queued"`
	QueueID  string            `json:"queue_id,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Analysis *storage.Analysis `json:"analysis,omitempty"`
}

// Service routes captures to the server or the queue.
type Service struct {
	queue    Queue
	uploader Uploader
	analyzer Analyzer
	network  Network
	bus      events.Publisher
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a Service. bus may be nil.
func NewService(queue Queue, uploader Uploader, analyzer Analyzer, network Network, bus events.Publisher) *Service {
	if bus == nil {
		bus = events.Discard
	}
	return &Service{
		queue:    queue,
		uploader: uploader,
		analyzer: analyzer,
		network:  network,
		bus:      bus,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Capture delivers c directly when online. When offline, or when the upload
// or analyze call fails, c is queued for the sync manager and the outcome
// says why. An error is returned only if c is invalid or cannot be queued.
func (s *Service) Capture(ctx context.Context, c Capture) (Outcome, error) {
	if c.OwnerID == "" {
		return Outcome{}, errors.New("owner id is required")
	}
	if len(c.Data) == 0 {
		return Outcome{}, errors.New("image data is required")
	}
	if c.CapturedAt.IsZero() {
		c.CapturedAt = s.now().UTC()
	}

	if !s.network.Online() {
		return s.enqueue(c, "offline")
	}

	ref, err := s.uploader.Upload(ctx, c.OwnerID, c.Data)
	if err != nil {
		s.logger.Warn("direct upload failed, queueing capture", "owner", c.OwnerID, "error", err)
		return s.enqueue(c, "upload failed: "+err.Error())
	}
	analysis, err := s.analyzer.Analyze(ctx, ref, c.OwnerID, c.Metadata)
	if err != nil {
		s.logger.Warn("direct analysis failed, queueing capture", "owner", c.OwnerID, "ref", ref, "error", err)
		return s.enqueue(c, "analysis failed: "+err.Error())
	}

	s.bus.Publish(events.Event{Kind: events.CaptureAnalyzed, ItemID: analysis.ID, Provider: analysis.Provider})
	return Outcome{Analysis: &analysis}, nil
}

func (s *Service) enqueue(c Capture, reason string) (Outcome, error) {
	id, err := s.queue.AddQueueItem(storage.QueueItem{
		OwnerID:    c.OwnerID,
		Payload:    c.Data,
		Metadata:   c.Metadata,
		CapturedAt: c.CapturedAt,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("queueing capture: %w", err)
	}
	s.logger.Info("capture queued", "id", id, "reason", reason)
	s.bus.Publish(events.Event{Kind: events.CaptureQueued, ItemID: id, Reason: reason})
	return Outcome{Queued: true, QueueID: id, Reason: reason}, nil
}
