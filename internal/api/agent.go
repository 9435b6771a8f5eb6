package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/ripewise/internal/capture"
	"github.com/kalambet/ripewise/internal/events"
	"github.com/kalambet/ripewise/internal/storage"
	"github.com/kalambet/ripewise/internal/syncer"
)

const maxCaptureBodySize = 16 << 20 // 16MB, base64 of a 10MB image plus metadata

// Capturer routes a capture to the server or the queue.
type Capturer interface {
	Capture(ctx context.Context, c capture.Capture) (capture.Outcome, error)
}

// SyncService is the agent's sync manager.
type SyncService interface {
	SyncNow(ctx context.Context) (syncer.Result, error)
	RetryAll(ctx context.Context, maxRetries int) (int, error)
	Prune() (int, error)
	Status() (syncer.Status, error)
}

// NetworkReporter accepts connectivity reports from the UI layer.
type NetworkReporter interface {
	Online() bool
	Set(online bool) bool
}

// EventSource streams status events.
type EventSource interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// AgentDeps holds the device agent's collaborators. Events and Logger are
// optional; without Events, GET /events is not served.
type AgentDeps struct {
	Queue   *storage.Store
	Capture Capturer
	Sync    SyncService
	Network NetworkReporter
	Events  EventSource
	Token   string
	Logger  *slog.Logger
}

// CaptureRequest is the body of POST /captures.
type CaptureRequest struct {
	OwnerID    string            `json:"owner_id"`
	Image      string            `json:"image"` // base64
	Metadata   map[string]string `json:"metadata"`
	CapturedAt *time.Time        `json:"captured_at"`
}

// NewAgentHandler returns the local API of the device agent: capture
// submission, queue management, sync control and the status event stream.
func NewAgentHandler(deps AgentDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/captures", handleCapture(deps))

		r.Get("/queue", handleListQueue(deps))
		r.Get("/queue/stats", handleQueueStats(deps))
		r.Get("/queue/{id}", handleGetQueueItem(deps))
		r.Delete("/queue/{id}", handleRemoveQueueItem(deps))
		r.Delete("/queue", handleClearQueue(deps))
		r.Post("/queue/retry", handleRetryQueue(deps))
		r.Post("/queue/prune", handlePruneQueue(deps))

		r.Post("/sync", handleSyncNow(deps))
		r.Get("/sync/status", handleSyncStatus(deps))

		r.Put("/network", handleSetNetwork(deps))
		if deps.Events != nil {
			r.Get("/events", handleEvents(deps))
		}
	})

	return r
}

func handleCapture(deps AgentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxCaptureBodySize)
		defer r.Body.Close()

		var req CaptureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.OwnerID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		if req.Image == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image is required")
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 image")
			return
		}

		c := capture.Capture{OwnerID: req.OwnerID, Data: data, Metadata: req.Metadata}
		if req.CapturedAt != nil {
			c.CapturedAt = *req.CapturedAt
		}
		out, err := deps.Capture.Capture(r.Context(), c)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "capture failed: %v", err)
			return
		}

		code := http.StatusOK
		if out.Queued {
			code = http.StatusAccepted
		}
		writeJSON(w, code, out)
	}
}

func handleListQueue(deps AgentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var items []storage.QueueItem
		var err error
		if s := storage.Status(r.URL.Query().Get("status")); s != "" {
			if !s.Valid() {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", s)
				return
			}
			items, err = deps.Queue.ListQueueItemsByStatus(s)
		} else {
			items, err = deps.Queue.ListQueueItems()
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list queue: %v", err)
			return
		}
		if items == nil {
			items = []storage.QueueItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleQueueStats(deps AgentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Queue.QueueStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get queue stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleGetQueueItem(deps AgentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := deps.Queue.GetQueueItem(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "queue item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get queue item: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func handleRemoveQueueItem(deps AgentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Queue.RemoveQueueItem(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "queue item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to remove queue item: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// handleClearQueue empties the queue, or with ?older_than=<duration> removes
// only items captured before that age.
func handleClearQueue(deps AgentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var n int
		var err error
		if raw := r.URL.Query().Get("older_than"); raw != "" {
			age, perr := time.ParseDuration(raw)
			if perr != nil || age <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid older_than %q", raw)
				return
			}
			n, err = deps.Queue.RemoveQueueItemsOlderThan(time.Now().Add(-age))
		} else {
			n, err = deps.Queue.ClearQueue()
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear queue: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}

func handleRetryQueue(deps AgentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxRetries := parseIntParam(r, "max_retries", 0, 0)
		n, err := deps.Sync.RetryAll(r.Context(), maxRetries)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reset failed items: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"reset": n})
	}
}

// handlePruneQueue drops items older than the sync manager's max item age.
func handlePruneQueue(deps AgentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Sync.Prune()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to prune queue: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}

func handleSyncNow(deps AgentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Sync.SyncNow(r.Context())
		var skip *syncer.SkipError
		if errors.As(err, &skip) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"message": skip.Error(),
					"type":    "sync_skipped",
					"reason":  skip.Reason,
				},
			})
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sync failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleSyncStatus(deps AgentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Sync.Status()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get sync status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleSetNetwork(deps AgentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Online *bool `json:"online"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Online == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "online is required")
			return
		}
		changed := deps.Network.Set(*req.Online)
		writeJSON(w, http.StatusOK, map[string]bool{"online": deps.Network.Online(), "changed": changed})
	}
}

// handleEvents streams bus events as server-sent events until the client
// disconnects.
func handleEvents(deps AgentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		ch, unsubscribe := deps.Events.Subscribe(64)
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					deps.Logger.Warn("failed to marshal event", "kind", ev.Kind, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
				flusher.Flush()
			}
		}
	}
}
