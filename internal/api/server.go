package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/ripewise/internal/media"
	"github.com/kalambet/ripewise/internal/orchestrator"
	"github.com/kalambet/ripewise/internal/ratelimit"
	"github.com/kalambet/ripewise/internal/storage"
	"github.com/kalambet/ripewise/internal/vision"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Uploads stores uploaded images.
type Uploads interface {
	Save(ctx context.Context, owner string, data []byte) (string, error)
	MaxBytes() int64
}

// Analyzer runs the provider fallback chain for a stored image.
type Analyzer interface {
	Analyze(ctx context.Context, ref string) (orchestrator.Outcome, error)
}

// ProviderLister reports the configured providers.
type ProviderLister interface {
	Describe() []vision.Info
}

// ServerDeps holds the analysis server's collaborators. Limiter and Logger
// are optional.
type ServerDeps struct {
	Store     *storage.Store
	Uploads   Uploads
	Analyzer  Analyzer
	Providers ProviderLister
	Limiter   *ratelimit.Limiter
	Token     string
	Logger    *slog.Logger
}

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	ImageRef string            `json:"image_ref"`
	OwnerID  string            `json:"owner_id"`
	Metadata map[string]string `json:"metadata"`
}

// NewServerHandler returns the analysis server API: image upload, the
// analyze boundary, and read access to stored analyses and provider
// performance.
func NewServerHandler(deps ServerDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/uploads", handleUpload(deps))
		r.Post("/analyze", handleAnalyze(deps))
		r.Get("/analyses", handleListAnalyses(deps))
		r.Get("/analyses/{id}", handleGetAnalysis(deps))
		r.Get("/performance", handleListPerformance(deps))
		r.Get("/providers", handleListProviders(deps))
	})

	return r
}

// allow applies the per-owner limit and writes a 429 when it is exceeded.
func allow(w http.ResponseWriter, l *ratelimit.Limiter, owner string) bool {
	ok, retryAfter := l.Allow(owner)
	if ok {
		return true
	}
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	httpError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded for owner %q; retry in %ds", owner, secs)
	return false
}

func handleUpload(deps ServerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("owner_id")
		if owner == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		if !allow(w, deps.Limiter, owner) {
			return
		}

		limit := deps.Uploads.MaxBytes()
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		defer r.Body.Close()

		data, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "image exceeds %d bytes", limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}

		ref, err := deps.Uploads.Save(r.Context(), owner, data)
		if err != nil {
			var verr *media.ValidationError
			if errors.As(err, &verr) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", verr.Error())
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store upload: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{"ref": ref})
	}
}

func handleAnalyze(deps ServerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AnalyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.ImageRef) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image_ref is required")
			return
		}
		if strings.TrimSpace(req.OwnerID) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		if !media.OwnedBy(req.ImageRef, req.OwnerID) {
			httpError(w, http.StatusForbidden, "permission_error", "image_ref does not belong to owner %q", req.OwnerID)
			return
		}
		if !allow(w, deps.Limiter, req.OwnerID) {
			return
		}

		out, err := deps.Analyzer.Analyze(r.Context(), req.ImageRef)
		if err != nil {
			writeAnalyzeError(w, deps.Logger, req.ImageRef, err)
			return
		}

		saved, err := deps.Store.SaveAnalysis(storage.Analysis{
			OwnerID:        req.OwnerID,
			ImageRef:       req.ImageRef,
			Provider:       out.Provider,
			Model:          out.Model,
			Ripeness:       out.Assessment.Ripeness,
			Confidence:     out.Assessment.Confidence,
			Sweetness:      out.Assessment.Sweetness,
			Variety:        out.Assessment.Variety,
			SurfaceQuality: out.Assessment.SurfaceQuality,
			Rationale:      out.Assessment.Rationale,
			Metadata:       req.Metadata,
			Attempts:       out.Attempts,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save analysis: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, saved)
	}
}

func writeAnalyzeError(w http.ResponseWriter, logger *slog.Logger, ref string, err error) {
	var verr *media.ValidationError
	switch {
	case orchestrator.IsConfiguration(err):
		httpError(w, http.StatusServiceUnavailable, "configuration_error", "%v", err)
	case orchestrator.IsExhausted(err):
		logger.Warn("analysis exhausted all providers", "image_ref", ref, "error", err)
		httpError(w, http.StatusBadGateway, "service_exhausted", "%v", err)
	case errors.Is(err, media.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "image not found: %s", ref)
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", verr.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "analysis cancelled: %v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "analysis failed: %v", err)
	}
}

func handleListAnalyses(deps ServerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)
		owner := r.URL.Query().Get("owner_id")

		analyses, err := deps.Store.ListAnalyses(owner, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list analyses: %v", err)
			return
		}
		if analyses == nil {
			analyses = []storage.Analysis{}
		}
		writeJSON(w, http.StatusOK, analyses)
	}
}

func handleGetAnalysis(deps ServerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		a, err := deps.Store.GetAnalysis(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "analysis not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get analysis: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleListPerformance(deps ServerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		provider := r.URL.Query().Get("provider")

		records, err := deps.Store.ListPerformanceRecords(provider, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list performance records: %v", err)
			return
		}
		if records == nil {
			records = []storage.PerformanceRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleListProviders(deps ServerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Providers == nil {
			httpError(w, http.StatusServiceUnavailable, "configuration_error", "no provider registry")
			return
		}
		writeJSON(w, http.StatusOK, deps.Providers.Describe())
	}
}
