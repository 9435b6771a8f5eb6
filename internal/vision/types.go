// Package vision holds the fruit assessment model, the clients for the
// external AI vision services that produce it, and the priority-ordered
// registry the orchestrator draws providers from.
package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Ripeness categories accepted from providers.
const (
	Unripe   = "unripe"
	Turning  = "turning"
	Ripe     = "ripe"
	Overripe = "overripe"
	Spoiled  = "spoiled"
)

var ripenessValues = map[string]bool{Unripe: true, Turning: true, Ripe: true, Overripe: true, Spoiled: true}

// Assessment is the structured result of analyzing one fruit photo.
type Assessment struct {
	Ripeness       string `json:"ripeness"`
	Confidence     int    `json:"confidence"`
	Sweetness      int    `json:"sweetness"`
	Variety        string `json:"variety"`
	SurfaceQuality string `json:"surface_quality"`
	Rationale      string `json:"rationale"`
}

// Validate checks ranges and normalizes the ripeness category.
func (a *Assessment) Validate() error {
	a.Ripeness = strings.ToLower(strings.TrimSpace(a.Ripeness))
	if !ripenessValues[a.Ripeness] {
		return fmt.Errorf("unknown ripeness %q", a.Ripeness)
	}
	if a.Confidence < 0 || a.Confidence > 100 {
		return fmt.Errorf("confidence %d out of range 0-100", a.Confidence)
	}
	if a.Sweetness < 1 || a.Sweetness > 10 {
		return fmt.Errorf("sweetness %d out of range 1-10", a.Sweetness)
	}
	return nil
}

// Image is a resolved image reference ready to send to a provider.
type Image struct {
	Ref      string
	Data     []byte
	MIMEType string
}

// Usage is provider-reported token accounting. Zero values mean unreported.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Reported     bool
}

// Result is what a provider returns for a successful call.
type Result struct {
	Assessment Assessment
	Usage      Usage
	Model      string
}

// Provider is an external vision service.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, img Image) (Result, error)
}

// RateLimitError is returned on HTTP 429 from a provider.
type RateLimitError struct {
	Provider string
	Status   int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited (HTTP %d)", e.Provider, e.Status)
}

// StatusError is returned for any other non-200 provider response.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.Status, e.Body)
}

// IsRateLimit reports whether err is, or wraps, a RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
