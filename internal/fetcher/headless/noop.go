package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

// ErrNotConfigured is returned when headless rendering is disabled.
var ErrNotConfigured = errors.New("headless fetcher not configured")

// Noop implements Fetcher but always fails, so pages that need script
// execution surface as fetch errors when headless rendering is disabled.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always returns ErrNotConfigured.
func (Noop) Fetch(_ context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{URL: request.URL}, ErrNotConfigured
}
