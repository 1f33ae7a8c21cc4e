// Package strategy decides, per URL, whether cached markup can be used as-is or
// the page must be re-rendered in a headless browser.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
	"github.com/JakeFAU/markdown-crawler/internal/metrics"
)

const defaultHeadlessTimeout = 30 * time.Second

var (
	// ErrUnresolved marks a URL whose cache lookup missed or failed. No fallback
	// fetch is attempted.
	ErrUnresolved = errors.New("content unresolved")
	// ErrFetch marks a failed headless re-fetch.
	ErrFetch = errors.New("headless fetch failed")
)

// Config tunes the selector.
type Config struct {
	// HeadlessTimeout bounds every headless fetch. Zero uses 30s.
	HeadlessTimeout time.Duration
}

// Selector applies the cache/classification decision table.
type Selector struct {
	cfg        Config
	classifier crawler.Classifier
	headless   crawler.Fetcher
	logger     *zap.Logger
}

// New creates a Selector. A nil headless fetcher makes every dynamic page a
// fetch error.
func New(cfg Config, classifier crawler.Classifier, headless crawler.Fetcher, logger *zap.Logger) (*Selector, error) {
	if classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if cfg.HeadlessTimeout <= 0 {
		cfg.HeadlessTimeout = defaultHeadlessTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		cfg:        cfg,
		classifier: classifier,
		headless:   headless,
		logger:     logger,
	}, nil
}

// SelectAndFetch returns the HTML to convert for url:
//
//	Hit  + Static  -> cached body
//	Hit  + Dynamic -> headless re-fetch of url
//	Miss / Error   -> ErrUnresolved
func (s *Selector) SelectAndFetch(
	ctx context.Context,
	url string,
	lookup crawler.LookupResult,
) (crawler.ResolvedContent, error) {
	switch lookup.Status {
	case crawler.LookupHit:
	case crawler.LookupMiss:
		return crawler.ResolvedContent{}, fmt.Errorf("%w: cache miss for %s", ErrUnresolved, url)
	default:
		if lookup.Err != nil {
			return crawler.ResolvedContent{}, fmt.Errorf("%w: %w", ErrUnresolved, lookup.Err)
		}
		return crawler.ResolvedContent{}, fmt.Errorf("%w: cache error for %s", ErrUnresolved, url)
	}

	class := s.classifier.Classify(lookup.Entry.Body)
	metrics.ObserveClassification(class.String())
	if class == crawler.Static {
		return crawler.ResolvedContent{
			URL:            url,
			HTML:           string(lookup.Entry.Body),
			Source:         crawler.SourceCache,
			Classification: class,
		}, nil
	}

	s.logger.Debug("cached body needs rendering", zap.String("url", url))
	html, err := s.render(ctx, url)
	if err != nil {
		return crawler.ResolvedContent{}, err
	}
	return crawler.ResolvedContent{
		URL:            url,
		HTML:           html,
		Source:         crawler.SourceHeadless,
		Classification: class,
	}, nil
}

func (s *Selector) render(ctx context.Context, url string) (string, error) {
	if s.headless == nil {
		metrics.ObserveHeadlessFetch("error", 0)
		return "", fmt.Errorf("%w: no headless fetcher for %s", ErrFetch, url)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.HeadlessTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.headless.Fetch(fetchCtx, crawler.FetchRequest{URL: url})
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveHeadlessFetch("error", elapsed)
		return "", fmt.Errorf("%w: %s: %w", ErrFetch, url, err)
	}
	if len(resp.Body) == 0 {
		metrics.ObserveHeadlessFetch("error", elapsed)
		return "", fmt.Errorf("%w: %s: empty body", ErrFetch, url)
	}
	metrics.ObserveHeadlessFetch("ok", elapsed)
	return string(resp.Body), nil
}
