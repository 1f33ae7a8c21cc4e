// Package headless renders pages in headless Chrome for the strategy selector
// and the chrome render mode of the traversal.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
	"github.com/JakeFAU/markdown-crawler/internal/metrics"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
	defaultWaitSelector      = "body"
)

// ErrDocumentStatus marks a rendered document whose main response was an HTTP error.
var ErrDocumentStatus = errors.New("document returned error status")

// DomainLimiter paces requests per host.
type DomainLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrent browser tabs. Zero leaves tabs unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	// WaitSelector must be ready before the DOM is captured. Defaults to "body".
	WaitSelector string
	Limiter      DomainLimiter
	Logger       *zap.Logger
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	tabs        *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a headless fetcher backed by chromedp. Chrome itself is
// started lazily on the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	switch {
	case cfg.MaxParallel < 0:
		return nil, fmt.Errorf("max parallel must be >= 0")
	case cfg.SettleDelay < 0:
		return nil, fmt.Errorf("settle delay must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = defaultWaitSelector
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		tabs:        newTabPool(cfg.MaxParallel),
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("headless"),
	}, nil
}

func newTabPool(n int) *semaphore.Weighted {
	if n <= 0 {
		return nil
	}
	return semaphore.NewWeighted(int64(n))
}

// Close shuts down the browser.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders request.URL and returns the serialized DOM. Navigation is
// always bounded by the configured timeout, and a main document answered with
// a 4xx or 5xx status yields ErrDocumentStatus.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless domain budget: %w", err)
		}
	}
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer f.release()
	metrics.IncHeadlessInFlight()
	defer metrics.DecHeadlessInFlight()

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancel()

	doc := &documentWatcher{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	page, err := f.render(tabCtx, request)
	elapsed := time.Since(start)
	if err != nil {
		f.logger.Debug("headless navigation failed",
			zap.String("url", request.URL),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return crawler.FetchResponse{}, err
	}

	meta := doc.result(request.URL, page.location)
	if meta.status >= http.StatusBadRequest {
		return crawler.FetchResponse{}, fmt.Errorf("%w: %s answered %d", ErrDocumentStatus, meta.url, meta.status)
	}
	return crawler.FetchResponse{
		URL:          meta.url,
		StatusCode:   meta.status,
		Headers:      meta.headers,
		Body:         []byte(page.html),
		Duration:     elapsed,
		UsedHeadless: true,
	}, nil
}

type renderedPage struct {
	html     string
	location string
}

func (f *Fetcher) render(ctx context.Context, request crawler.FetchRequest) (renderedPage, error) {
	var page renderedPage
	err := chromedp.Run(ctx,
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.waitSelector(), chromedp.ByQuery),
		chromedp.Sleep(f.settleDelay()),
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) == 0 {
			return nil
		}
		if err := network.SetExtraHTTPHeaders(networkHeaders(headers)).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.tabs == nil {
		return nil
	}
	if err := f.tabs.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("headless slot wait canceled: %w", err)
	}
	return nil
}

func (f *Fetcher) release() {
	if f.tabs != nil {
		f.tabs.Release(1)
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

func (f *Fetcher) settleDelay() time.Duration {
	if f.cfg.SettleDelay > 0 {
		return f.cfg.SettleDelay
	}
	return defaultSettleDelay
}

func (f *Fetcher) waitSelector() string {
	if f.cfg.WaitSelector != "" {
		return f.cfg.WaitSelector
	}
	return defaultWaitSelector
}

// documentMeta is what the browser reported for the main document.
type documentMeta struct {
	status  int
	headers http.Header
	url     string
}

// documentWatcher records the last main-document response seen on a tab.
// Redirects replace earlier records.
type documentWatcher struct {
	mu   sync.Mutex
	seen bool
	meta documentMeta
}

func (w *documentWatcher) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	meta := documentMeta{
		status:  int(resp.Response.Status),
		headers: headersFromNetwork(resp.Response.Headers),
		url:     resp.Response.URL,
	}
	w.mu.Lock()
	w.seen = true
	w.meta = meta
	w.mu.Unlock()
}

// result fills gaps left by pages that never reported a document response,
// e.g. about:blank redirects or cached navigations.
func (w *documentWatcher) result(requestURL, location string) documentMeta {
	w.mu.Lock()
	meta := w.meta
	seen := w.seen
	w.mu.Unlock()

	if !seen || meta.status == 0 {
		meta.status = http.StatusOK
	}
	if meta.headers == nil {
		meta.headers = http.Header{}
	}
	if meta.url == "" {
		meta.url = location
	}
	if meta.url == "" {
		meta.url = requestURL
	}
	return meta
}

func headersFromNetwork(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []string:
			for _, entry := range v {
				out.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func networkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
