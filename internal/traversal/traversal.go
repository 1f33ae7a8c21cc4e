// Package traversal walks a site with colly, fills the response cache and
// emits one page event per visited URL.
package traversal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
	"github.com/JakeFAU/markdown-crawler/internal/metrics"
)

// Render modes.
const (
	RenderHTTP   = "http"
	RenderChrome = "chrome"
)

// Config controls how the site is walked.
type Config struct {
	BaseURL        string
	AllowedDomains []string
	MaxDepth       int
	UserAgent      string
	RequestTimeout time.Duration
	RespectRobots  bool
	Parallelism    int
	Delay          time.Duration

	// RenderMode "chrome" renders every page in the headless browser before
	// it is cached.
	RenderMode string
	CacheTTL   time.Duration
}

// Sink receives page events. The traversal closes it when the walk ends.
type Sink interface {
	Enqueue(ctx context.Context, event crawler.PageEvent) error
	Close()
}

// Service walks a site starting at Config.BaseURL.
type Service struct {
	cfg       Config
	cache     crawler.CacheWriter
	events    Sink
	renderer  crawler.Fetcher
	logger    *zap.Logger
	transport http.RoundTripper

	visited atomic.Int64
	failed  atomic.Int64
}

// New validates cfg and returns a Service. renderer may be nil unless
// RenderMode is chrome.
func New(cfg Config, cache crawler.CacheWriter, events Sink, renderer crawler.Fetcher, logger *zap.Logger) (*Service, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	if cache == nil {
		return nil, errors.New("cache writer is required")
	}
	if events == nil {
		return nil, errors.New("event sink is required")
	}
	switch cfg.RenderMode {
	case "":
		cfg.RenderMode = RenderHTTP
	case RenderHTTP:
	case RenderChrome:
		if renderer == nil {
			return nil, errors.New("render mode chrome requires a headless renderer")
		}
	default:
		return nil, fmt.Errorf("unknown render mode %q", cfg.RenderMode)
	}
	if len(cfg.AllowedDomains) == 0 {
		cfg.AllowedDomains = []string{base.Hostname()}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		cache:     cache,
		events:    events,
		renderer:  renderer,
		logger:    logger,
		transport: newHTTPTransport(),
	}, nil
}

// Visited reports how many pages were cached and announced.
func (s *Service) Visited() int64 {
	return s.visited.Load()
}

// Run walks the site until every reachable page within MaxDepth is visited or
// ctx ends. The event sink is closed on return.
func (s *Service) Run(ctx context.Context) error {
	defer s.events.Close()

	collector, err := s.newCollector(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("traversal started",
		zap.String("base_url", s.cfg.BaseURL),
		zap.Int("max_depth", s.cfg.MaxDepth),
		zap.String("render_mode", s.cfg.RenderMode))

	if err := collector.Visit(s.cfg.BaseURL); err != nil {
		return fmt.Errorf("visit %s: %w", s.cfg.BaseURL, err)
	}
	collector.Wait()

	s.logger.Info("traversal finished",
		zap.Int64("visited", s.visited.Load()),
		zap.Int64("failed", s.failed.Load()))
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("traversal stopped: %w", err)
	}
	return nil
}

func (s *Service) newCollector(ctx context.Context) (*colly.Collector, error) {
	opts := []colly.CollectorOption{
		colly.AllowedDomains(s.cfg.AllowedDomains...),
		colly.Async(true),
	}
	if s.cfg.MaxDepth > 0 {
		opts = append(opts, colly.MaxDepth(s.cfg.MaxDepth))
	}
	if s.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(s.cfg.UserAgent))
	}
	collector := colly.NewCollector(opts...)
	collector.AllowURLRevisit = false
	collector.IgnoreRobotsTxt = !s.cfg.RespectRobots
	collector.SetRequestTimeout(s.cfg.RequestTimeout)
	collector.WithTransport(s.transport)

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: s.cfg.Parallelism,
		Delay:       s.cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	collector.OnHTML("a[href]", s.handleLink)
	collector.OnResponse(s.handleResponse(ctx))
	collector.OnError(s.handleError)
	return collector, nil
}

func (s *Service) handleLink(e *colly.HTMLElement) {
	link := e.Request.AbsoluteURL(e.Attr("href"))
	if link == "" {
		return
	}
	if err := e.Request.Visit(link); err != nil {
		s.logger.Debug("skipping link", zap.String("url", link), zap.Error(err))
	}
}

func (s *Service) handleResponse(ctx context.Context) func(*colly.Response) {
	return func(r *colly.Response) {
		pageURL := r.Request.URL.String()
		contentType := r.Headers.Get("Content-Type")
		if !isHTML(contentType) || len(r.Body) == 0 {
			s.logger.Debug("skipping non-html response",
				zap.String("url", pageURL),
				zap.String("content_type", contentType))
			return
		}

		body := r.Body
		rendered := false
		if s.cfg.RenderMode == RenderChrome {
			resp, err := s.renderer.Fetch(ctx, crawler.FetchRequest{URL: pageURL})
			if err != nil || len(resp.Body) == 0 {
				s.logger.Warn("render failed, caching raw response", zap.String("url", pageURL), zap.Error(err))
			} else {
				body = resp.Body
				rendered = true
			}
		}

		entry := crawler.CacheEntry{
			Body: append([]byte(nil), body...),
			Policy: crawler.CachePolicy{
				StatusCode:  r.StatusCode,
				ContentType: contentType,
				FetchedAt:   time.Now().UTC(),
				TTL:         s.cfg.CacheTTL,
				Rendered:    rendered,
			},
		}
		if err := s.cache.Put(ctx, crawler.DeriveKey(pageURL), entry); err != nil {
			s.failed.Add(1)
			s.logger.Error("cache put failed", zap.String("url", pageURL), zap.Error(err))
			return
		}
		if err := s.events.Enqueue(ctx, crawler.PageEvent{URL: pageURL}); err != nil {
			s.logger.Warn("page event not delivered", zap.String("url", pageURL), zap.Error(err))
			return
		}
		s.visited.Add(1)
		metrics.ObservePageDiscovered(pageURL)
	}
}

func (s *Service) handleError(r *colly.Response, err error) {
	s.failed.Add(1)
	msg := "request failed"
	switch r.StatusCode {
	case http.StatusTooManyRequests:
		msg = "rate limited"
	case http.StatusForbidden:
		msg = "forbidden"
	}
	s.logger.Warn(msg,
		zap.String("url", r.Request.URL.String()),
		zap.Int("status_code", r.StatusCode),
		zap.Error(err))
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
