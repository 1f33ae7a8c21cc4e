package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/markdown-crawler/internal/clock/system"
	"github.com/JakeFAU/markdown-crawler/internal/crawler"
	"github.com/JakeFAU/markdown-crawler/internal/governor"
	"github.com/JakeFAU/markdown-crawler/internal/metrics"
	"github.com/JakeFAU/markdown-crawler/internal/progress"
	"github.com/JakeFAU/markdown-crawler/internal/strategy"
)

// EventSource yields page events until it is closed. Dequeue returns an error
// once the source is drained and closed, or when ctx ends.
type EventSource interface {
	Dequeue(ctx context.Context) (crawler.PageEvent, error)
}

// Resolver performs the bounded cache lookup.
type Resolver interface {
	Resolve(ctx context.Context, key crawler.CacheKey, timeout time.Duration) crawler.LookupResult
}

// Selector turns a lookup into HTML.
type Selector interface {
	SelectAndFetch(ctx context.Context, url string, lookup crawler.LookupResult) (crawler.ResolvedContent, error)
}

// Reporter receives every terminal result.
type Reporter interface {
	Outcome(result Result)
}

// Config tunes a Pipeline.
type Config struct {
	// CacheTimeout bounds every cache lookup.
	CacheTimeout time.Duration
	// Topic is the notification topic for saved artifacts. Empty disables
	// publishing.
	Topic string
}

// Deps are the collaborators a Pipeline drives. Manifest, Publisher, Emitter,
// Reporter, Hasher, Clock and IDs are optional.
type Deps struct {
	Resolver  Resolver
	Selector  Selector
	Converter crawler.Converter
	Sink      crawler.Sink
	Governor  *governor.Governor
	Manifest  crawler.ManifestStore
	Publisher crawler.Publisher
	Emitter   progress.Emitter
	Reporter  Reporter
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	RunID     uuid.UUID
}

// Notification is published for every saved artifact.
type Notification struct {
	RunID       string `json:"run_id"`
	URL         string `json:"url"`
	Location    string `json:"location"`
	ContentHash string `json:"content_hash,omitempty"`
	Source      string `json:"source"`
}

// Pipeline resolves page events into persisted artifacts.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	runID  [16]byte

	visits     *crawler.VisitTracker
	processed  atomic.Int64
	saved      atomic.Int64
	duplicates atomic.Int64
	inFlight   atomic.Int64
	byOutcome  [numOutcomes]atomic.Int64
}

// New validates deps and returns a Pipeline.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errors.New("resolver is required")
	case deps.Selector == nil:
		return nil, errors.New("selector is required")
	case deps.Converter == nil:
		return nil, errors.New("converter is required")
	case deps.Sink == nil:
		return nil, errors.New("sink is required")
	case deps.Governor == nil:
		return nil, errors.New("governor is required")
	}
	if cfg.CacheTimeout <= 0 {
		return nil, fmt.Errorf("cache timeout must be positive, got %v", cfg.CacheTimeout)
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.RunID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate run id: %w", err)
		}
		deps.RunID = id
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.Stringer("run_id", deps.RunID)),
		runID:  progress.UUIDToBytes(deps.RunID),
		visits: crawler.NewVisitTracker(),
	}, nil
}

// RunID identifies the run this pipeline reports under.
func (p *Pipeline) RunID() uuid.UUID {
	return p.deps.RunID
}

// Run consumes source until it is closed or ctx ends, processing each new URL
// in its own task. Every task is joined before the Summary is built. A
// cancelled run still returns its Summary alongside ctx's error.
func (p *Pipeline) Run(ctx context.Context, source EventSource) (Summary, error) {
	started := p.deps.Clock.Now()
	p.emit(progress.Event{Stage: progress.StageRunStart})
	p.logger.Info("resolution pipeline started",
		zap.Duration("cache_timeout", p.cfg.CacheTimeout),
		zap.Int("budget", p.deps.Governor.Stats().Budget))

	var g errgroup.Group
	runErr := p.consume(ctx, source, &g)
	_ = g.Wait()

	summary := p.Summary(started)
	p.emit(progress.Event{Stage: progress.StageRunDone, Dur: summary.Elapsed})
	p.logger.Info("resolution pipeline finished",
		zap.Int64("processed", summary.Processed),
		zap.Int64("saved", summary.Saved),
		zap.Int64("duplicates", summary.Duplicates),
		zap.Duration("elapsed", summary.Elapsed))
	return summary, runErr
}

func (p *Pipeline) consume(ctx context.Context, source EventSource, g *errgroup.Group) error {
	for {
		event, err := source.Dequeue(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("pipeline stopped: %w", ctxErr)
			}
			p.logger.Debug("event source closed", zap.Error(err))
			return nil
		}
		if event.URL == "" {
			continue
		}
		if !p.visits.MarkIfNew(event.URL) {
			p.duplicates.Add(1)
			continue
		}
		// Acquire before spawning so a saturated pool stops dequeuing and the
		// bounded queue pushes back on traversal.
		permit, err := p.deps.Governor.Acquire(ctx)
		if err != nil {
			p.finish(Result{URL: event.URL, Outcome: OutcomeCancelled, Err: err})
			return fmt.Errorf("pipeline stopped: %w", err)
		}
		url := event.URL
		g.Go(func() error {
			p.resolve(ctx, url, permit)
			return nil
		})
	}
}

// Process runs one URL through the pipeline and returns its terminal outcome.
// It does not dedupe.
func (p *Pipeline) Process(ctx context.Context, url string) Outcome {
	permit, err := p.deps.Governor.Acquire(ctx)
	if err != nil {
		return p.finish(Result{URL: url, Outcome: OutcomeCancelled, Err: err})
	}
	return p.resolve(ctx, url, permit)
}

// resolve drives url through lookup, fetch, convert and persist while holding
// permit, and releases it on return.
func (p *Pipeline) resolve(ctx context.Context, url string, permit *governor.Permit) Outcome {
	defer permit.Release()
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	key := crawler.DeriveKey(url)
	start := time.Now()
	lookup := p.deps.Resolver.Resolve(ctx, key, p.cfg.CacheTimeout)
	metrics.ObserveCacheLookup(lookup.Status.String(), time.Since(start))
	p.emitLookup(url, lookup, time.Since(start))

	content, err := p.deps.Selector.SelectAndFetch(ctx, url, lookup)
	if err != nil {
		return p.finish(p.unresolved(ctx, url, lookup, err))
	}
	if content.Source == crawler.SourceHeadless {
		p.emit(progress.Event{Stage: progress.StageHeadlessFetch, URL: url})
	}

	start = time.Now()
	markdown := p.deps.Converter.ToMarkdown(url, content.HTML)
	metrics.ObserveStage("convert", time.Since(start))

	artifact := &crawler.Artifact{URL: url, Markdown: markdown, Source: content.Source}
	start = time.Now()
	location, err := p.deps.Sink.Persist(ctx, artifact)
	metrics.ObserveStage("persist", time.Since(start))
	result := Result{
		URL:            url,
		CacheHit:       true,
		Location:       location,
		Source:         content.Source,
		Classification: content.Classification,
		Bytes:          len(markdown),
	}
	if err != nil {
		result.Outcome = OutcomePersistError
		if ctx.Err() != nil {
			result.Outcome = OutcomeCancelled
		}
		result.Err = err
		return p.finish(result)
	}
	result.Outcome = OutcomeSaved
	p.record(ctx, artifact, result)
	return p.finish(result)
}

func (p *Pipeline) unresolved(ctx context.Context, url string, lookup crawler.LookupResult, err error) Result {
	res := Result{URL: url, Err: err, CacheHit: lookup.Status == crawler.LookupHit}
	switch {
	case ctx.Err() != nil:
		res.Outcome = OutcomeCancelled
	case errors.Is(err, strategy.ErrFetch):
		res.Outcome = OutcomeFetchError
		res.Classification = crawler.Dynamic
	case lookup.Status == crawler.LookupMiss:
		res.Outcome = OutcomeMiss
	case lookup.Status == crawler.LookupError:
		res.Outcome = OutcomeCacheError
	default:
		res.Outcome = OutcomeFetchError
	}
	return res
}

// record writes the manifest row and publishes the notification. Failures are
// logged and never change the outcome.
func (p *Pipeline) record(ctx context.Context, artifact *crawler.Artifact, res Result) {
	if p.deps.Manifest == nil && (p.deps.Publisher == nil || p.cfg.Topic == "") {
		return
	}
	var hash string
	if p.deps.Hasher != nil {
		h, err := p.deps.Hasher.Hash([]byte(artifact.Markdown))
		if err != nil {
			p.logger.Warn("hash artifact failed", zap.String("url", res.URL), zap.Error(err))
		}
		hash = h
	}
	if p.deps.Manifest != nil {
		rec := crawler.ManifestRecord{
			RunID:          p.deps.RunID.String(),
			URL:            res.URL,
			Location:       res.Location,
			Source:         res.Source.String(),
			Classification: res.Classification.String(),
			ContentHash:    hash,
			Bytes:          res.Bytes,
			SavedAt:        p.deps.Clock.Now(),
		}
		if p.deps.IDs != nil {
			id, err := p.deps.IDs.NewID()
			if err != nil {
				p.logger.Warn("generate manifest id failed", zap.Error(err))
			}
			rec.ID = id
		}
		if err := p.deps.Manifest.RecordArtifact(ctx, rec); err != nil {
			p.logger.Warn("record artifact failed", zap.String("url", res.URL), zap.Error(err))
		}
	}
	if p.deps.Publisher != nil && p.cfg.Topic != "" {
		msg := Notification{
			RunID:       p.deps.RunID.String(),
			URL:         res.URL,
			Location:    res.Location,
			ContentHash: hash,
			Source:      res.Source.String(),
		}
		if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, msg); err != nil {
			p.logger.Warn("publish artifact failed", zap.String("url", res.URL), zap.Error(err))
		}
	}
}

func (p *Pipeline) finish(res Result) Outcome {
	if res.Outcome.counted() {
		p.processed.Add(1)
	}
	if res.Outcome == OutcomeSaved {
		p.saved.Add(1)
	}
	if res.Outcome >= 0 && res.Outcome < numOutcomes {
		p.byOutcome[res.Outcome].Add(1)
	}
	metrics.ObserveArtifact(res.Outcome.String())

	switch res.Outcome {
	case OutcomeSaved:
		p.emit(progress.Event{
			Stage:  progress.StageArtifactSaved,
			URL:    res.URL,
			Source: res.Source.String(),
			Bytes:  int64(res.Bytes),
		})
	case OutcomeFetchError:
		p.emit(progress.Event{Stage: progress.StageFetchError, URL: res.URL, Note: errText(res.Err)})
	case OutcomePersistError:
		p.emit(progress.Event{Stage: progress.StagePersistError, URL: res.URL, Note: errText(res.Err)})
	}
	if res.Err != nil && res.Outcome != OutcomeMiss {
		p.logger.Debug("url unresolved",
			zap.String("url", res.URL),
			zap.Stringer("outcome", res.Outcome),
			zap.Error(res.Err))
	}
	if p.deps.Reporter != nil {
		p.deps.Reporter.Outcome(res)
	}
	return res.Outcome
}

func (p *Pipeline) emitLookup(url string, lookup crawler.LookupResult, dur time.Duration) {
	evt := progress.Event{URL: url, Dur: dur}
	switch lookup.Status {
	case crawler.LookupHit:
		evt.Stage = progress.StageCacheHit
		evt.Bytes = int64(len(lookup.Entry.Body))
	case crawler.LookupMiss:
		evt.Stage = progress.StageCacheMiss
	default:
		evt.Stage = progress.StageCacheError
		evt.Note = errText(lookup.Err)
	}
	p.emit(evt)
}

func (p *Pipeline) emit(evt progress.Event) {
	evt.RunID = p.runID
	evt.TS = p.deps.Clock.Now()
	if evt.URL != "" && evt.Site == "" {
		evt.Site = metrics.SanitizeSite(evt.URL)
	}
	p.deps.Emitter.Emit(evt)
}

// Snapshot returns the live counters. It is safe to call while Run is active.
func (p *Pipeline) Snapshot() Stats {
	s := Stats{
		RunID:      p.deps.RunID.String(),
		Processed:  p.processed.Load(),
		Saved:      p.saved.Load(),
		Duplicates: p.duplicates.Load(),
		InFlight:   p.inFlight.Load(),
		ByOutcome:  make(map[Outcome]int64, len(Outcomes)),
		Permits:    p.deps.Governor.Stats(),
	}
	for _, o := range Outcomes {
		s.ByOutcome[o] = p.byOutcome[o].Load()
	}
	return s
}

// Summary builds the run summary relative to started.
func (p *Pipeline) Summary(started time.Time) Summary {
	snap := p.Snapshot()
	return Summary{
		RunID:      snap.RunID,
		Started:    started,
		Elapsed:    p.deps.Clock.Now().Sub(started),
		Processed:  snap.Processed,
		Saved:      snap.Saved,
		Duplicates: snap.Duplicates,
		ByOutcome:  snap.ByOutcome,
		Permits:    snap.Permits,
	}
}

// Stats is a live view of pipeline counters.
type Stats struct {
	RunID      string            `json:"run_id"`
	Processed  int64             `json:"processed"`
	Saved      int64             `json:"saved"`
	Duplicates int64             `json:"duplicates"`
	InFlight   int64             `json:"in_flight"`
	ByOutcome  map[Outcome]int64 `json:"by_outcome"`
	Permits    governor.Stats    `json:"permits"`
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
