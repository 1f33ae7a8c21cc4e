package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-crawler/internal/cache"
	cachememory "github.com/JakeFAU/markdown-crawler/internal/cache/memory"
	"github.com/JakeFAU/markdown-crawler/internal/convert"
	"github.com/JakeFAU/markdown-crawler/internal/crawler"
	"github.com/JakeFAU/markdown-crawler/internal/governor"
	"github.com/JakeFAU/markdown-crawler/internal/hash/sha256"
	"github.com/JakeFAU/markdown-crawler/internal/headless/detector"
	"github.com/JakeFAU/markdown-crawler/internal/progress"
	pubmemory "github.com/JakeFAU/markdown-crawler/internal/publisher/memory"
	queuememory "github.com/JakeFAU/markdown-crawler/internal/queue/memory"
	"github.com/JakeFAU/markdown-crawler/internal/sink"
	"github.com/JakeFAU/markdown-crawler/internal/strategy"
)

type fakeHeadless struct {
	mu    sync.Mutex
	calls []string
	body  string
	err   error
}

func (f *fakeHeadless) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	f.mu.Unlock()
	if f.err != nil {
		return crawler.FetchResponse{}, f.err
	}
	return crawler.FetchResponse{URL: req.URL, Body: []byte(f.body), UsedHeadless: true}, nil
}

func (f *fakeHeadless) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingReporter struct {
	mu      sync.Mutex
	results []Result
}

func (r *recordingReporter) Outcome(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recordingReporter) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

type failingSink struct{ err error }

func (f failingSink) Persist(context.Context, *crawler.Artifact) (string, error) { return "", f.err }
func (failingSink) Close() error { return nil }

type recordingManifest struct {
	mu      sync.Mutex
	records []crawler.ManifestRecord
	err     error
}

func (m *recordingManifest) RecordArtifact(_ context.Context, rec crawler.ManifestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.err
}

func (m *recordingManifest) Close() {}

type harness struct {
	store    *cachememory.Store
	headless *fakeHeadless
	reporter *recordingReporter
	emitter  *recordingEmitter
	gov      *governor.Governor
	dir      string
	deps     Deps
}

func newHarness(t *testing.T, budget int) *harness {
	t.Helper()

	h := &harness{
		store:    cachememory.NewStore(),
		headless: &fakeHeadless{body: "<h1>Rendered</h1>"},
		reporter: &recordingReporter{},
		emitter:  &recordingEmitter{},
		dir:      t.TempDir(),
	}
	var err error
	h.gov, err = governor.New(budget)
	require.NoError(t, err)
	selector, err := strategy.New(strategy.Config{HeadlessTimeout: time.Second}, detector.NewSignature(), h.headless, zap.NewNop())
	require.NoError(t, err)
	files, err := sink.NewFiles(h.dir, sink.NamingSequence)
	require.NoError(t, err)

	h.deps = Deps{
		Resolver:  cache.NewResolver(h.store, zap.NewNop()),
		Selector:  selector,
		Converter: convert.New(zap.NewNop()),
		Sink:      files,
		Governor:  h.gov,
		Emitter:   h.emitter,
		Reporter:  h.reporter,
		RunID:     uuid.New(),
	}
	return h
}

func (h *harness) seed(t *testing.T, url, body string) {
	t.Helper()
	require.NoError(t, h.store.Put(context.Background(), crawler.DeriveKey(url), crawler.CacheEntry{Body: []byte(body)}))
}

func (h *harness) pipeline(t *testing.T, timeout time.Duration) *Pipeline {
	t.Helper()
	p, err := New(Config{CacheTimeout: timeout}, h.deps, zap.NewNop())
	require.NoError(t, err)
	return p
}

func feed(t *testing.T, urls ...string) *queuememory.Queue {
	t.Helper()
	q := queuememory.NewQueue(len(urls))
	for _, u := range urls {
		require.NoError(t, q.Enqueue(context.Background(), crawler.PageEvent{URL: u}))
	}
	q.Close()
	return q
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestStaticHitIsSaved(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.seed(t, "https://x.com/a", "<p>Hello</p>")
	p := h.pipeline(t, 60*time.Millisecond)

	summary, err := p.Run(context.Background(), feed(t, "https://x.com/a"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Processed)
	assert.Equal(t, int64(1), summary.Saved)
	assert.Equal(t, int64(1), summary.Count(OutcomeSaved))
	assert.Contains(t, readFile(t, filepath.Join(h.dir, "page_1.md")), "Hello")
	assert.Empty(t, h.headless.Calls())

	results := h.reporter.Results()
	require.Len(t, results, 1)
	assert.Equal(t, crawler.SourceCache, results[0].Source)
	assert.True(t, results[0].CacheHit)
	assert.Equal(t, filepath.Join(h.dir, "page_1.md"), results[0].Location)

	stages := h.emitter.Stages()
	assert.Equal(t, progress.StageRunStart, stages[0])
	assert.Contains(t, stages, progress.StageCacheHit)
	assert.Contains(t, stages, progress.StageArtifactSaved)
	assert.Equal(t, progress.StageRunDone, stages[len(stages)-1])
}

func TestDynamicHitUsesHeadlessBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.seed(t, "https://x.com/spa", `<div id="root"></div><p>Cached shell</p>ReactDOM.hydrate()`)
	p := h.pipeline(t, 60*time.Millisecond)

	summary, err := p.Run(context.Background(), feed(t, "https://x.com/spa"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Saved)
	assert.Equal(t, []string{"https://x.com/spa"}, h.headless.Calls())
	out := readFile(t, filepath.Join(h.dir, "page_1.md"))
	assert.Contains(t, out, "Rendered")
	assert.NotContains(t, out, "Cached shell")
	assert.Contains(t, h.emitter.Stages(), progress.StageHeadlessFetch)
}

func TestMissIsUnresolvedButProcessed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	p := h.pipeline(t, 60*time.Millisecond)

	summary, err := p.Run(context.Background(), feed(t, "https://x.com/missing"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Processed)
	assert.Equal(t, int64(0), summary.Saved)
	assert.Equal(t, int64(1), summary.Count(OutcomeMiss))
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.True(t, h.reporter.Results()[0].Outcome.Unresolved())
	assert.False(t, h.reporter.Results()[0].CacheHit)
}

// resolverFunc adapts a function to Resolver.
type resolverFunc func(ctx context.Context, key crawler.CacheKey, timeout time.Duration) crawler.LookupResult

func (f resolverFunc) Resolve(ctx context.Context, key crawler.CacheKey, timeout time.Duration) crawler.LookupResult {
	return f(ctx, key, timeout)
}

type slowSink struct {
	delay  time.Duration
	active *atomic.Int64
}

func (s slowSink) Persist(context.Context, *crawler.Artifact) (string, error) {
	time.Sleep(s.delay)
	s.active.Add(-1)
	return "mem", nil
}

func (slowSink) Close() error { return nil }

func TestBudgetOneSerializesLookups(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.seed(t, "https://x.com/1", "<p>one</p>")
	h.seed(t, "https://x.com/2", "<p>two</p>")

	var active, peak atomic.Int64
	inner := h.deps.Resolver
	h.deps.Resolver = resolverFunc(func(ctx context.Context, key crawler.CacheKey, timeout time.Duration) crawler.LookupResult {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		return inner.Resolve(ctx, key, timeout)
	})
	h.deps.Sink = slowSink{delay: 30 * time.Millisecond, active: &active}
	p := h.pipeline(t, 60*time.Millisecond)

	summary, err := p.Run(context.Background(), feed(t, "https://x.com/1", "https://x.com/2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Saved)
	assert.Equal(t, int64(1), peak.Load())
}

func TestPermitsAreConservedAcrossOutcomes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	h.seed(t, "https://x.com/static", "<p>ok</p>")
	h.seed(t, "https://x.com/dynamic", "XMLHttpRequest")
	h.headless.err = errors.New("render failed")
	p := h.pipeline(t, 60*time.Millisecond)

	summary, err := p.Run(context.Background(), feed(t,
		"https://x.com/static",
		"https://x.com/dynamic",
		"https://x.com/missing",
	))
	require.NoError(t, err)

	assert.Equal(t, int64(3), summary.Permits.Acquired)
	assert.Equal(t, summary.Permits.Acquired, summary.Permits.Released)
	assert.Equal(t, int64(0), summary.Permits.InFlight)
	assert.Equal(t, int64(3), summary.Processed)
	assert.Equal(t, int64(1), summary.Count(OutcomeSaved))
	assert.Equal(t, int64(1), summary.Count(OutcomeFetchError))
	assert.Equal(t, int64(1), summary.Count(OutcomeMiss))
	assert.Contains(t, h.emitter.Stages(), progress.StageFetchError)
}

func TestDuplicateURLsProcessedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.seed(t, "https://x.com/a", "<p>A</p>")
	p := h.pipeline(t, 60*time.Millisecond)

	summary, err := p.Run(context.Background(), feed(t, "https://x.com/a", "https://x.com/a", "", "https://x.com/a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Saved)
	assert.Equal(t, int64(2), summary.Duplicates)
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSlowCacheIsCacheError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.seed(t, "https://x.com/slow", "<p>late</p>")
	h.store.Delay = 200 * time.Millisecond
	p := h.pipeline(t, 20*time.Millisecond)

	start := time.Now()
	outcome := p.Process(context.Background(), "https://x.com/slow")
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, OutcomeCacheError, outcome)

	res := h.reporter.Results()[0]
	assert.ErrorIs(t, res.Err, cache.ErrLookupTimeout)
	assert.True(t, outcome.Unresolved())
}

func TestStoreFailureIsCacheError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.store.Err = errors.New("disk gone")
	p := h.pipeline(t, 60*time.Millisecond)

	assert.Equal(t, OutcomeCacheError, p.Process(context.Background(), "https://x.com/a"))
	assert.Contains(t, h.emitter.Stages(), progress.StageCacheError)
}

func TestPersistErrorIsCountedAndReleasesPermit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.seed(t, "https://x.com/a", "<p>A</p>")
	boom := errors.New("disk full")
	h.deps.Sink = failingSink{err: boom}
	p := h.pipeline(t, 60*time.Millisecond)

	summary, err := p.Run(context.Background(), feed(t, "https://x.com/a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Processed)
	assert.Equal(t, int64(0), summary.Saved)
	assert.Equal(t, int64(1), summary.Count(OutcomePersistError))
	assert.Equal(t, summary.Permits.Acquired, summary.Permits.Released)
	assert.ErrorIs(t, h.reporter.Results()[0].Err, boom)
}

func TestCancelledBeforePermit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	p := h.pipeline(t, 60*time.Millisecond)
	held, err := h.gov.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, OutcomeCancelled, p.Process(ctx, "https://x.com/a"))

	snap := p.Snapshot()
	assert.Equal(t, int64(0), snap.Processed)
	assert.Equal(t, int64(1), snap.ByOutcome[OutcomeCancelled])
	assert.Equal(t, 0, h.store.Gets())
}

func TestRunStopsOnCancelAndJoinsTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.seed(t, "https://x.com/a", "<p>A</p>")
	p := h.pipeline(t, 60*time.Millisecond)

	q := queuememory.NewQueue(4)
	require.NoError(t, q.Enqueue(context.Background(), crawler.PageEvent{URL: "https://x.com/a"}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	summary, err := p.Run(ctx, q)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), summary.Saved)
	assert.Equal(t, summary.Permits.Acquired, summary.Permits.Released)
}

func TestManifestAndPublishOnSave(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.seed(t, "https://x.com/a", "<p>A</p>")
	manifest := &recordingManifest{err: errors.New("db down")}
	pub := pubmemory.NewPublisher()
	h.deps.Manifest = manifest
	h.deps.Publisher = pub
	h.deps.Hasher = sha256.New()
	h.deps.IDs = staticIDs("artifact-1")

	p, err := New(Config{CacheTimeout: 60 * time.Millisecond, Topic: "artifacts"}, h.deps, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSaved, p.Process(context.Background(), "https://x.com/a"))

	require.Len(t, manifest.records, 1)
	rec := manifest.records[0]
	assert.Equal(t, "artifact-1", rec.ID)
	assert.Equal(t, h.deps.RunID.String(), rec.RunID)
	assert.Equal(t, "cache", rec.Source)
	assert.Equal(t, "static", rec.Classification)
	assert.Len(t, rec.ContentHash, 64)

	msgs := pub.Messages("artifacts")
	require.Len(t, msgs, 1)
	note, ok := msgs[0].(Notification)
	require.True(t, ok)
	assert.Equal(t, "https://x.com/a", note.URL)
	assert.Equal(t, rec.ContentHash, note.ContentHash)
}

type staticIDs string

func (s staticIDs) NewID() (string, error) { return string(s), nil }

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	_, err := New(Config{}, h.deps, nil)
	require.Error(t, err)

	for name, mutate := range map[string]func(*Deps){
		"resolver":  func(d *Deps) { d.Resolver = nil },
		"selector":  func(d *Deps) { d.Selector = nil },
		"converter": func(d *Deps) { d.Converter = nil },
		"sink":      func(d *Deps) { d.Sink = nil },
		"governor":  func(d *Deps) { d.Governor = nil },
	} {
		deps := h.deps
		mutate(&deps)
		_, err := New(Config{CacheTimeout: time.Second}, deps, nil)
		require.Error(t, err, name)
	}

	deps := h.deps
	deps.RunID = uuid.Nil
	deps.Emitter = nil
	p, err := New(Config{CacheTimeout: time.Second}, deps, nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, p.RunID())
}

func TestUnboundedBudgetManyURLs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	urls := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		u := fmt.Sprintf("https://x.com/%d", i)
		h.seed(t, u, fmt.Sprintf("<p>page %d</p>", i))
		urls = append(urls, u)
	}
	p := h.pipeline(t, time.Second)

	summary, err := p.Run(context.Background(), feed(t, urls...))
	require.NoError(t, err)
	assert.Equal(t, int64(25), summary.Saved)
	assert.Equal(t, int64(25), summary.Processed)
	assert.Equal(t, 0, summary.Permits.Budget)
}

func TestCancelledDuringLookupIsNotCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.seed(t, "https://x.com/slow", "<p>late</p>")
	h.store.Delay = 300 * time.Millisecond
	p := h.pipeline(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	assert.Equal(t, OutcomeCancelled, p.Process(ctx, "https://x.com/slow"))

	snap := p.Snapshot()
	assert.Equal(t, int64(0), snap.Processed)
	assert.Equal(t, int64(1), snap.ByOutcome[OutcomeCancelled])
	assert.Equal(t, int64(0), snap.ByOutcome[OutcomeCacheError])
}

type cancellingSink struct{ cancel context.CancelFunc }

func (s cancellingSink) Persist(ctx context.Context, _ *crawler.Artifact) (string, error) {
	s.cancel()
	<-ctx.Done()
	return "", fmt.Errorf("write aborted: %w", ctx.Err())
}

func (cancellingSink) Close() error { return nil }

func TestCancelledDuringPersistIsNotCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.seed(t, "https://x.com/a", "<p>A</p>")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.deps.Sink = cancellingSink{cancel: cancel}
	p := h.pipeline(t, time.Second)

	assert.Equal(t, OutcomeCancelled, p.Process(ctx, "https://x.com/a"))
	snap := p.Snapshot()
	assert.Equal(t, int64(0), snap.Processed)
	assert.Equal(t, int64(0), snap.ByOutcome[OutcomePersistError])
}

type gatedSink struct{ release chan struct{} }

func (s gatedSink) Persist(context.Context, *crawler.Artifact) (string, error) {
	<-s.release
	return "mem", nil
}

func (gatedSink) Close() error { return nil }

func TestSaturatedBudgetStopsDequeuing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	urls := []string{"https://x.com/1", "https://x.com/2", "https://x.com/3", "https://x.com/4"}
	for _, u := range urls {
		h.seed(t, u, "<p>page</p>")
	}
	gate := gatedSink{release: make(chan struct{})}
	h.deps.Sink = gate
	p := h.pipeline(t, time.Second)

	q := queuememory.NewQueue(len(urls))
	for _, u := range urls {
		require.NoError(t, q.Enqueue(context.Background(), crawler.PageEvent{URL: u}))
	}

	type runResult struct {
		summary Summary
		err     error
	}
	done := make(chan runResult, 1)
	go func() {
		summary, err := p.Run(context.Background(), q)
		done <- runResult{summary: summary, err: err}
	}()

	// One task holds the permit and the consumer waits on the next one, so
	// the rest stays queued.
	require.Eventually(t, func() bool { return q.Len() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, q.Len())

	close(gate.release)
	q.Close()
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, int64(4), res.summary.Saved)
}
