// Package app wires configuration into a runnable crawl: traversal fills the
// cache, the resolution pipeline turns page events into Markdown, and the
// optional status server exposes live counters.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/markdown-crawler/internal/api"
	"github.com/JakeFAU/markdown-crawler/internal/cache"
	badgercache "github.com/JakeFAU/markdown-crawler/internal/cache/badger"
	"github.com/JakeFAU/markdown-crawler/internal/clock/system"
	"github.com/JakeFAU/markdown-crawler/internal/config"
	"github.com/JakeFAU/markdown-crawler/internal/convert"
	"github.com/JakeFAU/markdown-crawler/internal/crawler"
	headlessfetcher "github.com/JakeFAU/markdown-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/markdown-crawler/internal/governor"
	"github.com/JakeFAU/markdown-crawler/internal/hash/sha256"
	"github.com/JakeFAU/markdown-crawler/internal/headless/detector"
	iduuid "github.com/JakeFAU/markdown-crawler/internal/id/uuid"
	"github.com/JakeFAU/markdown-crawler/internal/metrics"
	"github.com/JakeFAU/markdown-crawler/internal/pipeline"
	"github.com/JakeFAU/markdown-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/markdown-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/markdown-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/markdown-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/markdown-crawler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/markdown-crawler/internal/queue/memory"
	"github.com/JakeFAU/markdown-crawler/internal/report"
	"github.com/JakeFAU/markdown-crawler/internal/sink"
	gcsstorage "github.com/JakeFAU/markdown-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/markdown-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/markdown-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/markdown-crawler/internal/storage/postgres"
	"github.com/JakeFAU/markdown-crawler/internal/strategy"
	"github.com/JakeFAU/markdown-crawler/internal/traversal"
)

// defaultTopic names the in-memory notification topic used when no Pub/Sub
// topic is configured.
const defaultTopic = "artifacts"

// Options carries process-level collaborators. Zero values are replaced with
// the process defaults.
type Options struct {
	Logger *zap.Logger
	// Out receives per-URL outcome lines and the final summary.
	Out io.Writer
	// Registerer receives the progress collectors.
	Registerer prometheus.Registerer
}

type closableFetcher interface {
	crawler.Fetcher
	Close()
}

type closablePublisher interface {
	crawler.Publisher
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  uuid.UUID

	cache     *badgercache.Store
	queue     *queuememory.Queue
	traversal *traversal.Service
	pipeline  *pipeline.Pipeline
	console   *report.Console
	sink      crawler.Sink
	headless  closableFetcher
	publisher closablePublisher
	manifest  *pgstore.ManifestStore
	gcs       *storage.Client
	hub       *progress.Hub
	apiServer *api.Server
}

// Build creates the application's dependencies. A failure here is a startup
// failure; everything built so far is released.
func Build(ctx context.Context, cfg config.Config, opts Options) (app *App, err error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	metrics.Init()

	app = &App{cfg: cfg, logger: opts.Logger}
	defer func() {
		if err != nil {
			app.Close(context.Background())
			app = nil
		}
	}()

	app.runID, err = iduuid.New().NewRunID()
	if err != nil {
		return app, fmt.Errorf("run id: %w", err)
	}
	app.logger = app.logger.With(zap.Stringer("run_id", app.runID))
	app.logger.Info("building application dependencies",
		zap.String("base_url", cfg.Target.BaseURL),
		zap.Int("concurrency", cfg.Pipeline.Concurrency),
		zap.String("output_dir", cfg.Output.Dir))

	if err = app.setupCache(); err != nil {
		return app, err
	}
	if err = app.setupHeadless(); err != nil {
		return app, err
	}
	if err = app.setupSinks(ctx); err != nil {
		return app, err
	}
	if err = app.setupManifest(ctx); err != nil {
		return app, err
	}
	topic, err := app.setupPublisher(ctx)
	if err != nil {
		return app, err
	}
	emitter, err := app.setupProgress(ctx, opts.Registerer)
	if err != nil {
		return app, err
	}
	if err = app.setupPipeline(topic, emitter, opts.Out); err != nil {
		return app, err
	}
	if err = app.setupTraversal(); err != nil {
		return app, err
	}
	if cfg.Server.Port > 0 {
		app.apiServer = api.NewServer(app.pipeline, app.logger.Named("api"))
	}
	return app, nil
}

// RunID identifies this crawl.
func (a *App) RunID() uuid.UUID {
	return a.runID
}

// Run walks the site and resolves every discovered page until traversal
// finishes or ctx ends. SIGINT and SIGTERM cancel the run; in-flight pages are
// joined and the summary is still reported.
func (a *App) Run(ctx context.Context) (pipeline.Summary, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now().UTC()
	a.startRun(ctx, started)

	serverCtx, stopServer := context.WithCancel(context.Background())
	var servers errgroup.Group
	if a.apiServer != nil {
		addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
		a.apiServer.SetReady(true)
		servers.Go(func() error {
			return a.apiServer.ListenAndServe(serverCtx, addr)
		})
	}

	var walkers errgroup.Group
	walkers.Go(func() error {
		return a.traversal.Run(ctx)
	})
	summary, runErr := a.pipeline.Run(ctx, a.queue)
	walkErr := walkers.Wait()

	a.console.Summary(summary)
	a.writeReport(summary)
	a.finishRun(summary, runErr)

	if a.apiServer != nil {
		a.apiServer.SetReady(false)
	}
	stopServer()
	if err := servers.Wait(); err != nil {
		a.logger.Warn("status server failed", zap.Error(err))
	}

	if runErr != nil {
		return summary, runErr
	}
	if walkErr != nil {
		return summary, fmt.Errorf("traversal: %w", walkErr)
	}
	return summary, nil
}

// Close releases every resource Build acquired. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) {
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Warn("sink close failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.manifest != nil {
		a.manifest.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("cache close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *App) setupCache() error {
	cacheCfg := badgercache.DefaultConfig(a.cfg.Cache.Path)
	if !a.cfg.Cache.Enabled {
		cacheCfg = badgercache.InMemoryConfig()
	}
	cacheCfg.TTL = a.cfg.CacheTTL()
	cacheCfg.GCInterval = a.cfg.CacheGCInterval()
	cacheCfg.Logger = a.logger.Named("badger")

	store, err := badgercache.Open(cacheCfg)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	a.cache = store
	a.logger.Info("response cache opened",
		zap.Bool("persistent", a.cfg.Cache.Enabled),
		zap.String("path", a.cfg.Cache.Path),
		zap.Duration("ttl", cacheCfg.TTL))
	return nil
}

func (a *App) setupHeadless() error {
	if !a.cfg.Headless.Enabled {
		a.logger.Info("headless rendering disabled, dynamic pages will fail to resolve")
		return nil
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Headless.DomainQPS,
		DefaultBurst: a.cfg.Headless.DomainBurst,
	})
	fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Target.UserAgent,
		NavigationTimeout: a.cfg.NavTimeout(),
		SettleDelay:       a.cfg.SettleDelay(),
		Limiter:           limiter,
		Logger:            a.logger.Named("headless"),
	})
	if err != nil {
		return fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.headless = fetcher
	a.logger.Info("using headless fetcher",
		zap.Int("max_parallel", a.cfg.Headless.MaxParallel),
		zap.Float64("domain_qps", a.cfg.Headless.DomainQPS))
	return nil
}

func (a *App) headlessFetcher() crawler.Fetcher {
	if a.headless == nil {
		return headlessfetcher.NewNoop()
	}
	return a.headless
}

func (a *App) setupSinks(ctx context.Context) error {
	var sinks sink.Multi
	if a.cfg.Output.PerURL {
		files, err := sink.NewFiles(a.cfg.Output.Dir, a.cfg.Output.Naming)
		if err != nil {
			return fmt.Errorf("per-url sink: %w", err)
		}
		sinks = append(sinks, files)
	}
	if a.cfg.Output.Aggregate {
		path := filepath.Join(a.cfg.Output.Dir, a.cfg.Output.AggregateFile)
		aggregate, err := sink.NewAggregate(path, a.cfg.Output.AggregateMode)
		if err != nil {
			return fmt.Errorf("aggregate sink: %w", err)
		}
		sinks = append(sinks, aggregate)
	}
	// Registered before the blob store so a later failure still closes them.
	a.sink = sinks

	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	if blobStore != nil {
		blob, err := sink.NewBlob(blobStore, a.cfg.Storage.Prefix)
		if err != nil {
			return fmt.Errorf("blob sink: %w", err)
		}
		sinks = append(sinks, blob)
		a.sink = sinks
	}
	a.logger.Info("artifact sinks ready", zap.Int("sinks", len(sinks)))
	return nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("mirroring artifacts to GCS", zap.String("bucket", a.cfg.Storage.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("mirroring artifacts to local storage", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return store, nil
	case "memory":
		a.logger.Info("mirroring artifacts to memory")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupManifest(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Debug("no database DSN, artifact manifest disabled")
		return nil
	}
	store, err := pgstore.NewManifestStore(ctx, pgstore.ManifestStoreConfig{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.Table,
		RunTable:        a.cfg.Database.RunTable,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("manifest store init failed: %w", err)
	}
	a.manifest = store
	a.logger.Info("artifact manifest enabled", zap.String("table", a.cfg.Database.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (string, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.NewPublisher()
		return defaultTopic, nil
	}
	publisher, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.logger.Named("pubsub"))
	if err != nil {
		return "", fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	return a.cfg.PubSub.TopicName, nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return progress.NopEmitter{}, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   a.cfg.ProgressBatchWait(),
		SinkTimeout:    a.cfg.ProgressSinkTimeout(),
		BaseContext:    ctx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("sinks", len(sinkList)))
	return a.hub, nil
}

func (a *App) setupPipeline(topic string, emitter progress.Emitter, out io.Writer) error {
	classifier, err := detector.FromStrategy(
		a.cfg.Classifier.Strategy,
		a.cfg.Classifier.ExtraSignatures,
		a.cfg.Classifier.MinBodyBytes,
	)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	selector, err := strategy.New(
		strategy.Config{HeadlessTimeout: a.cfg.NavTimeout()},
		classifier,
		a.headlessFetcher(),
		a.logger.Named("strategy"),
	)
	if err != nil {
		return fmt.Errorf("strategy selector: %w", err)
	}
	gov, err := governor.New(a.cfg.Pipeline.Concurrency)
	if err != nil {
		return fmt.Errorf("governor: %w", err)
	}
	a.console = report.NewConsole(out, a.logger.Named("report"))

	deps := pipeline.Deps{
		Resolver:  cache.NewResolver(a.cache, a.logger.Named("cache")),
		Selector:  selector,
		Converter: convert.New(a.logger.Named("convert")),
		Sink:      a.sink,
		Governor:  gov,
		Publisher: a.publisher,
		Emitter:   emitter,
		Reporter:  a.console,
		Hasher:    sha256.New(),
		Clock:     system.New(),
		IDs:       iduuid.New(),
		RunID:     a.runID,
	}
	if a.manifest != nil {
		deps.Manifest = a.manifest
	}
	a.pipeline, err = pipeline.New(pipeline.Config{
		CacheTimeout: a.cfg.CacheTimeout(),
		Topic:        topic,
	}, deps, a.logger.Named("pipeline"))
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

func (a *App) setupTraversal() error {
	a.queue = queuememory.NewQueue(a.cfg.Pipeline.QueueDepth)
	var renderer crawler.Fetcher
	if a.headless != nil {
		renderer = a.headless
	}
	svc, err := traversal.New(traversal.Config{
		BaseURL:        a.cfg.Target.BaseURL,
		AllowedDomains: a.cfg.Target.AllowedDomains,
		MaxDepth:       a.cfg.Target.MaxDepth,
		UserAgent:      a.cfg.Target.UserAgent,
		RequestTimeout: a.cfg.RequestTimeout(),
		RespectRobots:  a.cfg.Target.RespectRobots,
		Parallelism:    a.cfg.Target.Parallelism,
		Delay:          a.cfg.Delay(),
		RenderMode:     a.cfg.Target.RenderMode,
		CacheTTL:       a.cfg.CacheTTL(),
	}, a.cache, a.queue, renderer, a.logger.Named("traversal"))
	if err != nil {
		return fmt.Errorf("traversal: %w", err)
	}
	a.traversal = svc
	return nil
}

func (a *App) startRun(ctx context.Context, started time.Time) {
	if a.manifest == nil {
		return
	}
	err := a.manifest.StartRun(ctx, pgstore.RunRecord{
		ID:        a.runID.String(),
		BaseURL:   a.cfg.Target.BaseURL,
		Status:    pgstore.RunRunning,
		StartedAt: started,
	})
	if err != nil {
		a.logger.Warn("manifest start run failed", zap.Error(err))
	}
}

func (a *App) finishRun(summary pipeline.Summary, runErr error) {
	if a.manifest == nil {
		return
	}
	status := pgstore.RunFinished
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		status = pgstore.RunCancelled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.manifest.FinishRun(ctx, pgstore.RunRecord{
		ID:         a.runID.String(),
		BaseURL:    a.cfg.Target.BaseURL,
		Status:     status,
		StartedAt:  summary.Started,
		FinishedAt: summary.Started.Add(summary.Elapsed),
		Processed:  summary.Processed,
		Saved:      summary.Saved,
	})
	if err != nil {
		a.logger.Warn("manifest finish run failed", zap.Error(err))
	}
}

func (a *App) writeReport(summary pipeline.Summary) {
	if a.cfg.Output.ReportFile == "" {
		return
	}
	path := filepath.Join(a.cfg.Output.Dir, a.cfg.Output.ReportFile)
	err := report.WriteMarkdown(path, summary, report.RunInfo{
		BaseURL:     a.cfg.Target.BaseURL,
		RenderMode:  a.cfg.Target.RenderMode,
		Concurrency: a.cfg.Pipeline.Concurrency,
		OutputDir:   a.cfg.Output.Dir,
	})
	if err != nil {
		a.logger.Warn("run report not written", zap.String("path", path), zap.Error(err))
		return
	}
	a.logger.Info("run report written", zap.String("path", path))
}
