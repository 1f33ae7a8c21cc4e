// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	localstorage "github.com/JakeFAU/markdown-crawler/internal/storage/local"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Target     TargetConfig     `mapstructure:"target"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Output     OutputConfig     `mapstructure:"output"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// TargetConfig describes the site to walk.
type TargetConfig struct {
	BaseURL               string   `mapstructure:"base_url"`
	AllowedDomains        []string `mapstructure:"allowed_domains"`
	MaxDepth              int      `mapstructure:"max_depth"`
	UserAgent             string   `mapstructure:"user_agent"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	RespectRobots         bool     `mapstructure:"respect_robots"`
	Parallelism           int      `mapstructure:"parallelism"`
	DelayMs               int      `mapstructure:"delay_ms"`
	RenderMode            string   `mapstructure:"render_mode"`
}

// CacheConfig controls the response cache and the bounded lookup.
type CacheConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Path              string `mapstructure:"path"`
	LookupTimeoutMs   int    `mapstructure:"lookup_timeout_ms"`
	TTLMinutes        int    `mapstructure:"ttl_minutes"`
	GCIntervalSeconds int    `mapstructure:"gc_interval_seconds"`
}

// PipelineConfig governs the resolution pipeline.
type PipelineConfig struct {
	// Concurrency is the permit budget. Zero admits every page at once.
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// ClassifierConfig selects the static/dynamic classifier.
type ClassifierConfig struct {
	Strategy        string   `mapstructure:"strategy"`
	ExtraSignatures []string `mapstructure:"extra_signatures"`
	MinBodyBytes    int      `mapstructure:"min_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MaxParallel       int     `mapstructure:"max_parallel"`
	NavTimeoutSeconds int     `mapstructure:"nav_timeout_seconds"`
	SettleMs          int     `mapstructure:"settle_ms"`
	DomainQPS         float64 `mapstructure:"domain_qps"`
	DomainBurst       int     `mapstructure:"domain_burst"`
}

// OutputConfig controls where Markdown lands.
type OutputConfig struct {
	Dir           string `mapstructure:"dir"`
	Naming        string `mapstructure:"naming"`
	PerURL        bool   `mapstructure:"per_url"`
	Aggregate     bool   `mapstructure:"aggregate"`
	AggregateFile string `mapstructure:"aggregate_file"`
	AggregateMode string `mapstructure:"aggregate_mode"`
	ReportFile    string `mapstructure:"report_file"`
}

// StorageConfig selects an optional blob mirror for artifacts.
type StorageConfig struct {
	Backend string              `mapstructure:"backend"`
	Bucket  string              `mapstructure:"bucket"`
	Prefix  string              `mapstructure:"prefix"`
	Local   localstorage.Config `mapstructure:"local"`
}

// DatabaseConfig controls the artifact manifest.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	RunTable        string        `mapstructure:"run_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for artifact notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls the progress hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig controls progress batching.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// ServerConfig controls the optional status server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

var (
	renderModes          = []string{"http", "chrome"}
	classifierStrategies = []string{"signature", "markup", "any"}
	namings              = []string{"sequence", "url"}
	aggregateModes       = []string{"truncate", "append"}
	storageBackends      = []string{"", "memory", "local", "gcs"}
)

// NewViper returns a Viper instance with environment binding and defaults
// applied. Callers may bind flags to it before calling LoadFrom.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadFrom(NewViper(), path)
}

// LoadFrom reads the optional config file at path into v and unmarshals and
// validates the result.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Every key has a default so AutomaticEnv can reach it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("target.base_url", "")
	v.SetDefault("target.allowed_domains", []string{})
	v.SetDefault("target.max_depth", 2)
	v.SetDefault("target.user_agent", "markdown-crawler/0.1")
	v.SetDefault("target.request_timeout_seconds", 15)
	v.SetDefault("target.respect_robots", true)
	v.SetDefault("target.parallelism", 4)
	v.SetDefault("target.delay_ms", 0)
	v.SetDefault("target.render_mode", "http")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.path", ".cache/responses")
	v.SetDefault("cache.lookup_timeout_ms", 6000)
	v.SetDefault("cache.ttl_minutes", 1440)
	v.SetDefault("cache.gc_interval_seconds", 300)
	v.SetDefault("pipeline.concurrency", 1)
	v.SetDefault("pipeline.queue_depth", 256)
	v.SetDefault("classifier.strategy", "signature")
	v.SetDefault("classifier.extra_signatures", []string{})
	v.SetDefault("classifier.min_body_bytes", 2048)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.settle_ms", 500)
	v.SetDefault("headless.domain_qps", 0)
	v.SetDefault("headless.domain_burst", 1)
	v.SetDefault("output.dir", "output")
	v.SetDefault("output.naming", "sequence")
	v.SetDefault("output.per_url", true)
	v.SetDefault("output.aggregate", true)
	v.SetDefault("output.aggregate_file", "all_pages.md")
	v.SetDefault("output.aggregate_mode", "truncate")
	v.SetDefault("output.report_file", "run_report.md")
	v.SetDefault("storage.backend", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "markdown")
	v.SetDefault("storage.local.base_dir", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "artifacts")
	v.SetDefault("database.run_table", "crawl_runs")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 500)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

func (c *Config) applyDerived() {
	if len(c.Target.AllowedDomains) == 0 {
		if u, err := url.Parse(c.Target.BaseURL); err == nil && u.Hostname() != "" {
			c.Target.AllowedDomains = []string{u.Hostname()}
		}
	}
}

// Validate enforces required values and reasonable limits. Every violated
// rule is reported.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if u, err := url.Parse(c.Target.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("target.base_url must be an absolute URL, got %q", c.Target.BaseURL)
	}
	if c.Target.MaxDepth < 0 {
		add("target.max_depth must be >= 0")
	}
	if c.Target.RequestTimeoutSeconds <= 0 {
		add("target.request_timeout_seconds must be > 0")
	}
	if c.Target.Parallelism <= 0 {
		add("target.parallelism must be > 0")
	}
	if c.Target.DelayMs < 0 {
		add("target.delay_ms must be >= 0")
	}
	if !slices.Contains(renderModes, c.Target.RenderMode) {
		add("target.render_mode must be one of %v, got %q", renderModes, c.Target.RenderMode)
	}
	if c.Target.RenderMode == "chrome" && !c.Headless.Enabled {
		add("target.render_mode chrome requires headless.enabled")
	}
	if c.Cache.LookupTimeoutMs <= 0 {
		add("cache.lookup_timeout_ms must be > 0")
	}
	if c.Cache.Enabled && strings.TrimSpace(c.Cache.Path) == "" {
		add("cache.path must be set when the cache is enabled")
	}
	if c.Cache.TTLMinutes < 0 {
		add("cache.ttl_minutes must be >= 0")
	}
	if c.Pipeline.Concurrency < 0 {
		add("pipeline.concurrency must be >= 0")
	}
	if c.Pipeline.QueueDepth <= 0 {
		add("pipeline.queue_depth must be > 0")
	}
	if !slices.Contains(classifierStrategies, c.Classifier.Strategy) {
		add("classifier.strategy must be one of %v, got %q", classifierStrategies, c.Classifier.Strategy)
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		add("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Headless.NavTimeoutSeconds <= 0 {
		add("headless.nav_timeout_seconds must be > 0")
	}
	if c.Headless.DomainQPS < 0 {
		add("headless.domain_qps must be >= 0")
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		add("output.dir must be set")
	}
	if !slices.Contains(namings, c.Output.Naming) {
		add("output.naming must be one of %v, got %q", namings, c.Output.Naming)
	}
	if !slices.Contains(aggregateModes, c.Output.AggregateMode) {
		add("output.aggregate_mode must be one of %v, got %q", aggregateModes, c.Output.AggregateMode)
	}
	if !c.Output.PerURL && !c.Output.Aggregate {
		add("output.per_url or output.aggregate must be enabled")
	}
	if c.Output.Aggregate && strings.TrimSpace(c.Output.AggregateFile) == "" {
		add("output.aggregate_file must be set when output.aggregate is enabled")
	}
	if !slices.Contains(storageBackends, c.Storage.Backend) {
		add("storage.backend must be one of %v, got %q", storageBackends, c.Storage.Backend)
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		add("storage.bucket must be set for the gcs backend")
	}
	if c.Storage.Backend == "local" && strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
		add("storage.local.base_dir must be set for the local backend")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		add("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port must be between 0 and 65535")
	}
	return errors.Join(errs...)
}

// RequestTimeout returns the traversal request timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Target.RequestTimeoutSeconds) * time.Second
}

// Delay returns the pause between traversal requests.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Target.DelayMs) * time.Millisecond
}

// CacheTimeout returns the per-URL cache lookup bound.
func (c Config) CacheTimeout() time.Duration {
	return time.Duration(c.Cache.LookupTimeoutMs) * time.Millisecond
}

// CacheTTL returns how long cached responses live.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMinutes) * time.Minute
}

// CacheGCInterval returns the badger value-log GC interval.
func (c Config) CacheGCInterval() time.Duration {
	return time.Duration(c.Cache.GCIntervalSeconds) * time.Second
}

// NavTimeout returns the headless navigation bound.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSeconds) * time.Second
}

// SettleDelay returns the pause after the headless page is ready.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Headless.SettleMs) * time.Millisecond
}

// ProgressBatchWait returns the maximum progress batch wait.
func (c Config) ProgressBatchWait() time.Duration {
	return time.Duration(c.Progress.Batch.MaxWaitMs) * time.Millisecond
}

// ProgressSinkTimeout returns the per-batch progress sink timeout.
func (c Config) ProgressSinkTimeout() time.Duration {
	return time.Duration(c.Progress.SinkTimeoutMs) * time.Millisecond
}
