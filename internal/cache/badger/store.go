// Package badger implements the response cache on BadgerDB, either on disk or
// fully in memory.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

// Config holds configuration for the cache database.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM; nothing survives Close.
	InMemory bool
	// SyncWrites fsyncs every write.
	SyncWrites bool
	// TTL expires entries written by Put. Zero keeps them forever.
	TTL time.Duration
	// GCInterval is how often to run value log garbage collection. Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the minimum discardable share before a value log file is rewritten.
	GCDiscardRatio float64
	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *zap.Logger
}

// DefaultConfig returns production defaults for a cache stored at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		TTL:            24 * time.Hour,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for a process-local cache.
func InMemoryConfig() Config {
	return Config{
		InMemory:       true,
		TTL:            24 * time.Hour,
		GCDiscardRatio: 0.5,
	}
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Store is a crawler.CacheStore backed by BadgerDB.
type Store struct {
	db     *badger.DB
	cfg    Config
	logger *zap.Logger

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

// Open opens (or creates) the cache database and starts value log GC when
// configured.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("cache path is required for a persistent cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
		logger = zap.NewNop()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: logger,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC()
	} else {
		close(s.gcDone)
	}
	return s, nil
}

// Get returns the cached entry for key, or crawler.ErrNotFound.
func (s *Store) Get(ctx context.Context, key crawler.CacheKey) (crawler.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return crawler.CacheEntry{}, fmt.Errorf("cache get: %w", err)
	}
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return crawler.CacheEntry{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.CacheEntry{}, fmt.Errorf("cache get %s: %w", key, err)
	}
	var entry crawler.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return crawler.CacheEntry{}, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return entry, nil
}

// Put stores entry under key with the configured TTL.
func (s *Store) Put(ctx context.Context, key crawler.CacheKey, entry crawler.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	if entry.Policy.TTL == 0 {
		entry.Policy.TTL = s.cfg.TTL
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), raw)
		if s.cfg.TTL > 0 {
			e = e.WithTTL(s.cfg.TTL)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

// Stats summarizes the cache contents.
type Stats struct {
	Keys      int
	LSMBytes  int64
	VLogBytes int64
}

// Stats counts live keys and reports on-disk sizes.
func (s *Store) Stats() (Stats, error) {
	var keys int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys++
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("count cache keys: %w", err)
	}
	lsm, vlog := s.db.Size()
	return Stats{Keys: keys, LSMBytes: lsm, VLogBytes: vlog}, nil
}

// Clear drops every entry.
func (s *Store) Clear() error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("drop cache entries: %w", err)
	}
	return nil
}

// Close stops GC and closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopGC)
		<-s.gcDone
		if cerr := s.db.Close(); cerr != nil {
			err = fmt.Errorf("close cache database: %w", cerr)
		}
	})
	return err
}

func (s *Store) runGC() {
	defer close(s.gcDone)
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	ratio := s.cfg.GCDiscardRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			s.collect(ratio)
		}
	}
}

func (s *Store) collect(ratio float64) {
	for {
		err := s.db.RunValueLogGC(ratio)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) {
			s.logger.Warn("cache value log gc failed", zap.Error(err))
		}
		return
	}
}
