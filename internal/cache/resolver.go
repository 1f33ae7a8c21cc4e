// Package cache resolves cached responses under a bounded wait.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

// ErrLookupTimeout marks a lookup that did not finish before its deadline.
var ErrLookupTimeout = errors.New("cache lookup timed out")

// Resolver races cache lookups against a timeout.
type Resolver struct {
	store  crawler.CacheReader
	logger *zap.Logger
}

// NewResolver wraps store.
func NewResolver(store crawler.CacheReader, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger}
}

type lookup struct {
	entry crawler.CacheEntry
	err   error
}

// Resolve looks key up and classifies the outcome as hit, miss or error. A
// timeout is reported as an error wrapping ErrLookupTimeout. Resolve never
// retries.
func (r *Resolver) Resolve(ctx context.Context, key crawler.CacheKey, timeout time.Duration) crawler.LookupResult {
	if r.store == nil {
		return crawler.LookupFailed(errors.New("cache store not configured"))
	}
	if timeout <= 0 {
		return crawler.LookupFailed(fmt.Errorf("%w: non-positive timeout %v", ErrLookupTimeout, timeout))
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan lookup, 1)
	go func() {
		entry, err := r.store.Get(lookupCtx, key)
		done <- lookup{entry: entry, err: err}
	}()

	select {
	case res := <-done:
		return r.classify(key, res)
	case <-lookupCtx.Done():
		err := lookupCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			r.logger.Debug("cache lookup timed out", zap.String("key", key.String()), zap.Duration("timeout", timeout))
			return crawler.LookupFailed(fmt.Errorf("%w after %v: %w", ErrLookupTimeout, timeout, err))
		}
		return crawler.LookupFailed(fmt.Errorf("cache lookup canceled: %w", err))
	}
}

func (r *Resolver) classify(key crawler.CacheKey, res lookup) crawler.LookupResult {
	switch {
	case res.err == nil:
		return crawler.Hit(res.entry)
	case errors.Is(res.err, crawler.ErrNotFound):
		return crawler.Miss()
	case errors.Is(res.err, context.DeadlineExceeded):
		return crawler.LookupFailed(fmt.Errorf("%w: %w", ErrLookupTimeout, res.err))
	default:
		r.logger.Debug("cache lookup failed", zap.String("key", key.String()), zap.Error(res.err))
		return crawler.LookupFailed(fmt.Errorf("cache get %s: %w", key, res.err))
	}
}
