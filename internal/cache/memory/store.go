// Package memory provides an in-process response cache shared by package tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

// Store keeps cache entries in a map. Delay and Err let tests simulate slow or
// failing stores; they are read on every Get.
type Store struct {
	mu      sync.RWMutex
	entries map[crawler.CacheKey]crawler.CacheEntry
	gets    int

	Delay time.Duration
	Err   error
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[crawler.CacheKey]crawler.CacheEntry)}
}

// Get returns the entry for key or crawler.ErrNotFound.
func (s *Store) Get(ctx context.Context, key crawler.CacheKey) (crawler.CacheEntry, error) {
	s.mu.Lock()
	s.gets++
	delay, failure := s.Delay, s.Err
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return crawler.CacheEntry{}, fmt.Errorf("memory cache get: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if failure != nil {
		return crawler.CacheEntry{}, failure
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return crawler.CacheEntry{}, crawler.ErrNotFound
	}
	entry.Body = append([]byte(nil), entry.Body...)
	return entry, nil
}

// Put stores entry under key, replacing any previous value.
func (s *Store) Put(_ context.Context, key crawler.CacheKey, entry crawler.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Body = append([]byte(nil), entry.Body...)
	s.entries[key] = entry
	return nil
}

// Len reports the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Gets reports how many lookups were served.
func (s *Store) Gets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gets
}
