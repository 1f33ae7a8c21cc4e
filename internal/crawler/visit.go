package crawler

import (
	"sync"
	"sync/atomic"
)

// VisitTracker records URLs already accepted in a run so each one is processed
// at most once. It is safe for concurrent use.
type VisitTracker struct {
	seen  sync.Map
	count atomic.Int64
}

// NewVisitTracker returns an empty tracker.
func NewVisitTracker() *VisitTracker {
	return &VisitTracker{}
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (t *VisitTracker) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	_, loaded := t.seen.LoadOrStore(url, struct{}{})
	if !loaded {
		t.count.Add(1)
	}
	return !loaded
}

// Len reports how many distinct URLs were marked.
func (t *VisitTracker) Len() int {
	return int(t.count.Load())
}
