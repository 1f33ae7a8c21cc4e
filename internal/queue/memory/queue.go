// Package memory provides the bounded in-process page event stream that links
// traversal to the resolution pipeline.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained, and by
// Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan crawler.PageEvent
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan crawler.PageEvent, capacity),
	}
}

// Enqueue pushes an event into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, event crawler.PageEvent) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- event:
		return nil
	}
}

// Dequeue pops the next event, respecting context cancellation. Buffered
// events are still delivered after Close.
func (q *Queue) Dequeue(ctx context.Context) (crawler.PageEvent, error) {
	select {
	case <-ctx.Done():
		return crawler.PageEvent{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case event, ok := <-q.ch:
		if !ok {
			return crawler.PageEvent{}, ErrClosed
		}
		return event, nil
	}
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
