// Package report prints per-URL outcomes and run summaries for operators.
package report

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
	"github.com/JakeFAU/markdown-crawler/internal/pipeline"
)

// Console writes outcome lines to w. Cancelled tasks only reach the debug log.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	logger *zap.Logger
}

// NewConsole returns a Console writing to w.
func NewConsole(w io.Writer, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{w: w, logger: logger}
}

// Outcome implements pipeline.Reporter. A cache hit is announced on its own
// line ahead of the outcome; both lines are written together.
func (c *Console) Outcome(res pipeline.Result) {
	if res.Outcome == pipeline.OutcomeCancelled {
		c.logger.Debug("task cancelled", zap.String("url", res.URL), zap.Error(res.Err))
		return
	}
	key := crawler.DeriveKey(res.URL)
	lines := make([]string, 0, 2)
	if res.CacheHit {
		lines = append(lines, fmt.Sprintf("HIT - %s (%s)", key, res.Classification))
	}
	switch res.Outcome {
	case pipeline.OutcomeSaved:
		lines = append(lines, fmt.Sprintf("Saved: %s (%s)", res.Location, res.Source))
	case pipeline.OutcomeMiss:
		lines = append(lines, fmt.Sprintf("MISS - %s", key))
	case pipeline.OutcomeCacheError:
		lines = append(lines, fmt.Sprintf("ERROR - %s: %v", key, res.Err))
	case pipeline.OutcomeFetchError:
		lines = append(lines, fmt.Sprintf("FETCH ERROR - %s: %v", res.URL, res.Err))
	case pipeline.OutcomePersistError:
		lines = append(lines, fmt.Sprintf("WRITE ERROR - %s: %v", res.URL, res.Err))
	}
	c.println(lines...)
}

// Summary prints the run totals.
func (c *Console) Summary(s pipeline.Summary) {
	c.println(
		fmt.Sprintf("Time elapsed in crawl is: %v for total pages: %d", s.Elapsed, s.Processed),
		Breakdown(s),
	)
}

// Breakdown renders the per-outcome counts on one line.
func Breakdown(s pipeline.Summary) string {
	parts := make([]string, 0, len(pipeline.Outcomes)+1)
	for _, o := range pipeline.Outcomes {
		parts = append(parts, fmt.Sprintf("%s=%d", o, s.Count(o)))
	}
	parts = append(parts, fmt.Sprintf("duplicates=%d", s.Duplicates))
	return "Outcomes: " + strings.Join(parts, " ")
}

func (c *Console) println(lines ...string) {
	if len(lines) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintln(c.w, strings.Join(lines, "\n")); err != nil {
		c.logger.Warn("write report line failed", zap.Error(err))
	}
}
