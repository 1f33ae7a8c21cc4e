package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nao1215/markdown"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

// Aggregate modes.
const (
	ModeTruncate = "truncate"
	ModeAppend   = "append"
)

// Aggregate appends every artifact to one shared Markdown document. Each
// section is written with a single Write call so concurrent sections never
// interleave.
type Aggregate struct {
	path string

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewAggregate opens path. Truncate mode starts the document empty; append
// mode keeps sections from earlier runs.
func NewAggregate(path, mode string) (*Aggregate, error) {
	if path == "" {
		return nil, fmt.Errorf("aggregate path is required")
	}
	flags := os.O_CREATE | os.O_WRONLY
	switch mode {
	case "", ModeTruncate:
		flags |= os.O_TRUNC
	case ModeAppend:
		flags |= os.O_APPEND
	default:
		return nil, fmt.Errorf("unknown aggregate mode %q", mode)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create aggregate dir: %w", err)
	}
	// #nosec G304 -- path comes from operator configuration.
	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open aggregate: %w", err)
	}
	return &Aggregate{path: path, file: file}, nil
}

// Persist implements crawler.Sink.
func (a *Aggregate) Persist(ctx context.Context, artifact *crawler.Artifact) (string, error) {
	if artifact == nil {
		return "", ErrEmptyArtifact
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	section := renderSection(artifact)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return "", fmt.Errorf("aggregate %s is closed", a.path)
	}
	if _, err := a.file.WriteString(section); err != nil {
		return "", fmt.Errorf("write aggregate: %w", err)
	}
	return a.path, nil
}

// Close implements crawler.Sink.
func (a *Aggregate) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.file.Close()
}

func renderSection(artifact *crawler.Artifact) string {
	doc := markdown.NewMarkdown(io.Discard)
	doc.H2(artifact.URL)
	doc.PlainText("")
	doc.PlainText(strings.TrimRight(artifact.Markdown, "\n"))
	doc.PlainText("")
	return doc.String() + "\n"
}
