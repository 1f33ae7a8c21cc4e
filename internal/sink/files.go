package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

// Files writes one Markdown file per artifact into a directory. Existing files
// are overwritten.
type Files struct {
	dir    string
	naming string
	seq    atomic.Uint64
}

// NewFiles creates the output directory and returns a Files sink.
func NewFiles(dir, naming string) (*Files, error) {
	if dir == "" {
		return nil, fmt.Errorf("output dir is required")
	}
	if naming == "" {
		naming = NamingSequence
	}
	if !ValidNaming(naming) {
		return nil, fmt.Errorf("unknown naming %q", naming)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Files{dir: dir, naming: naming}, nil
}

// Persist implements crawler.Sink. Under sequence naming the artifact's
// Sequence is assigned here, starting at 1.
func (f *Files) Persist(ctx context.Context, artifact *crawler.Artifact) (string, error) {
	if artifact == nil {
		return "", ErrEmptyArtifact
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.naming == NamingSequence && !artifact.HasSequence {
		artifact.Sequence = f.seq.Add(1)
		artifact.HasSequence = true
	}
	path := filepath.Join(f.dir, FileName(artifact))
	if err := os.WriteFile(path, []byte(artifact.Markdown), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Close implements crawler.Sink.
func (f *Files) Close() error { return nil }
