package sink

import (
	"context"
	"fmt"
	"path"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

const markdownContentType = "text/markdown; charset=utf-8"

// Blob mirrors artifacts into a BlobStore under prefix.
type Blob struct {
	store  crawler.BlobStore
	prefix string
}

// NewBlob wraps store.
func NewBlob(store crawler.BlobStore, prefix string) (*Blob, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	return &Blob{store: store, prefix: prefix}, nil
}

// Persist implements crawler.Sink.
func (b *Blob) Persist(ctx context.Context, artifact *crawler.Artifact) (string, error) {
	if artifact == nil {
		return "", ErrEmptyArtifact
	}
	key := path.Join(b.prefix, FileName(artifact))
	uri, err := b.store.PutObject(ctx, key, markdownContentType, []byte(artifact.Markdown))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return uri, nil
}

// Close implements crawler.Sink.
func (b *Blob) Close() error { return nil }
