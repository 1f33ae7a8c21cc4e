package crawler

import (
	"context"
	"time"
)

// CacheReader is the read side of the response cache.
type CacheReader interface {
	Get(ctx context.Context, key CacheKey) (CacheEntry, error)
}

// CacheWriter is the write side of the response cache, used by traversal.
type CacheWriter interface {
	Put(ctx context.Context, key CacheKey, entry CacheEntry) error
}

// CacheStore is a key-value response cache.
type CacheStore interface {
	CacheReader
	CacheWriter
}

// Classifier decides whether HTML needs script execution to render.
type Classifier interface {
	Classify(html []byte) Classification
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Converter turns HTML into Markdown and never fails.
type Converter interface {
	ToMarkdown(pageURL, html string) string
}

// Sink persists artifacts and returns a location string.
type Sink interface {
	Persist(ctx context.Context, artifact *Artifact) (string, error)
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// ManifestStore records persisted artifacts.
type ManifestStore interface {
	RecordArtifact(ctx context.Context, record ManifestRecord) error
	Close()
}

// Publisher pushes artifact notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
