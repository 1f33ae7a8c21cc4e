// Package crawler defines core types shared across subsystems.
package crawler

import (
	"errors"
	"net/http"
	"time"
)

// ErrNotFound is returned by cache stores when a key has no entry.
var ErrNotFound = errors.New("cache entry not found")

// PageEvent is emitted once per visited URL by the traversal service.
type PageEvent struct {
	URL string
}

// CachePolicy carries the metadata stored next to a cached response body.
// The pipeline treats it as opaque.
type CachePolicy struct {
	StatusCode  int           `json:"status_code"`
	ContentType string        `json:"content_type,omitempty"`
	FetchedAt   time.Time     `json:"fetched_at"`
	TTL         time.Duration `json:"ttl,omitempty"`
	Rendered    bool          `json:"rendered,omitempty"`
}

// CacheEntry is a cached response body plus its policy.
type CacheEntry struct {
	Body   []byte      `json:"body"`
	Policy CachePolicy `json:"policy"`
}

// LookupStatus tags a LookupResult.
type LookupStatus int

// Lookup outcomes produced by the cache resolver.
const (
	LookupMiss LookupStatus = iota
	LookupHit
	LookupError
)

func (s LookupStatus) String() string {
	switch s {
	case LookupHit:
		return "hit"
	case LookupMiss:
		return "miss"
	case LookupError:
		return "error"
	default:
		return "unknown"
	}
}

// LookupResult is the tagged result of a bounded cache lookup. Entry is only
// meaningful for LookupHit and Err only for LookupError.
type LookupResult struct {
	Status LookupStatus
	Entry  CacheEntry
	Err    error
}

// Hit builds a LookupHit result.
func Hit(entry CacheEntry) LookupResult {
	return LookupResult{Status: LookupHit, Entry: entry}
}

// Miss builds a LookupMiss result.
func Miss() LookupResult {
	return LookupResult{Status: LookupMiss}
}

// LookupFailed builds a LookupError result.
func LookupFailed(err error) LookupResult {
	return LookupResult{Status: LookupError, Err: err}
}

// Classification says whether a page needs script execution to render.
type Classification int

// Supported classifications.
const (
	Static Classification = iota
	Dynamic
)

func (c Classification) String() string {
	if c == Dynamic {
		return "dynamic"
	}
	return "static"
}

// Source records where resolved HTML came from.
type Source int

// Content sources.
const (
	SourceCache Source = iota
	SourceHeadless
)

func (s Source) String() string {
	if s == SourceHeadless {
		return "headless"
	}
	return "cache"
}

// ResolvedContent is the HTML selected for conversion. It is owned by the task
// processing URL and never shared.
type ResolvedContent struct {
	URL            string
	HTML           string
	Source         Source
	Classification Classification
}

// Artifact is a Markdown document derived from one URL. Sequence is assigned by
// the sink at persist time when the sink numbers its outputs.
type Artifact struct {
	URL         string
	Markdown    string
	Source      Source
	Sequence    uint64
	HasSequence bool
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ManifestRecord describes one persisted artifact for the manifest store.
type ManifestRecord struct {
	ID             string
	RunID          string
	URL            string
	Location       string
	Source         string
	Classification string
	ContentHash    string
	Bytes          int
	SavedAt        time.Time
}
