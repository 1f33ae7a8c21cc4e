package sink

import (
	"context"
	"errors"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

// Multi fans an artifact out to several sinks in order. Every member is
// attempted; the returned location is the first member's.
type Multi []crawler.Sink

// Persist implements crawler.Sink.
func (m Multi) Persist(ctx context.Context, artifact *crawler.Artifact) (string, error) {
	if artifact == nil {
		return "", ErrEmptyArtifact
	}
	var (
		location string
		errs     []error
	)
	for i, s := range m {
		loc, err := s.Persist(ctx, artifact)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i == 0 {
			location = loc
		}
	}
	return location, errors.Join(errs...)
}

// Close implements crawler.Sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
