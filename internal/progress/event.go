// Package progress defines the events emitted while a crawl run resolves pages.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunDone       Stage = "RUN_DONE"
	StageCacheHit      Stage = "CACHE_HIT"
	StageCacheMiss     Stage = "CACHE_MISS"
	StageCacheError    Stage = "CACHE_ERROR"
	StageHeadlessFetch Stage = "HEADLESS_FETCH"
	StageFetchError    Stage = "FETCH_ERROR"
	StageArtifactSaved Stage = "ARTIFACT_SAVED"
	StagePersistError  Stage = "PERSIST_ERROR"
)

// Run reports whether the stage describes the run as a whole.
func (s Stage) Run() bool {
	return s == StageRunStart || s == StageRunDone
}

// Event captures a single step of a crawl run.
type Event struct {
	// RunID identifies the crawl run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// URL is the page being resolved. Empty for run stages.
	URL string
	// Site is the host label derived from URL.
	Site string
	// Source is "cache" or "headless" once content is resolved.
	Source string
	// Bytes is the size of the persisted Markdown.
	Bytes int64
	// Dur is the stage latency, or the run wall time for RUN_DONE.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageCacheHit, StageCacheMiss, StageCacheError,
		StageHeadlessFetch, StageFetchError, StageArtifactSaved, StagePersistError:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
