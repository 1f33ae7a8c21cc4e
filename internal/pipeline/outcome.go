package pipeline

import (
	"fmt"
	"time"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
	"github.com/JakeFAU/markdown-crawler/internal/governor"
)

// Outcome is the terminal state of one URL's task.
type Outcome int

// Terminal outcomes. Miss, CacheError and FetchError leave the URL unresolved.
const (
	OutcomeSaved Outcome = iota
	OutcomeMiss
	OutcomeCacheError
	OutcomeFetchError
	OutcomePersistError
	OutcomeCancelled
)

const numOutcomes = OutcomeCancelled + 1

// Outcomes lists every outcome in reporting order.
var Outcomes = []Outcome{
	OutcomeSaved,
	OutcomeMiss,
	OutcomeCacheError,
	OutcomeFetchError,
	OutcomePersistError,
	OutcomeCancelled,
}

func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeMiss:
		return "miss"
	case OutcomeCacheError:
		return "cache_error"
	case OutcomeFetchError:
		return "fetch_error"
	case OutcomePersistError:
		return "persist_error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText lets outcomes key JSON maps.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Unresolved reports whether no content could be obtained for the URL.
func (o Outcome) Unresolved() bool {
	return o == OutcomeMiss || o == OutcomeCacheError || o == OutcomeFetchError
}

// counted reports whether the outcome contributes to Processed.
func (o Outcome) counted() bool {
	return o != OutcomeCancelled
}

// Result describes how one URL finished.
type Result struct {
	URL     string
	Outcome Outcome
	// CacheHit is set when the lookup returned a body, whatever happened next.
	CacheHit       bool
	Location       string
	Source         crawler.Source
	Classification crawler.Classification
	Bytes          int
	Err            error
}

// Summary is the run-level account built after every task has joined.
type Summary struct {
	RunID      string            `json:"run_id"`
	Started    time.Time         `json:"started"`
	Elapsed    time.Duration     `json:"elapsed"`
	Processed  int64             `json:"processed"`
	Saved      int64             `json:"saved"`
	Duplicates int64             `json:"duplicates"`
	ByOutcome  map[Outcome]int64 `json:"by_outcome"`
	Permits    governor.Stats    `json:"permits"`
}

// Count returns the number of tasks that ended with o.
func (s Summary) Count(o Outcome) int64 {
	return s.ByOutcome[o]
}
