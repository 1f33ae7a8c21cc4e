package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if cacheLookupsTotal == nil || artifactsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	before := testutil.ToFloat64(cacheLookupsTotalFor("hit"))
	ObserveCacheLookup("hit", 5*time.Millisecond)
	if got := testutil.ToFloat64(cacheLookupsTotalFor("hit")); got != before+1 {
		t.Errorf("expected hit counter to grow by 1, got %f -> %f", before, got)
	}

	beforeSaved := testutil.ToFloat64(artifactsTotal.WithLabelValues("saved"))
	ObserveArtifact("saved")
	if got := testutil.ToFloat64(artifactsTotal.WithLabelValues("saved")); got != beforeSaved+1 {
		t.Errorf("expected saved counter to grow by 1, got %f -> %f", beforeSaved, got)
	}

	basePermits := testutil.ToFloat64(permitsInFlight)
	IncPermits()
	IncPermits()
	DecPermits()
	if got := testutil.ToFloat64(permitsInFlight); got != basePermits+1 {
		t.Errorf("expected permits gauge %f, got %f", basePermits+1, got)
	}
	DecPermits()

	ObserveClassification("dynamic")
	ObserveHeadlessFetch("ok", time.Second)
	ObserveStage("convert", time.Millisecond)
	ObservePageDiscovered("https://example.com/a")
	if got := testutil.ToFloat64(pagesDiscoveredTotal.WithLabelValues("example.com")); got < 1 {
		t.Errorf("expected discovered pages for example.com, got %f", got)
	}
}

func cacheLookupsTotalFor(result string) prometheus.Counter {
	Init()
	return cacheLookupsTotal.WithLabelValues(result)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
