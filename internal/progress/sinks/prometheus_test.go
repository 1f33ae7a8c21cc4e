package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/markdown-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart},
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart},
		{RunID: runID, TS: time.Now(), Stage: progress.StageCacheHit, URL: "https://example.com/a", Site: "example.com"},
		{
			RunID: runID,
			TS:    time.Now(),
			Stage: progress.StageArtifactSaved,
			URL:   "https://example.com/a",
			Site:  "example.com",
			Bytes: 1024,
		},
		{RunID: runID, TS: time.Now(), Stage: progress.StageCacheMiss, URL: "https://Example.com/b"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.stageEvents.WithLabelValues("example.com", "CACHE_HIT")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.stageEvents.WithLabelValues("example.com", "CACHE_MISS")))
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.markdownBytes.WithLabelValues("example.com")), 1e-9)

	done := []progress.Event{{RunID: runID, TS: time.Now(), Stage: progress.StageRunDone, Dur: 3 * time.Second}}
	require.NoError(t, sink.Consume(context.Background(), done))
	require.NoError(t, sink.Consume(context.Background(), done))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsFinished))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "crawler_run_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
