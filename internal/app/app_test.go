package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-crawler/internal/config"
	"github.com/JakeFAU/markdown-crawler/internal/pipeline"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/":        `<html><body><h1>Home</h1><a href="/static">static</a><a href="/dynamic">dynamic</a></body></html>`,
		"/static":  `<html><body><h1>Static</h1><p>Plain content.</p></body></html>`,
		"/dynamic": `<html><body><div id="root"></div><script>fetch('/api/data')</script></body></html>`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	v := config.NewViper()
	v.Set("target.base_url", baseURL)
	v.Set("target.respect_robots", false)
	v.Set("cache.enabled", false)
	v.Set("headless.enabled", false)
	v.Set("output.dir", t.TempDir())
	v.Set("pipeline.concurrency", 2)
	cfg, err := config.LoadFrom(v, "")
	require.NoError(t, err)
	return cfg
}

func build(t *testing.T, cfg config.Config, out *bytes.Buffer) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg, Options{
		Logger:     zap.NewNop(),
		Out:        out,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })
	return app
}

func TestRunResolvesSite(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	cfg := testConfig(t, srv.URL+"/")
	var out bytes.Buffer
	app := build(t, cfg, &out)

	summary, err := app.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, app.RunID().String(), summary.RunID)
	require.Equal(t, int64(3), summary.Processed)
	require.Equal(t, int64(2), summary.Saved)
	require.Equal(t, int64(2), summary.Count(pipeline.OutcomeSaved))
	require.Equal(t, int64(1), summary.Count(pipeline.OutcomeFetchError))
	require.Equal(t, summary.Permits.Acquired, summary.Permits.Released)

	for _, name := range []string{"page_1.md", "page_2.md", "all_pages.md", "run_report.md"} {
		_, err := os.Stat(filepath.Join(cfg.Output.Dir, name))
		require.NoErrorf(t, err, "expected %s", name)
	}
	_, err = os.Stat(filepath.Join(cfg.Output.Dir, "page_3.md"))
	require.True(t, os.IsNotExist(err))

	aggregate, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "all_pages.md"))
	require.NoError(t, err)
	require.Contains(t, string(aggregate), "## "+srv.URL+"/static")
	require.NotContains(t, string(aggregate), srv.URL+"/dynamic")

	console := out.String()
	require.Contains(t, console, "Saved: ")
	require.Contains(t, console, "FETCH ERROR - "+srv.URL+"/dynamic")
	require.Contains(t, console, "for total pages: 3")
}

func TestRunURLNamingWithMemoryMirror(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	cfg := testConfig(t, srv.URL+"/static")
	cfg.Output.Naming = "url"
	cfg.Output.Aggregate = false
	cfg.Output.ReportFile = ""
	cfg.Storage.Backend = "memory"
	cfg.Progress.LogEnabled = true
	var out bytes.Buffer
	app := build(t, cfg, &out)

	summary, err := app.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Saved)

	entries, err := os.ReadDir(cfg.Output.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Name(), "static")
	require.Equal(t, ".md", filepath.Ext(entries[0].Name()))
}

func TestRunCancelledStillSummarizes(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	cfg := testConfig(t, srv.URL+"/")
	var out bytes.Buffer
	app := build(t, cfg, &out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := app.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, summary.Saved)
	require.Contains(t, out.String(), "Time elapsed in crawl is:")
}

func TestBuildFailsOnUnknownClassifier(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://example.com")
	cfg.Classifier.Strategy = "vibes"
	app, err := Build(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	require.ErrorContains(t, err, "classifier")
	require.Nil(t, app)
}

func TestBuildWithStatusServer(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://example.com")
	cfg.Server.Port = 18080
	cfg.Progress.Enabled = false
	var out bytes.Buffer
	app := build(t, cfg, &out)
	require.NotNil(t, app.apiServer)

	rec := httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), app.RunID().String())
}
