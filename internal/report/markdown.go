package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nao1215/markdown"

	"github.com/JakeFAU/markdown-crawler/internal/pipeline"
)

// RunInfo is the configuration context printed in the run report.
type RunInfo struct {
	BaseURL     string
	RenderMode  string
	Concurrency int
	OutputDir   string
}

// WriteMarkdown renders the run report to path, replacing any earlier report.
func WriteMarkdown(path string, s pipeline.Summary, info RunInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open report: %w", err)
	}
	defer func() { _ = f.Close() }()

	md := markdown.NewMarkdown(f)
	md.H1("Crawl Report")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Base URL", info.BaseURL},
			{"Run ID", "`" + s.RunID + "`"},
			{"Started", s.Started.Format("2006-01-02 15:04:05 MST")},
			{"Elapsed", s.Elapsed.String()},
			{"Render Mode", info.RenderMode},
			{"Concurrency", concurrencyLabel(info.Concurrency)},
			{"Output", info.OutputDir},
			{"Processed", strconv.FormatInt(s.Processed, 10)},
			{"Saved", strconv.FormatInt(s.Saved, 10)},
			{"Duplicates", strconv.FormatInt(s.Duplicates, 10)},
		},
	})
	md.PlainText("")

	md.H2("Outcomes")
	md.PlainText("")
	rows := make([][]string, 0, len(pipeline.Outcomes))
	for _, o := range pipeline.Outcomes {
		rows = append(rows, []string{o.String(), strconv.FormatInt(s.Count(o), 10)})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Outcome", "Count"},
		Rows:   rows,
	})
	md.PlainText("")

	md.H2("Permits")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Budget", "Acquired", "Released"},
		Rows: [][]string{{
			concurrencyLabel(s.Permits.Budget),
			strconv.FormatInt(s.Permits.Acquired, 10),
			strconv.FormatInt(s.Permits.Released, 10),
		}},
	})

	if err := md.Build(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func concurrencyLabel(n int) string {
	if n == 0 {
		return "unbounded"
	}
	return strconv.Itoa(n)
}
