package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

var spaRoots = []string{
	"#__next",
	"#root",
	"#app",
	"[data-reactroot]",
}

// Markup inspects document structure instead of literal tokens: empty bodies,
// empty single-page-app mount points and script-heavy short documents are
// treated as Dynamic.
type Markup struct {
	MinBodyBytes int
}

// NewMarkup creates a structural classifier. A non-positive threshold uses 2048.
func NewMarkup(minBodyBytes int) *Markup {
	if minBodyBytes <= 0 {
		minBodyBytes = 2048
	}
	return &Markup{MinBodyBytes: minBodyBytes}
}

// Classify implements crawler.Classifier.
func (m *Markup) Classify(html []byte) crawler.Classification {
	if len(bytes.TrimSpace(html)) == 0 {
		return crawler.Dynamic
	}
	if len(html) < m.MinBodyBytes && scriptDensityHigh(html) {
		return crawler.Dynamic
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return crawler.Static
	}
	for _, sel := range spaRoots {
		root := doc.Find(sel).First()
		if root.Length() == 0 {
			continue
		}
		if strings.TrimSpace(root.Text()) == "" {
			return crawler.Dynamic
		}
	}
	return crawler.Static
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag: the rest of the document counts as script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
