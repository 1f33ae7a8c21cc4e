// Package detector classifies pages as static or script-rendered.
package detector

import (
	"bytes"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

// DefaultSignatures are literal markers of client-side rendering: network calls
// made from page scripts, hydration state globals, inline scripts and React
// hydration entry points.
var DefaultSignatures = []string{
	"fetch(",
	"XMLHttpRequest",
	"window.__INITIAL_STATE__",
	"<script>",
	"ReactDOM",
}

// Signature reports Dynamic when any signature occurs in the raw markup.
// Matching is literal and case-sensitive.
type Signature struct {
	signatures [][]byte
}

// NewSignature builds a Signature classifier from DefaultSignatures plus extra.
// Blank extras are ignored.
func NewSignature(extra ...string) *Signature {
	sigs := make([][]byte, 0, len(DefaultSignatures)+len(extra))
	for _, s := range DefaultSignatures {
		sigs = append(sigs, []byte(s))
	}
	for _, s := range extra {
		if s == "" {
			continue
		}
		sigs = append(sigs, []byte(s))
	}
	return &Signature{signatures: sigs}
}

// Classify implements crawler.Classifier.
func (s *Signature) Classify(html []byte) crawler.Classification {
	for _, sig := range s.signatures {
		if bytes.Contains(html, sig) {
			return crawler.Dynamic
		}
	}
	return crawler.Static
}

// Any combines classifiers; the page is Dynamic when any member says so.
type Any []crawler.Classifier

// Classify implements crawler.Classifier.
func (a Any) Classify(html []byte) crawler.Classification {
	for _, c := range a {
		if c != nil && c.Classify(html) == crawler.Dynamic {
			return crawler.Dynamic
		}
	}
	return crawler.Static
}
