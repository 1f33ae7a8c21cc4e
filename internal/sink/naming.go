package sink

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
	"github.com/JakeFAU/markdown-crawler/internal/hash/sha256"
)

// Naming schemes for per-page files.
const (
	NamingSequence = "sequence"
	NamingURL      = "url"
)

// ErrEmptyArtifact is returned when Persist receives a nil artifact.
var ErrEmptyArtifact = errors.New("artifact is nil")

// maxStemBytes keeps URL-derived names, plus hash and extension, under the
// 255-byte file name limit of common filesystems.
const maxStemBytes = 200

var (
	unsafeRun = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	urlHasher = sha256.New()
)

// SanitizeURL turns a URL into a flat file stem: the scheme is dropped, every
// run of characters outside [a-zA-Z0-9._-] becomes "_", and the result is
// trimmed of "_". An empty stem becomes "index".
func SanitizeURL(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	s = unsafeRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "index"
	}
	return s
}

// URLStem is the sanitized URL cut to maxStemBytes and suffixed with the
// first 16 hex digits of the raw URL's SHA-256, so URLs that sanitize alike
// still get distinct names.
func URLStem(rawURL string) string {
	stem := SanitizeURL(rawURL)
	if len(stem) > maxStemBytes {
		stem = strings.TrimRight(stem[:maxStemBytes], "_")
	}
	sum, _ := urlHasher.Hash([]byte(rawURL))
	return stem + "_" + sum[:16]
}

// FileName returns the artifact's file name. Sequenced artifacts are named
// page_<n>.md, the rest by URLStem.
func FileName(artifact *crawler.Artifact) string {
	if artifact.HasSequence {
		return fmt.Sprintf("page_%d.md", artifact.Sequence)
	}
	return URLStem(artifact.URL) + ".md"
}

// ValidNaming reports whether naming is a supported scheme.
func ValidNaming(naming string) bool {
	return naming == NamingSequence || naming == NamingURL
}
