// Package convert turns resolved HTML into Markdown.
package convert

import (
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// Converter wraps html-to-markdown. It never fails: malformed input degrades
// to the page's plain text, and as a last resort to an empty document.
type Converter struct {
	logger *zap.Logger
}

// New returns a Converter.
func New(logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{logger: logger}
}

// ToMarkdown implements crawler.Converter. Relative links are resolved against
// pageURL's scheme and host.
func (c *Converter) ToMarkdown(pageURL, html string) string {
	out, err := c.convert(pageURL, html)
	if err == nil {
		return out
	}
	c.logger.Warn("markdown conversion failed, falling back to text",
		zap.String("url", pageURL), zap.Error(err))
	return c.plainText(pageURL, html)
}

func (c *Converter) convert(pageURL, html string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	converter := md.NewConverter(domainOf(pageURL), true, nil)
	return converter.ConvertString(html)
}

func (c *Converter) plainText(pageURL, html string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("text fallback failed", zap.String("url", pageURL), zap.Any("panic", r))
			out = ""
		}
	}()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	sel := doc.Find("body")
	if sel.Length() == 0 {
		sel = doc.Selection
	}
	return strings.Join(strings.Fields(sel.Text()), " ")
}

func domainOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return "converter panic: " + strings.TrimSpace(toString(e.value))
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return "unknown"
	}
}
