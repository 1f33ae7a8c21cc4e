// Package sink persists Markdown artifacts: one file per page, a shared
// aggregate document, and an optional mirror into a blob store.
package sink
