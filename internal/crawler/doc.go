// Package crawler defines the domain types and collaborator interfaces shared by
// the content resolution pipeline: page events, cache keys and lookup results,
// classifications, resolved content and the Markdown artifacts handed to sinks.
package crawler
