// Package pipeline resolves every discovered URL to a Markdown artifact: it
// bounds concurrency with a permit, looks the page up in the response cache
// under a deadline, picks cached or headless-rendered HTML, converts it and
// persists the result. Per-URL failures become outcomes, never run errors.
package pipeline
