// Package progress provides the run events, the non-blocking batching hub and
// the emitter interface the resolution pipeline reports through. Sinks such as
// structured logs and Prometheus counters consume the batches.
package progress
