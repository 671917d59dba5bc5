// Package sinks implements concrete progress consumers: structured logs,
// Prometheus collectors, a terminal progress bar and a Pub/Sub run feed. Each
// sink satisfies progress.Sink and tolerates repeated Consume calls.
package sinks
