// Package progress carries download-run events from the orchestrator to
// pluggable sinks. Emit never blocks: a Hub buffers events, batches them on a
// background goroutine and fans each batch out to sinks such as Prometheus
// collectors, a terminal progress bar or a Pub/Sub topic.
package progress
