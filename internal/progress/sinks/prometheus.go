package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/imagecrawl/internal/progress"
)

// PrometheusSink exports download progress via Prometheus collectors.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsActive   prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	items        *prometheus.CounterVec
	itemBytes    prometheus.Counter
	itemAttempts prometheus.Histogram
	itemDuration *prometheus.HistogramVec

	succeeded prometheus.Gauge
	failed    prometheus.Gauge
	remaining prometheus.Gauge

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecrawl_runs_started_total",
			Help: "Download runs started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecrawl_runs_finished_total",
			Help: "Download runs finished partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagecrawl_runs_active",
			Help: "Download runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagecrawl_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecrawl_items_total",
			Help: "Items processed partitioned by result.",
		}, []string{"result"}),
		itemBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecrawl_item_bytes_total",
			Help: "Image bytes written to staging.",
		}),
		itemAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imagecrawl_item_attempts",
			Help:    "Fetch attempts spent per item.",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagecrawl_item_duration_seconds",
			Help:    "Time spent per item including retries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"result"}),
		succeeded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagecrawl_session_succeeded",
			Help: "Completed items in the current session.",
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagecrawl_session_failed",
			Help: "Failed items in the current session.",
		}),
		remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagecrawl_session_remaining",
			Help: "Items not yet processed in the current session.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsActive,
		s.runDuration,
		s.items,
		s.itemBytes,
		s.itemAttempts,
		s.itemDuration,
		s.succeeded,
		s.failed,
		s.remaining,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.SessionID) {
			s.runsActive.Inc()
		}
	case progress.StageItemDone:
		s.observeItem(evt, "success")
		if evt.Bytes > 0 {
			s.itemBytes.Add(float64(evt.Bytes))
		}
	case progress.StageItemFailed:
		s.observeItem(evt, "failure")
	case progress.StageRunDone:
		s.finishRun(evt, "completed")
	case progress.StageRunPaused:
		s.finishRun(evt, "paused")
	case progress.StageRunError:
		s.finishRun(evt, "error")
	}
	s.succeeded.Set(float64(evt.Counters.Succeeded))
	s.failed.Set(float64(evt.Counters.Failed))
	s.remaining.Set(float64(evt.Counters.Remaining))
}

func (s *PrometheusSink) observeItem(evt progress.Event, result string) {
	s.items.WithLabelValues(result).Inc()
	if evt.Attempts > 0 {
		s.itemAttempts.Observe(float64(evt.Attempts))
	}
	if evt.Dur > 0 {
		s.itemDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SessionID) {
		s.runsActive.Dec()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
