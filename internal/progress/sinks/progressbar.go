package sinks

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/JakeFAU/imagecrawl/internal/progress"
)

// BarSink renders download progress as a terminal bar. A new bar starts on
// every RUN_START and finishes on the run's terminal stage.
type BarSink struct {
	mu  sync.Mutex
	out io.Writer
	bar *progressbar.ProgressBar
}

// NewBarSink renders to out, or stderr when out is nil.
func NewBarSink(out io.Writer) *BarSink {
	if out == nil {
		out = os.Stderr
	}
	return &BarSink{out: out}
}

// Consume advances the bar using the counters carried on each event.
func (s *BarSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		processed := evt.Counters.Succeeded + evt.Counters.Failed
		switch {
		case evt.Stage == progress.StageRunStart:
			s.bar = s.newBar(evt.Counters.Total)
			if err := s.bar.Set(processed); err != nil {
				return fmt.Errorf("progress bar set: %w", err)
			}
		case s.bar == nil:
			continue
		case evt.Stage.Terminal():
			if err := s.bar.Set(processed); err != nil {
				return fmt.Errorf("progress bar set: %w", err)
			}
			s.bar.Describe(string(evt.Stage))
			if err := s.bar.Finish(); err != nil {
				return fmt.Errorf("progress bar finish: %w", err)
			}
			s.bar = nil
			_, _ = fmt.Fprintln(s.out)
		default:
			s.bar.Describe(evt.Identifier)
			if err := s.bar.Set(processed); err != nil {
				return fmt.Errorf("progress bar set: %w", err)
			}
		}
	}
	return nil
}

// Current reports the processed count shown by the active bar, or -1 when no
// run is being rendered.
func (s *BarSink) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar == nil {
		return -1
	}
	return s.bar.State().CurrentNum
}

// Close finishes any bar left open.
func (s *BarSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar == nil {
		return nil
	}
	err := s.bar.Finish()
	s.bar = nil
	if err != nil {
		return fmt.Errorf("progress bar finish: %w", err)
	}
	return nil
}

func (s *BarSink) newBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(s.out),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetWidth(30),
	)
}
