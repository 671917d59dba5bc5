package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/imagecrawl/internal/progress"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Item failures and run errors log at
// warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Int("succeeded", evt.Counters.Succeeded),
			zap.Int("failed", evt.Counters.Failed),
			zap.Int("remaining", evt.Counters.Remaining),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Identifier != "" {
			fields = append(fields,
				zap.String("identifier", evt.Identifier),
				zap.Int("ordinal", evt.Ordinal),
				zap.Int("attempts", evt.Attempts),
			)
		}
		if evt.FileName != "" {
			fields = append(fields, zap.String("file", evt.FileName), zap.Int64("bytes", evt.Bytes))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(levelFor(evt.Stage), "progress event", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	// Sync reports EINVAL on terminals; nothing useful to surface.
	_ = s.logger.Sync()
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageItemFailed, progress.StageRunError:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
