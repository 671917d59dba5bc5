package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagecrawl/internal/progress"
)

// RunMessage is the JSON payload published when a run reaches a terminal stage.
type RunMessage struct {
	SessionID  string            `json:"session_id"`
	Stage      string            `json:"stage"`
	FinishedAt time.Time         `json:"finished_at"`
	DurationMS int64             `json:"duration_ms"`
	Counters   progress.Counters `json:"counters"`
	Note       string            `json:"note,omitempty"`
}

// PubSubSink publishes run summaries to a Pub/Sub topic. Item events are not
// published.
type PubSubSink struct {
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubSink wraps topic. The sink stops the topic on Close.
func NewPubSubSink(topic *pubsub.Topic, logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{topic: topic, logger: logger}
}

// Consume publishes every terminal event in batch and waits for the server
// acknowledgements.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.topic == nil {
		return errors.New("pubsub topic is not configured")
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		id, err := s.publish(ctx, evt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("published run summary",
			zap.String("message_id", id),
			zap.String("session_id", evt.SessionUUID().String()),
			zap.String("stage", string(evt.Stage)),
		)
	}
	return errors.Join(errs...)
}

func (s *PubSubSink) publish(ctx context.Context, evt progress.Event) (string, error) {
	data, err := json.Marshal(RunMessage{
		SessionID:  evt.SessionUUID().String(),
		Stage:      string(evt.Stage),
		FinishedAt: evt.TS.UTC(),
		DurationMS: evt.Dur.Milliseconds(),
		Counters:   evt.Counters,
		Note:       evt.Note,
	})
	if err != nil {
		return "", fmt.Errorf("marshal run message: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"stage": string(evt.Stage)},
	}
	otel.GetTextMapPropagator().Inject(ctx, &attributeCarrier{attrs: msg.Attributes})
	id, err := s.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish run message: %w", err)
	}
	return id, nil
}

// Close flushes pending publishes.
func (s *PubSubSink) Close(context.Context) error {
	if s.topic != nil {
		s.topic.Stop()
	}
	return nil
}

// attributeCarrier implements propagation.TextMapCarrier over message attributes.
type attributeCarrier struct {
	attrs map[string]string
}

func (c *attributeCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *attributeCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
