package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagecrawl/internal/clock/system"
)

// Worker runs the attempt loop for single images. It is safe for concurrent use.
type Worker struct {
	cfg     Config
	getter  Getter
	writer  Writer
	sleeper Sleeper
	tracer  trace.Tracer
	logger  *zap.Logger
}

// Option customizes a Worker.
type Option func(*Worker)

// WithSleeper overrides the inter-attempt sleeper.
func WithSleeper(s Sleeper) Option {
	return func(w *Worker) { w.sleeper = s }
}

// WithLogger sets the worker logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithTracer sets the tracer used for fetch spans.
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) {
		if t != nil {
			w.tracer = t
		}
	}
}

// New builds a Worker.
func New(cfg Config, getter Getter, writer Writer, opts ...Option) (*Worker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if getter == nil {
		return nil, errors.New("getter is required")
	}
	if writer == nil {
		return nil, errors.New("writer is required")
	}
	w := &Worker{
		cfg:     cfg,
		getter:  getter,
		writer:  writer,
		sleeper: system.New(),
		tracer:  otel.Tracer("github.com/JakeFAU/imagecrawl/internal/fetcher"),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Config returns the effective configuration.
func (w *Worker) Config() Config {
	return w.cfg
}

// Fetch downloads req.ID, retrying up to MaxAttempts. It never returns an
// error; failures are reported through Result.
func (w *Worker) Fetch(ctx context.Context, req Request) Result {
	ctx, span := w.tracer.Start(ctx, "fetcher.Fetch", trace.WithAttributes(
		attribute.String("imagecrawl.identifier", req.ID),
		attribute.String("imagecrawl.file", req.FileName),
	))
	defer span.End()

	url := w.cfg.URL(req.ID)
	header := http.Header{}
	if req.Credential != "" {
		header.Set("Authorization", req.Credential)
	}
	if req.Cookie != "" {
		header.Set("Cookie", req.Cookie)
	}

	policy := w.newBackoff()
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		res, err := w.attempt(ctx, req, url, header, attempt)
		if err == nil {
			res.Attempts = attempt
			span.SetAttributes(attribute.Int("imagecrawl.attempts", attempt))
			span.SetStatus(codes.Ok, "")
			return res
		}
		lastErr = err
		if attempt == w.cfg.MaxAttempts {
			break
		}
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		w.logger.Warn("Fetch attempt failed; retrying",
			zap.String("identifier", req.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", w.cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := w.sleeper.Sleep(ctx, delay); serr != nil {
			lastErr = errors.Join(err, serr)
			break
		}
	}

	msg := fmt.Sprintf("all %d attempts failed for %s: %v", attempts, req.ID, lastErr)
	span.SetAttributes(attribute.Int("imagecrawl.attempts", attempts))
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, msg)
	w.logger.Error("Fetch failed", zap.String("identifier", req.ID), zap.Int("attempts", attempts), zap.Error(lastErr))
	return Result{OK: false, Attempts: attempts, Message: msg}
}

func (w *Worker) attempt(ctx context.Context, req Request, url string, header http.Header, n int) (Result, error) {
	resp, err := w.getter.Get(ctx, url, header.Clone())
	if err != nil {
		return Result{}, &FetchError{ID: req.ID, Attempt: n, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &FetchError{
			ID:         req.ID,
			Attempt:    n,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}
	data, format, err := toJPEG(resp.Body)
	if err != nil {
		return Result{}, &FetchError{ID: req.ID, Attempt: n, StatusCode: resp.StatusCode, Err: err}
	}
	path, err := w.writer.Put(ctx, req.Dir, req.FileName, data)
	if err != nil {
		return Result{}, &FetchError{ID: req.ID, Attempt: n, Err: fmt.Errorf("stage image: %w", err)}
	}
	w.logger.Debug("Fetched image",
		zap.String("identifier", req.ID),
		zap.String("format", format),
		zap.Int("bytes", len(data)),
		zap.String("path", path))
	return Result{OK: true, Path: path, FileName: req.FileName, Data: data}, nil
}

func (w *Worker) newBackoff() backoff.BackOff {
	if w.cfg.Backoff == BackoffExponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = w.cfg.RetryDelay
		eb.MaxInterval = w.cfg.MaxDelay
		eb.MaxElapsedTime = 0
		eb.Reset()
		return eb
	}
	return backoff.NewConstantBackOff(w.cfg.RetryDelay)
}
