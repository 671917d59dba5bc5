// Package orchestrator drives a download run: it walks the pending
// identifiers of the live session one at a time, fetches each image, records
// the outcome, checkpoints the session and reports progress.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/imagecrawl/internal/fetcher"
	"github.com/JakeFAU/imagecrawl/internal/progress"
	"github.com/JakeFAU/imagecrawl/internal/session"
)

// DefaultMaxPersistFailures stops a run after this many consecutive failed checkpoints.
const DefaultMaxPersistFailures = 3

// ErrPersistence is wrapped into Summary.Err when checkpoints keep failing.
var ErrPersistence = errors.New("session checkpoints keep failing")

// Fetcher downloads a single image. fetcher.Worker satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) fetcher.Result
}

// Sleeper waits for the inter-item delay.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Config tunes the run loop.
type Config struct {
	MaxPersistFailures int
}

// Summary reports how a run ended.
type Summary struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Remaining int            `json:"remaining"`
	// Processed counts items attempted during this run only.
	Processed int           `json:"processed"`
	Total     int           `json:"total"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Engine runs download loops against a session.Manager. One Engine serves one
// manager; Run calls are serialized by the manager.
type Engine struct {
	manager *session.Manager
	fetch   Fetcher
	emitter progress.Emitter
	sleeper Sleeper
	clock   Clock
	logger  *zap.Logger
	cfg     Config

	paused atomic.Bool

	mu          sync.Mutex
	cancelSleep context.CancelFunc
}

// New wires an Engine. A nil emitter discards progress events.
func New(
	manager *session.Manager,
	fetch Fetcher,
	emitter progress.Emitter,
	sleeper Sleeper,
	clock Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPersistFailures <= 0 {
		cfg.MaxPersistFailures = DefaultMaxPersistFailures
	}
	return &Engine{
		manager: manager,
		fetch:   fetch,
		emitter: emitter,
		sleeper: sleeper,
		clock:   clock,
		logger:  logger.Named("orchestrator"),
		cfg:     cfg,
	}
}

// Pause asks the active run to stop at the next item boundary. An in-flight
// fetch is never interrupted; an inter-item sleep is cut short.
func (e *Engine) Pause() {
	e.paused.Store(true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelSleep != nil {
		e.cancelSleep()
	}
}

// Resume clears a pending pause request so the next Run proceeds.
func (e *Engine) Resume() {
	e.paused.Store(false)
}

// PauseRequested reports whether a pause is pending.
func (e *Engine) PauseRequested() bool {
	return e.paused.Load()
}

// Run processes every pending identifier until the queue drains, a pause is
// requested, ctx ends or checkpoints keep failing. The returned error is set
// only when the run could not start (session.ErrRunActive, ErrNoSession,
// ErrNotConfigured); problems during the run are reported in Summary.Err.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	plan, err := e.manager.BeginRun(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("begin run: %w", err)
	}

	started := e.clock.Now()
	sessionID := progress.UUIDToBytes(plan.SessionID)
	summary := Summary{SessionID: plan.SessionID.String()}
	counts := plan.Counts

	e.logger.Info("Download run started",
		zap.String("session_id", summary.SessionID),
		zap.Int("pending", len(plan.Pending)),
		zap.Int("completed", counts.Completed),
		zap.Int("failed", counts.Failed),
		zap.Duration("delay", plan.Delay))
	e.emit(progress.Event{SessionID: sessionID, Stage: progress.StageRunStart, Counters: toCounters(counts)})

	status, counts, runErr := e.safeLoop(ctx, plan, &summary)

	e.manager.EndRun(status)
	// Final checkpoint survives process shutdown.
	if err := e.manager.Persist(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("Final session checkpoint failed", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}

	summary.Status = status
	summary.Succeeded = counts.Completed
	summary.Failed = counts.Failed
	summary.Remaining = counts.Pending
	summary.Total = counts.Unique
	summary.Duration = e.clock.Now().Sub(started)
	summary.Err = runErr

	evt := progress.Event{
		SessionID: sessionID,
		Stage:     terminalStage(status, runErr),
		Counters:  toCounters(counts),
		Dur:       summary.Duration,
	}
	if runErr != nil {
		evt.Note = runErr.Error()
	}
	e.emit(evt)

	e.logger.Info("Download run finished",
		zap.String("session_id", summary.SessionID),
		zap.String("status", string(status)),
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("remaining", summary.Remaining),
		zap.Duration("elapsed", summary.Duration),
		zap.Error(runErr))
	return summary, nil
}

// safeLoop recovers panics so the run still ends with what was recorded.
func (e *Engine) safeLoop(ctx context.Context, plan session.Plan, summary *Summary) (
	status session.Status, counts session.Counts, err error,
) {
	status, counts = session.StatusPaused, plan.Counts
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Download run panicked", zap.Any("panic", r), zap.Stack("stack"))
			status = session.StatusPaused
			err = fmt.Errorf("download run panicked: %v", r)
			if snap := e.manager.Snapshot(); snap != nil {
				counts = snap.Counts()
			}
		}
	}()
	return e.loop(ctx, plan, summary)
}

func (e *Engine) loop(ctx context.Context, plan session.Plan, summary *Summary) (session.Status, session.Counts, error) {
	counts := plan.Counts
	if len(plan.Pending) == 0 {
		e.logger.Info("All identifiers already processed", zap.String("session_id", summary.SessionID))
		return session.StatusCompleted, counts, nil
	}

	persistFailures := 0
	for i, id := range plan.Pending {
		if e.paused.Load() {
			e.logger.Info("Pause requested; stopping at item boundary", zap.Int("next", i+1))
			return session.StatusPaused, counts, nil
		}
		if ctx.Err() != nil {
			e.logger.Info("Context finished; pausing run", zap.Error(ctx.Err()))
			return session.StatusPaused, counts, nil
		}

		ordinal := plan.Positions.Ordinal(id, i+1)
		req := fetcher.Request{
			ID:         id,
			FileName:   plan.Metadata.FileName(ordinal),
			Dir:        plan.StagingDir,
			Credential: plan.Credential,
			Cookie:     plan.Cookie,
		}
		began := e.clock.Now()
		res := e.fetch.Fetch(ctx, req)
		elapsed := e.clock.Now().Sub(began)

		if !res.OK && ctx.Err() != nil {
			// Shutdown interrupted the fetch; leave the item pending.
			e.logger.Info("Fetch interrupted by shutdown; item left pending", zap.String("identifier", id))
			return session.StatusPaused, counts, nil
		}

		updated, err := e.record(id, res)
		if err != nil {
			return session.StatusPaused, counts, fmt.Errorf("record %s: %w", id, err)
		}
		counts = updated
		summary.Processed++

		if err := e.manager.Persist(context.WithoutCancel(ctx)); err != nil {
			persistFailures++
			e.logger.Warn("Session checkpoint failed",
				zap.String("identifier", id),
				zap.Int("consecutive_failures", persistFailures),
				zap.Error(err))
			if persistFailures >= e.cfg.MaxPersistFailures {
				return session.StatusPaused, counts, fmt.Errorf("%w: %d in a row: %w", ErrPersistence, persistFailures, err)
			}
		} else {
			persistFailures = 0
		}

		e.emitItem(plan, id, ordinal, res, counts, elapsed)

		if i < len(plan.Pending)-1 && plan.Delay > 0 {
			e.pauseBetween(ctx, plan.Delay)
		}
	}
	return session.StatusCompleted, counts, nil
}

func (e *Engine) record(id string, res fetcher.Result) (session.Counts, error) {
	if res.OK {
		return e.manager.RecordSuccess(id, res.Path, res.FileName, res.Data)
	}
	e.logger.Warn("Item failed", zap.String("identifier", id), zap.Int("attempts", res.Attempts), zap.String("reason", res.Message))
	return e.manager.RecordFailure(id)
}

// pauseBetween sleeps for d unless a pause or ctx cancellation wakes it early.
func (e *Engine) pauseBetween(ctx context.Context, d time.Duration) {
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.cancelSleep = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancelSleep = nil
		e.mu.Unlock()
	}()

	if e.paused.Load() {
		return
	}
	if err := e.sleeper.Sleep(sleepCtx, d); err != nil {
		e.logger.Debug("Inter-item delay cut short", zap.Error(err))
	}
}

func (e *Engine) emitItem(
	plan session.Plan,
	id string,
	ordinal int,
	res fetcher.Result,
	counts session.Counts,
	elapsed time.Duration,
) {
	evt := progress.Event{
		SessionID:  progress.UUIDToBytes(plan.SessionID),
		Stage:      progress.StageItemDone,
		Identifier: id,
		Ordinal:    ordinal,
		Attempts:   res.Attempts,
		Counters:   toCounters(counts),
		Dur:        elapsed,
	}
	if res.OK {
		evt.FileName = res.FileName
		evt.Bytes = int64(len(res.Data))
	} else {
		evt.Stage = progress.StageItemFailed
		evt.Note = res.Message
	}
	e.emit(evt)
}

func (e *Engine) emit(evt progress.Event) {
	evt.TS = e.clock.Now().UTC()
	if evt.Dur < 0 {
		evt.Dur = 0
	}
	e.emitter.Emit(evt)
}

func terminalStage(status session.Status, err error) progress.Stage {
	switch {
	case err != nil:
		return progress.StageRunError
	case status == session.StatusCompleted:
		return progress.StageRunDone
	default:
		return progress.StageRunPaused
	}
}

func toCounters(c session.Counts) progress.Counters {
	return progress.Counters{
		Succeeded: c.Completed,
		Failed:    c.Failed,
		Remaining: c.Pending,
		Total:     c.Unique,
	}
}
