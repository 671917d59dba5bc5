// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/imagecrawl/internal/clock/system"
	"github.com/JakeFAU/imagecrawl/internal/config"
	"github.com/JakeFAU/imagecrawl/internal/extract"
	"github.com/JakeFAU/imagecrawl/internal/fetcher"
	collyfetcher "github.com/JakeFAU/imagecrawl/internal/fetcher/colly"
	"github.com/JakeFAU/imagecrawl/internal/id/uuid"
	"github.com/JakeFAU/imagecrawl/internal/orchestrator"
	"github.com/JakeFAU/imagecrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/imagecrawl/internal/progress"
	"github.com/JakeFAU/imagecrawl/internal/progress/sinks"
	"github.com/JakeFAU/imagecrawl/internal/session"
	"github.com/JakeFAU/imagecrawl/internal/staging"
	"github.com/JakeFAU/imagecrawl/internal/statestore"
	"github.com/JakeFAU/imagecrawl/internal/statestore/gcs"
	"github.com/JakeFAU/imagecrawl/internal/statestore/local"
	"github.com/JakeFAU/imagecrawl/internal/statestore/postgres"
	"github.com/JakeFAU/imagecrawl/internal/statestore/sqlite"
	"github.com/JakeFAU/imagecrawl/internal/telemetry"
)

// Version is reported on the tracing resource.
var Version = "dev"

// Options carries dependencies that are not part of the configuration file.
type Options struct {
	// ProgressOut, when set, receives a terminal progress bar.
	ProgressOut io.Writer
	// PubSubOptions are passed to the Pub/Sub client, e.g. to target an emulator.
	PubSubOptions []option.ClientOption
	// Registry replaces the private Prometheus registry.
	Registry *prometheus.Registry
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// App holds all the shared, long-lived services for the application.
// It is built once per command invocation and closed when the command returns.
type App struct {
	config    config.Config
	logger    *zap.Logger
	store     statestore.Store
	stager    *staging.Stager
	manager   *session.Manager
	extractor *extract.Extractor
	worker    *fetcher.Worker
	engine    *orchestrator.Engine
	hub       *progress.Hub
	registry  *prometheus.Registry

	closers []closer
}

// GetConfig returns the configuration the App was built from.
func (a *App) GetConfig() config.Config { return a.config }

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// GetStore exposes the session snapshot store.
func (a *App) GetStore() statestore.Store { return a.store }

// GetStager exposes the staging directory manager.
func (a *App) GetStager() *staging.Stager { return a.stager }

// GetManager returns the session manager.
func (a *App) GetManager() *session.Manager { return a.manager }

// GetExtractor returns the identifier extractor.
func (a *App) GetExtractor() *extract.Extractor { return a.extractor }

// GetWorker returns the image fetcher.
func (a *App) GetWorker() *fetcher.Worker { return a.worker }

// GetEngine returns the download run engine.
func (a *App) GetEngine() *orchestrator.Engine { return a.engine }

// GetHub returns the progress event hub.
func (a *App) GetHub() *progress.Hub { return a.hub }

// GetRegistry returns the Prometheus registry progress metrics live in.
func (a *App) GetRegistry() *prometheus.Registry { return a.registry }

// New creates and initializes an App from cfg. Services that were started
// before a failure are closed before the error is returned.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{config: cfg, logger: logger, registry: opts.Registry}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("Initializing application services...", zap.String("state_provider", cfg.State.Provider))

	if cfg.Tracing.Enabled {
		tp, terr := telemetry.InitTracerProvider(ctx, telemetry.Options{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     Version,
		})
		if terr != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", terr)
		}
		a.addCloser("tracer", func(ctx context.Context) error { return shutdownTracer(ctx, tp) })
	}

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}
	a.store = store
	if c, ok := store.(io.Closer); ok {
		a.addCloser("state store", func(context.Context) error { return c.Close() })
	}

	a.stager, err = staging.New(staging.Config{BaseDir: cfg.Staging.BaseDir})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize staging: %w", err)
	}

	progressSinks, err := a.buildSinks(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	limiter, err := a.newLimiter(cfg)
	if err != nil {
		return nil, err
	}
	getter := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.HTTPTimeout(),
		MaxBodySize: cfg.HTTP.MaxBodyMB << 20,
		Limiter:     limiter,
	})
	clk := system.New()
	a.worker, err = fetcher.New(fetcher.Config{
		URLTemplate: cfg.Fetch.URLTemplate,
		Placeholder: cfg.Fetch.Placeholder,
		MaxAttempts: cfg.Fetch.MaxAttempts,
		RetryDelay:  cfg.RetryDelay(),
		Backoff:     cfg.Fetch.Backoff,
		MaxDelay:    cfg.MaxRetryDelay(),
	}, getter, a.stager, fetcher.WithSleeper(clk), fetcher.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fetcher: %w", err)
	}

	a.hub = progress.NewHub(progress.Config{BaseContext: context.WithoutCancel(ctx), Logger: logger}, progressSinks...)
	a.addCloser("progress hub", a.hub.Close)

	a.extractor = extract.New(cfg.Extract.Marker)
	a.manager = session.NewManager(store, session.Options{
		Stager:       a.stager,
		Clock:        clk,
		IDs:          uuid.New(),
		Logger:       logger,
		DefaultDelay: cfg.ItemDelay(),
	})
	found, err := a.manager.Load(ctx)
	var perr *session.PersistenceError
	switch {
	case errors.As(err, &perr):
		logger.Warn("Saved session could not be restored; starting empty",
			zap.String("op", perr.Op), zap.Error(perr.Err))
	case err != nil:
		return nil, fmt.Errorf("failed to restore session: %w", err)
	case !found:
		logger.Info("No saved session; starting empty")
	}

	a.engine = orchestrator.New(a.manager, a.worker, a.hub, clk, clk,
		orchestrator.Config{MaxPersistFailures: cfg.Download.MaxPersistFailures}, logger)

	logger.Info("Application services initialized successfully.")
	return a, nil
}

// Close shuts services down in reverse start order. The progress hub is
// drained before the stores it reports on are closed.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("Error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) buildSinks(ctx context.Context, cfg config.Config, opts Options) ([]progress.Sink, error) {
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	out := []progress.Sink{sinks.NewLogSink(a.logger), promSink}

	if opts.ProgressOut != nil {
		out = append(out, sinks.NewBarSink(opts.ProgressOut))
	}

	if cfg.PubSub.Enabled {
		a.logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", cfg.PubSub.TopicName))
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, opts.PubSubOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		a.addCloser("pubsub client", func(context.Context) error { return client.Close() })
		out = append(out, sinks.NewPubSubSink(client.Topic(cfg.PubSub.TopicName), a.logger))
	}
	return out, nil
}

func (a *App) newLimiter(cfg config.Config) (*ratelimit.Limiter, error) {
	delay := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imagecrawl_ratelimit_delay_seconds",
		Help:    "Time image requests waited for a rate limit token.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"host"})
	if err := a.registry.Register(delay); err != nil {
		return nil, fmt.Errorf("failed to register rate limit metrics: %w", err)
	}
	return ratelimit.New(ratelimit.Config{
		RPS:   cfg.HTTP.RequestsPerSecond,
		Burst: cfg.HTTP.Burst,
		OnDelay: func(host string, d time.Duration) {
			delay.WithLabelValues(host).Observe(d.Seconds())
		},
	}), nil
}

func newStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (statestore.Store, error) {
	st := cfg.State
	switch st.Provider {
	case config.ProviderMemory:
		logger.Info("Using in-memory state store. Progress will not survive a restart.")
		return statestore.NewMemoryStore(), nil
	case config.ProviderLocal:
		logger.Info("Using local state store", zap.String("base_dir", st.Local.BaseDir))
		return local.New(local.Config{BaseDir: st.Local.BaseDir, Folder: st.Folder, Name: st.Name})
	case config.ProviderGCS:
		logger.Info("Using GCS state store", zap.String("bucket", st.GCS.Bucket))
		return gcs.New(ctx, gcs.Config{Bucket: st.GCS.Bucket, Folder: st.Folder, Name: st.Name}, logger)
	case config.ProviderPostgres:
		logger.Info("Connecting to PostgreSQL state store...")
		return postgres.New(ctx, postgres.Config{
			DSN:             st.Postgres.DSN,
			Table:           st.Postgres.Table,
			Name:            st.Name,
			MaxConns:        st.Postgres.MaxConns,
			MaxConnLifetime: time.Duration(st.Postgres.MaxConnLifetimeMinutes) * time.Minute,
		})
	case config.ProviderSQLite:
		logger.Info("Using SQLite state store", zap.String("path", st.SQLite.Path))
		return sqlite.New(sqlite.Config{Path: st.SQLite.Path, Name: st.Name})
	default:
		return nil, fmt.Errorf("unknown state provider: %s", st.Provider)
	}
}

func shutdownTracer(ctx context.Context, tp *sdktrace.TracerProvider) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return tp.Shutdown(ctx)
}
