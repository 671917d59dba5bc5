// Package cmd defines and implements the CLI commands for the imagecrawl executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagecrawl/internal/app"
	"github.com/JakeFAU/imagecrawl/internal/config"
	"github.com/JakeFAU/imagecrawl/internal/extract"
	"github.com/JakeFAU/imagecrawl/internal/logging"
	"github.com/JakeFAU/imagecrawl/internal/orchestrator"
	"github.com/JakeFAU/imagecrawl/internal/session"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a test app.
type App interface {
	Close(ctx context.Context) error
	GetConfig() config.Config
	GetLogger() *zap.Logger
	GetManager() *session.Manager
	GetExtractor() *extract.Extractor
	GetEngine() *orchestrator.Engine
	GetRegistry() *prometheus.Registry
}

// newApp is the application factory. It's a variable so tests can
// replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, opts app.Options) (App, error) {
	return app.New(ctx, cfg, logger, opts)
}

type rootOptions struct {
	cfgFile    string
	noProgress bool
	app        App
}

// closeApp shuts the application down. It runs whether or not the command
// succeeded.
func (o *rootOptions) closeApp(ctx context.Context) {
	if o.app == nil {
		return
	}
	logger := o.app.GetLogger()
	if err := o.app.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("Shutdown finished with errors", zap.Error(err))
	}
	_ = logger.Sync()
	o.app = nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "imagecrawl",
		Short: "Harvest record-image identifiers and download them into a ZIP archive.",
		Long: `imagecrawl turns a pasted listing of record-image URLs into a resumable
download session. Extract identifiers, label the batch, download each image
with retries and package the results as a ZIP archive. Progress is saved
after every item, so an interrupted run picks up where it left off.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				File:        cfg.Logging.File,
				MaxSizeMB:   cfg.Logging.MaxSizeMB,
				MaxBackups:  cfg.Logging.MaxBackups,
				MaxAgeDays:  cfg.Logging.MaxAgeDays,
				Compress:    cfg.Logging.Compress,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			appOpts := app.Options{}
			if cmd.Annotations[annotationProgress] == "true" && !opts.noProgress {
				appOpts.ProgressOut = cmd.ErrOrStderr()
			}

			appInstance, err := newApp(cmd.Context(), cfg, logger, appOpts)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			opts.app = appInstance
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().BoolVar(&opts.noProgress, "no-progress", false, "disable the terminal progress bar")

	cmd.AddCommand(
		newExtractCmd(),
		newConfigureCmd(),
		newDownloadCmd(),
		newStatusCmd(),
		newRetryFailedCmd(),
		newResetCmd(),
		newArchiveCmd(),
		newServeCmd(),
	)

	return cmd, opts
}

// annotationProgress marks commands that render a progress bar.
const annotationProgress = "imagecrawl/progress"

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// run executes the command tree against args and closes the application
// afterwards.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root, opts := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	defer opts.closeApp(ctx)
	return root.ExecuteContext(ctx)
}

// Execute is the main entry point.
func Execute() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
