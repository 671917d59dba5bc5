package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagecrawl/internal/orchestrator"
)

// newDownloadCmd creates the 'download' subcommand, which starts or resumes a
// download run over every pending identifier.
func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Download pending images",
		Long: `Fetches every identifier that is neither completed nor failed, in
extraction order. Progress is saved after each item. The first interrupt
pauses the run once the current item finishes; a second interrupt aborts the
in-flight request and leaves that item pending.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationProgress: "true"},
		RunE:        runDownloadCommand,
	}
}

func runDownloadCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	engine := appInstance.GetEngine()
	logger := appInstance.GetLogger()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go pauseOnSignal(ctx, sigCh, engine, cancel, logger)

	engine.Resume()
	summary, err := engine.Run(ctx)
	if err != nil {
		return fmt.Errorf("start download: %w", err)
	}

	printSummary(cmd.OutOrStdout(), summary)
	if summary.Err != nil {
		return fmt.Errorf("download stopped: %w", summary.Err)
	}
	return nil
}

// pauseOnSignal pauses engine on the first signal and cancels the run on the
// second.
func pauseOnSignal(
	ctx context.Context,
	sigCh <-chan os.Signal,
	engine interface{ Pause() },
	cancel context.CancelFunc,
	logger *zap.Logger,
) {
	select {
	case <-ctx.Done():
		return
	case <-sigCh:
		logger.Info("Interrupt received; pausing after the current item. Interrupt again to abort.")
		engine.Pause()
	}
	select {
	case <-ctx.Done():
	case <-sigCh:
		logger.Warn("Second interrupt received; aborting")
		cancel()
	}
}

func printSummary(w io.Writer, s orchestrator.Summary) {
	_, _ = fmt.Fprintf(w, "Run %s: %d succeeded, %d failed, %d remaining of %d (%d processed in %s).\n",
		s.Status, s.Succeeded, s.Failed, s.Remaining, s.Total, s.Processed, s.Duration.Round(time.Millisecond))
}
