package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/imagecrawl/internal/session"
)

type configureOptions struct {
	collection string
	period     string
	code       string
	credential string
	cookie     string
	delay      time.Duration
}

// newConfigureCmd creates the 'configure' subcommand. It labels the batch and
// updates the optional request settings of the current session.
func newConfigureCmd() *cobra.Command {
	opts := &configureOptions{}
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Label the batch and set download options",
		Long: `Sets the collection, period and code that name every downloaded file
and the final archive, e.g. Bautismos_1890-1895_PR01_008.jpg. The three labels
are set together. The credential, cookie and delay flags may be changed on
their own at any time no run is active.`,
		Example: `  imagecrawl configure --collection Bautismos --period 1890-1895 --code PR01
  imagecrawl configure --delay 2s --cookie "fssessionid=..."`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigureCommand(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.collection, "collection", "", "collection label")
	flags.StringVar(&opts.period, "period", "", "period label")
	flags.StringVar(&opts.code, "code", "", "code label")
	flags.StringVar(&opts.credential, "credential", "", "bearer credential sent with every request")
	flags.StringVar(&opts.cookie, "cookie", "", "cookie header sent with every request")
	flags.DurationVar(&opts.delay, "delay", 0, "pause between items")
	cmd.MarkFlagsRequiredTogether("collection", "period", "code")

	return cmd
}

func runConfigureCommand(cmd *cobra.Command, opts *configureOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	manager := appInstance.GetManager()
	flags := cmd.Flags()
	out := cmd.OutOrStdout()

	var settings session.Settings
	if flags.Changed("credential") {
		settings.Credential = &opts.credential
	}
	if flags.Changed("cookie") {
		settings.Cookie = &opts.cookie
	}
	if flags.Changed("delay") {
		settings.Delay = &opts.delay
	}
	labels := flags.Changed("collection")
	updates := settings.Credential != nil || settings.Cookie != nil || settings.Delay != nil
	if !labels && !updates {
		return errors.New("nothing to configure; pass --collection/--period/--code or a setting flag")
	}

	if labels {
		meta := session.Metadata{Collection: opts.collection, Period: opts.period, Code: opts.code}
		if err := manager.Configure(cmd.Context(), meta); err != nil {
			return fmt.Errorf("configure batch: %w", err)
		}
		total := manager.Snapshot().Progress.Metadata.Total
		_, _ = fmt.Fprintf(out, "Configured %s with %d identifiers; archive will be %s.\n",
			meta.Collection, total, meta.ArchiveName())
	}

	if updates {
		if err := manager.UpdateSettings(cmd.Context(), settings); err != nil {
			return fmt.Errorf("update settings: %w", err)
		}
		_, _ = fmt.Fprintln(out, "Settings updated.")
	}
	return nil
}
