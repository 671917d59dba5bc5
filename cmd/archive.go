package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagecrawl/internal/archive"
	"github.com/JakeFAU/imagecrawl/internal/session"
)

type archiveOptions struct {
	out  string
	all  bool
	item string
}

// newArchiveCmd creates the 'archive' subcommand, which packages retrieved
// images into a ZIP file or writes a single retrieved image.
func newArchiveCmd() *cobra.Command {
	opts := &archiveOptions{}
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Write retrieved images to a ZIP archive",
		Long: `Packages every completed image, in completion order, into a ZIP archive
named after the batch labels. Completed items whose bytes are missing are
reported and skipped. With --item, writes the single retrieved image instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runArchiveCommand(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.out, "out", "o", "", "output path (default: the archive or file name in the current directory)")
	flags.BoolVar(&opts.all, "all", false, "also include retrieved images that are not in the completed list")
	flags.StringVar(&opts.item, "item", "", "write only the image for this identifier")
	return cmd
}

func runArchiveCommand(cmd *cobra.Command, opts *archiveOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	snap := appInstance.GetManager().Snapshot()
	if snap == nil {
		return session.ErrNoSession
	}
	out := cmd.OutOrStdout()

	if opts.item != "" {
		item, err := archive.Item(snap.Progress, opts.item)
		if err != nil {
			return err
		}
		path := opts.out
		if path == "" {
			path = item.FileName
		}
		if err := writeFileAtomic(path, func(f *os.File) error {
			_, err := f.Write(item.Data)
			return err
		}); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "Wrote %s (%d bytes).\n", path, len(item.Data))
		return nil
	}

	if !snap.Configured() && opts.out == "" {
		return errors.New("batch is not configured; pass --out or run 'imagecrawl configure' first")
	}
	path := opts.out
	if path == "" {
		path = snap.Progress.Metadata.ArchiveName()
	}

	var report archive.Report
	err = writeFileAtomic(path, func(f *os.File) error {
		var werr error
		report, werr = archive.Write(f, snap.Progress, archive.Options{CompletedOnly: !opts.all})
		return werr
	})
	if err != nil {
		return err
	}

	for _, skipped := range report.Skipped {
		appInstance.GetLogger().Warn("Item skipped", zap.String("identifier", skipped.ID), zap.String("reason", skipped.Reason))
	}
	_, _ = fmt.Fprintf(out, "Wrote %s with %d images", path, len(report.Entries))
	if n := len(report.Skipped); n > 0 {
		_, _ = fmt.Fprintf(out, " (%d skipped)", n)
	}
	_, _ = fmt.Fprintln(out, ".")
	return nil
}

// writeFileAtomic writes through a temp file in the target directory and
// renames it into place, so a failed write never leaves a partial file.
func writeFileAtomic(path string, write func(f *os.File) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
