package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newExtractCmd creates the 'extract' subcommand, which turns a pasted URL
// listing into the identifier sequence of a new session.
func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract [file]",
		Short: "Extract record identifiers from a URL listing",
		Long: `Reads a JSON array, a JSON object with a "urls" key, any other JSON
document or free text, from the given file or standard input, and stores every
record identifier it finds as the identifier sequence of the session.

Extraction is refused once the session has recorded download progress; run
'imagecrawl reset' first to start a new batch.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runExtractCommand,
	}
}

func runExtractCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	raw, err := readInput(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	res, err := appInstance.GetExtractor().Extract(string(raw))
	if err != nil {
		return fmt.Errorf("extract identifiers: %w", err)
	}
	if err := appInstance.GetManager().Extract(cmd.Context(), res.IDs); err != nil {
		return fmt.Errorf("store identifiers: %w", err)
	}

	appInstance.GetLogger().Debug("Identifiers extracted",
		zap.Int("identifiers", res.Count()), zap.Int("candidates", res.Candidates))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Extracted %d identifiers from %d candidate URLs.\n", res.Count(), res.Candidates)
	return nil
}

// readInput reads the named file, or stdin when no file or "-" is given.
func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	return data, nil
}
