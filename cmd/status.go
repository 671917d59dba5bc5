package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/imagecrawl/internal/session"
)

type statusView struct {
	SessionID   string           `json:"session_id"`
	Step        string           `json:"step"`
	Status      session.Status   `json:"status"`
	Metadata    session.Metadata `json:"metadata"`
	ArchiveName string           `json:"archive_name,omitempty"`
	Counts      session.Counts   `json:"counts"`
	DelayMS     int64            `json:"delay_ms"`
	Credential  bool             `json:"has_credential"`
	Cookie      bool             `json:"has_cookie"`
	FailedIDs   []string         `json:"failed_ids"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func newStatusView(s *session.Session) statusView {
	v := statusView{
		SessionID:  s.ID.String(),
		Step:       s.Step.String(),
		Status:     s.Status,
		Metadata:   s.Progress.Metadata,
		Counts:     s.Counts(),
		DelayMS:    s.Delay.Milliseconds(),
		Credential: s.Credential != "",
		Cookie:     s.Cookie != "",
		FailedIDs:  append([]string{}, s.Progress.Failed...),
		UpdatedAt:  s.UpdatedAt,
	}
	if s.Configured() {
		v.ArchiveName = s.Progress.Metadata.ArchiveName()
	}
	return v
}

// newStatusCmd creates the 'status' subcommand.
func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the saved session and its progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			snap := appInstance.GetManager().Snapshot()
			out := cmd.OutOrStdout()
			if snap == nil {
				if asJSON {
					_, _ = fmt.Fprintln(out, "null")
					return nil
				}
				_, _ = fmt.Fprintln(out, "No session. Run 'imagecrawl extract' to start one.")
				return nil
			}
			view := newStatusView(snap)
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}
			return printStatus(out, view)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func printStatus(w io.Writer, v statusView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"Session", v.SessionID},
		{"Step", v.Step},
		{"Status", string(v.Status)},
	}
	if v.ArchiveName != "" {
		rows = append(rows,
			[2]string{"Collection", v.Metadata.Collection},
			[2]string{"Period", v.Metadata.Period},
			[2]string{"Code", v.Metadata.Code},
			[2]string{"Archive", v.ArchiveName},
		)
	}
	rows = append(rows,
		[2]string{"Identifiers", fmt.Sprintf("%d (%d unique)", v.Counts.Total, v.Counts.Unique)},
		[2]string{"Completed", fmt.Sprint(v.Counts.Completed)},
		[2]string{"Failed", fmt.Sprint(v.Counts.Failed)},
		[2]string{"Pending", fmt.Sprint(v.Counts.Pending)},
		[2]string{"Delay", (time.Duration(v.DelayMS) * time.Millisecond).String()},
	)
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	if len(v.FailedIDs) > 0 {
		_, _ = fmt.Fprintln(w, "\nFailed identifiers (run 'imagecrawl retry-failed' to queue them again):")
		for _, id := range v.FailedIDs {
			_, _ = fmt.Fprintf(w, "  %s\n", id)
		}
	}
	return nil
}
