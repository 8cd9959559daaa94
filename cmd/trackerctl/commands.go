package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/upscale-tracker/internal/artifact"
	"github.com/suPer8Hu/upscale-tracker/internal/auth"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
	"github.com/suPer8Hu/upscale-tracker/internal/readiness"
)

var statusClass string

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "List tracked jobs, or show one job",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient()
		if len(args) == 1 {
			var out struct {
				Job jobs.Record `json:"job"`
			}
			if err := c.call(cmd.Context(), http.MethodGet, "/jobs/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out.Job)
		}

		var out struct {
			Jobs []jobs.Record `json:"jobs"`
		}
		if err := c.call(cmd.Context(), http.MethodGet, "/jobs?class="+url.QueryEscape(statusClass), nil, &out); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tSTATUS\tPROGRESS\tTRANSPORT\tUPDATED")
		for _, j := range out.Jobs {
			fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n", j.JobID, j.Status, j.Processed, j.Total, j.Transport, j.LastUpdated.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var (
	validateDir      string
	validateManifest string
	validateAsk      bool
)

// askManifest reads a manifest path from in. An empty answer means none.
func askManifest(in io.Reader, out io.Writer, jobID string) (string, error) {
	fmt.Fprintf(out, "manifest for %s (empty for none): ", jobID)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

var validateCmd = &cobra.Command{
	Use:   "validate <job-id>",
	Short: "Download a job's artifact and check it against its manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manifest := validateManifest
		if manifest == "" && validateAsk {
			var err error
			if manifest, err = askManifest(cmd.InOrStdin(), cmd.OutOrStdout(), args[0]); err != nil {
				return err
			}
		}

		var out struct {
			Report artifact.Report `json:"report"`
		}
		body := map[string]any{"silent": true, "targetDir": validateDir, "manifestPath": manifest}
		path := "/jobs/" + url.PathEscape(args[0]) + "/artifact/validate"
		if err := newAPIClient().call(cmd.Context(), http.MethodPost, path, body, &out); err != nil {
			return err
		}
		s := out.Report.Summary
		fmt.Fprintf(cmd.OutOrStdout(), "report %s: %d matched, %d missing, %d extra, %d mismatched\n",
			out.Report.ID, s.Matched, s.Missing, s.Extra, s.Mismatched)
		for _, w := range out.Report.Warnings {
			fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
		}
		return nil
	},
}

var readinessCmd = &cobra.Command{
	Use:   "readiness",
	Short: "Show whether guarded actions may run",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Readiness readiness.Result         `json:"readiness"`
			Outcome   *readiness.RenameOutcome `json:"outcome"`
		}
		if err := newAPIClient().call(cmd.Context(), http.MethodGet, "/readiness", nil, &out); err != nil {
			return err
		}
		if out.Readiness.OK {
			fmt.Fprintln(cmd.OutOrStdout(), "ready")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "blocked: %s\n", out.Readiness.Reason)
		return nil
	},
}

var (
	tokenSubject string
	tokenSecret  string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign an API token with the tracker's JWT secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			return fmt.Errorf("--secret or JWT_SECRET is required")
		}
		t, err := auth.SignJWT(tokenSubject, tokenSecret, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), t)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusClass, "class", "all", "all, active, completed or failed")
	validateCmd.Flags().StringVar(&validateDir, "dir", "", "download directory (server default when empty)")
	validateCmd.Flags().StringVar(&validateManifest, "manifest", "", "manifest path on the tracker host")
	validateCmd.Flags().BoolVar(&validateAsk, "ask", false, "prompt for a manifest path when --manifest is empty")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", envOr("JWT_SECRET", ""), "JWT secret")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(statusCmd, validateCmd, readinessCmd, tokenCmd)
}
