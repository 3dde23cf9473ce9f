package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/scheduler"
	"github.com/sells-group/market-intel/internal/source"
)

var (
	sourcesCategory string
	sourcesServer   string
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect and administer the source catalog",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog sources in declaration order",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := source.Load(cfg.Sources.File)
		if err != nil {
			return err
		}
		f := source.Filter{}
		if sourcesCategory != "" {
			c, err := model.ParseCategory(sourcesCategory)
			if err != nil {
				return err
			}
			f.Category = c
		}
		formatSources(cmd.OutOrStdout(), reg.List(f))
		return nil
	},
}

var sourcesStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-source health rebuilt from collection history",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "query", false)
		if err != nil {
			return err
		}
		defer env.Close()

		formatSourceStates(cmd.OutOrStdout(), env.Scheduler.Status(), time.Now())
		return nil
	},
}

var sourcesResumeCmd = &cobra.Command{
	Use:   "resume <source-id>",
	Short: "Force-resume a suspended source on a running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := sourcesServer
		if addr == "" {
			addr = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}
		if err := resumeRemote(cmd.Context(), http.DefaultClient, addr, args[0]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "resumed %s\n", args[0])
		return err
	},
}

func init() {
	sourcesListCmd.Flags().StringVar(&sourcesCategory, "category", "", "only list this category")
	sourcesResumeCmd.Flags().StringVar(&sourcesServer, "server", "", "server base URL (default http://localhost:<server.port>)")
	sourcesCmd.AddCommand(sourcesListCmd, sourcesStatusCmd, sourcesResumeCmd)
	rootCmd.AddCommand(sourcesCmd)
}

// resumeRemote calls the resume endpoint of a running server.
func resumeRemote(ctx context.Context, client *http.Client, baseURL, id string) error {
	url := strings.TrimRight(baseURL, "/") + "/api/v1/sources/" + id + "/resume"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return eris.Wrap(err, "sources: build resume request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "sources: resume %s", id)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = resp.Status
		}
		return eris.Errorf("sources: resume %s: %s", id, msg)
	}
	return nil
}

func formatSources(out io.Writer, descs []model.SourceDescriptor) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCATEGORY\tTIER\tKIND\tCADENCE\tENABLED")
	_, _ = fmt.Fprintln(w, "--\t--------\t----\t----\t-------\t-------")
	for _, d := range descs {
		cadence := "tier"
		if d.Cadence > 0 {
			cadence = d.Cadence.String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n", d.ID, d.Category, d.Tier, d.Kind, cadence, d.Enabled)
	}
	_ = w.Flush()
}

func formatSourceStates(out io.Writer, states []scheduler.SourceState, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTIER\tSTATUS\tFAILURES\tLAST RUN\tNEXT DUE\tLAST ERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t--------\t--------\t----------")
	for _, s := range states {
		lastRun := "-"
		if !s.LastRunEnd.IsZero() {
			lastRun = s.LastRunEnd.Format("2006-01-02 15:04")
		}
		next := "now"
		if s.NextDue.After(now) {
			next = "in " + s.NextDue.Sub(now).Round(time.Minute).String()
		}
		status := string(s.Status)
		if !s.Enabled {
			status = "disabled"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			s.SourceID, s.Tier, status, s.ConsecutiveFailures, lastRun, next, truncate(s.LastError, 50))
	}
	_ = w.Flush()
}
