package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/market-intel/internal/aggregate"
	"github.com/sells-group/market-intel/internal/model"
)

var (
	queryTicker   string
	queryCategory string
	querySince    time.Duration
	queryLimit    int
	queryJSON     bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Show stored intelligence grouped by category",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f := model.ItemFilter{Ticker: queryTicker, Limit: queryLimit}
		if queryCategory != "" {
			c, err := model.ParseCategory(queryCategory)
			if err != nil {
				return err
			}
			f.Category = c
		}
		if querySince > 0 {
			f.Since = time.Now().Add(-querySince)
		}

		env, err := initEnv(ctx, "query", false)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := aggregate.New(env.Store).Query(ctx, f)
		if err != nil {
			return err
		}
		if queryJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		formatBuckets(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryTicker, "ticker", "", "only items for this ticker")
	queryCmd.Flags().StringVar(&queryCategory, "category", "", "only this category")
	queryCmd.Flags().DurationVar(&querySince, "since", 24*time.Hour, "look back this far (0 for all)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 20, "max items per category")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print JSON")
	rootCmd.AddCommand(queryCmd)
}

// formatBuckets writes each non-empty category as its own table.
func formatBuckets(out io.Writer, res aggregate.Result) {
	if res.Total == 0 {
		_, _ = fmt.Fprintln(out, "no items")
		return
	}
	for _, cat := range res.Categories() {
		_, _ = fmt.Fprintf(out, "== %s (%d)\n", cat, len(res.Buckets[cat]))
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, it := range res.Buckets[cat] {
			sentiment, summary := "-", ""
			if it.Enrichment != nil {
				sentiment = it.Enrichment.Sentiment
				summary = it.Enrichment.Summary
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				it.Timestamp().Format("01-02 15:04"),
				it.Ticker,
				sentiment,
				truncate(it.Title, 70),
				truncate(summary, 60),
			)
		}
		_ = w.Flush()
		_, _ = fmt.Fprintln(out)
	}
}
