package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-intel/internal/aggregate"
	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/scheduler"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"serve", "collect", "process", "sources", "query", "migrate"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "market-intel", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestSourcesCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range sourcesCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "status", "resume"} {
		assert.True(t, names[name], "sources should have subcommand %q", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
	assert.NotNil(t, serveCmd.Flags().Lookup("no-tick"))
}

func TestQueryCommand_Flags(t *testing.T) {
	for _, name := range []string{"ticker", "category", "since", "limit", "json"} {
		assert.NotNil(t, queryCmd.Flags().Lookup(name), "query should have --%s flag", name)
	}
	assert.Equal(t, "24h0m0s", queryCmd.Flags().Lookup("since").DefValue)
}

func TestCollectCommand_Flags(t *testing.T) {
	assert.NotNil(t, collectCmd.Flags().Lookup("categories"))
	assert.NotNil(t, collectCmd.Flags().Lookup("due"))
	assert.NotNil(t, processCmd.Flags().Lookup("categories"))
}

func TestFormatCollectionRuns(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	runs := []model.CollectionRun{
		{SourceID: "wsb", Outcome: model.OutcomeSuccess, ItemCount: 5, Stored: 3, Duplicates: 2, StartedAt: start, EndedAt: start.Add(1500 * time.Millisecond)},
		{SourceID: "fed", Outcome: model.OutcomeFailed, ErrorKind: "unreachable", Reason: "connection refused"},
		{SourceID: "slow", Outcome: model.OutcomeFailed, Abandoned: true, ErrorKind: "timeout", Reason: "context deadline exceeded"},
	}

	var buf bytes.Buffer
	formatCollectionRuns(&buf, runs)
	out := buf.String()

	assert.Contains(t, out, "SOURCE")
	assert.Contains(t, out, "wsb")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "unreachable: connection refused")
	assert.Contains(t, out, "abandoned")
	assert.Contains(t, out, "3 sources, 3 stored, 2 duplicates")
}

func TestFormatSourceStates(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	states := []scheduler.SourceState{
		{SourceID: "sec-form4", Tier: model.TierCritical, Enabled: true, Status: scheduler.StatusOK, NextDue: now.Add(5 * time.Minute), LastRunEnd: now},
		{SourceID: "wsb", Tier: model.TierMedium, Enabled: true, Status: scheduler.StatusSuspended, ConsecutiveFailures: 3, LastError: "rate limited"},
		{SourceID: "old", Tier: model.TierLow, Status: scheduler.StatusOK},
	}

	var buf bytes.Buffer
	formatSourceStates(&buf, states, now)
	out := buf.String()

	assert.Contains(t, out, "in 5m0s")
	assert.Contains(t, out, "suspended")
	assert.Contains(t, out, "rate limited")
	assert.Contains(t, out, "disabled")
}

func TestFormatSources(t *testing.T) {
	var buf bytes.Buffer
	formatSources(&buf, []model.SourceDescriptor{
		{ID: "wsb", Category: model.CategorySocial, Tier: model.TierMedium, Kind: model.FetchAPI, Cadence: 10 * time.Minute, Enabled: true},
		{ID: "cnbc", Category: model.CategoryNews, Tier: model.TierHigh, Kind: model.FetchRSS},
	})
	out := buf.String()
	assert.Contains(t, out, "10m0s")
	assert.Contains(t, out, "tier")
	assert.Contains(t, out, "false")
}

func TestFormatBuckets(t *testing.T) {
	ts := time.Date(2025, 3, 1, 14, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatBuckets(&buf, aggregate.Result{
		Total: 1,
		Buckets: map[model.Category][]model.StoredItem{
			model.CategoryNews: {{Title: "Apple beats estimates", Ticker: "AAPL", PublishedAt: ts,
				Enrichment: &model.Enrichment{Sentiment: "bullish", Summary: "Strong quarter"}}},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "== news (1)")
	assert.Contains(t, out, "03-01 14:30")
	assert.Contains(t, out, "bullish")

	buf.Reset()
	formatBuckets(&buf, aggregate.Result{})
	assert.Equal(t, "no items\n", buf.String())
}

func TestResumeRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if r.URL.Path == "/api/v1/sources/wsb/resume" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"resumed"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown source"}`))
	}))
	defer srv.Close()

	require.NoError(t, resumeRemote(context.Background(), srv.Client(), srv.URL+"/", "wsb"))

	err := resumeRemote(context.Background(), srv.Client(), srv.URL, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
