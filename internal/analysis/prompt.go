package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-intel/internal/model"
)

const systemPrompt = `You are a market intelligence analyst. You read one item collected from a
financial data source (news, filings, insider trades, political trades, social posts,
economic releases, rate decisions or options flow) and return a JSON object only:

{
  "summary": "one or two sentences, plain language",
  "sentiment": "bullish" | "bearish" | "neutral",
  "sentiment_score": number between -1 and 1,
  "tickers": ["upper-case tickers materially mentioned"],
  "impact": "high" | "medium" | "low",
  "tags": ["short lower-case topic tags"]
}

Do not include commentary outside the JSON object.`

// maxBodyChars bounds the item body sent for analysis.
const maxBodyChars = 6000

func userPrompt(item model.StoredItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\nCategory: %s\n", item.SourceID, item.Category)
	if item.Ticker != "" {
		fmt.Fprintf(&b, "Ticker: %s\n", item.Ticker)
	}
	if ts := item.Timestamp(); !ts.IsZero() {
		fmt.Fprintf(&b, "Published: %s\n", ts.UTC().Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(&b, "Title: %s\n", item.Title)
	if item.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", item.URL)
	}
	if len(item.Extra) > 0 {
		keys := make([]string, 0, len(item.Extra))
		for k := range item.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, item.Extra[k])
		}
	}
	if body := strings.TrimSpace(item.Body); body != "" {
		if r := []rune(body); len(r) > maxBodyChars {
			body = string(r[:maxBodyChars]) + "..."
		}
		fmt.Fprintf(&b, "\n%s\n", body)
	}
	return b.String()
}

type rawEnrichment struct {
	Summary        string   `json:"summary"`
	Sentiment      string   `json:"sentiment"`
	SentimentScore float64  `json:"sentiment_score"`
	Tickers        []string `json:"tickers"`
	Impact         string   `json:"impact"`
	Tags           []string `json:"tags"`
}

// cleanJSON strips markdown fences and extracts the outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func parseEnrichment(text string) (model.Enrichment, error) {
	var raw rawEnrichment
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		return model.Enrichment{}, eris.Wrap(err, "analysis: decode enrichment")
	}
	summary := strings.TrimSpace(raw.Summary)
	if summary == "" {
		return model.Enrichment{}, eris.New("analysis: enrichment has no summary")
	}

	return model.Enrichment{
		Summary:        summary,
		Sentiment:      oneOf(raw.Sentiment, "neutral", "bullish", "bearish", "neutral"),
		SentimentScore: math.Max(-1, math.Min(1, raw.SentimentScore)),
		Impact:         oneOf(raw.Impact, "low", "high", "medium", "low"),
		Tickers:        normalizeTickers(raw.Tickers),
		Tags:           normalizeTags(raw.Tags),
	}, nil
}

func oneOf(v, def string, allowed ...string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return def
}

func normalizeTickers(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, t := range in {
		t = model.NormalizeTicker(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func normalizeTags(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
