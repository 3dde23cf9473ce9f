package collect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-intel/internal/model"
)

const rssFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Markets</title>
  <item>
    <title>Apple beats estimates, $AAPL jumps</title>
    <link>https://news.example.com/aapl</link>
    <description>Strong iPhone quarter.</description>
    <pubDate>Tue, 14 Oct 2025 13:00:00 GMT</pubDate>
    <guid>aapl-1</guid>
  </item>
  <item>
    <title>Old news</title>
    <link>https://news.example.com/old</link>
    <pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate>
  </item>
</channel>
</rss>`

const edgarFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Latest Filings</title>
  <entry>
    <title>4 - Cook Timothy D (0001214128) (Reporting)</title>
    <link rel="alternate" type="text/html" href="https://www.sec.gov/Archives/edgar/data/1214128/000012.htm"/>
    <summary type="html">Filed: 2025-10-14 AccNo: 0001214128-25-000012</summary>
    <updated>2025-10-14T16:30:00-04:00</updated>
    <category scheme="https://www.sec.gov/" label="form type" term="4"/>
    <id>urn:tag:sec.gov,2008:accession-number=0001214128-25-000012</id>
  </entry>
  <entry>
    <title>8-K - Apple Inc. (0000320193) (Filer)</title>
    <link rel="alternate" type="text/html" href="https://www.sec.gov/Archives/edgar/data/320193/000032.htm"/>
    <updated>2025-10-14T16:00:00-04:00</updated>
    <category scheme="https://www.sec.gov/" label="form type" term="8-K"/>
    <id>urn:tag:sec.gov,2008:accession-number=0000320193-25-000032</id>
  </entry>
</feed>`

const listingPage = `<html><body>
<table>
  <tr class="row"><td class="when">2025-10-14</td><td><a class="link" href="/story/1">NVDA   hits record</a></td><td class="sym">nvda</td></tr>
  <tr class="row"><td class="when">2025-10-13</td><td><a class="link" href="https://other.example.com/2">Oil slides</a></td><td class="sym"></td></tr>
  <tr class="row"><td class="when"></td><td></td></tr>
</table>
</body></html>`

func TestRSSClient_Fetch(t *testing.T) {
	f := &stubFetcher{bodies: map[string]string{"https://feeds.example.com/rss": rssFeed}}
	c := NewRSSClient(f)

	items, err := c.Fetch(context.Background(), model.Params{"url": "https://feeds.example.com/rss"}, time.Time{})
	require.NoError(t, err)
	require.Len(t, items, 2)

	first := items[0]
	assert.Equal(t, "Apple beats estimates, $AAPL jumps", first.Title)
	assert.Equal(t, "Strong iPhone quarter.", first.Body)
	assert.Equal(t, "https://news.example.com/aapl", first.URL)
	assert.Equal(t, "AAPL", first.Ticker)
	assert.Equal(t, time.Date(2025, 10, 14, 13, 0, 0, 0, time.UTC), first.PublishedAt)
	assert.Equal(t, "aapl-1", first.Extra["guid"])

	recent, err := c.Fetch(context.Background(), model.Params{"url": "https://feeds.example.com/rss"}, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestRSSClient_ParseFailure(t *testing.T) {
	f := &stubFetcher{bodies: map[string]string{"https://feeds.example.com/rss": "not a feed at all"}}
	_, err := NewRSSClient(f).Fetch(context.Background(), model.Params{"url": "https://feeds.example.com/rss"}, time.Time{})

	ce, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindParseFailure, ce.Kind)
}

func TestEDGARClient_Fetch(t *testing.T) {
	f := &stubFetcher{bodies: map[string]string{"https://www.sec.gov/feed": edgarFeed}}
	c := NewEDGARClient(f)

	all, err := c.Fetch(context.Background(), model.Params{"url": "https://www.sec.gov/feed"}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "4", all[0].Extra["form"])
	assert.Equal(t, "0001214128", all[0].Extra["cik"])
	assert.Equal(t, "Cook Timothy D", all[0].Extra["filer"])
	assert.Equal(t, "Reporting", all[0].Extra["role"])
	assert.Equal(t, "8-K", all[1].Extra["form"])

	only8k, err := c.Fetch(context.Background(), model.Params{"url": "https://www.sec.gov/feed", "form": "8-k"}, time.Time{})
	require.NoError(t, err)
	require.Len(t, only8k, 1)
	assert.Equal(t, "0000320193", only8k[0].Extra["cik"])
}

func TestScrapeClient_Fetch(t *testing.T) {
	f := &stubFetcher{bodies: map[string]string{"https://site.example.com/news": listingPage}}
	c := NewScrapeClient(f)

	items, err := c.Fetch(context.Background(), model.Params{
		"url":             "https://site.example.com/news",
		"item_selector":   "tr.row",
		"title_selector":  "a.link",
		"link_selector":   "a.link",
		"ticker_selector": "td.sym",
		"time_selector":   "td.when",
		"time_format":     "2006-01-02",
	}, time.Time{})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "NVDA hits record", items[0].Title)
	assert.Equal(t, "https://site.example.com/story/1", items[0].URL)
	assert.Equal(t, "nvda", items[0].Ticker)
	assert.Equal(t, time.Date(2025, 10, 14, 0, 0, 0, 0, time.UTC), items[0].PublishedAt)
	assert.Equal(t, "https://other.example.com/2", items[1].URL)
}

func TestScrapeClient_NoMatches(t *testing.T) {
	f := &stubFetcher{bodies: map[string]string{"https://site.example.com/news": listingPage}}
	items, err := NewScrapeClient(f).Fetch(context.Background(), model.Params{
		"url":           "https://site.example.com/news",
		"item_selector": "div.missing",
	}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestAPIClient_RedditShape(t *testing.T) {
	body := `{"data":{"children":[
		{"data":{"title":"GME to the moon","selftext":"$GME calls","url":"https://reddit.com/1","created_utc":1760450400.0}},
		{"data":{"title":"","selftext":"no title"}}
	]}}`
	f := &stubFetcher{bodies: map[string]string{"https://www.reddit.com/r/wallstreetbets/new.json": body}}

	items, err := NewAPIClient(f).Fetch(context.Background(), model.Params{
		"url":         "https://www.reddit.com/r/wallstreetbets/new.json",
		"items_path":  "data.children",
		"title_field": "data.title",
		"body_field":  "data.selftext",
		"url_field":   "data.url",
		"time_field":  "data.created_utc",
		"time_format": "unix",
	}, time.Time{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "GME to the moon", items[0].Title)
	assert.Equal(t, "GME", items[0].Ticker)
	assert.Equal(t, "https://reddit.com/1", items[0].URL)
	assert.Equal(t, time.Unix(1760450400, 0).UTC(), items[0].PublishedAt)
}

func TestAPIClient_TopLevelArrayAndEnv(t *testing.T) {
	t.Setenv("TEST_API_KEY", "secret")
	body := `[{"value":"4.33","date":"2025-10-10"}]`
	f := &stubFetcher{bodies: map[string]string{"https://api.example.com/obs?key=secret": body}}

	items, err := NewAPIClient(f).Fetch(context.Background(), model.Params{
		"url":          "https://api.example.com/obs?key=${TEST_API_KEY}",
		"items_path":   "@this",
		"title_field":  "value",
		"time_field":   "date",
		"time_format":  "2006-01-02",
		"title_prefix": "DFF ",
	}, time.Time{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "DFF 4.33", items[0].Title)
	assert.Equal(t, time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC), items[0].PublishedAt)
}

func TestAPIClient_ParseFailures(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		params model.Params
	}{
		{"invalid json", `{"items":[`, nil},
		{"not an array", `{"items":{"title":"x"}}`, nil},
		{"bad time", `{"items":[{"title":"x","ts":"yesterday"}]}`, model.Params{"time_field": "ts", "time_format": "unix"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &stubFetcher{bodies: map[string]string{"https://api.example.com/items": tt.body}}
			params := model.Params{"url": "https://api.example.com/items", "items_path": "items"}
			for k, v := range tt.params {
				params[k] = v
			}
			_, err := NewAPIClient(f).Fetch(context.Background(), params, time.Time{})

			ce, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, KindParseFailure, ce.Kind)
		})
	}
}

func TestCustomClient(t *testing.T) {
	c := NewCustomClient()
	c.Handle("static", func(_ context.Context, p model.Params, _ time.Time) ([]model.RawItem, error) {
		return []model.RawItem{{Title: p.Get("title")}}, nil
	})

	items, err := c.Fetch(context.Background(), model.Params{"handler": "static", "title": "hello"}, time.Time{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "hello", items[0].Title)

	_, err = c.Fetch(context.Background(), model.Params{"handler": "missing"}, time.Time{})
	ce, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindUnreachable, ce.Kind)
}

func TestParseTime(t *testing.T) {
	ts, err := parseTime("1700000000.5", "unix")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts.Unix())
	assert.Equal(t, 500*time.Millisecond, time.Duration(ts.Nanosecond()))

	ms, err := parseTime("1700000000123", "unix_ms")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), ms.UnixMilli())

	rfc, err := parseTime("2025-10-14T09:30:00-04:00", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 10, 14, 13, 30, 0, 0, time.UTC), rfc)

	_, err = parseTime("garbage", "")
	assert.Error(t, err)
}
