package collect

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rotisserie/eris"

	"github.com/sells-group/market-intel/internal/fetcher"
	"github.com/sells-group/market-intel/internal/model"
)

var cashtagRe = regexp.MustCompile(`\$([A-Z]{1,5})\b`)

// firstCashtag returns the first $TICKER mention in any of texts.
func firstCashtag(texts ...string) string {
	for _, t := range texts {
		if m := cashtagRe.FindStringSubmatch(t); m != nil {
			return m[1]
		}
	}
	return ""
}

var feedHeader = http.Header{
	"Accept": []string{"application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8"},
}

// RSSClient collects RSS and Atom feeds.
//
// Params: url (required), ticker (fixed ticker for every item, optional).
type RSSClient struct {
	fetcher fetcher.Fetcher
}

// NewRSSClient creates an RSSClient that downloads through f.
func NewRSSClient(f fetcher.Fetcher) *RSSClient {
	return &RSSClient{fetcher: f}
}

// Fetch downloads and parses the feed at params["url"].
func (c *RSSClient) Fetch(ctx context.Context, params model.Params, since time.Time) ([]model.RawItem, error) {
	feed, err := fetchFeed(ctx, c.fetcher, params.Get("url"))
	if err != nil {
		return nil, err
	}

	fixed := params.Get("ticker")
	var items []model.RawItem
	for _, entry := range feed.Items {
		published := entryTime(entry)
		if !since.IsZero() && !published.IsZero() && !published.After(since) {
			continue
		}
		body := entry.Description
		if body == "" {
			body = entry.Content
		}
		ticker := fixed
		if ticker == "" {
			ticker = firstCashtag(entry.Title, body)
		}
		items = append(items, model.RawItem{
			Title:       strings.TrimSpace(entry.Title),
			Body:        strings.TrimSpace(body),
			URL:         entryLink(entry),
			Ticker:      ticker,
			PublishedAt: published,
			Extra:       entryExtra(entry),
		})
	}
	return items, nil
}

func fetchFeed(ctx context.Context, f fetcher.Fetcher, url string) (*gofeed.Feed, error) {
	body, err := f.Get(ctx, url, feedHeader)
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, ParseFailure(eris.Wrap(err, "collect: parse feed"))
	}
	return feed, nil
}

func entryTime(e *gofeed.Item) time.Time {
	switch {
	case e.PublishedParsed != nil:
		return e.PublishedParsed.UTC()
	case e.UpdatedParsed != nil:
		return e.UpdatedParsed.UTC()
	default:
		return time.Time{}
	}
}

// entryLink prefers the explicit link and falls back to a URL-shaped GUID.
func entryLink(e *gofeed.Item) string {
	if e.Link != "" {
		return e.Link
	}
	if strings.HasPrefix(e.GUID, "http") {
		return e.GUID
	}
	return ""
}

func entryExtra(e *gofeed.Item) map[string]string {
	extra := map[string]string{}
	if e.GUID != "" {
		extra["guid"] = e.GUID
	}
	if len(e.Categories) > 0 {
		extra["categories"] = strings.Join(e.Categories, ",")
	}
	if len(e.Authors) > 0 && e.Authors[0] != nil && e.Authors[0].Name != "" {
		extra["author"] = e.Authors[0].Name
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}
