package collect

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/market-intel/internal/fetcher"
	"github.com/sells-group/market-intel/internal/model"
)

var htmlHeader = http.Header{"Accept": []string{"text/html,application/xhtml+xml"}}

// ScrapeClient extracts items from an HTML listing page with CSS selectors.
//
// Params: url, item_selector (required); title_selector, link_selector,
// body_selector, ticker_selector, time_selector, time_format (optional).
// Sub-selectors are evaluated inside each item; an empty title selector uses
// the item's own text.
type ScrapeClient struct {
	fetcher fetcher.Fetcher
}

// NewScrapeClient creates a ScrapeClient that downloads through f.
func NewScrapeClient(f fetcher.Fetcher) *ScrapeClient {
	return &ScrapeClient{fetcher: f}
}

// Fetch downloads the page and walks params["item_selector"].
func (c *ScrapeClient) Fetch(ctx context.Context, params model.Params, since time.Time) ([]model.RawItem, error) {
	pageURL := params.Get("url")
	body, err := c.fetcher.Get(ctx, pageURL, htmlHeader)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, ParseFailure(eris.Wrap(err, "collect: parse html"))
	}
	base, _ := url.Parse(pageURL)

	sel := doc.Find(params.Get("item_selector"))
	if sel.Length() == 0 {
		return nil, nil
	}

	timeFormat := params.Get("time_format")
	var items []model.RawItem
	sel.Each(func(_ int, s *goquery.Selection) {
		title := selectText(s, params.Get("title_selector"))
		if title == "" {
			return
		}

		var published time.Time
		if tsel := params.Get("time_selector"); tsel != "" {
			published, _ = parseTime(selectText(s, tsel), timeFormat)
		}
		if !since.IsZero() && !published.IsZero() && !published.After(since) {
			return
		}

		item := model.RawItem{
			Title:       title,
			PublishedAt: published,
		}
		if bs := params.Get("body_selector"); bs != "" {
			item.Body = selectText(s, bs)
		}
		if ts := params.Get("ticker_selector"); ts != "" {
			item.Ticker = selectText(s, ts)
		} else {
			item.Ticker = firstCashtag(title, item.Body)
		}
		if ls := params.Get("link_selector"); ls != "" {
			if href, ok := s.Find(ls).First().Attr("href"); ok {
				item.URL = resolveLink(base, href)
			}
		}
		items = append(items, item)
	})
	return items, nil
}

func selectText(s *goquery.Selection, selector string) string {
	if selector == "" {
		return collapseSpace(s.Text())
	}
	return collapseSpace(s.Find(selector).First().Text())
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
