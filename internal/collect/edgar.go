package collect

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/sells-group/market-intel/internal/fetcher"
	"github.com/sells-group/market-intel/internal/model"
)

// EDGAR current-filings titles look like "4 - Cook Timothy D (0001214128) (Reporting)".
var edgarTitleRe = regexp.MustCompile(`^(.+?)\s+-\s+(.+?)\s+\((\d{10})\)(?:\s+\(([^)]+)\))?`)

// EDGARClient collects the SEC EDGAR current-filings Atom feed. The fetcher
// must be configured with a contact User-Agent for sec.gov hosts.
//
// Params: url (required), form (keep only this form type, optional).
type EDGARClient struct {
	fetcher fetcher.Fetcher
}

// NewEDGARClient creates an EDGARClient that downloads through f.
func NewEDGARClient(f fetcher.Fetcher) *EDGARClient {
	return &EDGARClient{fetcher: f}
}

// Fetch downloads the filing feed and maps each entry to a RawItem with the
// form type, CIK and filer role in Extra.
func (c *EDGARClient) Fetch(ctx context.Context, params model.Params, since time.Time) ([]model.RawItem, error) {
	feed, err := fetchFeed(ctx, c.fetcher, params.Get("url"))
	if err != nil {
		return nil, err
	}

	wantForm := strings.ToUpper(params.Get("form"))
	var items []model.RawItem
	for _, entry := range feed.Items {
		published := entryTime(entry)
		if !since.IsZero() && !published.IsZero() && !published.After(since) {
			continue
		}

		extra := map[string]string{}
		title := strings.TrimSpace(entry.Title)
		if m := edgarTitleRe.FindStringSubmatch(title); m != nil {
			extra["form"] = strings.TrimSpace(m[1])
			extra["filer"] = m[2]
			extra["cik"] = m[3]
			if m[4] != "" {
				extra["role"] = m[4]
			}
		}
		for _, cat := range entry.Categories {
			if _, ok := extra["form"]; !ok && cat != "" {
				extra["form"] = cat
			}
		}
		if wantForm != "" && strings.ToUpper(extra["form"]) != wantForm {
			continue
		}
		if entry.GUID != "" {
			extra["accession"] = entry.GUID
		}

		items = append(items, model.RawItem{
			Title:       title,
			Body:        strings.TrimSpace(entry.Description),
			URL:         entryLink(entry),
			PublishedAt: published,
			Extra:       extra,
		})
	}
	return items, nil
}
