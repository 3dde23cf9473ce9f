package collect

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/market-intel/internal/fetcher"
	"github.com/sells-group/market-intel/internal/model"
)

var jsonHeader = http.Header{"Accept": []string{"application/json"}}

// APIClient collects JSON APIs, mapping fields with gjson paths.
//
// Params: url (required, ${ENV} references are expanded), items_path
// (required, "@this" for a top-level array), title_field, body_field,
// url_field, ticker_field, time_field, time_format ("unix", "unix_ms" or a
// Go layout; RFC3339 by default), title_prefix.
type APIClient struct {
	fetcher fetcher.Fetcher
}

// NewAPIClient creates an APIClient that downloads through f.
func NewAPIClient(f fetcher.Fetcher) *APIClient {
	return &APIClient{fetcher: f}
}

// Fetch downloads the document and maps each element at items_path.
func (c *APIClient) Fetch(ctx context.Context, params model.Params, since time.Time) ([]model.RawItem, error) {
	body, err := c.fetcher.Get(ctx, os.ExpandEnv(params.Get("url")), jsonHeader)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, ParseFailure(eris.New("collect: response is not valid JSON"))
	}

	list := gjson.GetBytes(body, params.Get("items_path"))
	if !list.Exists() {
		return nil, nil
	}
	if !list.IsArray() {
		return nil, ParseFailure(eris.Errorf("collect: %s is not an array", params.Get("items_path")))
	}

	titleField := params.GetOr("title_field", "title")
	prefix := params.Get("title_prefix")
	timeFormat := params.Get("time_format")

	var items []model.RawItem
	var parseErr error
	list.ForEach(func(_, el gjson.Result) bool {
		title := strings.TrimSpace(el.Get(titleField).String())
		if title == "" {
			return true
		}

		var published time.Time
		if tf := params.Get("time_field"); tf != "" {
			if v := el.Get(tf); v.Exists() {
				t, terr := parseTime(v.String(), timeFormat)
				if terr != nil {
					parseErr = terr
					return false
				}
				published = t
			}
		}
		if !since.IsZero() && !published.IsZero() && !published.After(since) {
			return true
		}

		item := model.RawItem{
			Title:       prefix + title,
			PublishedAt: published,
		}
		if f := params.Get("body_field"); f != "" {
			item.Body = strings.TrimSpace(el.Get(f).String())
		}
		if f := params.Get("url_field"); f != "" {
			item.URL = el.Get(f).String()
		}
		if f := params.Get("ticker_field"); f != "" {
			item.Ticker = el.Get(f).String()
		} else {
			item.Ticker = firstCashtag(title, item.Body)
		}
		items = append(items, item)
		return true
	})
	if parseErr != nil {
		return nil, ParseFailure(parseErr)
	}
	return items, nil
}

// parseTime interprets v according to format: "unix" seconds (fractions
// allowed), "unix_ms", or a time layout. An empty format means RFC3339.
func parseTime(v, format string) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch format {
	case "unix":
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return time.Time{}, eris.Wrapf(err, "collect: parse unix time %q", v)
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), nil
	case "unix_ms":
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, eris.Wrapf(err, "collect: parse unix_ms time %q", v)
		}
		return time.UnixMilli(ms).UTC(), nil
	case "":
		format = time.RFC3339
	}
	t, err := time.Parse(format, v)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "collect: parse time %q", v)
	}
	return t.UTC(), nil
}
