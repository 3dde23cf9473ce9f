package source

import (
	"time"

	"github.com/sells-group/market-intel/internal/model"
)

const edgarCurrent = "https://www.sec.gov/cgi-bin/browse-edgar?action=getcurrent&count=100&output=atom&type="

// DefaultCatalog returns the built-in source catalog used when no catalog
// file is configured.
func DefaultCatalog() []model.SourceDescriptor {
	return []model.SourceDescriptor{
		// Filings (SEC EDGAR current feeds)
		{
			ID: "sec-form4", Name: "SEC Form 4 insider transactions",
			Category: model.CategoryInsider, Tier: model.TierCritical, Kind: model.FetchEDGAR,
			Params:  model.Params{"url": edgarCurrent + "4", "form": "4"},
			Enabled: true,
		},
		{
			ID: "sec-8k", Name: "SEC 8-K current reports",
			Category: model.CategoryFilings, Tier: model.TierCritical, Kind: model.FetchEDGAR,
			Params:  model.Params{"url": edgarCurrent + "8-K", "form": "8-K"},
			Enabled: true,
		},
		{
			ID: "sec-13d", Name: "SEC Schedule 13D",
			Category: model.CategoryFilings, Tier: model.TierHigh, Kind: model.FetchEDGAR,
			Params:  model.Params{"url": edgarCurrent + "SC+13D", "form": "SC 13D"},
			Enabled: true,
		},
		{
			ID: "sec-13f", Name: "SEC 13F holdings",
			Category: model.CategoryFilings, Tier: model.TierLow, Kind: model.FetchEDGAR,
			Params:  model.Params{"url": edgarCurrent + "13F-HR", "form": "13F-HR"},
			Enabled: true,
		},

		// News
		{
			ID: "cnbc-top", Name: "CNBC top news",
			Category: model.CategoryNews, Tier: model.TierHigh, Kind: model.FetchRSS,
			Params:  model.Params{"url": "https://www.cnbc.com/id/100003114/device/rss/rss.html"},
			Enabled: true,
		},
		{
			ID: "marketwatch-top", Name: "MarketWatch top stories",
			Category: model.CategoryNews, Tier: model.TierHigh, Kind: model.FetchRSS,
			Params:  model.Params{"url": "https://feeds.content.dowjones.io/public/rss/mw_topstories"},
			Enabled: true,
		},
		{
			ID: "yahoo-finance", Name: "Yahoo Finance headlines",
			Category: model.CategoryNews, Tier: model.TierMedium, Kind: model.FetchRSS,
			Params:  model.Params{"url": "https://finance.yahoo.com/news/rssindex"},
			Enabled: true,
		},
		{
			ID: "finviz-news", Name: "Finviz market news",
			Category: model.CategoryNews, Tier: model.TierMedium, Kind: model.FetchScrape,
			Params: model.Params{
				"url":            "https://finviz.com/news.ashx",
				"item_selector":  "tr.news_table-row",
				"title_selector": "a.nn-tab-link",
				"link_selector":  "a.nn-tab-link",
				"time_selector":  "td.news_date-cell",
			},
			Enabled: true,
		},

		// Social sentiment
		{
			ID: "wsb", Name: "r/wallstreetbets new posts",
			Category: model.CategorySocial, Tier: model.TierMedium, Kind: model.FetchAPI,
			Cadence: 10 * time.Minute,
			Params: model.Params{
				"url":         "https://www.reddit.com/r/wallstreetbets/new.json?limit=100",
				"items_path":  "data.children",
				"title_field": "data.title",
				"body_field":  "data.selftext",
				"url_field":   "data.url",
				"time_field":  "data.created_utc",
				"time_format": "unix",
			},
			Enabled: true,
		},
		{
			ID: "stocktwits-trending", Name: "StockTwits trending stream",
			Category: model.CategorySocial, Tier: model.TierMedium, Kind: model.FetchAPI,
			Params: model.Params{
				"url":          "https://api.stocktwits.com/api/2/streams/trending.json",
				"items_path":   "messages",
				"title_field":  "body",
				"ticker_field": "symbols.0.symbol",
				"time_field":   "created_at",
				"time_format":  time.RFC3339,
			},
			Enabled: true,
		},

		// Political trading disclosures
		{
			ID: "house-trades", Name: "House stock disclosures",
			Category: model.CategoryPolitical, Tier: model.TierHigh, Kind: model.FetchAPI,
			Params: model.Params{
				"url":          "https://house-stock-watcher-data.s3-us-west-2.amazonaws.com/data/all_transactions.json",
				"items_path":   "@this",
				"title_field":  "representative",
				"body_field":   "type",
				"ticker_field": "ticker",
				"time_field":   "transaction_date",
				"time_format":  "2006-01-02",
			},
			Enabled: true,
		},
		{
			ID: "senate-trades", Name: "Senate stock disclosures",
			Category: model.CategoryPolitical, Tier: model.TierHigh, Kind: model.FetchAPI,
			Params: model.Params{
				"url":          "https://senate-stock-watcher-data.s3-us-west-2.amazonaws.com/aggregate/all_transactions.json",
				"items_path":   "@this",
				"title_field":  "senator",
				"body_field":   "type",
				"ticker_field": "ticker",
				"time_field":   "transaction_date",
				"time_format":  "01/02/2006",
			},
			Enabled: true,
		},

		// Rates and economic indicators
		{
			ID: "fed-press", Name: "Federal Reserve press releases",
			Category: model.CategoryRates, Tier: model.TierCritical, Kind: model.FetchRSS,
			Params:  model.Params{"url": "https://www.federalreserve.gov/feeds/press_all.xml"},
			Enabled: true,
		},
		{
			ID: "fred-dff", Name: "FRED effective federal funds rate",
			Category: model.CategoryRates, Tier: model.TierLow, Kind: model.FetchAPI,
			Params: model.Params{
				"url":          "https://api.stlouisfed.org/fred/series/observations?series_id=DFF&file_type=json&sort_order=desc&limit=10&api_key=${FRED_API_KEY}",
				"items_path":   "observations",
				"title_field":  "value",
				"time_field":   "date",
				"time_format":  "2006-01-02",
				"title_prefix": "DFF ",
			},
			Enabled: true,
		},
		{
			ID: "bls-latest", Name: "BLS latest releases",
			Category: model.CategoryEconomic, Tier: model.TierMedium, Kind: model.FetchRSS,
			Params:  model.Params{"url": "https://www.bls.gov/feed/bls_latest.rss"},
			Enabled: true,
		},

		// Options flow
		{
			ID: "unusual-options", Name: "Unusual options activity",
			Category: model.CategoryOptions, Tier: model.TierHigh, Kind: model.FetchScrape,
			Params: model.Params{
				"url":             "https://www.barchart.com/options/unusual-activity/stocks",
				"item_selector":   "table tbody tr",
				"title_selector":  "td:nth-child(1)",
				"ticker_selector": "td:nth-child(1)",
				"body_selector":   "td:nth-child(2)",
			},
			// Rendered client-side upstream; enable once a headless fetcher is wired.
			Enabled: false,
		},
	}
}
