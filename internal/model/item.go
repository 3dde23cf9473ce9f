package model

import (
	"strings"
	"time"
)

// RawItem is a candidate record produced by a collector, before dedup.
type RawItem struct {
	SourceID    string            `json:"source_id"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Title       string            `json:"title"`
	Body        string            `json:"body,omitempty"`
	URL         string            `json:"url,omitempty"`
	Ticker      string            `json:"ticker,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Enrichment is the structured output of the analysis engine for one item.
type Enrichment struct {
	Summary        string   `json:"summary"`
	Sentiment      string   `json:"sentiment,omitempty"`
	SentimentScore float64  `json:"sentiment_score"`
	Impact         string   `json:"impact,omitempty"`
	Tickers        []string `json:"tickers,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// StoredItem is a RawItem that passed dedup and was persisted.
// Processed only ever flips from false to true.
type StoredItem struct {
	ID          string            `json:"id"`
	SourceID    string            `json:"source_id"`
	Fingerprint string            `json:"fingerprint"`
	Category    Category          `json:"category"`
	Title       string            `json:"title"`
	Body        string            `json:"body,omitempty"`
	URL         string            `json:"url,omitempty"`
	Ticker      string            `json:"ticker,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
	Extra       map[string]string `json:"extra,omitempty"`
	Processed   bool              `json:"processed"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
	Enrichment  *Enrichment       `json:"enrichment,omitempty"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Timestamp returns the time used for ordering: publication time when known,
// otherwise ingestion time.
func (s StoredItem) Timestamp() time.Time {
	if !s.PublishedAt.IsZero() {
		return s.PublishedAt
	}
	return s.CreatedAt
}

// ItemFilter restricts reads over the item store. Zero fields match everything.
type ItemFilter struct {
	Category Category  `json:"category,omitempty"`
	Ticker   string    `json:"ticker,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

// NormalizeTicker upper-cases a ticker and strips whitespace and a leading cashtag.
func NormalizeTicker(t string) string {
	t = strings.TrimSpace(t)
	t = strings.TrimPrefix(t, "$")
	return strings.ToUpper(strings.TrimSpace(t))
}
