package model

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Category is the domain tag a source (and every item it produces) belongs to.
type Category string

const (
	CategoryNews      Category = "news"
	CategoryFilings   Category = "filings"
	CategoryInsider   Category = "insider"
	CategoryPolitical Category = "political"
	CategorySocial    Category = "social"
	CategoryEconomic  Category = "economic"
	CategoryRates     Category = "rates"
	CategoryOptions   Category = "options"
)

var allCategories = []Category{
	CategoryNews,
	CategoryFilings,
	CategoryInsider,
	CategoryPolitical,
	CategorySocial,
	CategoryEconomic,
	CategoryRates,
	CategoryOptions,
}

// AllCategories returns every known category in declaration order.
func AllCategories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, k := range allCategories {
		if c == k {
			return true
		}
	}
	return false
}

// ParseCategory converts a case-insensitive name into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", eris.Errorf("unknown category: %q", s)
	}
	return c, nil
}

// ParseCategories parses a list of category names, dropping blanks and duplicates.
func ParseCategories(names []string) ([]Category, error) {
	seen := make(map[Category]bool, len(names))
	var out []Category
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		c, err := ParseCategory(n)
		if err != nil {
			return nil, err
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

// Tier is a source priority tier. Lower values are higher priority.
type Tier int

const (
	TierCritical Tier = iota + 1
	TierHigh
	TierMedium
	TierLow
)

// Tiers lists all tiers from highest to lowest priority.
var Tiers = []Tier{TierCritical, TierHigh, TierMedium, TierLow}

// String returns the upper-case tier name.
func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "CRITICAL"
	case TierHigh:
		return "HIGH"
	case TierMedium:
		return "MEDIUM"
	case TierLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t >= TierCritical && t <= TierLow
}

// AtOrAbove reports whether t has the same or higher priority than other.
func (t Tier) AtOrAbove(other Tier) bool {
	return t <= other
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	p, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = p
	return nil
}

// ParseTier converts a case-insensitive tier name into a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return TierCritical, nil
	case "HIGH":
		return TierHigh, nil
	case "MEDIUM":
		return TierMedium, nil
	case "LOW":
		return TierLow, nil
	default:
		return 0, eris.Errorf("unknown tier: %q (valid: critical, high, medium, low)", s)
	}
}

// FetchKind selects the fetch client used to collect a source.
type FetchKind string

const (
	FetchRSS    FetchKind = "rss"
	FetchScrape FetchKind = "scrape"
	FetchAPI    FetchKind = "api"
	FetchEDGAR  FetchKind = "edgar-filing"
	FetchCustom FetchKind = "custom"
)

// Valid reports whether k is a known fetch kind.
func (k FetchKind) Valid() bool {
	switch k {
	case FetchRSS, FetchScrape, FetchAPI, FetchEDGAR, FetchCustom:
		return true
	default:
		return false
	}
}

// requiredParams lists the parameters each fetch kind cannot run without.
var requiredParams = map[FetchKind][]string{
	FetchRSS:    {"url"},
	FetchEDGAR:  {"url"},
	FetchScrape: {"url", "item_selector"},
	FetchAPI:    {"url", "items_path"},
	FetchCustom: {"handler"},
}

// Params is the opaque, kind-specific parameter bag of a source.
type Params map[string]string

// Get returns the value for key, or "" when absent.
func (p Params) Get(key string) string {
	if p == nil {
		return ""
	}
	return p[key]
}

// GetOr returns the value for key, or def when absent or blank.
func (p Params) GetOr(key, def string) string {
	if v := strings.TrimSpace(p.Get(key)); v != "" {
		return v
	}
	return def
}

// Clone returns an independent copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SourceDescriptor describes one external data source. Descriptors are
// built once at startup and never mutated afterwards.
type SourceDescriptor struct {
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	Category Category      `json:"category"`
	Tier     Tier          `json:"tier"`
	Cadence  time.Duration `json:"cadence,omitempty"` // zero means the tier default
	Kind     FetchKind     `json:"fetch_kind"`
	Params   Params        `json:"params,omitempty"`
	Enabled  bool          `json:"enabled"`
}

// Validate checks the descriptor shape, including required params for its kind.
func (d SourceDescriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return eris.New("source: id is required")
	}
	if !d.Category.Valid() {
		return eris.Errorf("source %s: unknown category %q", d.ID, d.Category)
	}
	if !d.Tier.Valid() {
		return eris.Errorf("source %s: unknown tier %d", d.ID, d.Tier)
	}
	if !d.Kind.Valid() {
		return eris.Errorf("source %s: unknown fetch kind %q", d.ID, d.Kind)
	}
	if d.Cadence < 0 {
		return eris.Errorf("source %s: negative cadence %s", d.ID, d.Cadence)
	}
	for _, key := range requiredParams[d.Kind] {
		if strings.TrimSpace(d.Params.Get(key)) == "" {
			return eris.Errorf("source %s: %s source requires param %q", d.ID, d.Kind, key)
		}
	}
	return nil
}

// Clone returns a copy that shares no mutable state with d.
func (d SourceDescriptor) Clone() SourceDescriptor {
	d.Params = d.Params.Clone()
	return d
}
