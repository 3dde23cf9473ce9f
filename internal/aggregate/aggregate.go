// Package aggregate groups stored items into per-category buckets for
// read access.
package aggregate

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-intel/internal/model"
)

// Reader is the read side of the item store.
type Reader interface {
	SelectByFilter(ctx context.Context, f model.ItemFilter) ([]model.StoredItem, error)
}

// Result maps each category with at least one match to its items, newest
// first.
type Result struct {
	Buckets map[model.Category][]model.StoredItem `json:"buckets"`
	Total   int                                   `json:"total"`
}

// Categories returns the non-empty bucket names in declaration order.
func (r Result) Categories() []model.Category {
	var out []model.Category
	for _, c := range model.AllCategories() {
		if len(r.Buckets[c]) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// Aggregator is a read-only projection over the store.
type Aggregator struct {
	store Reader
}

// New creates an Aggregator reading from s.
func New(s Reader) *Aggregator {
	return &Aggregator{store: s}
}

// Query returns items matching f grouped by category. The ticker is matched
// exactly after normalization; a limit applies per category.
func (a *Aggregator) Query(ctx context.Context, f model.ItemFilter) (Result, error) {
	if f.Category != "" && !f.Category.Valid() {
		return Result{}, eris.Errorf("aggregate: unknown category %q", f.Category)
	}
	f.Ticker = model.NormalizeTicker(f.Ticker)

	perBucket := f.Limit
	f.Limit = 0
	items, err := a.store.SelectByFilter(ctx, f)
	if err != nil {
		return Result{}, eris.Wrap(err, "aggregate: select")
	}

	res := Result{Buckets: make(map[model.Category][]model.StoredItem)}
	for _, it := range items {
		if f.Ticker != "" && model.NormalizeTicker(it.Ticker) != f.Ticker {
			continue
		}
		res.Buckets[it.Category] = append(res.Buckets[it.Category], it)
	}

	for cat, bucket := range res.Buckets {
		sort.SliceStable(bucket, func(i, j int) bool {
			return bucket[i].Timestamp().After(bucket[j].Timestamp())
		})
		if perBucket > 0 && len(bucket) > perBucket {
			bucket = bucket[:perBucket]
		}
		res.Buckets[cat] = bucket
		res.Total += len(bucket)
	}
	return res, nil
}
