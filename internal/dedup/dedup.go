// Package dedup fingerprints raw items and admits only unseen ones into the
// store.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/store"
)

// Fingerprint hashes the normalized title, the timestamp truncated to the
// second in UTC, and the upper-cased ticker. Items differing only in case,
// Unicode form, whitespace or sub-second precision collide.
func Fingerprint(it model.RawItem) string {
	title := strings.Join(strings.Fields(strings.ToLower(norm.NFKC.String(it.Title))), " ")

	var ts string
	if !it.PublishedAt.IsZero() {
		ts = it.PublishedAt.UTC().Truncate(time.Second).Format(time.RFC3339)
	}

	sum := sha256.Sum256([]byte(title + "|" + ts + "|" + model.NormalizeTicker(it.Ticker)))
	return hex.EncodeToString(sum[:])
}

// Inserter is the slice of the store the deduplicator writes through.
type Inserter interface {
	InsertIfAbsent(ctx context.Context, item *model.StoredItem) (bool, error)
}

// Result counts one admission.
type Result struct {
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
}

// Error reports that items could not be admitted because the store failed.
// It wraps store.ErrStoreUnavailable.
type Error struct {
	SourceID string
	Partial  Result // counts admitted before the failure
	Err      error
}

func (e *Error) Error() string {
	return "dedup " + e.SourceID + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	return []error{store.ErrStoreUnavailable, e.Err}
}

// Deduplicator admits items per source. Admission for one source is
// serialized so duplicate counts are exact; different sources never contend.
type Deduplicator struct {
	store Inserter
	locks sync.Map // source id -> *sync.Mutex
	now   func() time.Time
}

// New creates a Deduplicator writing to s.
func New(s Inserter) *Deduplicator {
	return &Deduplicator{store: s, now: time.Now}
}

func (d *Deduplicator) lockFor(sourceID string) *sync.Mutex {
	mu, _ := d.locks.LoadOrStore(sourceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Admit fingerprints items and persists those not already stored for src.
// An item repeated within the batch counts as a duplicate.
func (d *Deduplicator) Admit(ctx context.Context, src model.SourceDescriptor, items []model.RawItem) (Result, error) {
	mu := d.lockFor(src.ID)
	mu.Lock()
	defer mu.Unlock()

	var res Result
	for _, raw := range items {
		if raw.Fingerprint == "" {
			raw.Fingerprint = Fingerprint(raw)
		}
		published := raw.PublishedAt
		if published.IsZero() {
			published = d.now().UTC()
		}

		inserted, err := d.store.InsertIfAbsent(ctx, &model.StoredItem{
			SourceID:    src.ID,
			Fingerprint: raw.Fingerprint,
			Category:    src.Category,
			Title:       raw.Title,
			Body:        raw.Body,
			URL:         raw.URL,
			Ticker:      model.NormalizeTicker(raw.Ticker),
			PublishedAt: published,
			Extra:       raw.Extra,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			zap.L().Error("dedup: store insert failed",
				zap.String("source", src.ID),
				zap.Error(err),
			)
			return res, &Error{SourceID: src.ID, Partial: res, Err: err}
		}
		if inserted {
			res.Stored++
		} else {
			res.Duplicates++
		}
	}
	return res, nil
}
