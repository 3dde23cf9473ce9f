// Package store persists collected items and collection history.
package store

import (
	"context"
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"

	"github.com/sells-group/market-intel/internal/db"
	"github.com/sells-group/market-intel/internal/model"
)

var (
	// ErrStoreUnavailable marks failures reaching the persistence backend.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrItemNotFound is returned by GetItem for an unknown id.
	ErrItemNotFound = errors.New("item not found")
)

// Store is the persistence collaborator for the collection pipeline. Every
// write is atomic per item.
type Store interface {
	// InsertIfAbsent persists item unless (SourceID, Fingerprint) already
	// exists. It reports whether a row was written and fills item.ID and
	// item.CreatedAt when it was.
	InsertIfAbsent(ctx context.Context, item *model.StoredItem) (bool, error)

	// MarkProcessed flips processed to true and attaches the enrichment. It
	// reports false when the item was already processed or does not exist.
	MarkProcessed(ctx context.Context, id string, e model.Enrichment) (bool, error)

	// RecordFailure increments the attempt counter and stores reason on an
	// unprocessed item.
	RecordFailure(ctx context.Context, id string, reason string) error

	// SelectUnprocessed returns unprocessed items, oldest first. No
	// categories means all categories; limit <= 0 means no limit.
	SelectUnprocessed(ctx context.Context, limit int, categories ...model.Category) ([]model.StoredItem, error)

	// SelectByFilter returns items matching f, newest first.
	SelectByFilter(ctx context.Context, f model.ItemFilter) ([]model.StoredItem, error)

	GetItem(ctx context.Context, id string) (*model.StoredItem, error)

	// RecordCollection appends one terminal collection run to the history.
	RecordCollection(ctx context.Context, run model.CollectionRun) error

	// CollectionHistory returns the most recent runs for a source, newest first.
	CollectionHistory(ctx context.Context, sourceID string, limit int) ([]model.CollectionRun, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the backend named by driver ("postgres" or "sqlite").
// For sqlite, dsn is a file path.
func Open(ctx context.Context, driver, dsn string, maxConns int32) (Store, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return NewPostgres(ctx, dsn, db.PoolConfig{MaxConns: maxConns})
	case "sqlite", "sqlite3", "":
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

const itemsTable = "intel_items"

var itemColumns = []string{
	"id", "source_id", "fingerprint", "category", "title", "body", "url", "ticker",
	"published_at", "extra", "processed", "processed_at", "enrichment", "attempts",
	"last_error", "created_at",
}

var collectionColumns = []string{
	"source_id", "started_at", "ended_at", "outcome", "item_count", "stored",
	"duplicates", "error_kind", "reason", "retry_after_ms", "abandoned",
}

// filterQuery builds the SelectByFilter statement shared by both backends.
func filterQuery(b sq.StatementBuilderType, f model.ItemFilter, since any) sq.SelectBuilder {
	q := b.Select(itemColumns...).From(itemsTable)
	if f.Category != "" {
		q = q.Where(sq.Eq{"category": string(f.Category)})
	}
	if t := model.NormalizeTicker(f.Ticker); t != "" {
		q = q.Where(sq.Eq{"ticker": t})
	}
	if since != nil {
		q = q.Where(sq.GtOrEq{"published_at": since})
	}
	q = q.OrderBy("published_at DESC", "created_at DESC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	return q
}

// unprocessedQuery builds the SelectUnprocessed statement shared by both backends.
func unprocessedQuery(b sq.StatementBuilderType, limit int, categories []model.Category) sq.SelectBuilder {
	q := b.Select(itemColumns...).From(itemsTable).Where(sq.Eq{"processed": false})
	if len(categories) > 0 {
		names := make([]string, len(categories))
		for i, c := range categories {
			names[i] = string(c)
		}
		q = q.Where(sq.Eq{"category": names})
	}
	q = q.OrderBy("created_at ASC", "id ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return q
}

func historyQuery(b sq.StatementBuilderType, sourceID string, limit int) sq.SelectBuilder {
	q := b.Select(collectionColumns...).From("collection_log").
		Where(sq.Eq{"source_id": sourceID}).
		OrderBy("ended_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return q
}

func unavailable(err error, msg string) error {
	return eris.Wrap(errors.Join(ErrStoreUnavailable, err), msg)
}
