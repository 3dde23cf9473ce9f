package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/market-intel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix nanoseconds so ordering and range filters stay exact.
type SQLiteStore struct {
	db   *sql.DB
	lite sq.StatementBuilderType
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection serializes writers; WAL still lets the file be read
	// by other processes.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{
		db:   db,
		lite: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS intel_items (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	category     TEXT NOT NULL,
	title        TEXT NOT NULL,
	body         TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	ticker       TEXT NOT NULL DEFAULT '',
	published_at INTEGER NOT NULL,
	extra        TEXT,
	processed    INTEGER NOT NULL DEFAULT 0,
	processed_at INTEGER,
	enrichment   TEXT,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	UNIQUE (source_id, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_intel_items_unprocessed ON intel_items(processed, category, created_at);
CREATE INDEX IF NOT EXISTS idx_intel_items_category_published ON intel_items(category, published_at DESC);
CREATE INDEX IF NOT EXISTS idx_intel_items_ticker ON intel_items(ticker);

CREATE TABLE IF NOT EXISTS collection_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id      TEXT NOT NULL,
	started_at     INTEGER NOT NULL,
	ended_at       INTEGER NOT NULL,
	outcome        TEXT NOT NULL,
	item_count     INTEGER NOT NULL DEFAULT 0,
	stored         INTEGER NOT NULL DEFAULT 0,
	duplicates     INTEGER NOT NULL DEFAULT 0,
	error_kind     TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	retry_after_ms INTEGER NOT NULL DEFAULT 0,
	abandoned      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_collection_log_source_ended ON collection_log(source_id, ended_at DESC);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err, "sqlite: ping")
	}
	return nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, item *model.StoredItem) (bool, error) {
	var extra sql.NullString
	if len(item.Extra) > 0 {
		b, err := json.Marshal(item.Extra)
		if err != nil {
			return false, eris.Wrap(err, "sqlite: marshal extra")
		}
		extra = sql.NullString{String: string(b), Valid: true}
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	if item.PublishedAt.IsZero() {
		item.PublishedAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO intel_items (id, source_id, fingerprint, category, title, body, url, ticker, published_at, extra, processed, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, '', ?)`,
		id, item.SourceID, item.Fingerprint, string(item.Category), item.Title, item.Body,
		item.URL, model.NormalizeTicker(item.Ticker), item.PublishedAt.UnixNano(), extra, now.UnixNano(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert item %s/%s", item.SourceID, item.Fingerprint)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}
	item.ID = id
	item.CreatedAt = now
	item.Processed = false
	return true, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, id string, e model.Enrichment) (bool, error) {
	enrichment, err := json.Marshal(e)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal enrichment")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE intel_items SET processed = 1, processed_at = ?, enrichment = ?, last_error = '' WHERE id = ? AND processed = 0`,
		time.Now().UTC().UnixNano(), string(enrichment), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark processed %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, id string, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE intel_items SET attempts = attempts + 1, last_error = ? WHERE id = ? AND processed = 0`,
		reason, id,
	)
	return eris.Wrapf(err, "sqlite: record failure %s", id)
}

func (s *SQLiteStore) SelectUnprocessed(ctx context.Context, limit int, categories ...model.Category) ([]model.StoredItem, error) {
	query, args, err := unprocessedQuery(s.lite, limit, categories).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build select unprocessed")
	}
	return s.queryItems(ctx, "select unprocessed", query, args)
}

func (s *SQLiteStore) SelectByFilter(ctx context.Context, f model.ItemFilter) ([]model.StoredItem, error) {
	var since any
	if !f.Since.IsZero() {
		since = f.Since.UnixNano()
	}
	query, args, err := filterQuery(s.lite, f, since).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build select by filter")
	}
	return s.queryItems(ctx, "select by filter", query, args)
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.StoredItem, error) {
	query, args, err := s.lite.Select(itemColumns...).From(itemsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get item")
	}
	item, err := scanSQLiteItem(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrItemNotFound, "sqlite: get item %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get item %s", id)
	}
	return item, nil
}

func (s *SQLiteStore) RecordCollection(ctx context.Context, run model.CollectionRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_log (source_id, started_at, ended_at, outcome, item_count, stored, duplicates, error_kind, reason, retry_after_ms, abandoned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.SourceID, run.StartedAt.UnixNano(), run.EndedAt.UnixNano(), string(run.Outcome), run.ItemCount,
		run.Stored, run.Duplicates, run.ErrorKind, run.Reason, run.RetryAfter.Milliseconds(), run.Abandoned,
	)
	return eris.Wrapf(err, "sqlite: record collection %s", run.SourceID)
}

func (s *SQLiteStore) CollectionHistory(ctx context.Context, sourceID string, limit int) ([]model.CollectionRun, error) {
	query, args, err := historyQuery(s.lite, sourceID, limit).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build collection history")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: collection history %s", sourceID)
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.CollectionRun
	for rows.Next() {
		var r model.CollectionRun
		var outcome string
		var started, ended, retryMs int64
		if err := rows.Scan(&r.SourceID, &started, &ended, &outcome, &r.ItemCount,
			&r.Stored, &r.Duplicates, &r.ErrorKind, &r.Reason, &retryMs, &r.Abandoned); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan collection")
		}
		r.StartedAt = time.Unix(0, started).UTC()
		r.EndedAt = time.Unix(0, ended).UTC()
		r.Outcome = model.Outcome(outcome)
		r.RetryAfter = time.Duration(retryMs) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: collection history iterate")
}

func (s *SQLiteStore) queryItems(ctx context.Context, op, query string, args []any) ([]model.StoredItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var items []model.StoredItem
	for rows.Next() {
		item, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s scan", op)
		}
		items = append(items, *item)
	}
	return items, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row rowScanner) (*model.StoredItem, error) {
	var it model.StoredItem
	var category string
	var published, created int64
	var processedAt sql.NullInt64
	var extra, enrichment sql.NullString
	if err := row.Scan(&it.ID, &it.SourceID, &it.Fingerprint, &category, &it.Title, &it.Body,
		&it.URL, &it.Ticker, &published, &extra, &it.Processed, &processedAt,
		&enrichment, &it.Attempts, &it.LastError, &created); err != nil {
		return nil, err
	}
	it.Category = model.Category(category)
	it.PublishedAt = time.Unix(0, published).UTC()
	it.CreatedAt = time.Unix(0, created).UTC()
	if processedAt.Valid {
		t := time.Unix(0, processedAt.Int64).UTC()
		it.ProcessedAt = &t
	}
	if err := decodeItemJSON(&it, []byte(extra.String), []byte(enrichment.String)); err != nil {
		return nil, err
	}
	return &it, nil
}
