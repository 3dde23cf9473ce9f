package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/market-intel/internal/db"
	"github.com/sells-group/market-intel/internal/model"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	psql    sq.StatementBuilderType
}

// NewPostgres connects a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, unavailable(err, "postgres: connect")
	}
	s := newPostgresStore(pool)
	s.closeFn = pool.Close
	return s, nil
}

func newPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS intel_items (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	category     TEXT NOT NULL,
	title        TEXT NOT NULL,
	body         TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	ticker       TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ NOT NULL,
	extra        JSONB,
	processed    BOOLEAN NOT NULL DEFAULT false,
	processed_at TIMESTAMPTZ,
	enrichment   JSONB,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_id, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_intel_items_unprocessed ON intel_items(category, created_at) WHERE NOT processed;
CREATE INDEX IF NOT EXISTS idx_intel_items_category_published ON intel_items(category, published_at DESC);
CREATE INDEX IF NOT EXISTS idx_intel_items_ticker ON intel_items(ticker) WHERE ticker <> '';

CREATE TABLE IF NOT EXISTS collection_log (
	id             BIGSERIAL PRIMARY KEY,
	source_id      TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	ended_at       TIMESTAMPTZ NOT NULL,
	outcome        TEXT NOT NULL,
	item_count     INTEGER NOT NULL DEFAULT 0,
	stored         INTEGER NOT NULL DEFAULT 0,
	duplicates     INTEGER NOT NULL DEFAULT 0,
	error_kind     TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	retry_after_ms BIGINT NOT NULL DEFAULT 0,
	abandoned      BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_collection_log_source_ended ON collection_log(source_id, ended_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable(err, "postgres: ping")
	}
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, item *model.StoredItem) (bool, error) {
	extra, err := marshalNullable(item.Extra, len(item.Extra) == 0)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal extra")
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	if item.PublishedAt.IsZero() {
		item.PublishedAt = now
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO intel_items (id, source_id, fingerprint, category, title, body, url, ticker, published_at, extra, processed, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, 0, '', $11)
		ON CONFLICT (source_id, fingerprint) DO NOTHING`,
		id, item.SourceID, item.Fingerprint, string(item.Category), item.Title, item.Body,
		item.URL, model.NormalizeTicker(item.Ticker), item.PublishedAt.UTC(), extra, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert item %s/%s", item.SourceID, item.Fingerprint)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	item.ID = id
	item.CreatedAt = now
	item.Processed = false
	return true, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string, e model.Enrichment) (bool, error) {
	enrichment, err := json.Marshal(e)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal enrichment")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE intel_items SET processed = true, processed_at = $1, enrichment = $2, last_error = '' WHERE id = $3 AND processed = false`,
		time.Now().UTC(), enrichment, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark processed %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id string, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE intel_items SET attempts = attempts + 1, last_error = $1 WHERE id = $2 AND processed = false`,
		reason, id,
	)
	return eris.Wrapf(err, "postgres: record failure %s", id)
}

func (s *PostgresStore) SelectUnprocessed(ctx context.Context, limit int, categories ...model.Category) ([]model.StoredItem, error) {
	query, args, err := unprocessedQuery(s.psql, limit, categories).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build select unprocessed")
	}
	return s.queryItems(ctx, "select unprocessed", query, args)
}

func (s *PostgresStore) SelectByFilter(ctx context.Context, f model.ItemFilter) ([]model.StoredItem, error) {
	var since any
	if !f.Since.IsZero() {
		since = f.Since.UTC()
	}
	query, args, err := filterQuery(s.psql, f, since).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build select by filter")
	}
	return s.queryItems(ctx, "select by filter", query, args)
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*model.StoredItem, error) {
	query, args, err := s.psql.Select(itemColumns...).From(itemsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get item")
	}
	item, err := scanPostgresItem(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrItemNotFound, "postgres: get item %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get item %s", id)
	}
	return item, nil
}

func (s *PostgresStore) RecordCollection(ctx context.Context, run model.CollectionRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO collection_log (source_id, started_at, ended_at, outcome, item_count, stored, duplicates, error_kind, reason, retry_after_ms, abandoned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.SourceID, run.StartedAt.UTC(), run.EndedAt.UTC(), string(run.Outcome), run.ItemCount,
		run.Stored, run.Duplicates, run.ErrorKind, run.Reason, run.RetryAfter.Milliseconds(), run.Abandoned,
	)
	return eris.Wrapf(err, "postgres: record collection %s", run.SourceID)
}

func (s *PostgresStore) CollectionHistory(ctx context.Context, sourceID string, limit int) ([]model.CollectionRun, error) {
	query, args, err := historyQuery(s.psql, sourceID, limit).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build collection history")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: collection history %s", sourceID)
	}
	defer rows.Close()

	var runs []model.CollectionRun
	for rows.Next() {
		var r model.CollectionRun
		var outcome string
		var retryMs int64
		if err := rows.Scan(&r.SourceID, &r.StartedAt, &r.EndedAt, &outcome, &r.ItemCount,
			&r.Stored, &r.Duplicates, &r.ErrorKind, &r.Reason, &retryMs, &r.Abandoned); err != nil {
			return nil, eris.Wrap(err, "postgres: scan collection")
		}
		r.Outcome = model.Outcome(outcome)
		r.RetryAfter = time.Duration(retryMs) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: collection history iterate")
}

func (s *PostgresStore) queryItems(ctx context.Context, op, query string, args []any) ([]model.StoredItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var items []model.StoredItem
	for rows.Next() {
		item, err := scanPostgresItem(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s scan", op)
		}
		items = append(items, *item)
	}
	return items, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func scanPostgresItem(row pgx.Row) (*model.StoredItem, error) {
	var it model.StoredItem
	var category string
	var extra, enrichment []byte
	if err := row.Scan(&it.ID, &it.SourceID, &it.Fingerprint, &category, &it.Title, &it.Body,
		&it.URL, &it.Ticker, &it.PublishedAt, &extra, &it.Processed, &it.ProcessedAt,
		&enrichment, &it.Attempts, &it.LastError, &it.CreatedAt); err != nil {
		return nil, err
	}
	it.Category = model.Category(category)
	if err := decodeItemJSON(&it, extra, enrichment); err != nil {
		return nil, err
	}
	return &it, nil
}

func decodeItemJSON(it *model.StoredItem, extra, enrichment []byte) error {
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &it.Extra); err != nil {
			return eris.Wrap(err, "unmarshal extra")
		}
	}
	if len(enrichment) > 0 {
		it.Enrichment = &model.Enrichment{}
		if err := json.Unmarshal(enrichment, it.Enrichment); err != nil {
			return eris.Wrap(err, "unmarshal enrichment")
		}
	}
	return nil
}

func marshalNullable(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}
