package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/heimdall-asis/internal/errs"
	"github.com/aristath/heimdall-asis/internal/model"
)

// Gateway is the Persistence Gateway. Together with the *DB it wraps, it is
// the only code in this repository that issues SQL; every other component
// talks to the store exclusively through its methods.
type Gateway struct {
	db *DB
}

// NewGateway wraps an already-opened *DB.
func NewGateway(db *DB) *Gateway {
	return &Gateway{db: db}
}

// RunInTransaction exposes the underlying DB's transaction helper so
// callers outside this package never need to see the *DB handle directly —
// only the Gateway is a valid entry point to the store.
func (g *Gateway) RunInTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	return g.db.RunInTransaction(ctx, fn)
}

// rawTimestampLayout is the fixed-width layout used for inserted_at. Unlike
// time.RFC3339Nano it keeps trailing zeros in the fraction, so every stored
// value has the same length and SQLite's text comparison is chronological.
const rawTimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// wrapStorageErr classifies any non-nil SQL error as a StorageFailure
// unless it's already classified.
func wrapStorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.New(errs.KindStorageFailure, fmt.Errorf("%s: %w", op, err))
}

// --- Catalog -----------------------------------------------------------

// GetCatalogEntry returns the catalog entry for key, or nil if it does not
// exist.
func (g *Gateway) GetCatalogEntry(ctx context.Context, key string) (*model.CatalogEntry, error) {
	row := g.db.conn.QueryRowContext(ctx,
		`SELECT key, family, frequency, config, active, role, scope
		 FROM data_catalog WHERE key = ?`, key)

	var e model.CatalogEntry
	var active int
	if err := row.Scan(&e.Key, &e.Family, &e.Frequency, &e.Config, &active, &e.Role, &e.Scope); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapStorageErr("get catalog entry", err)
	}
	e.Active = active != 0
	return &e, nil
}

// ListCatalogEntries returns every catalog entry, optionally filtered to
// active-only ones.
func (g *Gateway) ListCatalogEntries(ctx context.Context, activeOnly bool) ([]model.CatalogEntry, error) {
	query := `SELECT key, family, frequency, config, active, role, scope FROM data_catalog`
	if activeOnly {
		query += ` WHERE active = 1`
	}

	rows, err := g.db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapStorageErr("list catalog entries", err)
	}
	defer rows.Close()

	var entries []model.CatalogEntry
	for rows.Next() {
		var e model.CatalogEntry
		var active int
		if err := rows.Scan(&e.Key, &e.Family, &e.Frequency, &e.Config, &active, &e.Role, &e.Scope); err != nil {
			return nil, wrapStorageErr("scan catalog entry", err)
		}
		e.Active = active != 0
		entries = append(entries, e)
	}
	return entries, wrapStorageErr("iterate catalog entries", rows.Err())
}

// UpsertCatalogEntry inserts or replaces a catalog entry. It does not alter
// the active flag if the entry already exists and active is left false by
// callers that only want to register metadata; ActivateCatalogEntry is the
// sole path that turns a registration into a live stream.
func (g *Gateway) UpsertCatalogEntry(ctx context.Context, e model.CatalogEntry) error {
	active := 0
	if e.Active {
		active = 1
	}
	_, err := g.db.conn.ExecContext(ctx,
		`INSERT INTO data_catalog (key, family, frequency, config, active, role, scope)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   family = excluded.family,
		   frequency = excluded.frequency,
		   config = excluded.config,
		   role = excluded.role,
		   scope = excluded.scope`,
		e.Key, e.Family, e.Frequency, e.Config, active, e.Role, e.Scope)
	return wrapStorageErr("upsert catalog entry", err)
}

// ActivateCatalogEntry flips the active flag for key. This is the only
// operation in the Gateway that does so: confirm_activation() is the sole
// activation path.
func (g *Gateway) ActivateCatalogEntry(ctx context.Context, key string) error {
	res, err := g.db.conn.ExecContext(ctx,
		`UPDATE data_catalog SET active = 1 WHERE key = ?`, key)
	if err != nil {
		return wrapStorageErr("activate catalog entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStorageErr("activate catalog entry rows affected", err)
	}
	if n == 0 {
		return errs.Newf(errs.KindValidation, fmt.Sprintf("no catalog entry registered under key %q", key))
	}
	return nil
}

// --- Bronze: raw ingestion cache ----------------------------------------

// UpsertRaw persists one successful adapter fetch. It is idempotent on
// RequestHash: re-ingesting the same logical request is a silent no-op,
// not a duplicate row.
func (g *Gateway) UpsertRaw(ctx context.Context, r model.RawRecord) error {
	_, err := g.db.conn.ExecContext(ctx,
		`INSERT INTO raw_ingestion_cache (request_hash, catalog_key, source_family, payload, inserted_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(request_hash) DO NOTHING`,
		r.RequestHash, r.CatalogKey, string(r.Family), string(r.Payload), r.InsertedAt.UTC().Format(rawTimestampLayout))
	return wrapStorageErr("upsert raw record", err)
}

// RawSince returns raw rows for family inserted strictly after since, in
// insertion order, capped at limit rows. This is the delta query the
// Cleaning Pipeline drives off the watermark.
func (g *Gateway) RawSince(ctx context.Context, family model.SourceFamily, since time.Time, limit int) ([]model.RawRecord, error) {
	rows, err := g.db.conn.QueryContext(ctx,
		`SELECT request_hash, catalog_key, source_family, payload, inserted_at
		 FROM raw_ingestion_cache
		 WHERE source_family = ? AND inserted_at > ?
		 ORDER BY inserted_at ASC
		 LIMIT ?`,
		string(family), since.UTC().Format(rawTimestampLayout), limit)
	if err != nil {
		return nil, wrapStorageErr("select raw since watermark", err)
	}
	defer rows.Close()

	var out []model.RawRecord
	for rows.Next() {
		var r model.RawRecord
		var family, insertedAt, payload string
		if err := rows.Scan(&r.RequestHash, &r.CatalogKey, &family, &payload, &insertedAt); err != nil {
			return nil, wrapStorageErr("scan raw record", err)
		}
		r.Family = model.SourceFamily(family)
		r.Payload = []byte(payload)
		ts, err := time.Parse(time.RFC3339Nano, insertedAt)
		if err != nil {
			return nil, wrapStorageErr("parse raw inserted_at", err)
		}
		r.InsertedAt = ts
		out = append(out, r)
	}
	return out, wrapStorageErr("iterate raw records", rows.Err())
}

// --- Silver: macro series -------------------------------------------------

// UpsertSilverMacro batch-upserts macro observations inside an existing
// transaction. Re-cleaning an already-clean date is idempotent: the later
// value always wins.
func (g *Gateway) UpsertSilverMacro(ctx context.Context, tx *sql.Tx, rows []model.MacroRow) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO timeseries_macro (catalog_key, date, value) VALUES (?, ?, ?)
		 ON CONFLICT(catalog_key, date) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return wrapStorageErr("prepare upsert silver macro", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.CatalogKey, r.Date.UTC().Format("2006-01-02"), r.Value); err != nil {
			return wrapStorageErr("upsert silver macro row", err)
		}
	}
	return nil
}

// --- Silver: price bars ---------------------------------------------------

// UpsertSilverMicro batch-upserts OHLCV bars inside an existing
// transaction.
func (g *Gateway) UpsertSilverMicro(ctx context.Context, tx *sql.Tx, rows []model.MicroRow) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO timeseries_micro (catalog_key, date, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(catalog_key, date) DO UPDATE SET
		   open = excluded.open, high = excluded.high, low = excluded.low,
		   close = excluded.close, volume = excluded.volume`)
	if err != nil {
		return wrapStorageErr("prepare upsert silver micro", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		var vol sql.NullInt64
		if r.Volume != nil {
			vol = sql.NullInt64{Int64: *r.Volume, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.CatalogKey, r.Date.UTC().Format("2006-01-02"),
			r.Open, r.High, r.Low, r.Close, vol); err != nil {
			return wrapStorageErr("upsert silver micro row", err)
		}
	}
	return nil
}

// --- Silver: news intel pool ----------------------------------------------

// UpsertSilverNews batch-upserts news articles inside an existing
// transaction, keyed by Fingerprint — the sole dedup identity.
func (g *Gateway) UpsertSilverNews(ctx context.Context, tx *sql.Tx, rows []model.NewsRow) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO news_intel_pool
		   (fingerprint, catalog_key, title, url, published_at, author, source_name, body, sentiment, ai_summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		   title = excluded.title,
		   url = excluded.url,
		   published_at = excluded.published_at,
		   author = COALESCE(excluded.author, news_intel_pool.author),
		   source_name = COALESCE(excluded.source_name, news_intel_pool.source_name),
		   body = COALESCE(excluded.body, news_intel_pool.body),
		   sentiment = COALESCE(excluded.sentiment, news_intel_pool.sentiment),
		   ai_summary = COALESCE(excluded.ai_summary, news_intel_pool.ai_summary)`)
	if err != nil {
		return wrapStorageErr("prepare upsert silver news", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Fingerprint, r.CatalogKey, r.Title, r.URL,
			r.PublishedAt.UTC().Format(time.RFC3339), nullableStr(r.Author), nullableStr(r.SourceName),
			nullableStr(r.Body), nullableFloat(r.Sentiment), nullableStr(r.AISummary)); err != nil {
			return wrapStorageErr("upsert silver news row", err)
		}
	}
	return nil
}

func nullableStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// --- Watermarks ------------------------------------------------------------

// GetWatermark returns the watermark row for catalogKey, or a zero-value
// Watermark (both timestamps nil) if none exists yet.
func (g *Gateway) GetWatermark(ctx context.Context, catalogKey string) (model.Watermark, error) {
	row := g.db.conn.QueryRowContext(ctx,
		`SELECT last_ingested_at, last_cleaned_at FROM sync_watermarks WHERE catalog_key = ?`, catalogKey)

	var ingested, cleaned sql.NullString
	w := model.Watermark{CatalogKey: catalogKey}
	if err := row.Scan(&ingested, &cleaned); err != nil {
		if err == sql.ErrNoRows {
			return w, nil
		}
		return w, wrapStorageErr("get watermark", err)
	}
	if ingested.Valid {
		ts, err := time.Parse(time.RFC3339Nano, ingested.String)
		if err != nil {
			return w, wrapStorageErr("parse last_ingested_at", err)
		}
		w.LastIngestedAt = &ts
	}
	if cleaned.Valid {
		ts, err := time.Parse(time.RFC3339Nano, cleaned.String)
		if err != nil {
			return w, wrapStorageErr("parse last_cleaned_at", err)
		}
		w.LastCleanedAt = &ts
	}
	return w, nil
}

// WatermarkField selects which column AdvanceWatermark updates.
type WatermarkField string

const (
	WatermarkIngested WatermarkField = "last_ingested_at"
	WatermarkCleaned  WatermarkField = "last_cleaned_at"
)

// AdvanceWatermark moves one watermark field forward for catalogKey.
// Callers advancing the cleaned watermark are expected to do so inside the
// same transaction as the Silver upserts it checkpoints; AdvanceWatermarkTx
// supports that.
func (g *Gateway) AdvanceWatermark(ctx context.Context, catalogKey string, field WatermarkField, ts time.Time) error {
	return g.db.RunInTransaction(ctx, func(tx *sql.Tx) error {
		return g.AdvanceWatermarkTx(ctx, tx, catalogKey, field, ts)
	})
}

// AdvanceWatermarkTx is AdvanceWatermark against an already-open transaction.
func (g *Gateway) AdvanceWatermarkTx(ctx context.Context, tx *sql.Tx, catalogKey string, field WatermarkField, ts time.Time) error {
	column := string(field)
	query := fmt.Sprintf(
		`INSERT INTO sync_watermarks (catalog_key, %s) VALUES (?, ?)
		 ON CONFLICT(catalog_key) DO UPDATE SET %s = excluded.%s`,
		column, column, column)
	_, err := tx.ExecContext(ctx, query, catalogKey, ts.UTC().Format(time.RFC3339Nano))
	return wrapStorageErr("advance watermark", err)
}

// ResetCleaningWatermark sets last_cleaned_at back to null for catalogKey,
// so the next cleaning pass reprocesses every raw row. It is a no-op if no
// watermark row exists yet.
func (g *Gateway) ResetCleaningWatermark(ctx context.Context, catalogKey string) error {
	_, err := g.db.conn.ExecContext(ctx,
		`UPDATE sync_watermarks SET last_cleaned_at = NULL WHERE catalog_key = ?`, catalogKey)
	return wrapStorageErr("reset cleaning watermark", err)
}

// ListWatermarks returns every watermark row, for the --show-watermarks
// diagnostic.
func (g *Gateway) ListWatermarks(ctx context.Context) ([]model.Watermark, error) {
	rows, err := g.db.conn.QueryContext(ctx,
		`SELECT catalog_key, last_ingested_at, last_cleaned_at FROM sync_watermarks ORDER BY catalog_key`)
	if err != nil {
		return nil, wrapStorageErr("list watermarks", err)
	}
	defer rows.Close()

	var out []model.Watermark
	for rows.Next() {
		var w model.Watermark
		var ingested, cleaned sql.NullString
		if err := rows.Scan(&w.CatalogKey, &ingested, &cleaned); err != nil {
			return nil, wrapStorageErr("scan watermark", err)
		}
		if ingested.Valid {
			ts, err := time.Parse(time.RFC3339Nano, ingested.String)
			if err != nil {
				return nil, wrapStorageErr("parse last_ingested_at", err)
			}
			w.LastIngestedAt = &ts
		}
		if cleaned.Valid {
			ts, err := time.Parse(time.RFC3339Nano, cleaned.String)
			if err != nil {
				return nil, wrapStorageErr("parse last_cleaned_at", err)
			}
			w.LastCleanedAt = &ts
		}
		out = append(out, w)
	}
	return out, wrapStorageErr("iterate watermarks", rows.Err())
}

// --- Verification diagnostics ---------------------------------------------

// VerificationReport is the result of the --verify diagnostic: read-only
// checks of OHLC sanity and of last_cleaned_at never being later than
// last_ingested_at within one watermark row, against the current store
// contents. It looks at one snapshot, so it does not detect a watermark
// that moved backwards between commits.
type VerificationReport struct {
	OHLCViolations      []string
	WatermarkViolations []string
}

// Verify scans the Silver micro table for OHLC sanity violations and the
// watermark table for last_cleaned_at > last_ingested_at violations. It
// mutates nothing.
func (g *Gateway) Verify(ctx context.Context) (VerificationReport, error) {
	var report VerificationReport

	rows, err := g.db.conn.QueryContext(ctx,
		`SELECT catalog_key, date, open, high, low, close, volume FROM timeseries_micro`)
	if err != nil {
		return report, wrapStorageErr("verify query micro", err)
	}
	func() {
		defer rows.Close()
		for rows.Next() {
			var r model.MicroRow
			var dateStr string
			var vol sql.NullInt64
			if err := rows.Scan(&r.CatalogKey, &dateStr, &r.Open, &r.High, &r.Low, &r.Close, &vol); err != nil {
				continue
			}
			if vol.Valid {
				v := vol.Int64
				r.Volume = &v
			}
			if !r.Valid() {
				report.OHLCViolations = append(report.OHLCViolations,
					fmt.Sprintf("%s/%s: open=%.4f high=%.4f low=%.4f close=%.4f", r.CatalogKey, dateStr, r.Open, r.High, r.Low, r.Close))
			}
		}
	}()

	marks, err := g.ListWatermarks(ctx)
	if err != nil {
		return report, err
	}
	for _, w := range marks {
		if w.LastIngestedAt != nil && w.LastCleanedAt != nil && w.LastCleanedAt.After(*w.LastIngestedAt) {
			report.WatermarkViolations = append(report.WatermarkViolations,
				fmt.Sprintf("%s: last_cleaned_at (%s) after last_ingested_at (%s)",
					w.CatalogKey, w.LastCleanedAt.Format(time.RFC3339), w.LastIngestedAt.Format(time.RFC3339)))
		}
	}

	return report, nil
}
