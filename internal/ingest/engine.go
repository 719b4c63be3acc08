// Package ingest implements the Ingestion Engine: the operation that walks
// due catalog entries, calls their adapter, and persists the result as a
// Bronze row under a deterministic, idempotent request_hash.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/heimdall-asis/internal/adapters"
	"github.com/aristath/heimdall-asis/internal/errs"
	"github.com/aristath/heimdall-asis/internal/model"
	"github.com/aristath/heimdall-asis/internal/storage"
)

// fanOutLimit bounds how many catalog entries' adapter fetches run
// concurrently within one ingest(frequency) batch (spec §5: "ingestion
// adapters in parallel across catalog keys"). The writer connection behind
// the Gateway is itself serialized (spec §4.1), so this only parallelizes
// the network-bound adapter fetch, never the write path.
const fanOutLimit = 4

// Engine runs ingest(frequency) against the registered adapters and the
// Persistence Gateway.
type Engine struct {
	gw       *storage.Gateway
	adapters map[model.SourceFamily]adapters.Adapter
	log      zerolog.Logger
	clock    func() time.Time
}

// NewEngine builds an Engine. adapterSet is keyed by source family.
func NewEngine(gw *storage.Gateway, adapterSet map[model.SourceFamily]adapters.Adapter, log zerolog.Logger) *Engine {
	return &Engine{
		gw:       gw,
		adapters: adapterSet,
		log:      log.With().Str("component", "ingest_engine").Logger(),
		clock:    time.Now,
	}
}

// Counters aggregates the outcome of one ingest(frequency) batch (spec
// §4.4 step 3: "Aggregate counters are returned").
type Counters struct {
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int // EmptyResultSet is counted as skipped, not failed
}

// Ingest runs ingest(frequency): loads active catalog entries matching
// frequency, and for each one in isolation, resolves its adapter, fetches,
// derives request_hash, and upserts the Bronze row. Catalog entries fan out
// across a bounded pool (spec §5); a per-entry failure is logged and never
// aborts the batch, and the Gateway's single writer connection serializes
// the actual store writes regardless of how many fetches run concurrently.
func (e *Engine) Ingest(ctx context.Context, frequency model.Frequency, onlyKey string) (Counters, error) {
	var counters Counters
	var mu sync.Mutex

	entries, err := e.gw.ListCatalogEntries(ctx, true)
	if err != nil {
		return counters, fmt.Errorf("load catalog entries: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)

	for _, entry := range entries {
		if entry.Frequency != frequency {
			continue
		}
		if onlyKey != "" && entry.Key != onlyKey {
			continue
		}

		entry := entry
		mu.Lock()
		counters.Attempted++
		mu.Unlock()

		g.Go(func() error {
			e.ingestOne(gctx, entry, &counters, &mu)
			return nil // per-entry failures are isolated inside ingestOne, never propagated
		})
	}

	_ = g.Wait()
	return counters, nil
}

func (e *Engine) ingestOne(ctx context.Context, entry model.CatalogEntry, counters *Counters, mu *sync.Mutex) {
	start := time.Now()
	logCtx := e.log.With().Str("catalog_key", entry.Key).Str("source_family", string(entry.Family)).Logger()

	adapter, ok := e.adapters[entry.Family]
	if !ok {
		logCtx.Error().Str("error_kind", string(errs.KindValidation)).
			Msg("no adapter registered for source family")
		bump(mu, &counters.Failed)
		return
	}

	env, err := adapter.Fetch(ctx, adapters.Request{CatalogKey: entry.Key, Config: entry.Config})
	duration := time.Since(start)

	if err != nil {
		kind := errs.KindOf(err)
		if kind == errs.KindEmptyResultSet {
			logCtx.Warn().Dur("duration_ms", duration).Str("error_kind", string(kind)).
				Msg("ingest: empty result set")
			bump(mu, &counters.Skipped)
			return
		}
		logCtx.Error().Err(err).Dur("duration_ms", duration).Str("error_kind", string(kind)).
			Msg("ingest: adapter fetch failed")
		bump(mu, &counters.Failed)
		return
	}

	payload, err := json.Marshal(env)
	if err != nil {
		logCtx.Error().Err(err).Str("error_kind", string(errs.KindValidation)).Msg("ingest: marshal envelope failed")
		bump(mu, &counters.Failed)
		return
	}

	hash := RequestHash(entry.Key, entry.Frequency, env.QueryEcho, env.FetchedAt)

	rec := model.RawRecord{
		RequestHash: hash,
		CatalogKey:  entry.Key,
		Family:      entry.Family,
		Payload:     payload,
		InsertedAt:  e.clock().UTC(),
	}

	if err := e.gw.UpsertRaw(ctx, rec); err != nil {
		logCtx.Error().Err(err).Str("error_kind", string(errs.KindOf(err))).Msg("ingest: upsert_raw failed")
		bump(mu, &counters.Failed)
		return
	}

	if err := e.gw.AdvanceWatermark(ctx, entry.Key, storage.WatermarkIngested, e.clock().UTC()); err != nil {
		logCtx.Error().Err(err).Str("error_kind", string(errs.KindOf(err))).Msg("ingest: advance watermark failed")
		bump(mu, &counters.Failed)
		return
	}

	logCtx.Info().Dur("duration_ms", duration).Str("request_hash", hash).Str("status", "ok").
		Msg("ingest: record persisted")
	bump(mu, &counters.Succeeded)
}

// bump increments a Counters field under mu: concurrent catalog-key fetches
// (spec §5) share one Counters value, so every mutation is guarded.
func bump(mu *sync.Mutex, field *int) {
	mu.Lock()
	*field++
	mu.Unlock()
}

// RequestHash derives the deterministic idempotency key for one adapter
// fetch: a hash over the catalog key, the query_echo parameters the
// adapter reported, and the fetch time bucketed to the catalog entry's
// update frequency. Consecutive invocations within the same bucket
// therefore produce the same hash and no-op at upsert_raw.
func RequestHash(catalogKey string, freq model.Frequency, queryEcho map[string]string, fetchedAt time.Time) string {
	bucket := bucketTime(freq, fetchedAt)

	keys := make([]string, 0, len(queryEcho))
	for k := range queryEcho {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(catalogKey))
	h.Write([]byte{'|'})
	h.Write([]byte(bucket))
	for _, k := range keys {
		h.Write([]byte{'|'})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(queryEcho[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// bucketTime normalizes a timestamp to the granularity of freq, so that
// multiple ingests within the same window collapse to an identical bucket
// string.
func bucketTime(freq model.Frequency, t time.Time) string {
	t = t.UTC()
	switch freq {
	case model.Hourly:
		return t.Format("2006-01-02T15")
	case model.Daily:
		return t.Format("2006-01-02")
	case model.Monthly:
		return t.Format("2006-01")
	case model.Quarterly:
		quarter := (int(t.Month())-1)/3 + 1
		return fmt.Sprintf("%04d-Q%d", t.Year(), quarter)
	default:
		return t.Format(time.RFC3339)
	}
}
