// Package pipeline implements the Cleaning Pipeline: the watermark-driven
// differential algorithm that turns Bronze rows into Silver rows under
// transactional commit.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/heimdall-asis/internal/clean"
	"github.com/aristath/heimdall-asis/internal/model"
	"github.com/aristath/heimdall-asis/internal/storage"
)

const defaultBatchCap = 100

// Pipeline drives clean(source_family?) against the Persistence Gateway
// and the Cleaner dispatch table.
type Pipeline struct {
	gw       *storage.Gateway
	dispatch *clean.Dispatch
	log      zerolog.Logger
	batchCap int
}

// NewPipeline builds a Pipeline with the default batch cap (100 rows).
func NewPipeline(gw *storage.Gateway, dispatch *clean.Dispatch, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		gw:       gw,
		dispatch: dispatch,
		log:      log.With().Str("component", "cleaning_pipeline").Logger(),
		batchCap: defaultBatchCap,
	}
}

// WithBatchCap overrides the batch cap (`clean --limit N`). A
// non-positive n leaves the default in place.
func (p *Pipeline) WithBatchCap(n int) *Pipeline {
	if n > 0 {
		p.batchCap = n
	}
	return p
}

// Report aggregates the outcome of running Clean for one family.
type Report struct {
	Family      model.SourceFamily
	BatchesRun  int
	RowsCleaned int
	RowsSkipped int
	DryRun      bool
}

// Clean runs clean(family): reads the family's system watermark, processes
// batches of raw rows until a batch returns fewer rows than the cap, and
// (unless dryRun) commits each batch's Silver rows and watermark advance
// atomically.
func (p *Pipeline) Clean(ctx context.Context, family model.SourceFamily, dryRun bool) (Report, error) {
	report := Report{Family: family, DryRun: dryRun}
	watermarkKey := model.SystemCleaningKey(family)

	for {
		w, err := p.gw.GetWatermark(ctx, watermarkKey)
		if err != nil {
			return report, fmt.Errorf("read cleaning watermark: %w", err)
		}

		since := time.Time{}
		if w.LastCleanedAt != nil {
			since = *w.LastCleanedAt
		}

		rows, err := p.gw.RawSince(ctx, family, since, p.batchCap)
		if err != nil {
			return report, fmt.Errorf("delta query: %w", err)
		}
		if len(rows) == 0 {
			if report.BatchesRun == 0 {
				p.log.Info().Str("source_family", string(family)).Msg("clean: no new records")
			}
			break
		}

		batchResult, maxInserted := p.transformBatch(ctx, family, rows)
		report.RowsCleaned += len(batchResult.MacroRows) + len(batchResult.MicroRows) + len(batchResult.NewsRows)
		report.RowsSkipped += batchResult.Skipped
		report.BatchesRun++

		if dryRun {
			p.log.Info().Str("source_family", string(family)).Int("count", len(rows)).
				Msg("clean (dry run): batch would commit")
		} else {
			if err := p.commitBatch(ctx, watermarkKey, batchResult, maxInserted); err != nil {
				return report, fmt.Errorf("commit batch: %w", err)
			}
			p.log.Info().Str("source_family", string(family)).Int("count", len(rows)).
				Str("status", "committed").Msg("clean: batch committed")
		}

		if len(rows) < p.batchCap {
			break
		}
		if dryRun {
			// Dry run never advances the watermark, so re-querying the same
			// delta would loop forever; one batch of visibility is enough.
			break
		}
	}

	return report, nil
}

// transformBatch dispatches every raw row in the batch to its cleaner,
// collecting Silver rows and the maximum inserted_at seen. A per-row
// cleaner error is logged and treated as a skip, never aborting the batch.
func (p *Pipeline) transformBatch(ctx context.Context, family model.SourceFamily, rows []model.RawRecord) (clean.Result, time.Time) {
	var aggregate clean.Result
	var maxInserted time.Time

	cleaner := p.dispatch.For(family)
	for _, row := range rows {
		if row.InsertedAt.After(maxInserted) {
			maxInserted = row.InsertedAt
		}

		var env model.Envelope
		if err := json.Unmarshal(row.Payload, &env); err != nil {
			p.log.Error().Str("catalog_key", row.CatalogKey).Err(err).Msg("clean: malformed raw payload, skipping row")
			aggregate.Skipped++
			continue
		}

		result, err := cleaner.Clean(ctx, row.CatalogKey, env)
		if err != nil {
			p.log.Error().Str("catalog_key", row.CatalogKey).Err(err).Msg("clean: cleaner failed, skipping row")
			aggregate.Skipped++
			continue
		}

		aggregate.MacroRows = append(aggregate.MacroRows, result.MacroRows...)
		aggregate.MicroRows = append(aggregate.MicroRows, result.MicroRows...)
		aggregate.NewsRows = append(aggregate.NewsRows, result.NewsRows...)
		aggregate.Skipped += result.Skipped
	}

	return aggregate, maxInserted
}

// commitBatch upserts all Silver rows and advances the family's cleaning
// watermark inside a single transaction.
func (p *Pipeline) commitBatch(ctx context.Context, watermarkKey string, result clean.Result, maxInserted time.Time) error {
	return p.gw.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if err := p.gw.UpsertSilverMacro(ctx, tx, result.MacroRows); err != nil {
			return err
		}
		if err := p.gw.UpsertSilverMicro(ctx, tx, result.MicroRows); err != nil {
			return err
		}
		if err := p.gw.UpsertSilverNews(ctx, tx, result.NewsRows); err != nil {
			return err
		}
		return p.gw.AdvanceWatermarkTx(ctx, tx, watermarkKey, storage.WatermarkCleaned, maxInserted)
	})
}

// Reset sets last_cleaned_at to null for family, so the next Clean call
// reprocesses every raw row.
func (p *Pipeline) Reset(ctx context.Context, family model.SourceFamily) error {
	return p.gw.ResetCleaningWatermark(ctx, model.SystemCleaningKey(family))
}
