package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/heimdall-asis/internal/clean"
	"github.com/aristath/heimdall-asis/internal/model"
	"github.com/aristath/heimdall-asis/internal/storage"
)

func newTestGateway(t *testing.T) *storage.Gateway {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "pipeline_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return storage.NewGateway(db)
}

func newTestDispatch() *clean.Dispatch {
	log := zerolog.Nop()
	return clean.NewDispatch(
		clean.NewMacroSeriesCleaner(log),
		clean.NewPriceBarsCleaner(log),
		clean.NewNewsFeedCleaner(clean.NewExtractor(nil, log), log),
	)
}

func mustMarshalEnvelope(t *testing.T, env model.Envelope) []byte {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestClean_MacroHappyPath(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	env := model.Envelope{
		FetchedAt: time.Now(),
		Items: model.MacroItems{Observations: []model.MacroObservation{
			{Date: "2025-01-02", Value: "4.23"},
			{Date: "2025-01-03", Value: "4.25"},
		}},
	}
	require.NoError(t, gw.UpsertRaw(ctx, model.RawRecord{
		RequestHash: "h1", CatalogKey: "METRIC_US_10Y_YIELD", Family: model.FamilyMacroSeries,
		Payload: mustMarshalEnvelope(t, env), InsertedAt: time.Now(),
	}))

	p := NewPipeline(gw, newTestDispatch(), zerolog.Nop())
	report, err := p.Clean(ctx, model.FamilyMacroSeries, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.RowsCleaned)

	w, err := gw.GetWatermark(ctx, model.SystemCleaningKey(model.FamilyMacroSeries))
	require.NoError(t, err)
	require.NotNil(t, w.LastCleanedAt)
}

func TestClean_DryRunDoesNotAdvanceWatermark(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	env := model.Envelope{Items: model.MacroItems{Observations: []model.MacroObservation{
		{Date: "2025-01-02", Value: "4.23"},
	}}}
	require.NoError(t, gw.UpsertRaw(ctx, model.RawRecord{
		RequestHash: "h1", CatalogKey: "METRIC_US_10Y_YIELD", Family: model.FamilyMacroSeries,
		Payload: mustMarshalEnvelope(t, env), InsertedAt: time.Now(),
	}))

	p := NewPipeline(gw, newTestDispatch(), zerolog.Nop())
	_, err := p.Clean(ctx, model.FamilyMacroSeries, true)
	require.NoError(t, err)

	w, err := gw.GetWatermark(ctx, model.SystemCleaningKey(model.FamilyMacroSeries))
	require.NoError(t, err)
	assert.Nil(t, w.LastCleanedAt)

	// Dry run never opens a transaction, so re-cleaning for real afterwards
	// must still see the same row as unprocessed.
	report, err := NewPipeline(gw, newTestDispatch(), zerolog.Nop()).Clean(ctx, model.FamilyMacroSeries, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsCleaned)
}

func TestClean_LoopsUntilShortBatch(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)
	p := NewPipeline(gw, newTestDispatch(), zerolog.Nop())
	p.batchCap = 2 // small cap to exercise the loop with few rows

	base := time.Now()
	for i := 0; i < 5; i++ {
		env := model.Envelope{Items: model.MacroItems{Observations: []model.MacroObservation{
			{Date: "2025-01-0" + string(rune('1'+i)), Value: "1.0"},
		}}}
		require.NoError(t, gw.UpsertRaw(ctx, model.RawRecord{
			RequestHash: "h" + string(rune('a'+i)), CatalogKey: "X", Family: model.FamilyMacroSeries,
			Payload: mustMarshalEnvelope(t, env), InsertedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	report, err := p.Clean(ctx, model.FamilyMacroSeries, false)
	require.NoError(t, err)
	assert.Equal(t, 5, report.RowsCleaned)
	assert.Equal(t, 3, report.BatchesRun) // 2 + 2 + 1
}

func TestReset_AllowsReprocessing(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	env := model.Envelope{Items: model.MacroItems{Observations: []model.MacroObservation{
		{Date: "2025-01-02", Value: "4.23"},
	}}}
	require.NoError(t, gw.UpsertRaw(ctx, model.RawRecord{
		RequestHash: "h1", CatalogKey: "X", Family: model.FamilyMacroSeries,
		Payload: mustMarshalEnvelope(t, env), InsertedAt: time.Now(),
	}))

	p := NewPipeline(gw, newTestDispatch(), zerolog.Nop())
	_, err := p.Clean(ctx, model.FamilyMacroSeries, false)
	require.NoError(t, err)

	require.NoError(t, p.Reset(ctx, model.FamilyMacroSeries))

	report, err := p.Clean(ctx, model.FamilyMacroSeries, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsCleaned) // reprocessed after reset
}
