package ingest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/heimdall-asis/internal/adapters"
	"github.com/aristath/heimdall-asis/internal/errs"
	"github.com/aristath/heimdall-asis/internal/model"
	"github.com/aristath/heimdall-asis/internal/storage"
)

type fakeAdapter struct {
	family model.SourceFamily
	env    model.Envelope
	err    error
	calls  int
}

func (f *fakeAdapter) Family() model.SourceFamily { return f.family }
func (f *fakeAdapter) Fetch(ctx context.Context, req adapters.Request) (model.Envelope, error) {
	f.calls++
	return f.env, f.err
}

func newTestGateway(t *testing.T) *storage.Gateway {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "ingest_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return storage.NewGateway(db)
}

func TestIngest_HappyPathWritesOneRawRowAndAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	require.NoError(t, gw.UpsertCatalogEntry(ctx, model.CatalogEntry{
		Key: "METRIC_US_10Y_YIELD", Family: model.FamilyMacroSeries, Frequency: model.Daily,
		Config: []byte(`{"series_id":"DGS10"}`),
	}))
	require.NoError(t, gw.ActivateCatalogEntry(ctx, "METRIC_US_10Y_YIELD"))

	adapter := &fakeAdapter{
		family: model.FamilyMacroSeries,
		env: model.Envelope{
			FetchedAt: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
			QueryEcho: map[string]string{"series_id": "DGS10"},
			Items: model.MacroItems{Observations: []model.MacroObservation{
				{Date: "2026-01-02", Value: "4.23"},
				{Date: "2026-01-03", Value: "4.25"},
			}},
		},
	}
	engine := NewEngine(gw, map[model.SourceFamily]adapters.Adapter{model.FamilyMacroSeries: adapter}, zerolog.Nop())

	counters, err := engine.Ingest(ctx, model.Daily, "")
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Attempted)
	assert.Equal(t, 1, counters.Succeeded)
	assert.Equal(t, 0, counters.Failed)

	rows, err := gw.RawSince(ctx, model.FamilyMacroSeries, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	w, err := gw.GetWatermark(ctx, "METRIC_US_10Y_YIELD")
	require.NoError(t, err)
	require.NotNil(t, w.LastIngestedAt)
}

func TestIngest_PartialFailureDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	for _, key := range []string{"A", "B", "C"} {
		require.NoError(t, gw.UpsertCatalogEntry(ctx, model.CatalogEntry{
			Key: key, Family: model.FamilyMacroSeries, Frequency: model.Daily, Config: []byte(`{"series_id":"X"}`),
		}))
		require.NoError(t, gw.ActivateCatalogEntry(ctx, key))
	}

	ok := model.Envelope{
		FetchedAt: time.Now(),
		QueryEcho: map[string]string{"series_id": "X"},
		Items:     model.MacroItems{Observations: []model.MacroObservation{{Date: "2026-01-01", Value: "1.0"}}},
	}

	// A single adapter instance is shared across catalog keys here, but in
	// practice each entry resolves to the family-level adapter; simulate
	// B's permanent failure via a wrapper adapter.
	failing := &flakyAdapter{okEnv: ok}
	engine := NewEngine(gw, map[model.SourceFamily]adapters.Adapter{model.FamilyMacroSeries: failing}, zerolog.Nop())

	counters, err := engine.Ingest(ctx, model.Daily, "")
	require.NoError(t, err)
	assert.Equal(t, 3, counters.Attempted)
	assert.Equal(t, 2, counters.Succeeded)
	assert.Equal(t, 1, counters.Failed)

	wB, err := gw.GetWatermark(ctx, "B")
	require.NoError(t, err)
	assert.Nil(t, wB.LastIngestedAt)

	wA, err := gw.GetWatermark(ctx, "A")
	require.NoError(t, err)
	assert.NotNil(t, wA.LastIngestedAt)
}

// flakyAdapter fails the catalog key "B" with a PermanentUpstream error and
// succeeds otherwise, modeling one entry in a batch failing without
// aborting the rest.
type flakyAdapter struct {
	okEnv model.Envelope
}

func (f *flakyAdapter) Family() model.SourceFamily { return model.FamilyMacroSeries }
func (f *flakyAdapter) Fetch(ctx context.Context, req adapters.Request) (model.Envelope, error) {
	if req.CatalogKey == "B" {
		return model.Envelope{}, errs.Newf(errs.KindPermanentUpstream, "not found")
	}
	return f.okEnv, nil
}

// concurrentCountingAdapter tracks the peak number of Fetch calls in
// flight at once, to assert that Ingest actually fans catalog keys out
// rather than resolving them one at a time.
type concurrentCountingAdapter struct {
	mu      sync.Mutex
	inFlate int
	peak    int
	okEnv   model.Envelope
}

func (f *concurrentCountingAdapter) Family() model.SourceFamily { return model.FamilyMacroSeries }
func (f *concurrentCountingAdapter) Fetch(ctx context.Context, req adapters.Request) (model.Envelope, error) {
	f.mu.Lock()
	f.inFlate++
	if f.inFlate > f.peak {
		f.peak = f.inFlate
	}
	f.mu.Unlock()

	time.Sleep(20 * time.Millisecond) // hold the slot long enough for siblings to overlap

	f.mu.Lock()
	f.inFlate--
	f.mu.Unlock()

	return f.okEnv, nil
}

func TestIngest_FansOutConcurrentlyAcrossCatalogKeys(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	keys := []string{"A", "B", "C", "D", "E", "F"}
	for _, key := range keys {
		require.NoError(t, gw.UpsertCatalogEntry(ctx, model.CatalogEntry{
			Key: key, Family: model.FamilyMacroSeries, Frequency: model.Daily, Config: []byte(`{"series_id":"X"}`),
		}))
		require.NoError(t, gw.ActivateCatalogEntry(ctx, key))
	}

	adapter := &concurrentCountingAdapter{okEnv: model.Envelope{
		FetchedAt: time.Now(),
		QueryEcho: map[string]string{"series_id": "X"},
		Items:     model.MacroItems{Observations: []model.MacroObservation{{Date: "2026-01-01", Value: "1.0"}}},
	}}
	engine := NewEngine(gw, map[model.SourceFamily]adapters.Adapter{model.FamilyMacroSeries: adapter}, zerolog.Nop())

	counters, err := engine.Ingest(ctx, model.Daily, "")
	require.NoError(t, err)
	assert.Equal(t, len(keys), counters.Succeeded)

	adapter.mu.Lock()
	peak := adapter.peak
	adapter.mu.Unlock()
	assert.Greater(t, peak, 1, "expected more than one adapter fetch in flight at once")
}

func TestRequestHash_IsStableWithinSameFrequencyBucket(t *testing.T) {
	t1 := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC)
	echo := map[string]string{"series_id": "DGS10"}

	h1 := RequestHash("METRIC_US_10Y_YIELD", model.Daily, echo, t1)
	h2 := RequestHash("METRIC_US_10Y_YIELD", model.Daily, echo, t2)
	assert.Equal(t, h1, h2)

	t3 := time.Date(2026, 1, 3, 1, 0, 0, 0, time.UTC)
	h3 := RequestHash("METRIC_US_10Y_YIELD", model.Daily, echo, t3)
	assert.NotEqual(t, h1, h3)
}
