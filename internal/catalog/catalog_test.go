package catalog

import (
	"context"
	"path/filepath"
	"testing"

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
}

func (f *fakeAdapter) Family() model.SourceFamily { return f.family }
func (f *fakeAdapter) Fetch(ctx context.Context, req adapters.Request) (model.Envelope, error) {
	return f.env, f.err
}

func newTestGateway(t *testing.T) *storage.Gateway {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "catalog_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return storage.NewGateway(db)
}

func TestConfirmActivation_ActivatesOnSuccessWithItems(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	require.NoError(t, gw.UpsertCatalogEntry(ctx, model.CatalogEntry{
		Key:       "FRED:GDP",
		Family:    model.FamilyMacroSeries,
		Frequency: model.Monthly,
		Config:    []byte(`{"series_id":"GDP"}`),
	}))

	adapter := &fakeAdapter{
		family: model.FamilyMacroSeries,
		env: model.Envelope{
			Items: model.MacroItems{Observations: []model.MacroObservation{{Date: "2026-01-01", Value: "1.0"}}},
		},
	}
	reg := NewRegistry(gw, map[model.SourceFamily]adapters.Adapter{model.FamilyMacroSeries: adapter}, zerolog.Nop())

	results, err := reg.ConfirmActivation(ctx, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Activated)

	entry, err := gw.GetCatalogEntry(ctx, "FRED:GDP")
	require.NoError(t, err)
	assert.True(t, entry.Active)
}

func TestConfirmActivation_DoesNotActivateOnEmptyItems(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	require.NoError(t, gw.UpsertCatalogEntry(ctx, model.CatalogEntry{
		Key:       "FRED:GDP",
		Family:    model.FamilyMacroSeries,
		Frequency: model.Monthly,
		Config:    []byte(`{"series_id":"GDP"}`),
	}))

	adapter := &fakeAdapter{
		family: model.FamilyMacroSeries,
		env:    model.Envelope{Items: model.MacroItems{Observations: nil}},
	}
	reg := NewRegistry(gw, map[model.SourceFamily]adapters.Adapter{model.FamilyMacroSeries: adapter}, zerolog.Nop())

	results, err := reg.ConfirmActivation(ctx, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Activated)

	entry, err := gw.GetCatalogEntry(ctx, "FRED:GDP")
	require.NoError(t, err)
	assert.False(t, entry.Active)
}

func TestConfirmActivation_SkipsAlreadyActiveEntries(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	require.NoError(t, gw.UpsertCatalogEntry(ctx, model.CatalogEntry{
		Key:       "FRED:GDP",
		Family:    model.FamilyMacroSeries,
		Frequency: model.Monthly,
		Config:    []byte(`{"series_id":"GDP"}`),
	}))
	require.NoError(t, gw.ActivateCatalogEntry(ctx, "FRED:GDP"))

	adapter := &fakeAdapter{family: model.FamilyMacroSeries, err: errs.Newf(errs.KindPermanentUpstream, "should never be called")}
	reg := NewRegistry(gw, map[model.SourceFamily]adapters.Adapter{model.FamilyMacroSeries: adapter}, zerolog.Nop())

	results, err := reg.ConfirmActivation(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRegister_RejectsInvalidFamily(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)
	reg := NewRegistry(gw, nil, zerolog.Nop())

	err := reg.Register(ctx, model.CatalogEntry{Key: "X", Family: "BOGUS", Frequency: model.Daily})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}
