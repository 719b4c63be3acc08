// Package catalog manages the data_catalog registry: registration of
// logical data streams and the confirm_activation() probe that is the only
// path by which a catalog entry becomes live.
package catalog

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/heimdall-asis/internal/adapters"
	"github.com/aristath/heimdall-asis/internal/errs"
	"github.com/aristath/heimdall-asis/internal/model"
	"github.com/aristath/heimdall-asis/internal/storage"
)

// Registry is the catalog management surface. It wraps the storage Gateway
// and the set of adapters registered for each source family.
type Registry struct {
	gw       *storage.Gateway
	adapters map[model.SourceFamily]adapters.Adapter
	log      zerolog.Logger
}

// NewRegistry builds a Registry. adapterSet is keyed by source family; the
// caller places each of the three shipped adapters under its own family.
func NewRegistry(gw *storage.Gateway, adapterSet map[model.SourceFamily]adapters.Adapter, log zerolog.Logger) *Registry {
	return &Registry{
		gw:       gw,
		adapters: adapterSet,
		log:      log.With().Str("component", "catalog").Logger(),
	}
}

// Register upserts a catalog entry's metadata (key, family, frequency,
// config, role, scope) without touching its active flag: registration and
// activation are deliberately separate operations.
func (r *Registry) Register(ctx context.Context, entry model.CatalogEntry) error {
	if !entry.Family.Valid() {
		return errs.Newf(errs.KindValidation, fmt.Sprintf("invalid source family %q", entry.Family))
	}
	if !entry.Frequency.Valid() {
		return errs.Newf(errs.KindValidation, fmt.Sprintf("invalid frequency %q", entry.Frequency))
	}
	entry.Active = false
	return r.gw.UpsertCatalogEntry(ctx, entry)
}

// ActivationResult reports the outcome of a single confirm_activation() call.
type ActivationResult struct {
	CatalogKey string
	Activated  bool
	Err        error
}

// ConfirmActivation runs confirm_activation() for every registered catalog
// entry that isn't active yet: the adapter is invoked with Limit=1, and the
// entry becomes active iff the call succeeds and returns at least one item.
// Already-active entries are left untouched — activation is not re-run on
// every `activate` invocation.
func (r *Registry) ConfirmActivation(ctx context.Context, onlyKey string) ([]ActivationResult, error) {
	entries, err := r.gw.ListCatalogEntries(ctx, false)
	if err != nil {
		return nil, err
	}

	var results []ActivationResult
	for _, e := range entries {
		if e.Active {
			continue
		}
		if onlyKey != "" && e.Key != onlyKey {
			continue
		}

		res := r.confirmOne(ctx, e)
		results = append(results, res)
	}
	return results, nil
}

func (r *Registry) confirmOne(ctx context.Context, e model.CatalogEntry) ActivationResult {
	adapter, ok := r.adapters[e.Family]
	if !ok {
		err := errs.Newf(errs.KindValidation, fmt.Sprintf("no adapter registered for family %q", e.Family))
		r.log.Error().Str("catalog_key", e.Key).Err(err).Msg("confirm_activation failed")
		return ActivationResult{CatalogKey: e.Key, Err: err}
	}

	env, err := adapter.Fetch(ctx, adapters.Request{CatalogKey: e.Key, Config: e.Config, Limit: 1})
	if err != nil {
		r.log.Warn().Str("catalog_key", e.Key).Str("error_kind", string(errs.KindOf(err))).Err(err).
			Msg("confirm_activation probe did not succeed")
		return ActivationResult{CatalogKey: e.Key, Err: err}
	}

	if adapters.ItemCount(env) == 0 {
		r.log.Warn().Str("catalog_key", e.Key).Msg("confirm_activation probe returned zero items")
		return ActivationResult{CatalogKey: e.Key, Activated: false}
	}

	if err := r.gw.ActivateCatalogEntry(ctx, e.Key); err != nil {
		r.log.Error().Str("catalog_key", e.Key).Err(err).Msg("failed to persist activation")
		return ActivationResult{CatalogKey: e.Key, Err: err}
	}

	r.log.Info().Str("catalog_key", e.Key).Msg("catalog entry activated")
	return ActivationResult{CatalogKey: e.Key, Activated: true}
}
