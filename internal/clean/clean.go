// Package clean implements the Cleaners: pure functions that turn one raw
// Bronze envelope into zero or more Silver rows. One cleaner per source
// family, dispatched by family.
package clean

import (
	"context"

	"github.com/aristath/heimdall-asis/internal/model"
)

// Result is what a cleaner produces for one raw envelope: the Silver rows
// (one typed slice per family, so every cleaner shares one return type and
// fills only its own slice) plus how many input items were dropped.
type Result struct {
	MacroRows []model.MacroRow
	MicroRows []model.MicroRow
	NewsRows  []model.NewsRow
	Skipped   int
}

// Cleaner is the uniform contract: clean(raw_envelope) -> (silver_rows,
// skipped_count). CatalogKey is threaded in separately since it lives on
// the RawRecord, not inside the envelope payload itself.
type Cleaner interface {
	Clean(ctx context.Context, catalogKey string, env model.Envelope) (Result, error)
}

// Dispatch resolves the cleaner registered for family.
type Dispatch struct {
	macro *MacroSeriesCleaner
	price *PriceBarsCleaner
	news  *NewsFeedCleaner
}

// NewDispatch builds the family->cleaner dispatch table.
func NewDispatch(macro *MacroSeriesCleaner, price *PriceBarsCleaner, news *NewsFeedCleaner) *Dispatch {
	return &Dispatch{macro: macro, price: price, news: news}
}

// For returns the cleaner registered for family, or nil if none is.
func (d *Dispatch) For(family model.SourceFamily) Cleaner {
	switch family {
	case model.FamilyMacroSeries:
		return d.macro
	case model.FamilyPriceBars:
		return d.price
	case model.FamilyNewsFeed:
		return d.news
	default:
		return nil
	}
}
