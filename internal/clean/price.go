package clean

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/heimdall-asis/internal/model"
)

// PriceBarsCleaner emits one row per bar where OHLC are finite and
// low <= min(open,close) <= max(open,close) <= high; normalizes date to
// UTC; drops otherwise.
type PriceBarsCleaner struct {
	log zerolog.Logger
}

// NewPriceBarsCleaner builds a PriceBarsCleaner.
func NewPriceBarsCleaner(log zerolog.Logger) *PriceBarsCleaner {
	return &PriceBarsCleaner{log: log.With().Str("component", "price_bars_cleaner").Logger()}
}

func (c *PriceBarsCleaner) Clean(ctx context.Context, catalogKey string, env model.Envelope) (Result, error) {
	items, err := decodePriceItems(env.Items)
	if err != nil {
		return Result{}, fmt.Errorf("decode price envelope: %w", err)
	}

	var result Result
	for _, bar := range items.Bars {
		if bar.Open == nil || bar.High == nil || bar.Low == nil || bar.Close == nil {
			c.log.Warn().Str("catalog_key", catalogKey).Str("date", bar.Date).Msg("price clean: missing OHLC column, dropping")
			result.Skipped++
			continue
		}
		if !allFinite(*bar.Open, *bar.High, *bar.Low, *bar.Close) {
			c.log.Warn().Str("catalog_key", catalogKey).Str("date", bar.Date).Msg("price clean: non-finite OHLC, dropping")
			result.Skipped++
			continue
		}

		date, err := time.Parse("2006-01-02", bar.Date)
		if err != nil {
			c.log.Warn().Str("catalog_key", catalogKey).Str("date", bar.Date).Msg("price clean: invalid date, dropping")
			result.Skipped++
			continue
		}

		row := model.MicroRow{
			CatalogKey: catalogKey,
			Date:       date.UTC(),
			Open:       *bar.Open,
			High:       *bar.High,
			Low:        *bar.Low,
			Close:      *bar.Close,
			Volume:     bar.Volume,
		}
		if !row.Valid() {
			c.log.Warn().Str("catalog_key", catalogKey).Str("date", bar.Date).Msg("price clean: OHLC sanity violation, dropping")
			result.Skipped++
			continue
		}

		result.MicroRows = append(result.MicroRows, row)
	}

	return result, nil
}

func allFinite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func decodePriceItems(items interface{}) (model.PriceItems, error) {
	if typed, ok := items.(model.PriceItems); ok {
		return typed, nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return model.PriceItems{}, err
	}
	var out model.PriceItems
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.PriceItems{}, err
	}
	return out, nil
}
