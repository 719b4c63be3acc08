package clean

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/heimdall-asis/internal/model"
)

// MacroSeriesCleaner emits one row per observation with a parseable
// numeric value and a valid date; drops sentinel/non-numeric values,
// logging each drop.
type MacroSeriesCleaner struct {
	log zerolog.Logger
}

// NewMacroSeriesCleaner builds a MacroSeriesCleaner.
func NewMacroSeriesCleaner(log zerolog.Logger) *MacroSeriesCleaner {
	return &MacroSeriesCleaner{log: log.With().Str("component", "macro_series_cleaner").Logger()}
}

func (c *MacroSeriesCleaner) Clean(ctx context.Context, catalogKey string, env model.Envelope) (Result, error) {
	items, err := decodeMacroItems(env.Items)
	if err != nil {
		return Result{}, fmt.Errorf("decode macro envelope: %w", err)
	}

	var result Result
	for _, obs := range items.Observations {
		date, err := time.Parse("2006-01-02", obs.Date)
		if err != nil {
			c.log.Warn().Str("catalog_key", catalogKey).Str("date", obs.Date).Msg("macro clean: invalid date, dropping")
			result.Skipped++
			continue
		}

		value, err := strconv.ParseFloat(obs.Value, 64)
		if err != nil {
			c.log.Warn().Str("catalog_key", catalogKey).Str("value", obs.Value).Msg("macro clean: sentinel/non-numeric value, dropping")
			result.Skipped++
			continue
		}

		result.MacroRows = append(result.MacroRows, model.MacroRow{
			CatalogKey: catalogKey,
			Date:       date,
			Value:      value,
		})
	}

	return result, nil
}

// decodeMacroItems accepts either a typed model.MacroItems (in-process
// tests) or the JSON-decoded map shape a raw envelope payload round-trips
// through after storage.
func decodeMacroItems(items interface{}) (model.MacroItems, error) {
	if typed, ok := items.(model.MacroItems); ok {
		return typed, nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return model.MacroItems{}, err
	}
	var out model.MacroItems
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.MacroItems{}, err
	}
	return out, nil
}
