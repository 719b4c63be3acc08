package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/aristath/heimdall-asis/internal/errs"
	"github.com/aristath/heimdall-asis/internal/httpclient"
	"github.com/aristath/heimdall-asis/internal/model"
)

// macroConfig is the opaque data_catalog.config blob for a MACRO_SERIES
// entry: a single upstream series identifier (e.g. a FRED series ID).
type macroConfig struct {
	SeriesID string `json:"series_id"`
}

// fredObservationsResponse mirrors the subset of the FRED
// fred/series/observations endpoint this adapter consumes.
type fredObservationsResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// MacroSeriesAdapter fetches a single macro-economic time series (spec
// §4.3 MacroSeriesAdapter).
type MacroSeriesAdapter struct {
	client  *httpclient.Client
	apiKey  string
	baseURL string
	log     zerolog.Logger
}

// NewMacroSeriesAdapter constructs a MacroSeriesAdapter. apiKey is the
// upstream's API key, read from Heimdall's config as an adapter-private
// credential.
func NewMacroSeriesAdapter(client *httpclient.Client, apiKey string, log zerolog.Logger) *MacroSeriesAdapter {
	return &MacroSeriesAdapter{
		client:  client,
		apiKey:  apiKey,
		baseURL: "https://api.stlouisfed.org/fred/series/observations",
		log:     log.With().Str("component", "macro_series_adapter").Logger(),
	}
}

func (a *MacroSeriesAdapter) Family() model.SourceFamily { return model.FamilyMacroSeries }

// Fetch implements Adapter. Sentinel non-numeric values (e.g. ".") are
// passed through unfiltered; filtering is the cleaner's job.
func (a *MacroSeriesAdapter) Fetch(ctx context.Context, req Request) (model.Envelope, error) {
	var cfg macroConfig
	if err := json.Unmarshal(req.Config, &cfg); err != nil {
		return model.Envelope{}, errs.New(errs.KindValidation, fmt.Errorf("unmarshal macro config: %w", err))
	}
	if cfg.SeriesID == "" {
		return model.Envelope{}, errs.Newf(errs.KindValidation, "macro config missing series_id")
	}

	q := url.Values{}
	q.Set("series_id", cfg.SeriesID)
	q.Set("api_key", a.apiKey)
	q.Set("file_type", "json")
	limit := 100
	if req.Limit > 0 {
		limit = req.Limit
		q.Set("sort_order", "desc")
	}
	q.Set("limit", fmt.Sprintf("%d", limit))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return model.Envelope{}, errs.New(errs.KindValidation, fmt.Errorf("build macro request: %w", err))
	}

	body, err := a.client.Fetch(ctx, httpReq)
	if err != nil {
		return model.Envelope{}, err
	}

	var parsed fredObservationsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return model.Envelope{}, errs.New(errs.KindPermanentUpstream, fmt.Errorf("decode macro response: %w", err))
	}

	if len(parsed.Observations) == 0 {
		return model.Envelope{}, errs.ErrEmptyResultSet
	}

	obs := make([]model.MacroObservation, 0, len(parsed.Observations))
	for _, o := range parsed.Observations {
		obs = append(obs, model.MacroObservation{Date: o.Date, Value: o.Value})
	}

	return nowEnvelope(map[string]string{"series_id": cfg.SeriesID}, model.MacroItems{Observations: obs}), nil
}
