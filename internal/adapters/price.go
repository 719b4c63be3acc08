package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/heimdall-asis/internal/errs"
	"github.com/aristath/heimdall-asis/internal/httpclient"
	"github.com/aristath/heimdall-asis/internal/model"
)

// priceConfig is the opaque data_catalog.config blob for a PRICE_BARS entry.
type priceConfig struct {
	Symbol string `json:"symbol"`
	Range  string `json:"range,omitempty"` // e.g. "1mo", "5y"; adapter default applies when empty
}

// yahooChartResponse mirrors the subset of Yahoo Finance's chart endpoint
// this adapter consumes: a nested result shape carrying parallel
// timestamp/OHLCV arrays rather than a flat row list.
type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error interface{} `json:"error"`
	} `json:"chart"`
}

// PriceBarsAdapter fetches OHLCV bars for a single ticker symbol.
type PriceBarsAdapter struct {
	client  *httpclient.Client
	baseURL string
	log     zerolog.Logger
}

// NewPriceBarsAdapter constructs a PriceBarsAdapter.
func NewPriceBarsAdapter(client *httpclient.Client, log zerolog.Logger) *PriceBarsAdapter {
	return &PriceBarsAdapter{
		client:  client,
		baseURL: "https://query1.finance.yahoo.com/v8/finance/chart",
		log:     log.With().Str("component", "price_bars_adapter").Logger(),
	}
}

func (a *PriceBarsAdapter) Family() model.SourceFamily { return model.FamilyPriceBars }

// Fetch implements Adapter. Dates are normalized to UTC midnight. A bar
// whose upstream column is absent from the parallel array gets a nil
// pointer field here (rather than being dropped); PriceBarsCleaner is what
// drops bars with missing OHLC columns at clean time.
func (a *PriceBarsAdapter) Fetch(ctx context.Context, req Request) (model.Envelope, error) {
	var cfg priceConfig
	if err := json.Unmarshal(req.Config, &cfg); err != nil {
		return model.Envelope{}, errs.New(errs.KindValidation, fmt.Errorf("unmarshal price config: %w", err))
	}
	if cfg.Symbol == "" {
		return model.Envelope{}, errs.Newf(errs.KindValidation, "price config missing symbol")
	}

	rng := cfg.Range
	if rng == "" {
		rng = "3mo"
	}
	if req.Limit > 0 {
		rng = "5d"
	}

	endpoint := fmt.Sprintf("%s/%s?range=%s&interval=1d", a.baseURL, cfg.Symbol, rng)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Envelope{}, errs.New(errs.KindValidation, fmt.Errorf("build price request: %w", err))
	}

	body, err := a.client.Fetch(ctx, httpReq)
	if err != nil {
		return model.Envelope{}, err
	}

	var parsed yahooChartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return model.Envelope{}, errs.New(errs.KindPermanentUpstream, fmt.Errorf("decode price response: %w", err))
	}

	if len(parsed.Chart.Result) == 0 || len(parsed.Chart.Result[0].Indicators.Quote) == 0 {
		return model.Envelope{}, errs.ErrEmptyResultSet
	}

	result := parsed.Chart.Result[0]
	quote := result.Indicators.Quote[0]

	bars := make([]model.PriceBar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		bar := model.PriceBar{
			Date: utcMidnight(ts),
		}
		if i < len(quote.Open) {
			bar.Open = quote.Open[i]
		}
		if i < len(quote.High) {
			bar.High = quote.High[i]
		}
		if i < len(quote.Low) {
			bar.Low = quote.Low[i]
		}
		if i < len(quote.Close) {
			bar.Close = quote.Close[i]
		}
		if i < len(quote.Volume) {
			bar.Volume = quote.Volume[i]
		}
		bars = append(bars, bar)
	}

	if len(bars) == 0 {
		return model.Envelope{}, errs.ErrEmptyResultSet
	}

	return nowEnvelope(map[string]string{"symbol": cfg.Symbol, "range": rng}, model.PriceItems{Bars: bars}), nil
}

func utcMidnight(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).UTC().Format("2006-01-02")
}
