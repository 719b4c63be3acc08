package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/heimdall-asis/internal/errs"
	"github.com/aristath/heimdall-asis/internal/httpclient"
	"github.com/aristath/heimdall-asis/internal/model"
)

func newTestHTTPClient() *httpclient.Client {
	return httpclient.New(httpclient.Config{
		Timeout:       2 * time.Second,
		RatePerSecond: 1000,
		Burst:         1000,
		MaxInFlight:   4,
	}, zerolog.Nop())
}

func TestMacroSeriesAdapter_PassesSentinelValuesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"observations":[{"date":"2026-01-02","value":"4.23"},{"date":"2026-01-03","value":"."}]}`))
	}))
	defer server.Close()

	a := NewMacroSeriesAdapter(newTestHTTPClient(), "test-key", zerolog.Nop())
	a.baseURL = server.URL

	env, err := a.Fetch(context.Background(), Request{CatalogKey: "FRED:GDP", Config: []byte(`{"series_id":"GDP"}`)})
	require.NoError(t, err)

	items, ok := env.Items.(model.MacroItems)
	require.True(t, ok)
	require.Len(t, items.Observations, 2)
	assert.Equal(t, ".", items.Observations[1].Value)
}

func TestMacroSeriesAdapter_EmptyObservationsIsEmptyResultSet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"observations":[]}`))
	}))
	defer server.Close()

	a := NewMacroSeriesAdapter(newTestHTTPClient(), "test-key", zerolog.Nop())
	a.baseURL = server.URL

	_, err := a.Fetch(context.Background(), Request{CatalogKey: "FRED:GDP", Config: []byte(`{"series_id":"GDP"}`)})
	require.Error(t, err)
	assert.Equal(t, errs.KindEmptyResultSet, errs.KindOf(err))
}

func TestMacroSeriesAdapter_MissingSeriesIDIsValidationError(t *testing.T) {
	a := NewMacroSeriesAdapter(newTestHTTPClient(), "test-key", zerolog.Nop())
	_, err := a.Fetch(context.Background(), Request{CatalogKey: "FRED:GDP", Config: []byte(`{}`)})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestNewsFeedAdapter_RateLimitedResponseIsValidEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	a := NewNewsFeedAdapter(newTestHTTPClient(), "", zerolog.Nop())
	a.baseURL = server.URL

	env, err := a.Fetch(context.Background(), Request{CatalogKey: "NEWS_TECH", Config: []byte(`{"query":"semiconductors"}`)})
	require.NoError(t, err)

	items, ok := env.Items.(model.NewsItems)
	require.True(t, ok)
	assert.Equal(t, "rate_limited", items.Error)
	assert.Empty(t, items.Articles)
}

func TestPriceBarsAdapter_DecodesParallelQuoteArrays(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chart":{"result":[{
			"timestamp":[1735776000],
			"indicators":{"quote":[{"open":[10.5],"high":[11.0],"low":[10.0],"close":[10.8],"volume":[1000]}]}
		}]}}`))
	}))
	defer server.Close()

	a := NewPriceBarsAdapter(newTestHTTPClient(), zerolog.Nop())
	a.baseURL = server.URL

	env, err := a.Fetch(context.Background(), Request{CatalogKey: "AAPL", Config: []byte(`{"symbol":"AAPL"}`)})
	require.NoError(t, err)

	items, ok := env.Items.(model.PriceItems)
	require.True(t, ok)
	require.Len(t, items.Bars, 1)
	require.NotNil(t, items.Bars[0].Open)
	assert.Equal(t, 10.5, *items.Bars[0].Open)
}
