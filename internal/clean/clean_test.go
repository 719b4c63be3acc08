package clean

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/heimdall-asis/internal/model"
)

func TestMacroSeriesCleaner_DropsSentinelValues(t *testing.T) {
	c := NewMacroSeriesCleaner(zerolog.Nop())
	env := model.Envelope{Items: model.MacroItems{Observations: []model.MacroObservation{
		{Date: "2026-01-02", Value: "4.23"},
		{Date: "2026-01-03", Value: "."},
	}}}

	result, err := c.Clean(context.Background(), "METRIC_US_10Y_YIELD", env)
	require.NoError(t, err)
	require.Len(t, result.MacroRows, 1)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 4.23, result.MacroRows[0].Value)
}

func TestPriceBarsCleaner_DropsOHLCSanityViolations(t *testing.T) {
	c := NewPriceBarsCleaner(zerolog.Nop())
	open, high, low, close := 50.0, 40.0, 30.0, 45.0 // high < open: invalid
	env := model.Envelope{Items: model.PriceItems{Bars: []model.PriceBar{
		{Date: "2026-03-01", Open: &open, High: &high, Low: &low, Close: &close},
	}}}

	result, err := c.Clean(context.Background(), "AAPL", env)
	require.NoError(t, err)
	assert.Empty(t, result.MicroRows)
	assert.Equal(t, 1, result.Skipped)
}

func TestPriceBarsCleaner_DropsMissingColumn(t *testing.T) {
	c := NewPriceBarsCleaner(zerolog.Nop())
	open := 50.0
	env := model.Envelope{Items: model.PriceItems{Bars: []model.PriceBar{
		{Date: "2026-03-01", Open: &open},
	}}}

	result, err := c.Clean(context.Background(), "AAPL", env)
	require.NoError(t, err)
	assert.Empty(t, result.MicroRows)
	assert.Equal(t, 1, result.Skipped)
}

func TestNewsFeedCleaner_RateLimitedEnvelopeSkipsAll(t *testing.T) {
	extractor := NewExtractor(http.DefaultClient, zerolog.Nop())
	c := NewNewsFeedCleaner(extractor, zerolog.Nop())

	env := model.Envelope{Items: model.NewsItems{Error: "rate_limited", Articles: nil}}
	result, err := c.Clean(context.Background(), "NEWS_TECH", env)
	require.NoError(t, err)
	assert.Empty(t, result.NewsRows)
	assert.Equal(t, 1, result.Skipped)
}

func TestNewsFeedCleaner_FallsBackToDescriptionOnExtractionFailure(t *testing.T) {
	extractor := NewExtractor(http.DefaultClient, zerolog.Nop())
	c := NewNewsFeedCleaner(extractor, zerolog.Nop())

	env := model.Envelope{Items: model.NewsItems{Articles: []model.NewsArticle{
		{
			Title:       "Chipmakers rally",
			URL:         "http://127.0.0.1:1/unreachable", // guaranteed connection failure
			PublishedAt: "2026-01-02T10:00:00Z",
			Description: "Short summary of the article.",
		},
	}}}

	result, err := c.Clean(context.Background(), "NEWS_TECH", env)
	require.NoError(t, err)
	require.Len(t, result.NewsRows, 1)
	require.NotNil(t, result.NewsRows[0].Body)
	assert.Equal(t, "Short summary of the article.", *result.NewsRows[0].Body)
}

func TestNewsFeedCleaner_ExtractsArticleBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><article><p>Full article text here.</p></article></body></html>`))
	}))
	defer server.Close()

	extractor := NewExtractor(http.DefaultClient, zerolog.Nop())
	c := NewNewsFeedCleaner(extractor, zerolog.Nop())

	env := model.Envelope{Items: model.NewsItems{Articles: []model.NewsArticle{
		{Title: "T", URL: server.URL, PublishedAt: "2026-01-02T10:00:00Z", Description: "fallback"},
	}}}

	result, err := c.Clean(context.Background(), "NEWS_TECH", env)
	require.NoError(t, err)
	require.Len(t, result.NewsRows, 1)
	require.NotNil(t, result.NewsRows[0].Body)
	assert.Contains(t, *result.NewsRows[0].Body, "Full article text here.")
}

func TestCanonicalize_DropsTrackingParamsAndTrailingSlash(t *testing.T) {
	in := "HTTPS://Example.com/story/?utm_source=twitter&ref=feed&id=42"
	got := Canonicalize(in)
	assert.Equal(t, "https://example.com/story?id=42", got)
}

func TestFingerprint_IsStableAcrossTrackingParamVariants(t *testing.T) {
	a := Fingerprint("https://example.com/story?utm_source=twitter")
	b := Fingerprint("https://example.com/story/?utm_source=facebook&fbclid=xyz")
	assert.Equal(t, a, b)
}

func TestExtractAll_RespectsOrdering(t *testing.T) {
	extractor := NewExtractor(http.DefaultClient, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inputs := []articleInput{
		{Index: 0, URL: "http://127.0.0.1:1/a", Description: "first"},
		{Index: 1, URL: "http://127.0.0.1:1/b", Description: "second"},
	}
	bodies := extractor.ExtractAll(ctx, inputs)
	require.Len(t, bodies, 2)
	require.NotNil(t, bodies[0])
	require.NotNil(t, bodies[1])
	assert.Equal(t, "first", *bodies[0])
	assert.Equal(t, "second", *bodies[1])
}
