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

// newsConfig is the opaque data_catalog.config blob for a NEWS_FEED entry.
type newsConfig struct {
	Query  string `json:"query"`
	Domain string `json:"domain,omitempty"` // optional domain filter
}

// newsAPIResponse mirrors the subset of NewsAPI's /v2/everything endpoint
// this adapter consumes.
type newsAPIResponse struct {
	Status       string `json:"status"`
	Code         string `json:"code"`
	TotalResults int    `json:"totalResults"`
	Articles     []struct {
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Author      string `json:"author"`
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
	} `json:"articles"`
}

// NewsFeedAdapter fetches news articles matching a query.
type NewsFeedAdapter struct {
	client  *httpclient.Client
	apiKey  string
	baseURL string
	log     zerolog.Logger
}

// NewNewsFeedAdapter constructs a NewsFeedAdapter.
func NewNewsFeedAdapter(client *httpclient.Client, apiKey string, log zerolog.Logger) *NewsFeedAdapter {
	return &NewsFeedAdapter{
		client:  client,
		apiKey:  apiKey,
		baseURL: "https://newsapi.org/v2/everything",
		log:     log.With().Str("component", "news_feed_adapter").Logger(),
	}
}

func (a *NewsFeedAdapter) Family() model.SourceFamily { return model.FamilyNewsFeed }

// Fetch implements Adapter. A rate-limited upstream response is recorded as
// a valid envelope with Items.Error set rather than an error return: that
// row must still be persisted by the Ingestion Engine, and the cleaner is
// the one that skips it.
func (a *NewsFeedAdapter) Fetch(ctx context.Context, req Request) (model.Envelope, error) {
	var cfg newsConfig
	if err := json.Unmarshal(req.Config, &cfg); err != nil {
		return model.Envelope{}, errs.New(errs.KindValidation, fmt.Errorf("unmarshal news config: %w", err))
	}
	if cfg.Query == "" {
		return model.Envelope{}, errs.Newf(errs.KindValidation, "news config missing query")
	}

	q := url.Values{}
	q.Set("q", cfg.Query)
	if cfg.Domain != "" {
		q.Set("domains", cfg.Domain)
	}
	q.Set("sortBy", "publishedAt")
	q.Set("language", "en")
	pageSize := 50
	if req.Limit > 0 {
		pageSize = req.Limit
	}
	q.Set("pageSize", fmt.Sprintf("%d", pageSize))
	q.Set("apiKey", a.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return model.Envelope{}, errs.New(errs.KindValidation, fmt.Errorf("build news request: %w", err))
	}

	body, fetchErr := a.client.Fetch(ctx, httpReq)
	if fetchErr != nil {
		if errs.Is(fetchErr, errs.KindRateLimited) {
			return nowEnvelope(map[string]string{"query": cfg.Query}, model.NewsItems{
				Error:    "rate_limited",
				Articles: nil,
			}), nil
		}
		return model.Envelope{}, fetchErr
	}

	var parsed newsAPIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return model.Envelope{}, errs.New(errs.KindPermanentUpstream, fmt.Errorf("decode news response: %w", err))
	}

	if len(parsed.Articles) == 0 {
		return model.Envelope{}, errs.ErrEmptyResultSet
	}

	articles := make([]model.NewsArticle, 0, len(parsed.Articles))
	for _, a := range parsed.Articles {
		articles = append(articles, model.NewsArticle{
			Title:       a.Title,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
			Author:      a.Author,
			SourceName:  a.Source.Name,
			Description: a.Description,
		})
	}

	return nowEnvelope(map[string]string{"query": cfg.Query}, model.NewsItems{Articles: articles}), nil
}
