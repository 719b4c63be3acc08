package clean

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/heimdall-asis/internal/model"
)

// trackingParamPrefixes and trackingParamExact name the query parameters
// dropped during URL canonicalization so that syndicated
// copies of the same article, differing only by campaign tracking params,
// collapse to the same fingerprint (md5 of the canonicalized URL).
var trackingParamPrefixes = []string{"utm_"}
var trackingParamExact = map[string]bool{"ref": true, "fbclid": true}

// NewsFeedCleaner is the heaviest cleaner: it computes a URL fingerprint,
// runs full-text extraction, and emits one Silver row per article
// regardless of whether extraction succeeded.
type NewsFeedCleaner struct {
	extractor *Extractor
	log       zerolog.Logger
}

// NewNewsFeedCleaner builds a NewsFeedCleaner.
func NewNewsFeedCleaner(extractor *Extractor, log zerolog.Logger) *NewsFeedCleaner {
	return &NewsFeedCleaner{extractor: extractor, log: log.With().Str("component", "news_feed_cleaner").Logger()}
}

func (c *NewsFeedCleaner) Clean(ctx context.Context, catalogKey string, env model.Envelope) (Result, error) {
	items, err := decodeNewsItems(env.Items)
	if err != nil {
		return Result{}, fmt.Errorf("decode news envelope: %w", err)
	}

	// An envelope carrying an upstream error marker (e.g. rate-limited)
	// yields zero rows and increments skipped_count by one for the whole
	// envelope, the same way a malformed or cleaner-errored row is counted
	// as a single skip in pipeline.transformBatch.
	if items.Error != "" {
		c.log.Info().Str("catalog_key", catalogKey).Str("upstream_error", items.Error).
			Msg("news clean: envelope carries upstream error marker, skipping")
		return Result{Skipped: 1}, nil
	}

	inputs := make([]articleInput, 0, len(items.Articles))
	for i, a := range items.Articles {
		inputs = append(inputs, articleInput{Index: i, URL: a.URL, Description: a.Description})
	}

	bodies := c.extractor.ExtractAll(ctx, inputs)

	var result Result
	for i, a := range items.Articles {
		published, err := parsePublishedAt(a.PublishedAt)
		if err != nil {
			c.log.Warn().Str("catalog_key", catalogKey).Str("url", a.URL).Msg("news clean: invalid published_at, dropping")
			result.Skipped++
			continue
		}

		row := model.NewsRow{
			Fingerprint: Fingerprint(a.URL),
			CatalogKey:  catalogKey,
			Title:       a.Title,
			URL:         a.URL,
			PublishedAt: published,
			Body:        bodies[i],
		}
		if a.Author != "" {
			author := a.Author
			row.Author = &author
		}
		if a.SourceName != "" {
			source := a.SourceName
			row.SourceName = &source
		}

		result.NewsRows = append(result.NewsRows, row)
	}

	return result, nil
}

func parsePublishedAt(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05Z0700", s)
}

// Fingerprint computes md5(canonicalize(url)) — the sole dedup identity
// for Silver news rows.
func Fingerprint(rawURL string) string {
	sum := md5.Sum([]byte(Canonicalize(rawURL)))
	return hex.EncodeToString(sum[:])
}

// Canonicalize lower-cases scheme and host, strips a trailing slash, and
// drops known tracking query parameters, so that syndication copies of the
// same article (differing only by tracking params or trailing slash)
// collapse to one fingerprint.
func Canonicalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.ToLower(strings.TrimSuffix(rawURL, "/"))
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			lower := strings.ToLower(key)
			if trackingParamExact[lower] {
				q.Del(key)
				continue
			}
			for _, prefix := range trackingParamPrefixes {
				if strings.HasPrefix(lower, prefix) {
					q.Del(key)
					break
				}
			}
		}
		u.RawQuery = q.Encode()
	}

	u.Fragment = ""
	return u.String()
}

func decodeNewsItems(items interface{}) (model.NewsItems, error) {
	if typed, ok := items.(model.NewsItems); ok {
		return typed, nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return model.NewsItems{}, err
	}
	var out model.NewsItems
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.NewsItems{}, err
	}
	return out, nil
}
