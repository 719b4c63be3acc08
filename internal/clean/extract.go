package clean

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/heimdall-asis/internal/errs"
)

const (
	extractionConcurrency = 4
	extractionDeadline    = 10 * time.Second
)

// extractorHTTPClient is the minimal subset of *http.Client the extractor
// needs; kept as an interface so tests can substitute a fake transport
// without going through the shared rate-limited Fetch Client (full-text
// extraction fetches arbitrary article URLs, not a catalog-bound adapter
// endpoint, so it deliberately sits outside the per-host adapter policy).
type extractorHTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Extractor performs readability-style full-text extraction for news
// articles: up to N articles are fetched in parallel, each within a
// bounded deadline, retrying once on a transient error, falling back to
// the article's description when extraction yields nothing.
type Extractor struct {
	http  extractorHTTPClient
	log   zerolog.Logger
	limit int
}

// NewExtractor builds an Extractor with the default concurrency limit (4).
func NewExtractor(httpClient extractorHTTPClient, log zerolog.Logger) *Extractor {
	return &Extractor{
		http:  httpClient,
		log:   log.With().Str("component", "news_extractor").Logger(),
		limit: extractionConcurrency,
	}
}

// articleInput is what ExtractAll needs per article: a URL to fetch and the
// description to fall back to.
type articleInput struct {
	Index       int
	URL         string
	Description string
}

// ExtractAll extracts body text for every article in inputs concurrently
// (bounded to Extractor's limit), returning one body string per input in
// the same order. The caller awaits the whole batch before committing;
// the cleaner never returns early with partial extractions in flight.
func (e *Extractor) ExtractAll(ctx context.Context, inputs []articleInput) []*string {
	bodies := make([]*string, len(inputs))

	g, gctx := errgroup.WithContext(context.Background()) // each extraction gets its own bounded deadline, independent of the caller's ctx
	g.SetLimit(e.limit)

	for _, in := range inputs {
		in := in
		g.Go(func() error {
			body := e.extractOne(gctx, in)
			bodies[in.Index] = body
			return nil
		})
	}

	_ = g.Wait() // extractOne never returns an error; failures degrade to the description fallback
	return bodies
}

func (e *Extractor) extractOne(parent context.Context, in articleInput) *string {
	ctx, cancel := context.WithTimeout(parent, extractionDeadline)
	defer cancel()

	text, err := e.fetchAndExtract(ctx, in.URL)
	if err != nil && isTransient(err) {
		text, err = e.fetchAndExtract(ctx, in.URL) // retry once on transient error
	}

	if err != nil || strings.TrimSpace(text) == "" {
		if in.Description == "" {
			return nil
		}
		desc := in.Description
		return &desc
	}
	return &text
}

func isTransient(err error) bool {
	return errs.Is(err, errs.KindTransientUpstream)
}

func (e *Extractor) fetchAndExtract(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errs.New(errs.KindExtractionFailure, err)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return "", errs.New(errs.KindTransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", errs.New(errs.KindTransientUpstream, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", errs.New(errs.KindExtractionFailure, fmt.Errorf("status %d", resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", errs.New(errs.KindExtractionFailure, err)
	}

	return readabilityText(doc), nil
}

// readabilityText derives a best-effort article body: prefer <article>,
// fall back to the concatenated text of every <p> inside <body>, mirroring
// a readability-style heuristic without pulling in a full Readability port.
func readabilityText(doc *goquery.Document) string {
	if article := strings.TrimSpace(doc.Find("article").First().Text()); article != "" {
		return article
	}

	var best string
	doc.Find("body").Find("p").Each(func(_ int, s *goquery.Selection) {
		// Concatenate paragraph text; a single large blob beats picking one
		// paragraph, since most article bodies are many short <p> tags.
		best += strings.TrimSpace(s.Text()) + "\n\n"
	})
	return strings.TrimSpace(best)
}
