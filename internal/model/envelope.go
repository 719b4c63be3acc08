package model

import "time"

// Envelope is the canonical shape every source adapter normalizes its vendor
// response into, before the Ingestion Engine persists it as a Bronze row.
// Items carries one of MacroItems, PriceItems, or NewsItems depending on
// the catalog entry's source family.
type Envelope struct {
	FetchedAt time.Time         `json:"fetched_at"`
	QueryEcho map[string]string `json:"query_echo"`
	Items     interface{}       `json:"items"`
}

// MacroObservation is one macro-series data point. Value is kept as a string
// because upstream sentinel values (e.g. ".") are passed through unfiltered;
// the cleaner is responsible for parsing and filtering.
type MacroObservation struct {
	Date  string `json:"date"`
	Value string `json:"value"`
}

// MacroItems is the items payload of a MacroSeriesAdapter envelope.
type MacroItems struct {
	Observations []MacroObservation `json:"observations"`
}

// PriceBar is one OHLCV bar as normalized by PriceBarsAdapter. Fields are
// pointers so a missing upstream column can be distinguished from a zero
// value; the cleaner drops bars with missing required columns.
type PriceBar struct {
	Date   string   `json:"date"`
	Open   *float64 `json:"open"`
	High   *float64 `json:"high"`
	Low    *float64 `json:"low"`
	Close  *float64 `json:"close"`
	Volume *int64   `json:"volume"`
}

// PriceItems is the items payload of a PriceBarsAdapter envelope.
type PriceItems struct {
	Bars []PriceBar `json:"bars"`
}

// NewsArticle is one article as normalized by NewsFeedAdapter.
type NewsArticle struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	PublishedAt string `json:"published_at"`
	Author      string `json:"author,omitempty"`
	SourceName  string `json:"source_name,omitempty"`
	Description string `json:"description,omitempty"`
}

// NewsItems is the items payload of a NewsFeedAdapter envelope. Error carries
// an upstream marker (e.g. "rate_limited", set when the upstream still
// answered 429 after the HTTP client's retries) when the adapter could not
// fetch articles — this is still a valid, persistable envelope.
type NewsItems struct {
	Error    string        `json:"error,omitempty"`
	Articles []NewsArticle `json:"articles"`
}
