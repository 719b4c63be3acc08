// Package adapters implements the Source Adapters: the uniform translation
// layer between a vendor's wire format and Heimdall's canonical envelope.
// Adapters never touch the store and never retry beyond what the shared
// HTTP Fetch Client already does.
package adapters

import (
	"context"
	"time"

	"github.com/aristath/heimdall-asis/internal/model"
)

// Request carries everything an adapter needs to produce one canonical
// envelope: the catalog entry's opaque config plus an optional Limit used
// only by catalog activation's confirm_activation() probe.
type Request struct {
	CatalogKey string
	Config     []byte
	// Limit, when > 0, asks the adapter to request a small result set
	// instead of its normal page size: the macro and news adapters request
	// Limit observations/articles, the price adapter narrows its range to
	// five days. Used exclusively by confirm_activation().
	Limit int
}

// Adapter is the uniform contract every source adapter implements: given a
// request, produce exactly one canonical envelope or fail.
type Adapter interface {
	// Fetch produces one canonical envelope for req, or an error classified
	// as one of TransientUpstream, PermanentUpstream, EmptyResultSet,
	// Validation, or RateLimited/Cancelled as passed through from the HTTP
	// Fetch Client.
	Fetch(ctx context.Context, req Request) (model.Envelope, error)

	// Family identifies which catalog family this adapter serves.
	Family() model.SourceFamily
}

// itemCount returns how many items an envelope carries, used by
// confirm_activation() to decide whether a probe fetch counts as successful:
// HTTP success and at least one item.
func itemCount(env model.Envelope) int {
	switch items := env.Items.(type) {
	case model.MacroItems:
		return len(items.Observations)
	case model.PriceItems:
		return len(items.Bars)
	case model.NewsItems:
		return len(items.Articles)
	default:
		return 0
	}
}

// ItemCount exports itemCount for callers outside this package (catalog's
// confirm_activation).
func ItemCount(env model.Envelope) int {
	return itemCount(env)
}

func nowEnvelope(queryEcho map[string]string, items interface{}) model.Envelope {
	return model.Envelope{
		FetchedAt: time.Now().UTC(),
		QueryEcho: queryEcho,
		Items:     items,
	}
}
