package httpclient

import (
	"net/http"

	"github.com/aristath/heimdall-asis/internal/errs"
)

// classifyStatus maps an HTTP response status code to an error kind: 5xx and
// 429 are transient (worth retrying), any other 4xx is permanent (retrying
// cannot help).
func classifyStatus(status int) *errs.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return errs.Newf(errs.KindRateLimited, "upstream responded 429 Too Many Requests")
	case status >= 500:
		return errs.Newf(errs.KindTransientUpstream, http.StatusText(status))
	case status >= 400:
		return errs.Newf(errs.KindPermanentUpstream, http.StatusText(status))
	default:
		return nil
	}
}

// isRetryable reports whether kind warrants another attempt: all transient
// classifications, including rate-limiting and bare network errors, are
// retried; permanent ones are not.
func isRetryable(kind errs.Kind) bool {
	switch kind {
	case errs.KindTransientUpstream, errs.KindRateLimited:
		return true
	default:
		return false
	}
}
