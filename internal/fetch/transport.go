package fetch

import (
	"context"
	"net/http"

	"ncmparse/internal/ratelimit"
)

type skipRateLimitKey struct{}

func withoutRateLimit(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipRateLimitKey{}, true)
}

func rateLimitSkipped(ctx context.Context) bool {
	skip, _ := ctx.Value(skipRateLimitKey{}).(bool)
	return skip
}

// limitedTransport acquires a rate limiter slot before every round trip, so retries and
// redirect hops are spaced like any other request.
type limitedTransport struct {
	base     http.RoundTripper
	limiter  *ratelimit.Limiter
	recorder Recorder
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil && !rateLimitSkipped(req.Context()) {
		host := req.URL.Hostname()
		wait, err := t.limiter.Acquire(req.Context(), host)
		if err != nil {
			return nil, err
		}
		if wait > 0 {
			t.recorder.RecordRateLimitWait(host, wait)
		}
	}
	return t.base.RoundTrip(req)
}

// CloseIdleConnections lets http.Client reach the pooled base transport.
func (t *limitedTransport) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if base, ok := t.base.(closeIdler); ok {
		base.CloseIdleConnections()
	}
}
