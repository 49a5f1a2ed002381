package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sunbeam/leadflow/internal/capacity"
	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/pkg/httputil"
)

// rateLimiter enforces the per-client minute quota on ingest. The client key
// is the remote IP; RealIP middleware has already unwrapped proxies.
func rateLimiter(ctrl *capacity.Controller, cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	limit := int64(cfg.PerClientPerMinute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := capacity.InboundKey(r.RemoteAddr, r.URL.Path, capacity.WindowMinute, time.Now().UTC())
			res, err := ctrl.CheckAndIncrement(r.Context(), key, limit, capacity.WindowMinute)
			if err != nil {
				// Redis being down must not take ingest with it.
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
			if !res.Allowed {
				httputil.TooManyRequests(w, int(res.RetryIn.Seconds())+1, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
