package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keygate-io/keygate/pkg/config"
	"github.com/keygate-io/keygate/pkg/logger"
)

const (
	// rateLimiterStaleAfter is how long an idle client keeps its bucket.
	rateLimiterStaleAfter = 10 * time.Minute

	// rateLimiterSweepAt bounds the client map: once it grows past this,
	// stale entries are dropped on the next insert.
	rateLimiterSweepAt = 4096
)

// rateLimiter applies a per-client token bucket. Clients are keyed by
// remote host, so one noisy caller cannot starve the rest.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rateLimiterClient
	rps     rate.Limit
	burst   int
}

type rateLimiterClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		clients: make(map[string]*rateLimiterClient),
		rps:     rate.Limit(cfg.RPS),
		burst:   burst,
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !rl.allow(key) {
			logger.Warnw("rate limit exceeded", "client", key, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"status":"error","message":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	client, ok := rl.clients[key]
	if !ok {
		if len(rl.clients) >= rateLimiterSweepAt {
			rl.sweepLocked(now)
		}
		client = &rateLimiterClient{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[key] = client
	}
	client.lastSeen = now
	rl.mu.Unlock()

	return client.limiter.Allow()
}

// sweepLocked drops buckets idle past the stale window. Callers hold the
// lock; the sweep amortizes over inserts so no background goroutine is
// needed.
func (rl *rateLimiter) sweepLocked(now time.Time) {
	for key, client := range rl.clients {
		if now.Sub(client.lastSeen) > rateLimiterStaleAfter {
			delete(rl.clients, key)
		}
	}
}

// clientKey identifies the caller for rate limiting purposes.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
