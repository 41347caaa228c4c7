package http

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimit allows burst requests per client IP, refilled evenly over window.
// Idle entries are pruned on access.
func rateLimit(burst int, window time.Duration) func(http.Handler) http.Handler {
	var (
		mu        sync.Mutex
		visitors  = map[string]*visitor{}
		lastPrune = time.Now()
	)
	every := rate.Every(window / time.Duration(burst))
	idle := 3 * window

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				key = r.RemoteAddr
			}
			now := time.Now()

			mu.Lock()
			if now.Sub(lastPrune) > idle {
				for k, v := range visitors {
					if now.Sub(v.lastSeen) > idle {
						delete(visitors, k)
					}
				}
				lastPrune = now
			}
			v, ok := visitors[key]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(every, burst)}
				visitors[key] = v
			}
			v.lastSeen = now
			allowed := v.limiter.AllowN(now, 1)
			mu.Unlock()

			if !allowed {
				respondJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests", Code: "rate_limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
