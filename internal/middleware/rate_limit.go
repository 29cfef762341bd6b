package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/welldanyogia/jobportal-auth/internal/auth"
	"github.com/welldanyogia/jobportal-auth/internal/metrics"
	"golang.org/x/time/rate"
)

// visitorTTL is how long an idle IP keeps its bucket
const visitorTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client IP
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter allows perMinute requests per IP on average with bursts of
// up to burst. Call Start to evict idle IPs in the background.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 20
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Allow reports whether a request from ip may proceed now, and if not, how
// long until it could.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now

	res := v.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Handler rejects requests over the limit with 429 RATE_LIMITED. Requests
// are keyed on the connection address, so client-supplied forwarding
// headers cannot spread one caller over many buckets.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := auth.ClientFromRequest(r).IP
		if ok, retryAfter := rl.Allow(ip); !ok {
			metrics.RateLimited.Inc()
			secs := int(retryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			auth.WriteError(w, rl.now(), http.StatusTooManyRequests, auth.CodeRateLimited,
				"Too many requests. Please try again later.", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start evicts idle visitors every interval until Stop is called
func (rl *RateLimiter) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.evict()
			case <-rl.stop:
				return
			}
		}
	}()
}

// Stop ends the eviction loop
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) evict() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-visitorTTL)
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}
