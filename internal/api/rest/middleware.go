package rest

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/oshokin/compose-updater/internal/logger"
)

const (
	// limiterTTL is how long an idle client keeps its token bucket.
	limiterTTL = 10 * time.Minute
	// limiterCleanup is how often idle buckets are evicted.
	limiterCleanup = 5 * time.Minute
)

// requestLogger tags the request context with a request id and logs the request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set(requestIDHeader, requestID)

		ctx := logger.WithKV(r.Context(), "request_id", requestID)
		started := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		logger.DebugKV(ctx, "HTTP request served",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(started),
		)
	})
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	limit rate.Limit
	burst int

	// mu makes lookup and creation of a bucket atomic.
	mu      sync.Mutex
	clients *cache.Cache
}

// newClientLimiter creates a limiter whose idle buckets expire.
func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{
		limit:   limit,
		burst:   burst,
		clients: cache.New(limiterTTL, limiterCleanup),
	}
}

// throttle rejects requests over the client's budget with 429.
func (l *clientLimiter) throttle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(w, r) {
			return
		}

		next(w, r)
	}
}

// allow consumes one token for the client, or writes 429 with Retry-After and returns false.
func (l *clientLimiter) allow(w http.ResponseWriter, r *http.Request) bool {
	reservation := l.bucket(clientAddress(r)).Reserve()

	delay := reservation.Delay()
	if delay == 0 {
		return true
	}

	reservation.Cancel()

	retryAfter := int(math.Ceil(delay.Seconds()))
	if !reservation.OK() || retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded, please try again later"})

	return false
}

// bucket returns the client's limiter, creating it on first use and extending its lifetime.
func (l *clientLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cached, ok := l.clients.Get(key); ok {
		limiter, _ := cached.(*rate.Limiter)
		l.clients.SetDefault(key, limiter)

		return limiter
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.clients.SetDefault(key, limiter)

	return limiter
}

// clientAddress is the remote IP without its port.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
