package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Duration
}

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// CounterStore is the subset of the Redis API the fixed-window counter needs.
// *redis.Client satisfies it.
type CounterStore interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisLimiter is a fixed-window counter shared by every process using the
// same Redis database.
type RedisLimiter struct {
	client CounterStore
	limit  int
	window time.Duration
	prefix string
}

func NewRedisLimiter(client CounterStore, limit int, window time.Duration, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: prefix + "rl:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	k := l.prefix + key

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}

	// A key without expiry would block the caller forever, whether it was just
	// created or an earlier EXPIRE was lost.
	ttl, err := l.client.TTL(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit ttl: %w", err)
	}
	if ttl < 0 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire: %w", err)
		}
		ttl = l.window
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     ttl,
	}, nil
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter keeps a token bucket per key in memory. Buckets idle for a
// whole window are full again and get dropped.
type LocalLimiter struct {
	mu        sync.Mutex
	limit     int
	every     rate.Limit
	idle      time.Duration
	lastPrune time.Time
	buckets   map[string]*bucket
	now       func() time.Time
}

func NewLocalLimiter(limit int, window time.Duration) *LocalLimiter {
	return &LocalLimiter{
		limit:   limit,
		every:   rate.Every(window / time.Duration(limit)),
		idle:    window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastPrune) >= l.idle {
		l.prune(now)
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.every, l.limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	allowed := b.limiter.AllowN(now, 1)
	remaining := int(b.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Allowed: allowed, Limit: l.limit, Remaining: remaining}
	if !allowed {
		d.Reset = time.Duration(float64(time.Second) / float64(l.every))
	}
	return d, nil
}

// prune drops idle buckets. Callers hold l.mu.
func (l *LocalLimiter) prune(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.buckets, key)
		}
	}
	l.lastPrune = now
}

// RateLimit rejects callers over their limit with 429. Limiter errors let the
// request through.
func RateLimit(limiter Limiter, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := limiter.Allow(r.Context(), ClientIP(r))
			if err != nil {
				logger.Warn().Err(err).Msg("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(d.Reset.Seconds())))
			if !d.Allowed {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys callers on the peer address. Forwarding headers are only
// honoured when chi's RealIP middleware has already rewritten RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && net.ParseIP(host) != nil {
		return host
	}
	return r.RemoteAddr
}
