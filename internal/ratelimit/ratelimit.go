// Package ratelimit implements the outbound sliding-window rate limiter
// shared by every worker instance.
//
// The window lives in a Redis sorted set keyed per budget ("catalog-fetch",
// "publish-channel"): member scores are request timestamps, so admission is
// "evict entries older than now-window, count survivors". Eviction, count,
// and the admitting insert run as one server-side script, so concurrent
// workers can never both take the last slot. When Redis is not
// configured or stops answering, the limiter degrades to an in-process window
// running the identical algorithm. Degradation is logged once; it is never
// silent.
//
// This is the sole limiter for outbound calls. The HTTP middleware token
// bucket guards the inbound operational API and is a separate concern.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-publisher-backend/internal/metrics"
)

// retryEpsilon pads the computed wait so the oldest entry has actually left
// the window when we re-check.
const retryEpsilon = 100 * time.Millisecond

// admitScript evicts, counts, and conditionally admits in one atomic step, so
// two workers can never both observe a free slot and both take it. The reply
// is {admitted, count, oldestScore}; oldestScore is "" unless denied.
var admitScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return {1, count + 1, ''}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {0, count, oldest[2] or ''}
`)

// Stats is a point-in-time view of one budget, for the status endpoint.
type Stats struct {
	Key         string `json:"key"`
	Current     int    `json:"current"`
	Limit       int    `json:"limit"`
	Remaining   int    `json:"remaining"`
	Distributed bool   `json:"distributed"`
}

// Limiter is a sliding-window rate limiter for one key. Safe for concurrent
// use; all local-fallback state is guarded by its own mutex.
type Limiter struct {
	rdb    redis.UniversalClient // nil means local-only
	key    string
	limit  int
	window time.Duration

	mu       sync.Mutex
	local    []time.Time
	degraded bool // local fallback already logged
}

// New constructs a Limiter for key admitting at most limit calls per window.
// rdb may be nil, in which case the limiter is local from the start.
func New(rdb redis.UniversalClient, key string, limit int, window time.Duration) *Limiter {
	l := &Limiter{
		rdb:    rdb,
		key:    "ratelimit:" + key,
		limit:  limit,
		window: window,
	}
	if rdb == nil {
		l.degraded = true
		log.Warn().Str("key", key).Msg("rate limiter running without shared store, window is process-local")
	}
	return l
}

// Acquire blocks until the caller is admitted under the sliding window, or
// until ctx is done. The total number of admissions inside any window-length
// interval never exceeds the configured limit.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, err := l.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		metrics.RateLimitWaits.WithLabelValues(l.key).Inc()
		log.Warn().
			Str("key", l.key).
			Dur("wait", wait).
			Msg("rate limit reached, waiting for window slot")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire attempts one admission. It returns 0 on success, or the
// duration to sleep before retrying.
func (l *Limiter) tryAcquire(ctx context.Context) (time.Duration, error) {
	if l.rdb != nil {
		wait, err := l.tryAcquireRedis(ctx)
		if err == nil {
			return wait, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		l.noteDegraded(err)
	}
	return l.tryAcquireLocal(), nil
}

func (l *Limiter) tryAcquireRedis(ctx context.Context) (time.Duration, error) {
	now := time.Now()

	// Member uniqueness matters: two workers admitted in the same nanosecond
	// must occupy two window slots, not overwrite one.
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	res, err := admitScript.Run(ctx, l.rdb, []string{l.key},
		formatScore(now.Add(-l.window)),
		l.limit,
		formatScore(now),
		member,
		// TTL with slack so abandoned keys clean themselves up.
		(l.window + time.Minute).Milliseconds(),
	).Result()
	if err != nil {
		return 0, err
	}

	admitted, oldestScore, err := parseAdmitReply(res)
	if err != nil {
		return 0, err
	}
	if admitted {
		return 0, nil
	}
	if oldestScore > 0 {
		oldestAt := scoreTime(oldestScore)
		if wait := l.window - now.Sub(oldestAt) + retryEpsilon; wait > 0 {
			return wait, nil
		}
	}
	// Oldest already expired (or the set emptied) by the time we compute the
	// wait; retry at once.
	return retryEpsilon, nil
}

// parseAdmitReply decodes an admitScript reply into the admission verdict and
// the score of the oldest window entry (0 when admitted or unavailable).
func parseAdmitReply(v any) (admitted bool, oldestScore float64, err error) {
	arr, ok := v.([]any)
	if !ok || len(arr) < 3 {
		return false, 0, fmt.Errorf("ratelimit: malformed admit reply %v", v)
	}
	flag, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("ratelimit: malformed admit flag %v", arr[0])
	}
	if flag == 1 {
		return true, 0, nil
	}
	if s, ok := arr[2].(string); ok && s != "" {
		oldestScore, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return false, 0, fmt.Errorf("ratelimit: malformed oldest score %q", s)
		}
	}
	return false, oldestScore, nil
}

func (l *Limiter) tryAcquireLocal() time.Duration {
	now := time.Now()
	windowStart := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.local[:0]
	for _, ts := range l.local {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	l.local = kept

	if len(l.local) >= l.limit {
		oldest := l.local[0]
		if wait := l.window - now.Sub(oldest) + retryEpsilon; wait > 0 {
			return wait
		}
		return retryEpsilon
	}

	l.local = append(l.local, now)
	return 0
}

// Stats reports the current window occupancy. Best-effort: on a Redis error
// it falls back to the local view.
func (l *Limiter) Stats(ctx context.Context) Stats {
	s := Stats{Key: l.key, Limit: l.limit}

	if l.rdb != nil {
		windowStart := time.Now().Add(-l.window)
		pipe := l.rdb.Pipeline()
		pipe.ZRemRangeByScore(ctx, l.key, "-inf", formatScore(windowStart))
		card := pipe.ZCard(ctx, l.key)
		if _, err := pipe.Exec(ctx); err == nil {
			s.Current = int(card.Val())
			s.Distributed = true
			s.Remaining = max(0, l.limit-s.Current)
			return s
		}
	}

	l.mu.Lock()
	windowStart := time.Now().Add(-l.window)
	n := 0
	for _, ts := range l.local {
		if ts.After(windowStart) {
			n++
		}
	}
	l.mu.Unlock()

	s.Current = n
	s.Remaining = max(0, l.limit-n)
	return s
}

// noteDegraded logs the shared-store failure once, then stays quiet so a
// flapping Redis does not flood the logs.
func (l *Limiter) noteDegraded(err error) {
	l.mu.Lock()
	first := !l.degraded
	l.degraded = true
	l.mu.Unlock()
	if first {
		log.Error().Err(err).Str("key", l.key).
			Msg("shared rate-limit store unavailable, degrading to process-local window")
	}
}

func score(t time.Time) float64 { return float64(t.UnixNano()) / float64(time.Second) }

func formatScore(t time.Time) string {
	return strconv.FormatFloat(score(t), 'f', -1, 64)
}

func scoreTime(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}
