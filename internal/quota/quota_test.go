package quota

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/npezzotti/strike/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envLookup(vals map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vals[key]
		return v, ok
	}
}

func newLocalLimiter(t *testing.T, limit string) *Limiter {
	l := NewLimiter(nil, testutil.TestLogger(t))
	l.lookup = envLookup(map[string]string{LLM.EnvVar: limit})
	return l
}

func newSharedLimiter(t *testing.T, limit string) *Limiter {
	_, client := testutil.TestRedis(t)
	l := NewLimiter(client, testutil.TestLogger(t))
	l.lookup = envLookup(map[string]string{LLM.EnvVar: limit})
	return l
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

// pinClock fixes the limiter clock at 2026-02-27 10:00 local time.
func pinClock(l *Limiter) *clock {
	c := &clock{t: time.Date(2026, 2, 27, 10, 0, 0, 0, time.Local)}
	l.now = c.now
	return c
}

func TestConsume_Sequence(t *testing.T) {
	tcases := []struct {
		name    string
		limiter func(t *testing.T) *Limiter
	}{
		{name: "local", limiter: func(t *testing.T) *Limiter { return newLocalLimiter(t, "2") }},
		{name: "shared", limiter: func(t *testing.T) *Limiter { return newSharedLimiter(t, "2") }},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			l := tc.limiter(t)
			ctx := context.Background()

			assert.Equal(t, Result{Allowed: true, Remaining: 1, Limit: 2}, l.Consume(ctx, LLM))
			assert.Equal(t, Result{Allowed: true, Remaining: 0, Limit: 2}, l.Consume(ctx, LLM))
			assert.Equal(t, Result{Allowed: false, Remaining: 0, Limit: 2}, l.Consume(ctx, LLM))
		})
	}
}

func TestConsume_Concurrent(t *testing.T) {
	const (
		callers = 60
		limit   = 25
	)

	tcases := []struct {
		name    string
		limiter func(t *testing.T) *Limiter
	}{
		{name: "local", limiter: func(t *testing.T) *Limiter { return newLocalLimiter(t, "25") }},
		{name: "shared", limiter: func(t *testing.T) *Limiter { return newSharedLimiter(t, "25") }},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			l := tc.limiter(t)
			pinClock(l)

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				allowed int
			)
			for range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res := l.Consume(context.Background(), LLM)
					if res.Allowed {
						mu.Lock()
						allowed++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, limit, allowed, "expected exactly limit successful consumes")
			assert.False(t, l.Consume(context.Background(), LLM).Allowed)
		})
	}
}

func TestConsume_RemainingNonIncreasing(t *testing.T) {
	l := newSharedLimiter(t, "5")
	prev := 5
	for range 7 {
		res := l.Consume(context.Background(), LLM)
		assert.LessOrEqual(t, res.Remaining, prev)
		prev = res.Remaining
	}
	assert.Equal(t, 0, prev)
}

func TestConsume_DateIsolation(t *testing.T) {
	tcases := []struct {
		name    string
		limiter func(t *testing.T) *Limiter
	}{
		{name: "local", limiter: func(t *testing.T) *Limiter { return newLocalLimiter(t, "1") }},
		{name: "shared", limiter: func(t *testing.T) *Limiter { return newSharedLimiter(t, "1") }},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			l := tc.limiter(t)
			c := pinClock(l)
			ctx := context.Background()

			assert.True(t, l.Consume(ctx, LLM).Allowed)
			assert.False(t, l.Consume(ctx, LLM).Allowed)

			c.t = c.t.AddDate(0, 0, 1)
			assert.True(t, l.Consume(ctx, LLM).Allowed, "expected a fresh counter for the next day")
		})
	}
}

func TestConsume_ScopesAreIndependent(t *testing.T) {
	l := NewLimiter(nil, testutil.TestLogger(t))
	l.lookup = envLookup(map[string]string{
		LLM.EnvVar:       "1",
		AuthEmail.EnvVar: "1",
	})
	ctx := context.Background()

	assert.True(t, l.Consume(ctx, LLM).Allowed)
	assert.False(t, l.Consume(ctx, LLM).Allowed)
	assert.True(t, l.Consume(ctx, AuthEmail).Allowed)
}

func TestConsume_LocalPrunesStaleDates(t *testing.T) {
	l := newLocalLimiter(t, "3")
	c := pinClock(l)
	ctx := context.Background()

	l.Consume(ctx, LLM)
	c.t = c.t.AddDate(0, 0, 1)
	l.Consume(ctx, LLM)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.counts, 1)
	assert.Contains(t, l.counts, "llm:daily_api_total:2026-02-28")
}

// Consuming other scopes, before and after a day boundary, never resets an
// exhausted counter for the current day.
func TestConsume_InterleavedScopesKeepTodaysCount(t *testing.T) {
	tcases := []struct {
		name   string
		client func(t *testing.T) *redis.Client
	}{
		{name: "local", client: func(t *testing.T) *redis.Client { return nil }},
		{name: "shared", client: func(t *testing.T) *redis.Client {
			_, client := testutil.TestRedis(t)
			return client
		}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewLimiter(tc.client(t), testutil.TestLogger(t))
			l.lookup = envLookup(map[string]string{
				LLM.EnvVar:       "1",
				AuthEmail.EnvVar: "1",
			})
			c := pinClock(l)
			ctx := context.Background()

			assert.True(t, l.Consume(ctx, LLM).Allowed)
			assert.False(t, l.Consume(ctx, LLM).Allowed)

			assert.True(t, l.Consume(ctx, AuthEmail).Allowed)
			assert.False(t, l.Consume(ctx, AuthEmail).Allowed)
			assert.False(t, l.Consume(ctx, LLM).Allowed, "expected today's exhausted counter to stay exhausted")

			c.t = c.t.AddDate(0, 0, 1)
			assert.True(t, l.Consume(ctx, AuthEmail).Allowed)
			assert.True(t, l.Consume(ctx, LLM).Allowed)
			assert.False(t, l.Consume(ctx, LLM).Allowed, "expected the new day's counter to be bounded")
		})
	}
}

func TestConsume_SharedExpiryFollowsKeyDate(t *testing.T) {
	mr, client := testutil.TestRedis(t)
	l := NewLimiter(client, testutil.TestLogger(t))
	l.lookup = envLookup(nil)
	c := pinClock(l)
	ctx := context.Background()

	l.Consume(ctx, LLM)
	assert.Equal(t, 14*time.Hour, mr.TTL("llm:daily_api_total:2026-02-27"))

	c.t = time.Date(2026, 2, 28, 0, 30, 0, 0, time.Local)
	l.Consume(ctx, LLM)
	assert.Equal(t, 23*time.Hour+30*time.Minute, mr.TTL("llm:daily_api_total:2026-02-28"),
		"expected the new key to expire at the end of its own day")
}

func TestConsume_SharedKeyAndExpiry(t *testing.T) {
	mr, client := testutil.TestRedis(t)
	l := NewLimiter(client, testutil.TestLogger(t))
	l.lookup = envLookup(nil)
	now := time.Date(2026, 2, 27, 23, 0, 0, 0, time.Local)
	l.now = func() time.Time { return now }

	res := l.Consume(context.Background(), AuthEmail)
	assert.Equal(t, Result{Allowed: true, Remaining: 49, Limit: 50}, res)

	key := "auth_email:daily_send_total:2026-02-27"
	val, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "1", val)
	assert.Equal(t, time.Hour, mr.TTL(key), "expected the counter to expire at local midnight")
}

func TestConsume_SharedFailureFallsBack(t *testing.T) {
	mr, client := testutil.TestRedis(t)
	mr.Close()

	buf := &bytes.Buffer{}
	logger := testutil.TestLogger(t)
	logger.SetOutput(buf)

	l := NewLimiter(client, logger)
	l.lookup = envLookup(map[string]string{LLM.EnvVar: "1"})

	assert.Equal(t, Result{Allowed: true, Remaining: 0, Limit: 1}, l.Consume(context.Background(), LLM))
	assert.Equal(t, Result{Allowed: false, Remaining: 0, Limit: 1}, l.Consume(context.Background(), LLM))
	assert.Contains(t, buf.String(), "falling back to memory")
}

func TestLimit(t *testing.T) {
	tcases := []struct {
		name     string
		env      map[string]string
		expected int
		logged   bool
	}{
		{name: "unset", env: nil, expected: 300},
		{name: "valid", env: map[string]string{LLM.EnvVar: "12"}, expected: 12},
		{name: "unparsable", env: map[string]string{LLM.EnvVar: "lots"}, expected: 300, logged: true},
		{name: "zero", env: map[string]string{LLM.EnvVar: "0"}, expected: 300, logged: true},
		{name: "negative", env: map[string]string{LLM.EnvVar: "-4"}, expected: 300, logged: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := testutil.TestLogger(t)
			logger.SetOutput(buf)

			l := NewLimiter(nil, logger)
			l.lookup = envLookup(tc.env)

			assert.Equal(t, tc.expected, l.Limit(LLM))
			if tc.logged {
				assert.Contains(t, buf.String(), LLM.EnvVar)
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func Test_secondsUntilMidnight(t *testing.T) {
	assert.Equal(t, 3600, secondsUntilMidnight(time.Date(2026, 2, 27, 23, 0, 0, 0, time.Local)))
	assert.Equal(t, 1, secondsUntilMidnight(time.Date(2026, 2, 27, 23, 59, 59, 900, time.Local)))
	assert.Equal(t, 86400, secondsUntilMidnight(time.Date(2026, 2, 27, 0, 0, 0, 0, time.Local)))
}
