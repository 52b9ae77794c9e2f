package quota

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const dateLayout = "2006-01-02"

// Scope is a named daily bucket with its own limit.
type Scope struct {
	Key          string
	EnvVar       string
	DefaultLimit int
}

var (
	// LLM counts LLM API calls across all users.
	LLM = Scope{
		Key:          "llm:daily_api_total",
		EnvVar:       "LLM_DAILY_API_LIMIT",
		DefaultLimit: 300,
	}

	// AuthEmail counts verification and login emails sent.
	AuthEmail = Scope{
		Key:          "auth_email:daily_send_total",
		EnvVar:       "AUTH_EMAIL_DAILY_SEND_LIMIT",
		DefaultLimit: 50,
	}
)

type Result struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
}

// consumeScript reads the counter and increments it only while it is below
// the limit. The first increment of the day sets the expiry to the next
// local midnight.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')

if current >= limit then
  return {0, current}
end

current = redis.call('INCR', key)
if current == 1 then
  redis.call('EXPIRE', key, ttl)
end

return {1, current}
`)

// Limiter consumes daily quota units. With a shared cache the counters are
// global; without one they live in process memory, which is only correct
// for a single process.
type Limiter struct {
	client *redis.Client
	log    *log.Logger
	lookup func(string) (string, bool)
	now    func() time.Time

	mu     sync.Mutex
	counts map[string]int
}

func NewLimiter(client *redis.Client, logger *log.Logger) *Limiter {
	return &Limiter{
		client: client,
		log:    logger,
		lookup: os.LookupEnv,
		now:    time.Now,
		counts: make(map[string]int),
	}
}

// Limit resolves the configured daily limit of a scope.
func (l *Limiter) Limit(scope Scope) int {
	raw, ok := l.lookup(scope.EnvVar)
	if !ok || raw == "" {
		return scope.DefaultLimit
	}

	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		l.log.Printf("invalid %s value %q, falling back to %d", scope.EnvVar, raw, scope.DefaultLimit)
		return scope.DefaultLimit
	}
	if limit <= 0 {
		l.log.Printf("non-positive %s value %d, falling back to %d", scope.EnvVar, limit, scope.DefaultLimit)
		return scope.DefaultLimit
	}

	return limit
}

// Consume takes one unit from today's counter of scope. Today is read from
// the limiter clock once, and both the key and its expiry derive from it.
func (l *Limiter) Consume(ctx context.Context, scope Scope) Result {
	now := l.now()
	limit := l.Limit(scope)
	date := now.Format(dateLayout)
	key := scope.Key + ":" + date

	if l.client != nil {
		res, err := l.consumeShared(ctx, key, limit, secondsUntilMidnight(now))
		if err == nil {
			return res
		}
		l.log.Printf("shared quota tracking for %s failed, falling back to memory: %v", key, err)
	}

	return l.consumeLocal(key, date, limit)
}

func (l *Limiter) consumeShared(ctx context.Context, key string, limit, ttl int) (Result, error) {
	raw, err := consumeScript.Run(ctx, l.client, []string{key}, limit, ttl).Result()
	if err != nil {
		return Result{}, err
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("unexpected script result: %v", raw)
	}
	allowed, ok1 := vals[0].(int64)
	current, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return Result{}, fmt.Errorf("unexpected script result: %v", raw)
	}

	return Result{
		Allowed:   allowed == 1,
		Remaining: max(limit-int(current), 0),
		Limit:     limit,
	}, nil
}

// consumeLocal drops every counter not dated today before counting.
func (l *Limiter) consumeLocal(key, today string, limit int) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	suffix := ":" + today
	for k := range l.counts {
		if !strings.HasSuffix(k, suffix) {
			delete(l.counts, k)
		}
	}

	current := l.counts[key]
	if current >= limit {
		return Result{Allowed: false, Remaining: 0, Limit: limit}
	}

	current++
	l.counts[key] = current
	return Result{
		Allowed:   true,
		Remaining: max(limit-current, 0),
		Limit:     limit,
	}
}

func secondsUntilMidnight(now time.Time) int {
	y, m, d := now.Date()
	tomorrow := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return max(int(tomorrow.Sub(now).Seconds()), 1)
}
