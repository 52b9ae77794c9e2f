package cache

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/npezzotti/strike/internal/config"
)

const (
	dialTimeout = 5 * time.Second
	pingTimeout = 5 * time.Second
)

// Selector decides once per process whether a shared cache is reachable.
// Components that receive a nil client from it run in local mode.
type Selector struct {
	cfg    config.RedisConfig
	log    *log.Logger
	once   sync.Once
	client *redis.Client
}

func NewSelector(cfg config.RedisConfig, logger *log.Logger) *Selector {
	return &Selector{
		cfg: cfg,
		log: logger,
	}
}

// Client returns the shared cache handle, or nil when the cache is not
// configured or was unreachable on the first call. The decision is never
// revisited.
func (s *Selector) Client(ctx context.Context) *redis.Client {
	s.once.Do(func() {
		s.client = s.connect(ctx)
	})
	return s.client
}

func (s *Selector) connect(ctx context.Context) *redis.Client {
	if !s.cfg.Configured() {
		s.log.Println("no shared cache configured, using local state")
		return nil
	}

	opts, err := s.options()
	if err != nil {
		s.log.Printf("shared cache config: %v, using local state", err)
		return nil
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		s.log.Printf("shared cache unavailable at %s: %v, using local state", opts.Addr, err)
		client.Close()
		return nil
	}

	s.log.Printf("connected to shared cache at %s", opts.Addr)
	return client
}

func (s *Selector) options() (*redis.Options, error) {
	var opts *redis.Options
	if s.cfg.URL != "" {
		parsed, err := redis.ParseURL(s.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
			Password: s.cfg.Password,
			DB:       s.cfg.DB,
		}
	}

	// failures surface to the caller, which falls back to local state
	opts.MaxRetries = -1
	opts.DialTimeout = dialTimeout
	return opts, nil
}

// Close releases the shared cache handle. Client returns nil afterwards
// if it had not been called before.
func (s *Selector) Close() error {
	s.once.Do(func() {})
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
