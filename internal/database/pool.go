package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	_ "github.com/lib/pq"
)

var ErrPoolClosed = errors.New("connection pool closed")

// Manager owns the process-wide connection pool. The configuration source
// is consulted on every lease and the pool is rebuilt when it changes.
type Manager struct {
	source func() (PoolConfig, error)
	log    *log.Logger
	open   func(ctx context.Context, cfg PoolConfig, host string) (*sql.DB, error)

	// buildMu serializes pool builds so concurrent leases dial once. mu
	// guards the active pool and is never held while dialing.
	buildMu sync.Mutex

	mu     sync.Mutex
	db     *sql.DB
	key    poolKey
	host   string
	closed bool
}

func NewManager(source func() (PoolConfig, error), logger *log.Logger) *Manager {
	return &Manager{
		source: source,
		log:    logger,
		open:   open,
	}
}

// Conn leases a connection from the pool. It blocks until a connection is
// available or ctx is done. The caller must Close the returned Conn.
func (m *Manager) Conn(ctx context.Context) (*Conn, error) {
	db, err := m.pool(ctx)
	if err != nil {
		return nil, err
	}

	c, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease connection: %w", err)
	}

	return &Conn{conn: c, log: m.log}, nil
}

// WithConn leases a connection for the duration of fn and returns it on
// every exit path.
func (m *Manager) WithConn(ctx context.Context, fn func(c *Conn) error) error {
	c, err := m.Conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(c)
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.WithConn(ctx, func(c *Conn) error {
		_, err := c.Exec(ctx, "SELECT 1")
		return err
	})
}

// Host returns the host the active pool connected to, or an empty string.
func (m *Manager) Host() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host
}

func (m *Manager) Close() error {
	m.mu.Lock()
	db := m.db
	m.db = nil
	m.host = ""
	m.closed = true
	m.mu.Unlock()

	if db == nil {
		return nil
	}
	return db.Close()
}

func (m *Manager) pool(ctx context.Context) (*sql.DB, error) {
	cfg, err := m.source()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	key := cfg.key()

	if db, err := m.current(key); db != nil || err != nil {
		return db, err
	}

	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	// another lease may have built the pool while this one waited
	if db, err := m.current(key); db != nil || err != nil {
		return db, err
	}

	db, host, err := m.build(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		db.Close()
		return nil, ErrPoolClosed
	}
	old := m.db
	m.db, m.key, m.host = db, key, host
	m.mu.Unlock()

	if old != nil {
		m.log.Println("database configuration changed, closing previous pool")
		if err := old.Close(); err != nil {
			m.log.Printf("close previous pool: %v", err)
		}
	}

	return db, nil
}

// current returns the active pool when it was built for key.
func (m *Manager) current(key poolKey) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPoolClosed
	}
	if m.db != nil && m.key == key {
		return m.db, nil
	}
	return nil, nil
}

// build tries each host in order and returns the first pool that passes
// validation. If none does, the first host's error is returned.
func (m *Manager) build(ctx context.Context, cfg PoolConfig) (*sql.DB, string, error) {
	var firstErr error
	for _, host := range cfg.Hosts {
		db, err := m.open(ctx, cfg, host)
		if err == nil {
			m.log.Printf("connected to database at %s", cfg.hostPort(host))
			return db, host, nil
		}

		m.log.Printf("database host %s unavailable: %v", cfg.hostPort(host), err)
		if firstErr == nil {
			firstErr = fmt.Errorf("connect to %s: %w", cfg.hostPort(host), err)
		}
	}

	return nil, "", firstErr
}

// open creates a pool for host, warms MinConns connections and validates the
// pool by leasing and returning them.
func open(ctx context.Context, cfg PoolConfig, host string) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.dsn(host))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)

	warm := make([]*sql.Conn, 0, cfg.MinConns)
	defer func() {
		for _, c := range warm {
			c.Close()
		}
	}()

	for range cfg.MinConns {
		c, err := db.Conn(ctx)
		if err == nil {
			err = c.PingContext(ctx)
			warm = append(warm, c)
		}
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}
