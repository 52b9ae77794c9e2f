package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/strike/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticSource(cfg PoolConfig) func() (PoolConfig, error) {
	return func() (PoolConfig, error) {
		return cfg, nil
	}
}

func TestManager_InvalidConfig(t *testing.T) {
	cfg := validConfig()
	cfg.User = ""
	m := NewManager(staticSource(cfg), testutil.TestLogger(t))

	_, err := m.Conn(context.Background())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestManager_SourceError(t *testing.T) {
	sourceErr := errors.New("boom")
	m := NewManager(func() (PoolConfig, error) {
		return PoolConfig{}, sourceErr
	}, testutil.TestLogger(t))

	err := m.WithConn(context.Background(), func(c *Conn) error {
		t.Fatal("expected fn not to run")
		return nil
	})
	assert.ErrorIs(t, err, sourceErr)
}

func TestManager_AllHostsUnreachable(t *testing.T) {
	cfg := validConfig()
	cfg.Hosts = []string{"127.0.0.1:1", "127.0.0.1:2"}
	cfg.ConnectTimeout = time.Second

	buf := &bytes.Buffer{}
	logger := testutil.TestLogger(t)
	logger.SetOutput(buf)
	m := NewManager(staticSource(cfg), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.Conn(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to 127.0.0.1:1", "expected the first host's error")
	assert.Contains(t, buf.String(), "database host 127.0.0.1:1 unavailable")
	assert.Contains(t, buf.String(), "database host 127.0.0.1:2 unavailable")
	assert.Empty(t, m.Host())
}

func TestManager_ConcurrentBuild(t *testing.T) {
	m := NewManager(staticSource(validConfig()), testutil.TestLogger(t))

	var opened atomic.Int32
	release := make(chan struct{})
	m.open = func(ctx context.Context, cfg PoolConfig, host string) (*sql.DB, error) {
		opened.Add(1)
		<-release
		return sql.Open("postgres", cfg.dsn(host))
	}

	const callers = 5
	var wg sync.WaitGroup
	pools := make([]*sql.DB, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			db, err := m.pool(context.Background())
			assert.NoError(t, err)
			pools[i] = db
		}()
	}

	require.Eventually(t, func() bool { return opened.Load() == 1 }, time.Second, 10*time.Millisecond)

	hostDone := make(chan string)
	go func() { hostDone <- m.Host() }()
	select {
	case host := <-hostDone:
		assert.Empty(t, host)
	case <-time.After(time.Second):
		t.Fatal("expected Host not to wait for the build")
	}

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), opened.Load(), "expected one build for concurrent leases")
	for _, db := range pools {
		assert.Same(t, pools[0], db)
	}
	assert.NoError(t, m.Close())
}

func TestManager_CloseWithoutPool(t *testing.T) {
	m := NewManager(staticSource(validConfig()), testutil.TestLogger(t))
	assert.NoError(t, m.Close())

	_, err := m.Conn(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestConn_Released(t *testing.T) {
	c := &Conn{log: testutil.TestLogger(t)}
	ctx := context.Background()

	assert.NoError(t, c.Close(), "expected closing a released connection to be a no-op")

	_, err := c.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrConnReleased)
	_, err = c.QueryRows(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrConnReleased)
	_, err = c.QueryRow(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrConnReleased)
	_, err = c.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrConnReleased)
	_, err = c.BeginTx(ctx, nil)
	assert.ErrorIs(t, err, ErrConnReleased)
}
