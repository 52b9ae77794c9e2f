package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const rollbackTimeout = 5 * time.Second

var ErrConnReleased = errors.New("connection already returned to pool")

// Row is a result row keyed by column name. Text and bytea values are
// returned as strings.
type Row map[string]any

// Conn is a connection leased from a Manager. It is returned to the pool by
// Close, after which every method fails with ErrConnReleased.
type Conn struct {
	mu   sync.Mutex
	conn *sql.Conn
	tx   *sql.Tx
	log  *log.Logger

	// raw is set once a statement runs outside BeginTx, since it may have
	// opened a transaction with a plain BEGIN.
	raw bool
}

func (c *Conn) lease(raw bool) (*sql.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrConnReleased
	}
	c.raw = c.raw || raw
	return c.conn, nil
}

// Query returns a positional cursor. The caller must close the rows.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	conn, err := c.lease(true)
	if err != nil {
		return nil, err
	}
	return conn.QueryContext(ctx, query, args...)
}

// QueryRows reads every row of the result keyed by column name.
func (c *Conn) QueryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := []Row{}
	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

// QueryRow returns the first row of the result or sql.ErrNoRows.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := c.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, sql.ErrNoRows
	}
	return rows[0], nil
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn, err := c.lease(true)
	if err != nil {
		return nil, err
	}
	return conn.ExecContext(ctx, query, args...)
}

// BeginTx starts a transaction on the leased connection. A transaction that
// is still open when the Conn is closed is rolled back.
func (c *Conn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	conn, err := c.lease(false)
	if err != nil {
		return nil, err
	}

	tx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tx = tx
	c.mu.Unlock()
	return tx, nil
}

// Close rolls back any open transaction and returns the connection to the
// pool. If the rollback fails the connection is discarded instead. Closing
// twice is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	conn, tx, raw := c.conn, c.tx, c.raw
	c.conn, c.tx, c.raw = nil, nil, false
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	if tx != nil {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			c.log.Printf("rollback transaction: %v", err)
			return discard(conn)
		}
	}

	// Clears a transaction opened with a plain BEGIN statement.
	if raw {
		ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
		defer cancel()
		if _, err := conn.ExecContext(ctx, "ROLLBACK"); err != nil {
			c.log.Printf("rollback connection: %v", err)
			return discard(conn)
		}
	}

	return conn.Close()
}

// discard closes the physical connection instead of returning it to the
// pool.
func discard(conn *sql.Conn) error {
	err := conn.Raw(func(any) error {
		return driver.ErrBadConn
	})
	if err != nil && !errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("discard connection: %w", err)
	}
	conn.Close()
	return nil
}
