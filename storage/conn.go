package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Conn is a borrowed pool connection. Queries run against the open
// transaction when one is in scope, and directly against the connection
// otherwise.
type Conn struct {
	pc *poolConn
	tx *sql.Tx
}

// Exec runs a statement.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.tx != nil {
		return c.tx.ExecContext(ctx, query, args...)
	}
	return c.pc.conn.ExecContext(ctx, query, args...)
}

// Query runs a query returning rows.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.tx != nil {
		return c.tx.QueryContext(ctx, query, args...)
	}
	return c.pc.conn.QueryContext(ctx, query, args...)
}

// QueryRow runs a query returning at most one row.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if c.tx != nil {
		return c.tx.QueryRowContext(ctx, query, args...)
	}
	return c.pc.conn.QueryRowContext(ctx, query, args...)
}

// InTx reports whether a transaction is currently open on this connection.
func (c *Conn) InTx() bool {
	return c.tx != nil
}

// WithTx runs fn inside a transaction on this connection. A nested call on
// an already-open transaction joins it: only the outermost scope commits or
// rolls back.
func (c *Conn) WithTx(ctx context.Context, fn func(*Conn) error) error {
	if c.tx != nil {
		return fn(c)
	}

	tx, err := c.pc.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	c.tx = tx
	defer func() {
		c.tx = nil
	}()

	if err := fn(c); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
