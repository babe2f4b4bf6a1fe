package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Client is one registered backup client.
type Client struct {
	ID         []byte // 16 bytes, immutable once assigned
	Name       string
	PublicKey  []byte // exported wire form, nil before key exchange
	SessionKey []byte // current session key, replaced every handshake
	LastSeen   int64  // unix milliseconds
}

func validateClientID(id []byte) error {
	if len(id) != 16 {
		return fmt.Errorf("invalid client id length: got %d want 16", len(id))
	}
	return nil
}

// RegisterClient inserts a new client row. A duplicate name, including one
// racing in from a concurrent registration, returns ErrNameTaken.
func (s *Store) RegisterClient(ctx context.Context, id []byte, name string) error {
	if err := validateClientID(id); err != nil {
		return err
	}
	if name == "" {
		return errors.New("client name is required")
	}

	return s.withRetryConn(ctx, func(c *Conn) error {
		_, err := c.Exec(ctx,
			`INSERT INTO clients (id, name, last_seen) VALUES (?, ?, ?)`,
			id, name, nowUnixMilli(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrNameTaken
			}
			return fmt.Errorf("insert client %q: %w", name, err)
		}
		return nil
	})
}

// GetClientByID fetches a client by identity.
func (s *Store) GetClientByID(ctx context.Context, id []byte) (*Client, error) {
	if err := validateClientID(id); err != nil {
		return nil, err
	}

	var client *Client
	err := s.withRetryConn(ctx, func(c *Conn) error {
		var scanErr error
		client, scanErr = scanClient(c.QueryRow(ctx,
			`SELECT id, name, public_key, session_key, last_seen FROM clients WHERE id = ?`, id))
		return scanErr
	})
	return client, err
}

// GetClientByName fetches a client by its unique name.
func (s *Store) GetClientByName(ctx context.Context, name string) (*Client, error) {
	var client *Client
	err := s.withRetryConn(ctx, func(c *Conn) error {
		var scanErr error
		client, scanErr = scanClient(c.QueryRow(ctx,
			`SELECT id, name, public_key, session_key, last_seen FROM clients WHERE name = ?`, name))
		return scanErr
	})
	return client, err
}

// UpdateClientKeys stores a client's public key and the fresh session key
// issued for it, in one transaction.
func (s *Store) UpdateClientKeys(ctx context.Context, id, publicKey, sessionKey []byte) error {
	if err := validateClientID(id); err != nil {
		return err
	}

	return s.withRetryConn(ctx, func(c *Conn) error {
		return c.WithTx(ctx, func(c *Conn) error {
			result, err := c.Exec(ctx,
				`UPDATE clients SET public_key = ?, session_key = ?, last_seen = ? WHERE id = ?`,
				publicKey, sessionKey, nowUnixMilli(), id,
			)
			if err != nil {
				return fmt.Errorf("update client keys: %w", err)
			}
			return requireRow(result)
		})
	})
}

// UpdateSessionKey replaces a client's current session key.
func (s *Store) UpdateSessionKey(ctx context.Context, id, sessionKey []byte) error {
	if err := validateClientID(id); err != nil {
		return err
	}

	return s.withRetryConn(ctx, func(c *Conn) error {
		result, err := c.Exec(ctx,
			`UPDATE clients SET session_key = ?, last_seen = ? WHERE id = ?`,
			sessionKey, nowUnixMilli(), id,
		)
		if err != nil {
			return fmt.Errorf("update session key: %w", err)
		}
		return requireRow(result)
	})
}

// TouchClient refreshes a client's last-seen timestamp.
func (s *Store) TouchClient(ctx context.Context, id []byte) error {
	if err := validateClientID(id); err != nil {
		return err
	}

	return s.withRetryConn(ctx, func(c *Conn) error {
		result, err := c.Exec(ctx,
			`UPDATE clients SET last_seen = ? WHERE id = ?`, nowUnixMilli(), id,
		)
		if err != nil {
			return fmt.Errorf("touch client: %w", err)
		}
		return requireRow(result)
	})
}

// RemoveClient deletes a client row; file records cascade.
func (s *Store) RemoveClient(ctx context.Context, id []byte) error {
	if err := validateClientID(id); err != nil {
		return err
	}

	return s.withRetryConn(ctx, func(c *Conn) error {
		if _, err := c.Exec(ctx, `DELETE FROM clients WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete client: %w", err)
		}
		return nil
	})
}

// ClientCount returns the number of registered clients. The value is served
// from the aggregate cache within its TTL.
func (s *Store) ClientCount(ctx context.Context) (int64, error) {
	return s.cachedCount(ctx, "client_count", `SELECT COUNT(*) FROM clients`)
}

func (s *Store) cachedCount(ctx context.Context, key, query string) (int64, error) {
	if value, ok := s.cache.get(key); ok {
		return value, nil
	}

	var count int64
	err := s.withRetryConn(ctx, func(c *Conn) error {
		return c.QueryRow(ctx, query).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("aggregate %s: %w", key, err)
	}

	s.cache.put(key, count)
	return count, nil
}

func scanClient(row *sql.Row) (*Client, error) {
	var client Client
	err := row.Scan(&client.ID, &client.Name, &client.PublicKey, &client.SessionKey, &client.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	return &client, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
