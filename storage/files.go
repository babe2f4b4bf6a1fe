package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// FileRecord is the persisted metadata of one completed transfer.
type FileRecord struct {
	ClientID    []byte
	Filename    string
	StoragePath string
	Size        int64
	Checksum    uint32
	Verified    bool
}

// UpsertFileRecord writes the record for a completed transfer. A later
// transfer of the same filename by the same client overwrites the previous
// record, resetting the verified flag.
func (s *Store) UpsertFileRecord(ctx context.Context, rec FileRecord) error {
	if err := validateClientID(rec.ClientID); err != nil {
		return err
	}
	if rec.Filename == "" {
		return errors.New("filename is required")
	}
	if rec.StoragePath == "" {
		return errors.New("storage_path is required")
	}

	return s.withRetryConn(ctx, func(c *Conn) error {
		_, err := c.Exec(ctx,
			`INSERT INTO files (client_id, filename, storage_path, size, checksum, verified)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(client_id, filename) DO UPDATE SET
			   storage_path = excluded.storage_path,
			   size = excluded.size,
			   checksum = excluded.checksum,
			   verified = excluded.verified`,
			rec.ClientID, rec.Filename, rec.StoragePath, rec.Size, int64(rec.Checksum), boolToInt(rec.Verified),
		)
		if err != nil {
			return fmt.Errorf("upsert file record %q: %w", rec.Filename, err)
		}
		return nil
	})
}

// MarkFileVerified sets the verified flag after the client confirmed the
// checksum match.
func (s *Store) MarkFileVerified(ctx context.Context, clientID []byte, filename string) error {
	if err := validateClientID(clientID); err != nil {
		return err
	}

	return s.withRetryConn(ctx, func(c *Conn) error {
		result, err := c.Exec(ctx,
			`UPDATE files SET verified = 1 WHERE client_id = ? AND filename = ?`,
			clientID, filename,
		)
		if err != nil {
			return fmt.Errorf("mark file verified %q: %w", filename, err)
		}
		return requireRow(result)
	})
}

// DeleteFileRecord removes the record of an aborted transfer.
func (s *Store) DeleteFileRecord(ctx context.Context, clientID []byte, filename string) error {
	if err := validateClientID(clientID); err != nil {
		return err
	}

	return s.withRetryConn(ctx, func(c *Conn) error {
		if _, err := c.Exec(ctx,
			`DELETE FROM files WHERE client_id = ? AND filename = ?`, clientID, filename,
		); err != nil {
			return fmt.Errorf("delete file record %q: %w", filename, err)
		}
		return nil
	})
}

// GetFileRecord fetches one file record.
func (s *Store) GetFileRecord(ctx context.Context, clientID []byte, filename string) (*FileRecord, error) {
	if err := validateClientID(clientID); err != nil {
		return nil, err
	}

	var rec *FileRecord
	err := s.withRetryConn(ctx, func(c *Conn) error {
		row := c.QueryRow(ctx,
			`SELECT client_id, filename, storage_path, size, checksum, verified
			 FROM files WHERE client_id = ? AND filename = ?`,
			clientID, filename,
		)
		var scanErr error
		rec, scanErr = scanFileRecord(row)
		return scanErr
	})
	return rec, err
}

// ListFileRecords returns all file records for a client, newest first.
func (s *Store) ListFileRecords(ctx context.Context, clientID []byte) ([]FileRecord, error) {
	if err := validateClientID(clientID); err != nil {
		return nil, err
	}

	var records []FileRecord
	err := s.withRetryConn(ctx, func(c *Conn) error {
		rows, err := c.Query(ctx,
			`SELECT client_id, filename, storage_path, size, checksum, verified
			 FROM files WHERE client_id = ? ORDER BY id DESC`,
			clientID,
		)
		if err != nil {
			return fmt.Errorf("list file records: %w", err)
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			var rec FileRecord
			var checksum int64
			var verified int
			if err := rows.Scan(&rec.ClientID, &rec.Filename, &rec.StoragePath, &rec.Size, &checksum, &verified); err != nil {
				return fmt.Errorf("scan file record: %w", err)
			}
			rec.Checksum = uint32(checksum)
			rec.Verified = verified != 0
			records = append(records, rec)
		}
		return rows.Err()
	})
	return records, err
}

// FileCount returns the number of stored file records, served from the
// aggregate cache within its TTL.
func (s *Store) FileCount(ctx context.Context) (int64, error) {
	return s.cachedCount(ctx, "file_count", `SELECT COUNT(*) FROM files`)
}

// VerifiedFileCount returns the number of verified file records, served
// from the aggregate cache within its TTL.
func (s *Store) VerifiedFileCount(ctx context.Context) (int64, error) {
	return s.cachedCount(ctx, "verified_count", `SELECT COUNT(*) FROM files WHERE verified = 1`)
}

func scanFileRecord(row *sql.Row) (*FileRecord, error) {
	var rec FileRecord
	var checksum int64
	var verified int
	err := row.Scan(&rec.ClientID, &rec.Filename, &rec.StoragePath, &rec.Size, &checksum, &verified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan file record: %w", err)
	}
	rec.Checksum = uint32(checksum)
	rec.Verified = verified != 0
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
