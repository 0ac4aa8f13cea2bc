/*
 * Copyright 2025 Clearlake Systems, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package seenstore persists device last-seen timestamps so stale-device
// tracking survives restarts.
package seenstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS device_seen (
		account_id TEXT NOT NULL,
		device_id  TEXT NOT NULL,
		last_seen  TIMESTAMP NOT NULL,
		PRIMARY KEY (account_id, device_id)
	);
`

// Store is a SQLite-backed map of (account, device) -> last seen time.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the store at the given path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seen store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the persisted timestamps for one account. Entries older than
// maxAge are pruned on load so the table cannot grow without bound.
func (s *Store) Load(ctx context.Context, accountID string, maxAge time.Duration) (map[string]time.Time, error) {
	cutoff := time.Now().Add(-maxAge)

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM device_seen WHERE account_id = ? AND last_seen < ?",
		accountID, cutoff,
	); err != nil {
		return nil, fmt.Errorf("failed to prune seen store: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT device_id, last_seen FROM device_seen WHERE account_id = ?",
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query seen store: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]time.Time)

	for rows.Next() {
		var (
			deviceID string
			lastSeen time.Time
		)

		if err := rows.Scan(&deviceID, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan seen store row: %w", err)
		}

		seen[deviceID] = lastSeen
	}

	return seen, rows.Err()
}

// Record upserts a batch of timestamps in one transaction.
func (s *Store) Record(ctx context.Context, accountID string, seen map[string]time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO device_seen (account_id, device_id, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id, device_id) DO UPDATE SET last_seen = excluded.last_seen
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for deviceID, ts := range seen {
		if _, err := stmt.ExecContext(ctx, accountID, deviceID, ts); err != nil {
			return fmt.Errorf("failed to upsert device %s: %w", deviceID, err)
		}
	}

	return tx.Commit()
}

// Forget drops one device's entry, used after registry removal.
func (s *Store) Forget(ctx context.Context, accountID, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM device_seen WHERE account_id = ? AND device_id = ?",
		accountID, deviceID,
	)

	return err
}
