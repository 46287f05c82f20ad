// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements storage.Repositories on an embedded SQLite
// database. A single connection serializes all statements, which makes the
// single-use consumes and the refresh rotation linearizable without
// additional locking.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Register the modernc.org/sqlite driver under the name "sqlite".
	_ "modernc.org/sqlite"
)

// DefaultSweepInterval is how often the background sweep of expired rows runs.
const DefaultSweepInterval = 5 * time.Minute

// Open opens (or creates) the database at path, applies pending migrations,
// and starts the background sweeper.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer; a single connection avoids SQLITE_BUSY
	// and makes every statement atomic with respect to the others.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return newStore(db, opts...), nil
}
