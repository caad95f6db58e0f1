// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

// package db provides the data access layer for Fleetwarden.
// This file contains the SQLite implementation of the database store.
package db

import (
	"github.com/uptrace/bun"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SqliteStore is the SQLite implementation of the Store interface.
type SqliteStore struct {
	bunStore
}

// NewSqliteStore wraps an initialized bun.DB using the SQLite dialect.
func NewSqliteStore(bdb *bun.DB) *SqliteStore {
	return &SqliteStore{bunStore{bun: bdb}}
}
