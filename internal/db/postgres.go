// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

// package db provides the data access layer for Fleetwarden.
// This file contains the PostgreSQL implementation of the database store.
package db

import (
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/uptrace/bun"
)

// PostgresStore is the PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	bunStore
}

// NewPostgresStore wraps an initialized bun.DB using the Postgres dialect.
func NewPostgresStore(bdb *bun.DB) *PostgresStore {
	return &PostgresStore{bunStore{bun: bdb}}
}
