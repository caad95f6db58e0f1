// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

// package db provides the data access layer for Fleetwarden.
// This file contains the MySQL implementation of the database store.
// Note: This implementation is considered experimental.
package db

import (
	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/uptrace/bun"
)

// MySQLStore is the MySQL implementation of the Store interface.
type MySQLStore struct {
	bunStore
}

// NewMySQLStore wraps an initialized bun.DB using the MySQL dialect.
func NewMySQLStore(bdb *bun.DB) *MySQLStore {
	return &MySQLStore{bunStore{bun: bdb}}
}
