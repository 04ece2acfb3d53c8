// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

// Package store provides the PostgreSQL bootstrap and schema
// migrations shared by the storage backends.
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// Connect opens a pgx connection pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("STORAGE_ERROR").
			With("operation", "create pool").
			Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code("STORAGE_ERROR").
			With("operation", "ping database").
			Wrap(err)
	}
	return pool, nil
}
