/*
Copyright 2025 The RangeForge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store is the durable system of record: lab intents, network
// leases, the exploit catalog, missions and their step results, and
// deployment traces. Live resource state deliberately does not live
// here; that is the registry's job.
package store

import (
	"context"
	"database/sql"
	"embed"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"github.com/rangeforge/rangeforge/pkg/faults"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the relational database.
type Store struct {
	db  *sqlx.DB
	log logr.Logger
}

// Open connects and pings.
func Open(log logr.Logger, dsn string) (*Store, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, faults.Wrap(err, faults.BackendUnreachable, "connecting to store")
	}
	return &Store{db: db, log: log}, nil
}

// NewWithDB wraps an existing connection; tests use it with sqlmock.
func NewWithDB(log logr.Logger, db *sqlx.DB) *Store {
	return &Store{db: db, log: log}
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "setting migration dialect")
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return errors.Wrap(err, "applying migrations")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return faults.Wrap(err, faults.BackendUnreachable, "store ping")
	}
	return nil
}

// uniqueViolation is the Postgres SQLSTATE for a unique constraint
// failure.
const uniqueViolation = "23505"

// classify translates driver errors into taxonomy faults.
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return faults.Wrap(err, faults.ResourceMissing, format, args...)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return faults.Wrap(err, faults.NameCollision, format, args...)
	}
	return faults.Wrap(err, faults.BackendUnreachable, format, args...)
}
