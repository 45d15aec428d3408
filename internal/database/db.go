// Package database owns persistent entity state: device tokens, capture
// records, ledger entries and attestation certificates.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/archiveorigin/proofd/config"
	"github.com/archiveorigin/proofd/pkg/logger"
)

//go:embed schema.sql
var schemaFile embed.FS

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
	log *logger.Logger
}

// New creates a new database connection pool and verifies it with a ping.
func New(cfg config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if log != nil {
		log.Info("Successfully connected to database")
	}
	return &DB{DB: db, log: log}, nil
}

// InitSchema initializes the database schema. It is idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema, err := schemaFile.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if db.log != nil {
		db.log.Info("Database schema initialized")
	}
	return nil
}

// Healthy reports whether the database answers a trivial probe.
func (db *DB) Healthy(ctx context.Context) bool {
	var one int
	return db.QueryRowContext(ctx, "SELECT 1").Scan(&one) == nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.log != nil {
		db.log.Info("Closing database connection")
	}
	return db.DB.Close()
}
