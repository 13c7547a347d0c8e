package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	// SQL drivers registered for the supported backends.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/credvault/vault-escrow-backend/interfaces"
)

const (
	maxOpenConns    = 25
	maxIdleConns    = 25
	connMaxLifetime = 5 * time.Minute
)

// Open creates a VaultStore from a database URI.
//
// Supported schemes:
//   - sqlite://<path or :memory:> - embedded database (dev, tests)
//   - postgres://... - PostgreSQL via pgx
func Open(ctx context.Context, log *slog.Logger, uri string) (interfaces.VaultStore, error) {
	scheme, rest, found := strings.Cut(uri, "://")
	if !found {
		return nil, fmt.Errorf("invalid database URI %q: missing scheme", uri)
	}

	var (
		sqlDB *sql.DB
		err   error
		db    *bun.DB
	)
	switch strings.ToLower(scheme) {
	case "sqlite":
		sqlDB, err = sql.Open("sqlite", rest)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	case "postgres", "postgresql":
		sqlDB, err = sql.Open("pgx", uri)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		db = bun.NewDB(sqlDB, pgdialect.New())
	default:
		return nil, fmt.Errorf("unsupported database scheme: %s", scheme)
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	store, err := NewBunStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("Database ready", "scheme", scheme)
	return store, nil
}
