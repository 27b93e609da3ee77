package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"github.com/builderaio/buildera-io-sub006/pkg/config"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

// openStorage picks the backend: Postgres when DATABASE_URL is set, SQLite
// under DATA_DIR in lite mode, memory otherwise. db is nil for memory.
func openStorage(ctx context.Context, cfg *config.Config) (store.Store, *sql.DB, error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		slog.Info("storage ready", "backend", "postgres")
		return initSQL(ctx, db)
	case cfg.LiteMode:
		db, err := setupLiteMode(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return initSQL(ctx, db)
	default:
		slog.Warn("storage is in memory; state is lost on exit")
		return store.NewMemoryStore(), nil, nil
	}
}

func setupLiteMode(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "autopilot.db")
	slog.Info("storage ready", "backend", "sqlite", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return db, nil
}

func initSQL(ctx context.Context, db *sql.DB) (store.Store, *sql.DB, error) {
	st := store.NewSQLStore(db)
	if err := st.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init schema: %w", err)
	}
	return st, db, nil
}
