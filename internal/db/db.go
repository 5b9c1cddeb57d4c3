package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	_ "modernc.org/sqlite"

	"citerag/internal/config"
	"citerag/internal/models"
)

// Open connects to the configured database.
func Open(cfg *config.DatabaseConfig) (*bun.DB, error) {
	var db *bun.DB
	switch cfg.Driver {
	case config.DriverPostgres:
		opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		sqldb := sql.OpenDB(pgdriver.NewConnector(opts...))
		if cfg.MaxOpenConns > 0 {
			sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	case config.DriverSQLite:
		sqldb, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: open sqlite: %v", models.ErrStorage, err)
		}
		// one writer; also keeps an in-memory database alive
		sqldb.SetMaxOpenConns(1)
		db = NewDB(sqldb)
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", models.ErrConfiguration, cfg.Driver)
	}

	if cfg.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db, nil
}

// NewDB wraps an already opened SQLite handle.
func NewDB(sqldb *sql.DB) *bun.DB {
	return bun.NewDB(sqldb, sqlitedialect.New())
}

func isPostgres(db bun.IDB) bool {
	return db.Dialect().Name() == dialect.PG
}

var tables = []any{
	(*Document)(nil),
	(*Fragment)(nil),
	(*Chat)(nil),
	(*Message)(nil),
	(*MessageFile)(nil),
	(*MessageSource)(nil),
}

// InitDB creates the schema if it does not exist yet.
func InitDB(ctx context.Context, db *bun.DB) error {
	if isPostgres(db) {
		if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			return fmt.Errorf("create vector extension: %w", err)
		}
	}
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []struct {
		model  any
		name   string
		column string
	}{
		{(*Fragment)(nil), "fragments_document_id_idx", "document_id"},
		{(*Message)(nil), "messages_chat_id_idx", "chat_id"},
		{(*Chat)(nil), "chats_user_id_idx", "user_id"},
		{(*Document)(nil), "documents_owner_id_idx", "owner_id"},
	}
	for _, ix := range indexes {
		if _, err := db.NewCreateIndex().Model(ix.model).Index(ix.name).Column(ix.column).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", ix.name, err)
		}
	}
	return nil
}

// DropAll removes every table.
func DropAll(ctx context.Context, db *bun.DB) error {
	for i := len(tables) - 1; i >= 0; i-- {
		if _, err := db.NewDropTable().Model(tables[i]).IfExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}
