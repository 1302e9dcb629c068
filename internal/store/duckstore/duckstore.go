// Package duckstore is the DuckDB store backend.
//
// All sessions share one database. Every table is keyed by session key so
// a database can hold any number of recordings. Closed sessions can
// optionally be exported to Parquet.
package duckstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/logging"
	"github.com/xtxerr/telrec/internal/store"
	"github.com/xtxerr/telrec/internal/store/archive"
)

var log = logging.Component("duckstore")

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// DSN is the database path. Empty opens an in-memory database.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// ArchiveDir receives a Parquet export of every closed session.
	// Empty disables archiving.
	ArchiveDir string

	// Archive configures the Parquet export.
	Archive archive.Options
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		Archive:         archive.DefaultOptions(),
	}
}

// =============================================================================
// Backend
// =============================================================================

// Backend is a store.Backend backed by DuckDB.
//
// Backend is safe for concurrent use.
type Backend struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
}

// Open opens the database and applies the schema.
func Open(cfg Config) (*Backend, error) {
	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("store opened", "dsn", cfg.DSN, "archive_dir", cfg.ArchiveDir)

	return &Backend{
		db:     db,
		config: cfg,
	}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	return b.db.Close()
}

// DB returns the underlying database connection.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// CreateSession implements store.Backend.
func (b *Backend) CreateSession(ctx context.Context, meta store.SessionMeta) (store.Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errors.ErrStoreClosed
	}

	created := meta.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	err := b.transaction(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM sessions WHERE key = ?`, meta.Key).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return errors.Wrapf(errors.ErrSessionAlreadyExists, "session %s", meta.Key)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (key, identifier, data_source, type, version, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, meta.Key, meta.Identifier, meta.DataSource, meta.Type, meta.Version, created)
		return err
	})
	if err != nil {
		if errors.IsAlreadyExists(err) {
			return nil, err
		}
		return nil, fmt.Errorf("create session %s: %w: %w", meta.Key, errors.ErrDatabase, err)
	}

	log.Debug("session created", "session", meta.Key)
	return &Session{backend: b, key: meta.Key}, nil
}

// =============================================================================
// Transaction Support
// =============================================================================

// transaction executes fn within a database transaction.
//
// If fn returns an error, the transaction is rolled back.
func (b *Backend) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// maxParamsPerInsert bounds the parameters of one multi-row INSERT.
const maxParamsPerInsert = 1000

// insertRows inserts rows using multi-row INSERT statements, chunked so that
// no statement exceeds maxParamsPerInsert parameters.
func insertRows(ctx context.Context, ex execer, table string, columns []string, rows [][]interface{}) error {
	return insertChunks(ctx, ex, table, columns, rows, "")
}

// insertRowsIgnoreExisting is insertRows for tables whose primary key
// identifies a sample. Rows already stored are skipped, so a packet that is
// written again after a partial failure does not duplicate data.
func insertRowsIgnoreExisting(ctx context.Context, ex execer, table string, columns []string, rows [][]interface{}) error {
	return insertChunks(ctx, ex, table, columns, rows, " ON CONFLICT DO NOTHING")
}

func insertChunks(ctx context.Context, ex execer, table string, columns []string, rows [][]interface{}, suffix string) error {
	if len(rows) == 0 {
		return nil
	}

	perRow := len(columns)
	chunk := maxParamsPerInsert / perRow
	if chunk < 1 {
		chunk = 1
	}

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", perRow), ",") + ")"

	for i := 0; i < len(rows); i += chunk {
		end := i + chunk
		if end > len(rows) {
			end = len(rows)
		}

		var query strings.Builder
		query.Grow(64 + (end-i)*len(placeholder))
		query.WriteString("INSERT INTO ")
		query.WriteString(table)
		query.WriteString(" (")
		query.WriteString(strings.Join(columns, ", "))
		query.WriteString(") VALUES ")

		args := make([]interface{}, 0, (end-i)*perRow)
		for j, row := range rows[i:end] {
			if j > 0 {
				query.WriteByte(',')
			}
			query.WriteString(placeholder)
			args = append(args, row...)
		}
		query.WriteString(suffix)

		if _, err := ex.ExecContext(ctx, query.String(), args...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}
