// Package sqlstore implements the storage contracts on SQLite or PostgreSQL.
// Serialization ids are stored in their fixed-width text form, so ordering
// by the id column is ordering by time.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"streamfeed/models"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures the database.
type Options struct {
	Driver string
	// Path of the SQLite database file.
	Path string
	// PostgreSQL connection settings
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	// Compress stores payloads zstd compressed.
	Compress bool
}

// DB handles all database operations with a shared connection pool
type DB struct {
	db      *sql.DB
	driver  string
	flavor  sqlbuilder.Flavor
	codec   *codec
	timeout time.Duration
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func buildConnectionString(opts Options) string {
	sslMode := opts.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		opts.Host, opts.Port, opts.User, opts.Password, opts.Name, sslMode,
	)
}

// Open connects to the database. It does not run migrations.
func Open(opts Options) (*DB, error) {
	var (
		conn   *sql.DB
		flavor sqlbuilder.Flavor
		err    error
	)

	switch opts.Driver {
	case DriverSQLite, "":
		conn, err = sqliteConnection(opts.Path)
		flavor = sqlbuilder.SQLite
	case DriverPostgres:
		conn, err = postgresConnection(opts)
		flavor = sqlbuilder.PostgreSQL
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", models.ErrValidation, opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	c, err := newCodec(opts.Compress)
	if err != nil {
		conn.Close()
		return nil, err
	}

	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	log.WithFields(log.Fields{
		"driver":   driver,
		"compress": opts.Compress,
	}).Info("Connected to database")

	return &DB{db: conn, driver: driver, flavor: flavor, codec: c, timeout: 30 * time.Second}, nil
}

func sqliteConnection(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite database path is required", models.ErrValidation)
	}

	// Enable foreign keys and WAL mode
	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1)            // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)            // Keep one connection in the pool
	db.SetConnMaxLifetime(time.Hour) // Recreate connections after an hour
	db.SetConnMaxIdleTime(time.Hour) // Close idle connections after an hour

	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
		PRAGMA cache_size = -32000; -- 32MB cache
		PRAGMA temp_store = MEMORY;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	return db, nil
}

func postgresConnection(opts Options) (*sql.DB, error) {
	db, err := sql.Open("postgres", buildConnectionString(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	db.SetMaxOpenConns(20)           // Allow multiple concurrent operations
	db.SetMaxIdleConns(10)           // Keep some connections ready
	db.SetConnMaxLifetime(time.Hour) // Recreate connections after an hour
	db.SetConnMaxIdleTime(time.Hour) // Close idle connections after an hour

	return db, nil
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return db.db.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.timeout)
}

// inTx runs fn in a transaction and commits when it succeeds.
func (db *DB) inTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin error: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).Error("Error rolling back transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit error: %w", err)
	}
	return nil
}

// args converts ids to builder arguments.
func idArgs(ids []models.SerializationID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id.Key()
	}
	return out
}

func logQuery(sql string, args []any) {
	log.WithFields(log.Fields{
		"sql":  sql,
		"args": len(args),
	}).Trace("Generated SQL query")
}
