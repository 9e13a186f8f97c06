// Package sqldb stores sessions and usage counters through database/sql on
// SQLite or MySQL.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavor
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// DB wraps a database handle and its dialect
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// SQLiteDSN builds a DSN for a database file with WAL and a busy timeout
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
}

// Open connects and pings the database
func Open(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectMySQL:
		driver = "mysql"
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// one writer; also keeps in-memory databases on a single connection
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", dialect, err)
	}

	return &DB{db: db, dialect: dialect}, nil
}

// NewWithDB wraps an existing handle
func NewWithDB(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect}
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies connectivity
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// EnsureSchema creates the tables when missing
func (d *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema[d.dialect] {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schema = map[Dialect][]string{
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS relay_sessions (
			thread_id     TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			snapshot      TEXT NOT NULL,
			last_activity TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			usage_date    TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			model         TEXT NOT NULL,
			request_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (usage_date, user_id, model)
		)`,
	},
	DialectMySQL: {
		`CREATE TABLE IF NOT EXISTS relay_sessions (
			thread_id     VARCHAR(191) PRIMARY KEY,
			session_id    VARCHAR(64) NOT NULL,
			user_id       VARCHAR(191) NOT NULL,
			snapshot      LONGTEXT NOT NULL,
			last_activity DATETIME(6) NOT NULL
		) DEFAULT CHARSET = utf8mb4`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			usage_date    CHAR(10) NOT NULL,
			user_id       VARCHAR(191) NOT NULL,
			model         VARCHAR(191) NOT NULL,
			request_count INT NOT NULL DEFAULT 0,
			PRIMARY KEY (usage_date, user_id, model)
		) DEFAULT CHARSET = utf8mb4`,
	},
}
