package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/CrowderSoup/kanban-sync/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	DefaultSQLitePath = "./kanban.db"
)

var (
	ErrNotFound      = errors.New("row not found")
	ErrInvalidParent = errors.New("parent row does not exist")
	ErrLocked        = errors.New("database is in use by another process")
	ErrDuplicate     = errors.New("row already exists")
)

// Config selects the driver and data source. An empty Driver means sqlite3,
// whose DSN is a file path.
type Config struct {
	Driver string
	DSN    string
}

// DB wraps the SQL database connection and fans out committed row changes.
type DB struct {
	*sql.DB
	driver string
	lock   *flock.Flock
	logger zerolog.Logger

	mu        sync.RWMutex
	listeners []func(models.Change)
}

// Open opens a database connection and runs migrations.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}

	var (
		dsn  string
		lock *flock.Flock
	)
	switch cfg.Driver {
	case DriverSQLite:
		path := cfg.DSN
		if path == "" {
			path = DefaultSQLitePath
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		lock = flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock database: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, errors.New("postgres driver needs a DSN")
		}
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	sqlDB, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		unlock(lock)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		// SQLite only supports one writer
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		unlock(lock)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: sqlDB, driver: cfg.Driver, lock: lock, logger: logger}
	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		unlock(lock)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info().Str("driver", cfg.Driver).Msg("database initialized")
	return db, nil
}

func unlock(lock *flock.Flock) {
	if lock != nil {
		_ = lock.Unlock()
	}
}

func (db *DB) migrate(ctx context.Context) error {
	dialect := goose.DialectSQLite3
	if db.driver == DriverPostgres {
		dialect = goose.DialectPostgres
	}
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, db.DB, fsys, goose.WithLogger(gooseLogger{db.logger}))
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		db.logger.Debug().Str("migration", r.Source.Path).Dur("took", r.Duration).Msg("applied migration")
	}
	return nil
}

type gooseLogger struct{ zerolog.Logger }

func (l gooseLogger) Printf(format string, v ...any) {
	l.Debug().Msgf(strings.TrimSpace(format), v...)
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.Error().Msgf(strings.TrimSpace(format), v...)
}

// Close closes the database connection and releases the file lock.
func (db *DB) Close() error {
	err := db.DB.Close()
	unlock(db.lock)
	return err
}

// OnChange registers fn to receive every committed row change, in commit order.
func (db *DB) OnChange(fn func(models.Change)) {
	db.mu.Lock()
	db.listeners = append(db.listeners, fn)
	db.mu.Unlock()
}

func (db *DB) publish(changes []models.Change) {
	db.mu.RLock()
	listeners := db.listeners
	db.mu.RUnlock()
	for _, c := range changes {
		for _, fn := range listeners {
			fn(c)
		}
	}
}

// Tx is a transaction that records the row changes it makes.
type Tx struct {
	tx      *sql.Tx
	driver  string
	now     time.Time
	changes []models.Change
}

// Transaction executes a function within a transaction. Recorded changes are
// published only after a successful commit.
func (db *DB) Transaction(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx, driver: db.driver, now: time.Now().UTC()}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	db.publish(tx.changes)
	return nil
}

func (tx *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.tx.ExecContext(ctx, rebind(tx.driver, query), args...)
}

func (tx *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.tx.QueryContext(ctx, rebind(tx.driver, query), args...)
}

func (tx *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.tx.QueryRowContext(ctx, rebind(tx.driver, query), args...)
}

func (tx *Tx) record(kind models.ChangeKind, table models.Table, before, after any) error {
	c, err := models.NewChange(kind, table, before, after)
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}
	c.CommitTime = tx.now
	tx.changes = append(tx.changes, c)
	return nil
}

// exists reports whether table has a row with the given id.
func (tx *Tx) exists(ctx context.Context, table, id string) (bool, error) {
	var n int
	err := tx.queryRow(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// nextPosition returns the append position under a parent.
func (tx *Tx) nextPosition(ctx context.Context, table, parentColumn, parentID string) (int, error) {
	var pos int
	err := tx.queryRow(ctx,
		"SELECT COALESCE(MAX(position) + 1, 0) FROM "+table+" WHERE "+parentColumn+" = ?", parentID,
	).Scan(&pos)
	return pos, err
}

// rebind rewrites ? placeholders into $n for postgres.
func rebind(driver, query string) string {
	if driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
