package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	embedsql "github.com/ldi/tasktrack/embed/sql"
	"github.com/ldi/tasktrack/internal/apperr"
	"github.com/ldi/tasktrack/internal/logging"
)

const (
	defaultBreakerMaxFailures = 5
	defaultBreakerTimeout     = 30 * time.Second
)

type DB struct {
	*sql.DB
	breaker          *gobreaker.CircuitBreaker[struct{}]
	logger           *slog.Logger
	now              func() time.Time
	onChange         func(ctx context.Context)
	onChangeMu       sync.RWMutex
	onChangeDisabled bool
	snapshotMu       sync.Mutex
}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Option configures Open.
type Option func(*options)

type options struct {
	maxFailures int
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// WithBreaker sets how many consecutive storage failures open the circuit
// and how long it stays open.
func WithBreaker(maxFailures int, timeout time.Duration) Option {
	return func(o *options) {
		if maxFailures > 0 {
			o.maxFailures = maxFailures
		}
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithLogger sets the logger used for retries and breaker state changes.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source used to stamp rows.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func (db *DB) SetOnChange(fn func(ctx context.Context)) {
	db.onChangeMu.Lock()
	defer db.onChangeMu.Unlock()
	db.onChange = fn
}

func (db *DB) DisableOnChange() {
	db.onChangeMu.Lock()
	defer db.onChangeMu.Unlock()
	db.onChangeDisabled = true
}

func (db *DB) EnableOnChange() {
	db.onChangeMu.Lock()
	defer db.onChangeMu.Unlock()
	db.onChangeDisabled = false
}

func (db *DB) triggerChange(ctx context.Context) {
	db.onChangeMu.RLock()
	fn := db.onChange
	disabled := db.onChangeDisabled
	db.onChangeMu.RUnlock()

	if fn != nil && !disabled {
		fn(ctx)
	}
}

// Open opens a SQLite database at the given path.
func Open(path string, opts ...Option) (*DB, error) {
	o := &options{
		maxFailures: defaultBreakerMaxFailures,
		timeout:     defaultBreakerTimeout,
		logger:      slog.New(slog.DiscardHandler),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer. Pinning the pool to one
	// connection also keeps per-connection pragmas and :memory: databases stable.
	sqlDB.SetMaxOpenConns(1)

	// WAL mode for better concurrency
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Foreign keys support
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	logger := o.logger
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "sqlite",
		Timeout: o.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= o.maxFailures
		},
		// Domain outcomes such as not-found or conflict are healthy storage.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, apperr.ErrStorage)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &DB{
		DB:      sqlDB,
		breaker: breaker,
		logger:  logger,
		now:     o.now,
	}, nil
}

func (db *DB) Migrate(ctx context.Context, schema string) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	db.triggerChange(ctx)
	return nil
}

func (db *DB) Init(ctx context.Context) error {
	return db.Migrate(ctx, embedsql.Schema)
}

// HealthCheck pings the underlying database.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return &apperr.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// withTx runs fn inside a single transaction. A transient storage failure is
// retried exactly once; the whole transaction is replayed.
func (db *DB) withTx(ctx context.Context, op string, fn func(exec executor) error) error {
	err := db.runTx(ctx, op, fn)
	if err != nil && apperr.IsTransient(err) && ctx.Err() == nil {
		logging.FromContextOr(ctx, db.logger).WarnContext(ctx, "retrying transient storage failure",
			slog.String("operation", op),
			slog.Any("error", err),
		)
		err = db.runTx(ctx, op, fn)
	}
	return err
}

func (db *DB) runTx(ctx context.Context, op string, fn func(exec executor) error) error {
	_, err := db.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, db.execTx(ctx, op, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &apperr.StorageError{Op: op, Err: err}
	}
	return err
}

func (db *DB) execTx(ctx context.Context, op string, fn func(exec executor) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op+": begin", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classify(op, err)
	}

	if err := tx.Commit(); err != nil {
		return classify(op+": commit", err)
	}
	return nil
}

// classify maps driver errors onto the apperr taxonomy. Errors that are
// already classified pass through unchanged.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrConflict),
		errors.Is(err, apperr.ErrStorage),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w", op, apperr.ErrConflict)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%s: referenced row: %w", op, apperr.ErrNotFound)
		case sqlite3.SQLITE_CONSTRAINT_CHECK, sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return fmt.Errorf("%s: constraint failed: %w", op, apperr.ErrValidation)
		}
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return &apperr.StorageError{Op: op, Err: err, Transient: true}
		}
	}

	return &apperr.StorageError{Op: op, Err: err}
}
