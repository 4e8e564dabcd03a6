package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of the backing database.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Rebind rewrites ? placeholders into $n for Postgres.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// forUpdate returns the row lock clause, empty on SQLite where the single
// writer already serialises transactions.
func (d Dialect) forUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (d Dialect) skipLocked() string {
	if d == DialectPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn binds a querier (pool or transaction) to a dialect.
type conn struct {
	q       querier
	dialect Dialect
}

// bindArgs flattens named string types and pointers into plain driver
// values. Drivers that check their own arguments do not all accept them.
func bindArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := driver.DefaultParameterConverter.ConvertValue(a)
		if err != nil {
			return nil, fmt.Errorf("failed to convert argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	bound, err := bindArgs(args)
	if err != nil {
		return nil, err
	}
	return c.q.ExecContext(ctx, c.dialect.Rebind(query), bound...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	bound, err := bindArgs(args)
	if err != nil {
		return nil, err
	}
	return c.q.QueryContext(ctx, c.dialect.Rebind(query), bound...)
}

// queryRow falls back to the unconverted arguments on a conversion error so
// the failure surfaces from Scan like any other query error.
func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	bound, err := bindArgs(args)
	if err != nil {
		bound = args
	}
	return c.q.QueryRowContext(ctx, c.dialect.Rebind(query), bound...)
}

func (c conn) execAffected(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Repositories groups the repositories bound to one querier.
type Repositories struct {
	Orders  *OrderRepository
	Batches *BatchRepository
	Loans   *LoanRepository
	Outbox  *OutboxRepository
}

func newRepositories(c conn, logger *zap.Logger) *Repositories {
	return &Repositories{
		Orders:  &OrderRepository{conn: c, logger: logger},
		Batches: &BatchRepository{conn: c, logger: logger},
		Loans:   &LoanRepository{conn: c, logger: logger},
		Outbox:  &OutboxRepository{conn: c, logger: logger},
	}
}

// Store owns the connection pool. Its embedded repositories run outside any
// transaction; use InTx for atomic units.
type Store struct {
	*Repositories
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// Open connects to the database for the given driver ("postgres" or "sqlite").
func Open(driver, dsn string, logger *zap.Logger) (*Store, error) {
	dialect := Dialect(driver)
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return NewStore(db, dialect, logger), nil
}

func NewStore(db *sql.DB, dialect Dialect, logger *zap.Logger) *Store {
	return &Store{
		Repositories: newRepositories(conn{q: db, dialect: dialect}, logger),
		db:           db,
		dialect:      dialect,
		logger:       logger,
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(r *Repositories) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	if err := fn(newRepositories(conn{q: tx, dialect: s.dialect}, s.logger)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
