package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
)

var _ store.Store = (*SQLStore)(nil)

type SQLStore struct {
	db         *sql.DB
	driverName string
	sb         sq.StatementBuilderType
	logger     *slog.Logger
}

// New opens the database, applies the embedded migrations and returns a
// ready store. Supported drivers are sqlite3, postgres (lib/pq) and pgx.
func New(ctx context.Context, driverName, dataSourceName string, logger *slog.Logger) (*SQLStore, error) {
	var (
		dialect     goose.Dialect
		placeholder sq.PlaceholderFormat
	)
	switch driverName {
	case DriverSQLite:
		dialect, placeholder = goose.DialectSQLite3, sq.Question
	case DriverPostgres, DriverPgx:
		dialect, placeholder = goose.DialectPostgres, sq.Dollar
	default:
		return nil, errors.Errorf("sqlstore: unsupported driver %q", driverName)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.New.Open")
	}
	if driverName == DriverSQLite {
		// One connection keeps ":memory:" databases shared and serialises
		// writers the way SQLite wants anyway.
		db.SetMaxOpenConns(1)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlstore.New.Ping")
	}

	s := &SQLStore{
		db:         db,
		driverName: driverName,
		sb:         sq.StatementBuilder.PlaceholderFormat(placeholder),
		logger:     logger.With("component", "sqlstore", "driver", driverName),
	}
	if err := s.migrate(ctx, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context, dialect goose.Dialect) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "sqlstore.migrate.Sub")
	}
	provider, err := goose.NewProvider(dialect, s.db, fsys)
	if err != nil {
		return errors.Wrap(err, "sqlstore.migrate.NewProvider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "sqlstore.migrate.Up")
	}
	for _, r := range results {
		s.logger.Debug("applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) exec(ctx context.Context, q querier, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return q.ExecContext(ctx, query, args...)
}

func (s *SQLStore) query(ctx context.Context, q querier, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return q.QueryContext(ctx, query, args...)
}

func (s *SQLStore) scanRow(ctx context.Context, q querier, b sq.Sqlizer, dest ...any) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	return q.QueryRowContext(ctx, query, args...).Scan(dest...)
}

// execOne runs an update that must touch exactly one row.
func (s *SQLStore) execOne(ctx context.Context, q querier, b sq.Sqlizer) (bool, error) {
	res, err := s.exec(ctx, q, b)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore.withTx.Begin")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "err", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "sqlstore.withTx.Commit")
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// translate maps driver errors onto the apperr taxonomy and wraps the rest
// with the operation name.
func translate(err error, op, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return apperr.Wrap(apperr.CodeNotFound, what+" not found", err)
	case isUniqueViolation(err):
		return apperr.Wrap(apperr.CodeConflict, what+" already exists", err)
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return errors.Wrap(err, op)
}
