package workflow

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
)

// Dialect hides the DDL differences between the supported databases.
// Queries are written with ? placeholders and rebound per connection.
type Dialect struct {
	Name      string
	UUIDType  string
	TimeType  string
	JSONType  string
	FloatType string
	BoolType  string
	Now       string
}

var (
	PostgresDialect = Dialect{
		Name:      "postgres",
		UUIDType:  "UUID",
		TimeType:  "TIMESTAMPTZ",
		JSONType:  "JSONB",
		FloatType: "DOUBLE PRECISION",
		BoolType:  "BOOLEAN",
		Now:       "NOW()",
	}
	SQLiteDialect = Dialect{
		Name:      "sqlite",
		UUIDType:  "TEXT",
		TimeType:  "DATETIME",
		JSONType:  "TEXT",
		FloatType: "REAL",
		BoolType:  "BOOLEAN",
		Now:       "CURRENT_TIMESTAMP",
	}
)

func (d Dialect) columnType(t FieldType) string {
	switch t {
	case FieldNumber:
		return d.FloatType
	case FieldBoolean:
		return d.BoolType
	case FieldDate:
		return d.TimeType
	case FieldUUID:
		return d.UUIDType
	case FieldJSON:
		return d.JSONType
	default:
		return "TEXT"
	}
}

// expand replaces the {uuid}, {ts}, {json}, {float}, {bool} and {now}
// markers of a DDL template.
func (d Dialect) expand(ddl string) string {
	return strings.NewReplacer(
		"{uuid}", d.UUIDType,
		"{ts}", d.TimeType,
		"{json}", d.JSONType,
		"{float}", d.FloatType,
		"{bool}", d.BoolType,
		"{now}", d.Now,
	).Replace(ddl)
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

type sqlRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

type sqlConn interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	query(ctx context.Context, query string, args ...any) (sqlRows, error)
}

type sqlDB interface {
	sqlConn
	begin(ctx context.Context) (sqlTx, error)
}

type sqlTx interface {
	sqlConn
	commit(ctx context.Context) error
	rollback(ctx context.Context) error
}

// pgxDB adapts a pgx pool.
type pgxDB struct {
	pool *pgxpool.Pool
}

func (p pgxDB) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p pgxDB) query(ctx context.Context, query string, args ...any) (sqlRows, error) {
	return p.pool.Query(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
}

func (p pgxDB) begin(ctx context.Context) (sqlTx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgxTx{tx: tx}, nil
}

type pgxTx struct {
	tx pgx.Tx
}

func (p pgxTx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := p.tx.Exec(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p pgxTx) query(ctx context.Context, query string, args ...any) (sqlRows, error) {
	return p.tx.Query(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
}

func (p pgxTx) commit(ctx context.Context) error   { return p.tx.Commit(ctx) }
func (p pgxTx) rollback(ctx context.Context) error { return p.tx.Rollback(ctx) }

// sqlxDB adapts a database/sql connection opened through sqlx.
type sqlxDB struct {
	db *sqlx.DB
}

func (s sqlxDB) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s sqlxDB) query(ctx context.Context, query string, args ...any) (sqlRows, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return stdRows{rows}, nil
}

func (s sqlxDB) begin(ctx context.Context) (sqlTx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return sqlxTx{tx: tx}, nil
}

type sqlxTx struct {
	tx *sqlx.Tx
}

func (s sqlxTx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.tx.ExecContext(ctx, s.tx.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s sqlxTx) query(ctx context.Context, query string, args ...any) (sqlRows, error) {
	rows, err := s.tx.QueryContext(ctx, s.tx.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return stdRows{rows}, nil
}

func (s sqlxTx) commit(context.Context) error   { return s.tx.Commit() }
func (s sqlxTx) rollback(context.Context) error { return s.tx.Rollback() }

type stdRows struct {
	*sql.Rows
}

func (r stdRows) Close() { _ = r.Rows.Close() }
