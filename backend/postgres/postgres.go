// Package postgres implements backend.Executor over PostgreSQL using pgx.
//
// Operations are translated into parameterised SQL. Table and column names are
// quoted through pgx.Identifier, values are always bound as arguments.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/errors"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Executor runs backend operations against PostgreSQL
type Executor struct {
	db     DBTX
	logger *slog.Logger
}

var _ backend.Executor = (*Executor)(nil)

// New creates an Executor over db
func New(db DBTX, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{db: db, logger: logger.With("component", "postgres")}
}

// Connect opens a pool for dsn and verifies it with a ping
func Connect(ctx context.Context, dsn string, maxConns int32, logger *slog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.WrapInvalid(err, "postgres", "Connect", "parse DSN")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres", "Connect", "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, "postgres", "Connect", "ping")
	}

	if logger != nil {
		logger.Info("Connected to PostgreSQL",
			slog.String("host", cfg.ConnConfig.Host),
			slog.Int("port", int(cfg.ConnConfig.Port)),
			slog.String("database", cfg.ConnConfig.Database))
	}
	return pool, nil
}

// Execute implements backend.Executor
func (e *Executor) Execute(ctx context.Context, op backend.Operation) (backend.Result, error) {
	if err := op.Validate(); err != nil {
		return backend.Result{}, err
	}
	sql, args, err := Build(op)
	if err != nil {
		return backend.Result{}, err
	}

	rows, err := e.db.Query(ctx, sql, args...)
	if err != nil {
		return backend.Result{}, classify(err, op)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return backend.Result{}, classify(err, op)
	}

	result := backend.Result{Rows: make([]backend.Row, len(maps))}
	for i, m := range maps {
		result.Rows[i] = backend.Row(m)
	}
	result.Affected = rows.CommandTag().RowsAffected()

	e.logger.Debug("Operation executed", "kind", string(op.Kind), "table", op.Table, "rows", len(result.Rows))
	return result, nil
}

// Build translates op into SQL and its bound arguments
func Build(op backend.Operation) (string, []any, error) {
	b := &builder{}
	table := pgx.Identifier{op.Table}.Sanitize()

	switch op.Kind {
	case backend.OpSelect:
		b.WriteString("SELECT ")
		b.WriteString(columnList(op.Columns))
		b.WriteString(" FROM ")
		b.WriteString(table)
		if err := b.where(op.Filters); err != nil {
			return "", nil, err
		}
		b.orderBy(op.OrderBy)
		if op.Limit > 0 {
			fmt.Fprintf(b, " LIMIT %s", b.arg(op.Limit))
		}
	case backend.OpInsert, backend.OpUpsert:
		cols := sortedKeys(op.Values)
		placeholders := make([]string, len(cols))
		for i, c := range cols {
			placeholders[i] = b.arg(op.Values[c])
		}
		fmt.Fprintf(b, "INSERT INTO %s (%s) VALUES (%s)", table, identList(cols), strings.Join(placeholders, ", "))
		if op.Kind == backend.OpUpsert {
			sets := make([]string, 0, len(cols))
			for _, c := range cols {
				if contains(op.OnConflict, c) {
					continue
				}
				id := pgx.Identifier{c}.Sanitize()
				sets = append(sets, id+" = EXCLUDED."+id)
			}
			fmt.Fprintf(b, " ON CONFLICT (%s)", identList(op.OnConflict))
			if len(sets) == 0 {
				b.WriteString(" DO NOTHING")
			} else {
				b.WriteString(" DO UPDATE SET " + strings.Join(sets, ", "))
			}
		}
		b.WriteString(" RETURNING *")
	case backend.OpUpdate:
		cols := sortedKeys(op.Values)
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = pgx.Identifier{c}.Sanitize() + " = " + b.arg(op.Values[c])
		}
		fmt.Fprintf(b, "UPDATE %s SET %s", table, strings.Join(sets, ", "))
		if err := b.where(op.Filters); err != nil {
			return "", nil, err
		}
		b.WriteString(" RETURNING *")
	case backend.OpDelete:
		b.WriteString("DELETE FROM " + table)
		if err := b.where(op.Filters); err != nil {
			return "", nil, err
		}
		b.WriteString(" RETURNING *")
	default:
		return "", nil, errors.WrapInvalid(errors.ErrInvalidOperation, "postgres", "Build", "kind "+string(op.Kind))
	}
	return b.String(), b.args, nil
}

type builder struct {
	strings.Builder
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

var comparison = map[backend.FilterOp]string{
	backend.Eq:  "=",
	backend.Neq: "<>",
	backend.Gt:  ">",
	backend.Gte: ">=",
	backend.Lt:  "<",
	backend.Lte: "<=",
}

func (b *builder) where(filters []backend.Filter) error {
	if len(filters) == 0 {
		return nil
	}
	conds := make([]string, len(filters))
	for i, f := range filters {
		col := pgx.Identifier{f.Column}.Sanitize()
		if f.Op == backend.In {
			conds[i] = fmt.Sprintf("%s = ANY(%s)", col, b.arg(f.Value))
			continue
		}
		sym, ok := comparison[f.Op]
		if !ok {
			return errors.WrapInvalid(fmt.Errorf("%w: operator %q", errors.ErrInvalidOperation, f.Op),
				"postgres", "Build", "translate filter")
		}
		conds[i] = fmt.Sprintf("%s %s %s", col, sym, b.arg(f.Value))
	}
	b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	return nil
}

func (b *builder) orderBy(orders []backend.Order) {
	if len(orders) == 0 {
		return
	}
	parts := make([]string, len(orders))
	for i, o := range orders {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts[i] = pgx.Identifier{o.Column}.Sanitize() + " " + dir
	}
	b.WriteString(" ORDER BY " + strings.Join(parts, ", "))
}

func columnList(cols []string) string {
	if len(cols) == 0 || (len(cols) == 1 && cols[0] == "*") {
		return "*"
	}
	return identList(cols)
}

func identList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(out, ", ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// deterministic column order keeps statements cacheable
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// classify maps driver errors onto the error classes
func classify(err error, op backend.Operation) error {
	action := string(op.Kind) + " " + op.Table

	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.WrapInvalid(errors.ErrKeyNotFound, "postgres", "Execute", action)
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01":
			return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownTable, op.Table), "postgres", "Execute", action)
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "42"):
			// data exceptions, constraint violations, syntax/access rule violations
			return errors.WrapInvalid(err, "postgres", "Execute", action)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57"), strings.HasPrefix(pgErr.Code, "53"):
			return errors.WrapTransient(err, "postgres", "Execute", action)
		}
	}

	// connection failures, timeouts and cancellations
	return errors.WrapTransient(err, "postgres", "Execute", action)
}
