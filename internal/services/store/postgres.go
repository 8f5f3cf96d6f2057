package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/realtime-chat-go/internal/config"
	"github.com/sirupsen/logrus"
)

// PostgresStore implements Store on a Postgres table. Inserts are
// broadcast through a trigger calling pg_notify.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

// NewPostgresStore connects to Postgres, retrying while the server comes up
func NewPostgresStore(ctx context.Context, cfg *config.PostgresConfig, logger *logrus.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= 5; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				logger.WithField("attempt", attempt).Info("Database connected")
				return &PostgresStore{pool: pool, logger: logger}, nil
			}
			pool.Close()
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("Database connect attempt failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	return nil, fmt.Errorf("failed to connect after 5 attempts: %w", err)
}

// NewPostgresStoreWithPool wraps an existing pool
func NewPostgresStoreWithPool(pool *pgxpool.Pool, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Ping checks the connection; it doubles as a connectivity probe
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// NotifyChannel is the LISTEN channel for inserts into table
func NotifyChannel(table string) string {
	return table + "_inserts"
}

// MigrationStatements returns the DDL that creates table and its insert trigger
func MigrationStatements(table string) []string {
	ident := pgx.Identifier{table}.Sanitize()
	fn := pgx.Identifier{table + "_notify_insert"}.Sanitize()
	trigger := pgx.Identifier{table + "_insert_notify"}.Sanitize()
	index := pgx.Identifier{table + "_time_idx"}.Sanitize()
	channel := strings.ReplaceAll(NotifyChannel(table), "'", "''")

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			"id" text PRIMARY KEY,
			"name" text NOT NULL,
			"color" text NOT NULL DEFAULT '',
			"message" text NOT NULL,
			"time" bigint NOT NULL,
			"system" boolean NOT NULL DEFAULT false,
			"email" text NOT NULL DEFAULT '',
			"ip" text NOT NULL DEFAULT '',
			"ua" text NOT NULL DEFAULT '',
			"client_time" bigint NOT NULL DEFAULT 0,
			"optimistic" boolean NOT NULL DEFAULT false
		)`, ident),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ("time" DESC)`, index, ident),
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('%s', row_to_json(NEW)::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`, fn, channel),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trigger, ident),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW EXECUTE FUNCTION %s()`, trigger, ident, fn),
	}
}

// Migrate creates the chat table and its notify trigger
func (s *PostgresStore) Migrate(ctx context.Context, table string) error {
	for _, stmt := range MigrationStatements(table) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return wrapError("migrate", err)
		}
	}
	s.logger.WithField("table", table).Info("Chat table migrated")
	return nil
}

// BuildSelect renders q as SQL with positional arguments
func BuildSelect(table string, q Query) (string, []any, error) {
	columns := q.Columns
	if len(columns) == 0 {
		columns = AllColumns
	}
	quoted := make([]string, len(columns))
	for i, column := range columns {
		if !validColumn(column) {
			return "", nil, unknownColumn(column)
		}
		quoted[i] = pgx.Identifier{column}.Sanitize()
	}

	where, args := buildIDRange(q)

	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = ColumnID
	}
	if !validColumn(orderBy) {
		return "", nil, unknownColumn(orderBy)
	}
	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(quoted, ", "), pgx.Identifier{table}.Sanitize())
	sb.WriteString(where)
	fmt.Fprintf(&sb, " ORDER BY %s %s", pgx.Identifier{orderBy}.Sanitize(), direction)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}
	return sb.String(), args, nil
}

func buildIDRange(q Query) (string, []any) {
	var conditions []string
	var args []any
	if q.IDFrom != "" {
		args = append(args, q.IDFrom)
		conditions = append(conditions, fmt.Sprintf(`"id" >= $%d`, len(args)))
	}
	if q.IDTo != "" {
		args = append(args, q.IDTo)
		conditions = append(conditions, fmt.Sprintf(`"id" <= $%d`, len(args)))
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func (s *PostgresStore) Select(ctx context.Context, table string, q Query) (*Result, error) {
	sql, args, err := BuildSelect(table, q)
	if err != nil {
		return nil, err
	}
	columns := q.Columns
	if len(columns) == 0 {
		columns = AllColumns
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		s.logger.WithError(err).WithField("query", sql).Debug("Select failed")
		return nil, wrapError(OperationSelect, err)
	}
	defer rows.Close()

	result := &Result{}
	for rows.Next() {
		var row Row
		targets := make([]any, len(columns))
		for i, column := range columns {
			targets[i], _ = row.field(column)
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, wrapError(OperationSelect, err)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(OperationSelect, err)
	}

	if q.CountTotal {
		where, countArgs := buildIDRange(q)
		countSQL := fmt.Sprintf("SELECT count(*) FROM %s%s", pgx.Identifier{table}.Sanitize(), where)
		if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&result.Total); err != nil {
			return nil, wrapError(OperationSelect, err)
		}
	}
	return result, nil
}

func (s *PostgresStore) Insert(ctx context.Context, table string, row Row, returning []string) (*Row, error) {
	if len(returning) == 0 {
		returning = AllColumns
	}
	quoted := make([]string, len(returning))
	for i, column := range returning {
		if !validColumn(column) {
			return nil, unknownColumn(column)
		}
		quoted[i] = pgx.Identifier{column}.Sanitize()
	}

	if row.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		row.ID = id.String()
	}

	sql := fmt.Sprintf(`INSERT INTO %s ("id", "name", "color", "message", "time", "system", "email", "ip", "ua", "client_time", "optimistic")
		VALUES ($1, $2, $3, $4, COALESCE(NULLIF($5::bigint, 0), (extract(epoch FROM clock_timestamp()) * 1000)::bigint), $6, $7, $8, $9, $10, $11)
		RETURNING %s`, pgx.Identifier{table}.Sanitize(), strings.Join(quoted, ", "))

	var inserted Row
	targets := make([]any, len(returning))
	for i, column := range returning {
		targets[i], _ = inserted.field(column)
	}
	err := s.pool.QueryRow(ctx, sql,
		row.ID, row.Name, row.Color, row.Message, row.Time, row.System,
		row.Email, row.IP, row.UA, row.ClientTime, row.Optimistic,
	).Scan(targets...)
	if err != nil {
		return nil, wrapError(OperationInsert, err)
	}
	return &inserted, nil
}

func (s *PostgresStore) Delete(ctx context.Context, table string, where Predicate) error {
	var r Row
	if v, ok := r.field(where.Column); !ok {
		return unknownColumn(where.Column)
	} else if _, isText := v.(*string); !isText {
		return &Error{Op: OperationDelete, Code: "42804", Message: fmt.Sprintf("column %q is not text", where.Column)}
	}

	var op string
	switch where.Op {
	case OpEq:
		op = "="
	case OpNeq:
		op = "<>"
	case OpGte:
		op = ">="
	case OpLte:
		op = "<="
	default:
		return &Error{Op: OperationDelete, Message: fmt.Sprintf("unsupported operator %q", where.Op)}
	}

	sql := fmt.Sprintf("DELETE FROM %s WHERE %s %s $1", pgx.Identifier{table}.Sanitize(), pgx.Identifier{where.Column}.Sanitize(), op)
	if _, err := s.pool.Exec(ctx, sql, where.Value); err != nil {
		return wrapError(OperationDelete, err)
	}
	return nil
}

type postgresSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *postgresSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// SubscribeInserts holds one pooled connection in LISTEN mode until
// Unsubscribe is called.
func (s *PostgresStore) SubscribeInserts(ctx context.Context, table string, onInsert func(Row)) (Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, wrapError(OperationSubscribe, err)
	}

	channel := pgx.Identifier{NotifyChannel(table)}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, wrapError(OperationSubscribe, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	sub := &postgresSubscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer func() {
			unlistenCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if _, err := conn.Exec(unlistenCtx, "UNLISTEN "+channel); err != nil {
				s.logger.WithError(err).Debug("UNLISTEN failed")
			}
			conn.Release()
		}()

		for {
			notification, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil {
					s.logger.WithError(err).WithField("table", table).Error("Insert subscription stopped")
				}
				return
			}

			var row Row
			if err := json.Unmarshal([]byte(notification.Payload), &row); err != nil {
				s.logger.WithError(err).Warn("Dropping malformed insert notification")
				continue
			}
			onInsert(row)
		}
	}()

	return sub, nil
}

func wrapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Error{Op: op, Code: pgErr.Code, Message: pgErr.Message, Err: err}
	}
	return err
}
