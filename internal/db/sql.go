package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/phase-trader/internal/journal"
	"github.com/pkg/errors"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// dialect holds what differs between the SQL backends.
type dialect struct {
	name        string
	placeholder func(n int) string
	schema      []string
}

// sqlStorage implements Storage on database/sql. Postgres and SQLite share it.
type sqlStorage struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStorage) GetDB() *sql.DB { return s.db }

func (s *sqlStorage) Close() error { return s.db.Close() }

// Migrate creates the tables if they do not exist.
func (s *sqlStorage) Migrate(ctx context.Context) error {
	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range s.d.schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return errors.Wrapf(err, "%s migrate: %s", s.d.name, firstLine(stmt))
			}
		}
		return nil
	})
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (s *sqlStorage) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(rbErr, "transaction rollback failed (original error: %v)", fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return errors.Wrap(commitErr, "transaction commit failed")
	}
	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (s *sqlStorage) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return s.db.QueryContext(ctx, query, args...)
}

// bind rewrites ? placeholders for the dialect.
func (s *sqlStorage) bind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStorage) PersistExecution(ctx context.Context, e Execution) error {
	var slippage sql.NullFloat64
	if e.Slippage != nil {
		slippage = sql.NullFloat64{Float64: *e.Slippage, Valid: true}
	}

	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.bind(`
		INSERT INTO executions (position_id, phase, symbol, strategy_id, price, amount, profit, fees, slippage, latency_ns, order_id, executed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (position_id, phase) DO NOTHING`),
			e.PositionID, e.Phase, e.Symbol, e.StrategyID, e.Price, e.Amount, e.Profit, e.Fees,
			slippage, int64(e.Latency), e.OrderID, e.ExecutedAt.UTC())
		if err != nil {
			return errors.Wrapf(err, "failed to save execution %s phase %d", e.PositionID, e.Phase)
		}
		return nil
	})
}

func (s *sqlStorage) ListExecutions(ctx context.Context, positionID string) ([]Execution, error) {
	rows, err := s.queryWithTransaction(ctx, s.bind(`
		SELECT position_id, phase, symbol, strategy_id, price, amount, profit, fees, slippage, latency_ns, order_id, executed_at
		FROM executions WHERE position_id = ? ORDER BY executed_at, phase`), positionID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list executions of %s", positionID)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e        Execution
			slippage sql.NullFloat64
			latency  int64
		)
		if err := rows.Scan(&e.PositionID, &e.Phase, &e.Symbol, &e.StrategyID, &e.Price, &e.Amount,
			&e.Profit, &e.Fees, &slippage, &latency, &e.OrderID, &e.ExecutedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		if slippage.Valid {
			v := slippage.Float64
			e.Slippage = &v
		}
		e.Latency = time.Duration(latency)
		e.ExecutedAt = e.ExecutedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStorage) LogEvent(ctx context.Context, event journal.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event data")
	}
	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.bind(`
		INSERT INTO events (time, type, position_id, description, data) VALUES (?,?,?,?,?)`),
			event.Time.UTC(), event.Type, event.PositionID, event.Description, string(data))
		if err != nil {
			return errors.Wrapf(err, "failed to log %s event", event.Type)
		}
		return nil
	})
}

func (s *sqlStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := s.queryWithTransaction(ctx, s.bind(`
		SELECT time, type, position_id, description, data FROM events
		WHERE type = ? AND time >= ? AND time < ? ORDER BY time`), eventType, start.UTC(), end.UTC())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query %s events", eventType)
	}
	defer rows.Close()

	var out []journal.Event
	for rows.Next() {
		var (
			e    journal.Event
			data string
		)
		if err := rows.Scan(&e.Time, &e.Type, &e.PositionID, &e.Description, &data); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal event data")
			}
		}
		e.Time = e.Time.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func dollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func questionPlaceholder(int) string { return "?" }
