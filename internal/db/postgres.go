package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/amirphl/phase-trader/internal/db/conf"
	"github.com/amirphl/phase-trader/internal/utils"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		position_id TEXT NOT NULL,
		phase INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		profit DOUBLE PRECISION NOT NULL,
		fees DOUBLE PRECISION NOT NULL DEFAULT 0,
		slippage DOUBLE PRECISION,
		latency_ns BIGINT NOT NULL DEFAULT 0,
		order_id TEXT NOT NULL DEFAULT '',
		executed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (position_id, phase)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		time TIMESTAMPTZ NOT NULL,
		type TEXT NOT NULL,
		position_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		data JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS events_type_time_idx ON events (type, time)`,
}

// PostgresStorage is the production sink.
type PostgresStorage struct {
	*sqlStorage
}

// NewPostgres wraps an open connection.
func NewPostgres(c conf.Config) *PostgresStorage {
	return &PostgresStorage{&sqlStorage{
		db: c.DB,
		d:  dialect{name: "postgres", placeholder: dollarPlaceholder, schema: postgresSchema},
	}}
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, dsn string, maxOpen, maxIdle int) (*PostgresStorage, error) {
	dbConn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if maxOpen > 0 {
		dbConn.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		dbConn.SetMaxIdleConns(maxIdle)
	}
	dbConn.SetConnMaxLifetime(30 * time.Minute)

	if err := dbConn.PingContext(ctx); err != nil {
		dbConn.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	s := NewPostgres(conf.Config{DB: dbConn, ConnStr: dsn})
	if err := s.Migrate(ctx); err != nil {
		dbConn.Close()
		return nil, err
	}
	return s, nil
}

// EnsureDatabase creates the database named in a postgres:// dsn when it does
// not exist yet, connecting through the server's default "postgres" database.
func EnsureDatabase(ctx context.Context, dsn string) error {
	u, err := url.Parse(dsn)
	if err != nil {
		return errors.Wrap(err, "parse connection string")
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return errors.New("database name not found in connection string")
	}

	admin := *u
	admin.Path = "/postgres"
	baseDB, err := sql.Open("postgres", admin.String())
	if err != nil {
		return errors.Wrap(err, "connect to postgres")
	}
	defer baseDB.Close()

	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "check database")
	}
	if exists {
		return nil
	}

	utils.GetLogger().Printf("DB | creating database %s", dbName)
	if _, err := baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))); err != nil {
		return errors.Wrap(err, "create database")
	}
	return nil
}
