package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		position_id TEXT NOT NULL,
		phase INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		price REAL NOT NULL,
		amount REAL NOT NULL,
		profit REAL NOT NULL,
		fees REAL NOT NULL DEFAULT 0,
		slippage REAL,
		latency_ns INTEGER NOT NULL DEFAULT 0,
		order_id TEXT NOT NULL DEFAULT '',
		executed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (position_id, phase)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time TIMESTAMP NOT NULL,
		type TEXT NOT NULL,
		position_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		data TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS events_type_time_idx ON events (type, time)`,
}

// SQLiteStorage is an embedded single-file sink.
type SQLiteStorage struct {
	*sqlStorage
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStorage, error) {
	dbConn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	dbConn.SetMaxOpenConns(1)

	if _, err := dbConn.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		dbConn.Close()
		return nil, errors.Wrap(err, "sqlite pragma")
	}

	s := &SQLiteStorage{&sqlStorage{
		db: dbConn,
		d:  dialect{name: "sqlite", placeholder: questionPlaceholder, schema: sqliteSchema},
	}}
	if err := s.Migrate(ctx); err != nil {
		dbConn.Close()
		return nil, err
	}
	return s, nil
}
