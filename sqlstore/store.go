// Package sqlstore keeps roles, channels and transactions in a SQLite
// database. Documents are stored as JSON next to the columns used for
// filtering and ordering.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/rbac"
	"github.com/c360/openhim-core/transaction"
)

// Store implements the rbac and transaction repositories on SQLite
type Store struct {
	db *sql.DB
}

var (
	_ rbac.RoleRepository    = (*Store)(nil)
	_ rbac.ChannelRepository = (*Store)(nil)
	_ rbac.Writer            = (*Store)(nil)
	_ transaction.Repository = (*Store)(nil)
)

// Open opens or creates the database at path and applies the schema
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.WrapFatal(err, "SQLStore", "Open", "create db dir")
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLStore", "Open", "open db")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "SQLStore", "Open", "migrate")
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.WrapTransient(err, "SQLStore", "Ping", "ping db")
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS roles (
		name        TEXT PRIMARY KEY,
		permissions TEXT NOT NULL DEFAULT '{}',
		admin       INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS channels (
		id     TEXT PRIMARY KEY,
		name   TEXT NOT NULL,
		config TEXT
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id         TEXT PRIMARY KEY,
		client_id  TEXT,
		channel_id TEXT,
		status     TEXT,
		request_ts INTEGER NOT NULL DEFAULT 0,
		doc        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_channel ON transactions(channel_id, request_ts DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_client ON transactions(client_id, request_ts DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_ts ON transactions(request_ts DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// placeholders returns "?, ?, ..." for n arguments
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func notFound(component, method, what string) error {
	return errors.WrapInvalid(errors.ErrNotFound, component, method, fmt.Sprintf("find %s", what))
}
