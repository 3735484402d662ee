// Package sqlitestore implements store.Store on an embedded SQLite
// database. Tenant partitions are scoped by a tenant_id column.
package sqlitestore

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ObiAU/alertrelay/internal/store"
)

type Store struct {
	pool   *sqlitex.Pool
	logger *zap.Logger
	path   string
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

type Options struct {
	PoolSize int
	Logger   *zap.Logger
}

func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", path, err)
	}

	s := &Store{pool: pool, logger: logger.Named("sqlitestore"), path: path, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info("sqlite store opened", zap.String("path", path), zap.Int("pool_size", poolSize))
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlitestore: applying schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlitestore: closing %s: %w", s.path, err)
	}
	s.logger.Info("sqlite store closed", zap.String("path", s.path))
	return nil
}

// exec runs one statement on a pooled connection. fn is called per result
// row and may be nil.
func (s *Store) exec(ctx context.Context, query string, args []any, fn func(stmt *sqlite.Stmt) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args, ResultFunc: fn})
}

// execChanges runs a write and reports the number of affected rows and the
// last inserted row id.
func (s *Store) execChanges(ctx context.Context, query string, args ...any) (int, int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, 0, err
	}
	return conn.Changes(), conn.LastInsertRowID(), nil
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullMs(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func columnTime(stmt *sqlite.Stmt, col int) *time.Time {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	t := fromMs(stmt.ColumnInt64(col))
	return &t
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id             INTEGER PRIMARY KEY,
	slug           TEXT NOT NULL UNIQUE,
	name           TEXT NOT NULL,
	schema_name    TEXT NOT NULL DEFAULT '',
	default_bot_id INTEGER,
	active         INTEGER NOT NULL DEFAULT 1,
	created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bots (
	id     INTEGER PRIMARY KEY,
	name   TEXT NOT NULL UNIQUE,
	token  TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS users (
	id               INTEGER PRIMARY KEY,
	tenant_id        INTEGER NOT NULL,
	name             TEXT NOT NULL,
	email            TEXT NOT NULL,
	telegram_chat_id TEXT NOT NULL DEFAULT '',
	active           INTEGER NOT NULL DEFAULT 1,
	UNIQUE (tenant_id, email)
);

CREATE TABLE IF NOT EXISTS destinations (
	id             INTEGER PRIMARY KEY,
	tenant_id      INTEGER NOT NULL,
	bot_id         INTEGER,
	chat_id        INTEGER NOT NULL UNIQUE,
	kind           TEXT NOT NULL,
	title          TEXT NOT NULL,
	username       TEXT NOT NULL DEFAULT '',
	active         INTEGER NOT NULL DEFAULT 1,
	content_alerts INTEGER NOT NULL DEFAULT 1,
	system_alerts  INTEGER NOT NULL DEFAULT 0,
	min_priority   TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS destinations_tenant ON destinations (tenant_id);

CREATE TABLE IF NOT EXISTS registration_codes (
	code           TEXT PRIMARY KEY,
	tenant_id      INTEGER NOT NULL,
	user_id        INTEGER,
	created_at     INTEGER NOT NULL,
	expires_at     INTEGER NOT NULL,
	used_at        INTEGER,
	destination_id INTEGER
);

CREATE TABLE IF NOT EXISTS mailboxes (
	id                INTEGER PRIMARY KEY,
	tenant_id         INTEGER NOT NULL,
	name              TEXT NOT NULL,
	host              TEXT NOT NULL,
	port              INTEGER NOT NULL,
	username          TEXT NOT NULL,
	password          TEXT NOT NULL,
	use_tls           INTEGER NOT NULL DEFAULT 1,
	inbox_folder      TEXT NOT NULL,
	processed_folder  TEXT NOT NULL DEFAULT '',
	max_per_check     INTEGER NOT NULL,
	check_interval_ms INTEGER NOT NULL,
	active            INTEGER NOT NULL DEFAULT 1,
	last_check        INTEGER,
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS metric_global (
	id               INTEGER PRIMARY KEY CHECK (id = 1),
	azure_tenant_id  TEXT NOT NULL,
	client_id        TEXT NOT NULL,
	client_secret    TEXT NOT NULL,
	token_url        TEXT NOT NULL,
	api_base_url     TEXT NOT NULL,
	default_group_id TEXT NOT NULL,
	dataset_id       TEXT NOT NULL,
	default_query    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metric_tenant (
	tenant_id              INTEGER PRIMARY KEY,
	default_template       TEXT NOT NULL DEFAULT '',
	default_example_output TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS metric_definitions (
	id                INTEGER PRIMARY KEY,
	tenant_id         INTEGER NOT NULL,
	name              TEXT NOT NULL,
	group_id          TEXT NOT NULL DEFAULT '',
	dataset_id        TEXT NOT NULL DEFAULT '',
	query             TEXT NOT NULL DEFAULT '',
	template          TEXT NOT NULL DEFAULT '',
	example_output    TEXT NOT NULL DEFAULT '',
	check_interval_ms INTEGER NOT NULL,
	default_priority  TEXT NOT NULL DEFAULT '',
	active            INTEGER NOT NULL DEFAULT 1,
	last_check        INTEGER,
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS rules (
	id          INTEGER PRIMARY KEY,
	tenant_id   INTEGER NOT NULL,
	source_kind TEXT NOT NULL,
	source_id   INTEGER NOT NULL DEFAULT 0,
	name        TEXT NOT NULL,
	ord         INTEGER NOT NULL DEFAULT 0,
	kind        TEXT NOT NULL,
	field       TEXT NOT NULL DEFAULT '',
	pattern     TEXT NOT NULL,
	priority    TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	active      INTEGER NOT NULL DEFAULT 1,
	UNIQUE (tenant_id, source_kind, source_id, name)
);

CREATE TABLE IF NOT EXISTS alerts (
	id           INTEGER PRIMARY KEY,
	tenant_id    INTEGER NOT NULL,
	source_kind  TEXT NOT NULL,
	source_id    INTEGER NOT NULL,
	dedup_key    TEXT NOT NULL,
	payload      TEXT NOT NULL,
	priority     TEXT NOT NULL,
	category     TEXT NOT NULL,
	message      TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	received_at  INTEGER NOT NULL,
	processed_at INTEGER,
	sent_at      INTEGER,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	UNIQUE (tenant_id, source_kind, source_id, dedup_key)
);
CREATE INDEX IF NOT EXISTS alerts_status ON alerts (tenant_id, status, created_at);

CREATE TABLE IF NOT EXISTS notifications (
	id                  TEXT PRIMARY KEY,
	tenant_id           INTEGER NOT NULL,
	alert_id            INTEGER,
	destination_id      INTEGER NOT NULL,
	status              TEXT NOT NULL,
	provider_message_id INTEGER,
	error               TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	sent_at             INTEGER
);
CREATE INDEX IF NOT EXISTS notifications_alert ON notifications (tenant_id, alert_id);

CREATE TABLE IF NOT EXISTS run_logs (
	id          TEXT PRIMARY KEY,
	tenant_id   INTEGER,
	source_kind TEXT NOT NULL DEFAULT '',
	source_id   INTEGER,
	status      TEXT NOT NULL,
	message     TEXT NOT NULL,
	fetched     INTEGER NOT NULL DEFAULT 0,
	new_count   INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	created     INTEGER NOT NULL DEFAULT 0,
	sent        INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS run_logs_created ON run_logs (created_at);
`
