// Package pgstore implements store.Store on Postgres. Shared tables live in
// the public schema; every tenant gets its own schema holding its sources,
// rules, alerts and notification logs. Tenant-scoped calls switch the
// search_path for the duration of one transaction.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/store"
)

type Store struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := &Store{Pool: pool, logger: logger.Named("pgstore")}
	if _, err := pool.Exec(ctx, sharedSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: applying shared schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.Pool != nil {
		s.Pool.Close()
	}
	return nil
}

var schemaName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func validSchema(name string) error {
	if !schemaName.MatchString(name) || name == "public" {
		return fmt.Errorf("invalid tenant schema %q", name)
	}
	return nil
}

// inTenant runs fn in a transaction whose search_path is the tenant schema
// followed by public. The setting is local to the transaction.
func (s *Store) inTenant(ctx context.Context, tc models.TenantContext, fn func(tx pgx.Tx) error) error {
	if err := validSchema(tc.Schema); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT set_config('search_path', $1, true)`, tc.Schema+", public"); err != nil {
			return fmt.Errorf("switch to schema %s: %w", tc.Schema, err)
		}
		return fn(tx)
	})
}

func (s *Store) ensureTenantSchema(ctx context.Context, schema string) error {
	if err := validSchema(schema); err != nil {
		return err
	}
	ident := pgx.Identifier{schema}.Sanitize()
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+ident); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT set_config('search_path', $1, true)`, schema); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, tenantSchema)
		return err
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func nullID(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

const sharedSchema = `
CREATE TABLE IF NOT EXISTS public.bots (
	id     BIGSERIAL PRIMARY KEY,
	name   TEXT NOT NULL UNIQUE,
	token  TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS public.tenants (
	id             BIGSERIAL PRIMARY KEY,
	slug           TEXT NOT NULL UNIQUE,
	name           TEXT NOT NULL,
	schema_name    TEXT NOT NULL UNIQUE,
	default_bot_id BIGINT REFERENCES public.bots (id),
	active         BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS public.destinations (
	id             BIGSERIAL PRIMARY KEY,
	tenant_id      BIGINT NOT NULL REFERENCES public.tenants (id),
	bot_id         BIGINT REFERENCES public.bots (id),
	chat_id        BIGINT NOT NULL UNIQUE,
	kind           TEXT NOT NULL,
	title          TEXT NOT NULL,
	username       TEXT NOT NULL DEFAULT '',
	active         BOOLEAN NOT NULL DEFAULT TRUE,
	content_alerts BOOLEAN NOT NULL DEFAULT TRUE,
	system_alerts  BOOLEAN NOT NULL DEFAULT FALSE,
	min_priority   TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS public.registration_codes (
	code           TEXT PRIMARY KEY,
	tenant_id      BIGINT NOT NULL REFERENCES public.tenants (id),
	user_id        BIGINT,
	created_at     TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL,
	used_at        TIMESTAMPTZ,
	destination_id BIGINT REFERENCES public.destinations (id)
);

CREATE TABLE IF NOT EXISTS public.metric_global (
	id               INT PRIMARY KEY CHECK (id = 1),
	azure_tenant_id  TEXT NOT NULL,
	client_id        TEXT NOT NULL,
	client_secret    TEXT NOT NULL,
	token_url        TEXT NOT NULL,
	api_base_url     TEXT NOT NULL,
	default_group_id TEXT NOT NULL,
	dataset_id       TEXT NOT NULL,
	default_query    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS public.run_logs (
	id          UUID PRIMARY KEY,
	tenant_id   BIGINT,
	source_kind TEXT NOT NULL DEFAULT '',
	source_id   BIGINT,
	status      TEXT NOT NULL,
	message     TEXT NOT NULL,
	fetched     INT NOT NULL DEFAULT 0,
	new_count   INT NOT NULL DEFAULT 0,
	skipped     INT NOT NULL DEFAULT 0,
	created     INT NOT NULL DEFAULT 0,
	sent        INT NOT NULL DEFAULT 0,
	failed      INT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS run_logs_created ON public.run_logs (created_at);
`

// tenantSchema is applied with search_path set to the tenant schema.
const tenantSchema = `
CREATE TABLE IF NOT EXISTS users (
	id               BIGSERIAL PRIMARY KEY,
	name             TEXT NOT NULL,
	email            TEXT NOT NULL UNIQUE,
	telegram_chat_id TEXT NOT NULL DEFAULT '',
	active           BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS mailboxes (
	id                BIGSERIAL PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	host              TEXT NOT NULL,
	port              INT NOT NULL,
	username          TEXT NOT NULL,
	password          TEXT NOT NULL,
	use_tls           BOOLEAN NOT NULL DEFAULT TRUE,
	inbox_folder      TEXT NOT NULL,
	processed_folder  TEXT NOT NULL DEFAULT '',
	max_per_check     INT NOT NULL,
	check_interval_ms BIGINT NOT NULL,
	active            BOOLEAN NOT NULL DEFAULT TRUE,
	last_check        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS metric_tenant (
	id                     INT PRIMARY KEY CHECK (id = 1),
	default_template       TEXT NOT NULL DEFAULT '',
	default_example_output TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS metric_definitions (
	id                BIGSERIAL PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	group_id          TEXT NOT NULL DEFAULT '',
	dataset_id        TEXT NOT NULL DEFAULT '',
	query             TEXT NOT NULL DEFAULT '',
	template          TEXT NOT NULL DEFAULT '',
	example_output    TEXT NOT NULL DEFAULT '',
	check_interval_ms BIGINT NOT NULL,
	default_priority  TEXT NOT NULL DEFAULT '',
	active            BOOLEAN NOT NULL DEFAULT TRUE,
	last_check        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS rules (
	id          BIGSERIAL PRIMARY KEY,
	source_kind TEXT NOT NULL,
	source_id   BIGINT NOT NULL DEFAULT 0,
	name        TEXT NOT NULL,
	ord         INT NOT NULL DEFAULT 0,
	kind        TEXT NOT NULL,
	field       TEXT NOT NULL DEFAULT '',
	pattern     TEXT NOT NULL,
	priority    TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE (source_kind, source_id, name)
);

CREATE TABLE IF NOT EXISTS alerts (
	id           BIGSERIAL PRIMARY KEY,
	source_kind  TEXT NOT NULL,
	source_id    BIGINT NOT NULL,
	dedup_key    TEXT NOT NULL,
	payload      JSONB NOT NULL,
	priority     TEXT NOT NULL,
	category     TEXT NOT NULL,
	message      TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	attempts     INT NOT NULL DEFAULT 0,
	received_at  TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	sent_at      TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (source_kind, source_id, dedup_key)
);
CREATE INDEX IF NOT EXISTS alerts_status ON alerts (status, created_at);

CREATE TABLE IF NOT EXISTS notifications (
	id                  UUID PRIMARY KEY,
	alert_id            BIGINT,
	destination_id      BIGINT NOT NULL,
	status              TEXT NOT NULL,
	provider_message_id BIGINT,
	error               TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	sent_at             TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS notifications_alert ON notifications (alert_id);
`
