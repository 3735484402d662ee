package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/store"
)

const tenantColumns = `id, slug, name, schema_name, default_bot_id, active, created_at`

func scanTenant(row pgx.Row) (models.Tenant, error) {
	var t models.Tenant
	var botID *int64
	if err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.Schema, &botID, &t.Active, &t.CreatedAt); err != nil {
		return models.Tenant{}, err
	}
	t.DefaultBotID = deref(botID)
	return t, nil
}

// UpsertTenant also provisions the tenant schema.
func (s *Store) UpsertTenant(ctx context.Context, t models.Tenant) (models.Tenant, error) {
	if t.Schema == "" {
		t.Schema = "tenant_" + t.Slug
	}
	if err := s.ensureTenantSchema(ctx, t.Schema); err != nil {
		return models.Tenant{}, fmt.Errorf("provision tenant %s: %w", t.Slug, err)
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO public.tenants (slug, name, schema_name, default_bot_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (slug) DO UPDATE SET name=excluded.name, schema_name=excluded.schema_name,
			default_bot_id=excluded.default_bot_id, active=excluded.active
		RETURNING `+tenantColumns,
		t.Slug, t.Name, t.Schema, nullID(t.DefaultBotID), t.Active)
	out, err := scanTenant(row)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("upsert tenant %s: %w", t.Slug, err)
	}
	return out, nil
}

func (s *Store) GetTenant(ctx context.Context, id int64) (models.Tenant, error) {
	out, err := scanTenant(s.Pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM public.tenants WHERE id=$1`, id))
	if err != nil {
		return models.Tenant{}, notFound(err, fmt.Sprintf("tenant %d", id))
	}
	return out, nil
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error) {
	out, err := scanTenant(s.Pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM public.tenants WHERE slug=$1`, slug))
	if err != nil {
		return models.Tenant{}, notFound(err, "tenant "+slug)
	}
	return out, nil
}

func (s *Store) ListTenants(ctx context.Context, activeOnly bool) ([]models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM public.tenants`
	if activeOnly {
		query += ` WHERE active`
	}
	rows, err := s.Pool.Query(ctx, query+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	var out []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("list tenants: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpsertBot(ctx context.Context, b models.Bot) (models.Bot, error) {
	var out models.Bot
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO public.bots (name, token, active) VALUES ($1,$2,$3)
		ON CONFLICT (name) DO UPDATE SET token=excluded.token, active=excluded.active
		RETURNING id, name, token, active`, b.Name, b.Token, b.Active).
		Scan(&out.ID, &out.Name, &out.Token, &out.Active)
	if err != nil {
		return models.Bot{}, fmt.Errorf("upsert bot %s: %w", b.Name, err)
	}
	return out, nil
}

func (s *Store) GetBot(ctx context.Context, id int64) (models.Bot, error) {
	var out models.Bot
	err := s.Pool.QueryRow(ctx, `SELECT id, name, token, active FROM public.bots WHERE id=$1`, id).
		Scan(&out.ID, &out.Name, &out.Token, &out.Active)
	if err != nil {
		return models.Bot{}, notFound(err, fmt.Sprintf("bot %d", id))
	}
	return out, nil
}

func (s *Store) ListBots(ctx context.Context) ([]models.Bot, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, name, token, active FROM public.bots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()
	var out []models.Bot
	for rows.Next() {
		var b models.Bot
		if err := rows.Scan(&b.ID, &b.Name, &b.Token, &b.Active); err != nil {
			return nil, fmt.Errorf("list bots: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) UpsertUser(ctx context.Context, tc models.TenantContext, u models.User) (models.User, error) {
	var out models.User
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO users (name, email, active) VALUES ($1,$2,$3)
			ON CONFLICT (email) DO UPDATE SET name=excluded.name, active=excluded.active
			RETURNING id, name, email, telegram_chat_id, active`, u.Name, u.Email, u.Active).
			Scan(&out.ID, &out.Name, &out.Email, &out.TelegramChatID, &out.Active)
	})
	if err != nil {
		return models.User{}, fmt.Errorf("upsert user %s: %w", u.Email, err)
	}
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, tc models.TenantContext, id int64) (models.User, error) {
	var out models.User
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT id, name, email, telegram_chat_id, active FROM users WHERE id=$1`, id).
			Scan(&out.ID, &out.Name, &out.Email, &out.TelegramChatID, &out.Active)
	})
	if err != nil {
		return models.User{}, notFound(err, fmt.Sprintf("user %d", id))
	}
	return out, nil
}

func (s *Store) SetUserChatID(ctx context.Context, tc models.TenantContext, userID int64, chatID string) error {
	return s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE users SET telegram_chat_id=$1 WHERE id=$2`, chatID, userID)
		if err != nil {
			return fmt.Errorf("set user chat id: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
		}
		return nil
	})
}

const destinationColumns = `id, tenant_id, bot_id, chat_id, kind, title, username, active, content_alerts,
	system_alerts, min_priority, created_at`

func scanDestination(row pgx.Row) (models.Destination, error) {
	var d models.Destination
	var botID *int64
	var kind, minPriority string
	err := row.Scan(&d.ID, &d.TenantID, &botID, &d.ChatID, &kind, &d.Title, &d.Username, &d.Active,
		&d.ContentAlerts, &d.SystemAlerts, &minPriority, &d.CreatedAt)
	if err != nil {
		return models.Destination{}, err
	}
	d.BotID = deref(botID)
	d.Kind = models.ChatKind(kind)
	d.MinPriority = models.Priority(minPriority)
	return d, nil
}

const insertDestination = `
	INSERT INTO public.destinations
		(tenant_id, bot_id, chat_id, kind, title, username, active, content_alerts, system_alerts, min_priority, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (chat_id) DO NOTHING
	RETURNING id`

func destinationArgs(d models.Destination) []any {
	return []any{d.TenantID, nullID(d.BotID), d.ChatID, string(d.Kind), d.Title, d.Username, d.Active,
		d.ContentAlerts, d.SystemAlerts, string(d.MinPriority), d.CreatedAt}
}

func (s *Store) CreateDestination(ctx context.Context, d models.Destination) (models.Destination, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	err := s.Pool.QueryRow(ctx, insertDestination, destinationArgs(d)...).Scan(&d.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Destination{}, fmt.Errorf("chat %d: %w", d.ChatID, store.ErrDuplicate)
		}
		return models.Destination{}, fmt.Errorf("create destination: %w", err)
	}
	return d, nil
}

func (s *Store) GetDestinationByChat(ctx context.Context, chatID int64) (models.Destination, error) {
	d, err := scanDestination(s.Pool.QueryRow(ctx, `SELECT `+destinationColumns+` FROM public.destinations WHERE chat_id=$1`, chatID))
	if err != nil {
		return models.Destination{}, notFound(err, fmt.Sprintf("chat %d", chatID))
	}
	return d, nil
}

func (s *Store) ListDestinations(ctx context.Context, tenantID int64) ([]models.Destination, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+destinationColumns+` FROM public.destinations WHERE tenant_id=$1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()
	var out []models.Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, fmt.Errorf("list destinations: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CreateCode(ctx context.Context, c models.RegistrationCode) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO public.registration_codes (code, tenant_id, user_id, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5)`, c.Code, c.TenantID, nullID(c.UserID), c.CreatedAt, c.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("code %s: %w", c.Code, store.ErrDuplicate)
		}
		return fmt.Errorf("create code: %w", err)
	}
	return nil
}

func (s *Store) GetCode(ctx context.Context, code string) (models.RegistrationCode, error) {
	var c models.RegistrationCode
	var userID, destID *int64
	err := s.Pool.QueryRow(ctx, `
		SELECT code, tenant_id, user_id, created_at, expires_at, used_at, destination_id
		FROM public.registration_codes WHERE code=$1`, code).
		Scan(&c.Code, &c.TenantID, &userID, &c.CreatedAt, &c.ExpiresAt, &c.UsedAt, &destID)
	if err != nil {
		return models.RegistrationCode{}, notFound(err, "code "+code)
	}
	c.UserID = deref(userID)
	c.DestinationID = deref(destID)
	return c, nil
}

func (s *Store) ConsumeCode(ctx context.Context, code string, d models.Destination, at time.Time) (models.Destination, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = at
	}
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE public.registration_codes SET used_at=$1 WHERE code=$2 AND used_at IS NULL`, at, code)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("unused code %s: %w", code, store.ErrNotFound)
		}
		if err := tx.QueryRow(ctx, insertDestination, destinationArgs(d)...).Scan(&d.ID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("chat %d: %w", d.ChatID, store.ErrDuplicate)
			}
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE public.registration_codes SET destination_id=$1 WHERE code=$2`, d.ID, code)
		return err
	})
	if err != nil {
		return models.Destination{}, fmt.Errorf("consume code: %w", err)
	}
	return d, nil
}
