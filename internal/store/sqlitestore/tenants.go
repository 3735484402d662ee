package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/store"
)

const tenantColumns = `id, slug, name, schema_name, COALESCE(default_bot_id, 0), active, created_at`

func scanTenant(stmt *sqlite.Stmt) models.Tenant {
	return models.Tenant{
		ID:           stmt.ColumnInt64(0),
		Slug:         stmt.ColumnText(1),
		Name:         stmt.ColumnText(2),
		Schema:       stmt.ColumnText(3),
		DefaultBotID: stmt.ColumnInt64(4),
		Active:       stmt.ColumnInt64(5) != 0,
		CreatedAt:    fromMs(stmt.ColumnInt64(6)),
	}
}

func (s *Store) UpsertTenant(ctx context.Context, t models.Tenant) (models.Tenant, error) {
	if t.Schema == "" {
		t.Schema = t.Slug
	}
	_, _, err := s.execChanges(ctx, `INSERT INTO tenants (slug, name, schema_name, default_bot_id, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (slug) DO UPDATE SET
			name = excluded.name,
			schema_name = excluded.schema_name,
			default_bot_id = excluded.default_bot_id,
			active = excluded.active`,
		t.Slug, t.Name, t.Schema, nullInt(t.DefaultBotID), boolInt(t.Active), toMs(s.now()))
	if err != nil {
		return models.Tenant{}, fmt.Errorf("upsert tenant %s: %w", t.Slug, err)
	}
	return s.GetTenantBySlug(ctx, t.Slug)
}

func (s *Store) GetTenant(ctx context.Context, id int64) (models.Tenant, error) {
	return s.getTenant(ctx, `WHERE id = ?`, id)
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error) {
	return s.getTenant(ctx, `WHERE slug = ?`, slug)
}

func (s *Store) getTenant(ctx context.Context, where string, arg any) (models.Tenant, error) {
	var out models.Tenant
	found := false
	err := s.exec(ctx, `SELECT `+tenantColumns+` FROM tenants `+where, []any{arg}, func(stmt *sqlite.Stmt) error {
		out = scanTenant(stmt)
		found = true
		return nil
	})
	if err != nil {
		return models.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	if !found {
		return models.Tenant{}, fmt.Errorf("tenant %v: %w", arg, store.ErrNotFound)
	}
	return out, nil
}

func (s *Store) ListTenants(ctx context.Context, activeOnly bool) ([]models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id`

	var out []models.Tenant
	err := s.exec(ctx, query, nil, func(stmt *sqlite.Stmt) error {
		out = append(out, scanTenant(stmt))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertBot(ctx context.Context, b models.Bot) (models.Bot, error) {
	_, _, err := s.execChanges(ctx, `INSERT INTO bots (name, token, active) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET token = excluded.token, active = excluded.active`,
		b.Name, b.Token, boolInt(b.Active))
	if err != nil {
		return models.Bot{}, fmt.Errorf("upsert bot %s: %w", b.Name, err)
	}
	var out models.Bot
	found := false
	err = s.exec(ctx, `SELECT id, name, token, active FROM bots WHERE name = ?`, []any{b.Name}, func(stmt *sqlite.Stmt) error {
		out = scanBot(stmt)
		found = true
		return nil
	})
	if err != nil {
		return models.Bot{}, fmt.Errorf("get bot %s: %w", b.Name, err)
	}
	if !found {
		return models.Bot{}, fmt.Errorf("bot %s: %w", b.Name, store.ErrNotFound)
	}
	return out, nil
}

func scanBot(stmt *sqlite.Stmt) models.Bot {
	return models.Bot{
		ID:     stmt.ColumnInt64(0),
		Name:   stmt.ColumnText(1),
		Token:  stmt.ColumnText(2),
		Active: stmt.ColumnInt64(3) != 0,
	}
}

func (s *Store) GetBot(ctx context.Context, id int64) (models.Bot, error) {
	var out models.Bot
	found := false
	err := s.exec(ctx, `SELECT id, name, token, active FROM bots WHERE id = ?`, []any{id}, func(stmt *sqlite.Stmt) error {
		out = scanBot(stmt)
		found = true
		return nil
	})
	if err != nil {
		return models.Bot{}, fmt.Errorf("get bot %d: %w", id, err)
	}
	if !found {
		return models.Bot{}, fmt.Errorf("bot %d: %w", id, store.ErrNotFound)
	}
	return out, nil
}

func (s *Store) ListBots(ctx context.Context) ([]models.Bot, error) {
	var out []models.Bot
	err := s.exec(ctx, `SELECT id, name, token, active FROM bots ORDER BY id`, nil, func(stmt *sqlite.Stmt) error {
		out = append(out, scanBot(stmt))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	return out, nil
}

func scanUser(stmt *sqlite.Stmt) models.User {
	return models.User{
		ID:             stmt.ColumnInt64(0),
		Name:           stmt.ColumnText(1),
		Email:          stmt.ColumnText(2),
		TelegramChatID: stmt.ColumnText(3),
		Active:         stmt.ColumnInt64(4) != 0,
	}
}

func (s *Store) UpsertUser(ctx context.Context, tc models.TenantContext, u models.User) (models.User, error) {
	_, _, err := s.execChanges(ctx, `INSERT INTO users (tenant_id, name, email, active) VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, email) DO UPDATE SET name = excluded.name, active = excluded.active`,
		tc.ID, u.Name, u.Email, boolInt(u.Active))
	if err != nil {
		return models.User{}, fmt.Errorf("upsert user %s: %w", u.Email, err)
	}
	var out models.User
	found := false
	err = s.exec(ctx, `SELECT id, name, email, telegram_chat_id, active FROM users WHERE tenant_id = ? AND email = ?`,
		[]any{tc.ID, u.Email}, func(stmt *sqlite.Stmt) error {
			out = scanUser(stmt)
			found = true
			return nil
		})
	if err != nil {
		return models.User{}, fmt.Errorf("get user %s: %w", u.Email, err)
	}
	if !found {
		return models.User{}, fmt.Errorf("user %s: %w", u.Email, store.ErrNotFound)
	}
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, tc models.TenantContext, id int64) (models.User, error) {
	var out models.User
	found := false
	err := s.exec(ctx, `SELECT id, name, email, telegram_chat_id, active FROM users WHERE tenant_id = ? AND id = ?`,
		[]any{tc.ID, id}, func(stmt *sqlite.Stmt) error {
			out = scanUser(stmt)
			found = true
			return nil
		})
	if err != nil {
		return models.User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	if !found {
		return models.User{}, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	return out, nil
}

func (s *Store) SetUserChatID(ctx context.Context, tc models.TenantContext, userID int64, chatID string) error {
	n, _, err := s.execChanges(ctx, `UPDATE users SET telegram_chat_id = ? WHERE tenant_id = ? AND id = ?`, chatID, tc.ID, userID)
	if err != nil {
		return fmt.Errorf("set user chat id: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	return nil
}

const destinationColumns = `id, tenant_id, COALESCE(bot_id, 0), chat_id, kind, title, username, active,
	content_alerts, system_alerts, min_priority, created_at`

func scanDestination(stmt *sqlite.Stmt) models.Destination {
	return models.Destination{
		ID:            stmt.ColumnInt64(0),
		TenantID:      stmt.ColumnInt64(1),
		BotID:         stmt.ColumnInt64(2),
		ChatID:        stmt.ColumnInt64(3),
		Kind:          models.ChatKind(stmt.ColumnText(4)),
		Title:         stmt.ColumnText(5),
		Username:      stmt.ColumnText(6),
		Active:        stmt.ColumnInt64(7) != 0,
		ContentAlerts: stmt.ColumnInt64(8) != 0,
		SystemAlerts:  stmt.ColumnInt64(9) != 0,
		MinPriority:   models.Priority(stmt.ColumnText(10)),
		CreatedAt:     fromMs(stmt.ColumnInt64(11)),
	}
}

const insertDestination = `INSERT INTO destinations
	(tenant_id, bot_id, chat_id, kind, title, username, active, content_alerts, system_alerts, min_priority, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (chat_id) DO NOTHING`

func destinationArgs(d models.Destination) []any {
	return []any{
		d.TenantID, nullInt(d.BotID), d.ChatID, string(d.Kind), d.Title, d.Username, boolInt(d.Active),
		boolInt(d.ContentAlerts), boolInt(d.SystemAlerts), string(d.MinPriority), toMs(d.CreatedAt),
	}
}

func (s *Store) CreateDestination(ctx context.Context, d models.Destination) (models.Destination, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	n, id, err := s.execChanges(ctx, insertDestination, destinationArgs(d)...)
	if err != nil {
		return models.Destination{}, fmt.Errorf("create destination: %w", err)
	}
	if n == 0 {
		return models.Destination{}, fmt.Errorf("chat %d: %w", d.ChatID, store.ErrDuplicate)
	}
	d.ID = id
	return d, nil
}

func (s *Store) GetDestinationByChat(ctx context.Context, chatID int64) (models.Destination, error) {
	var out models.Destination
	found := false
	err := s.exec(ctx, `SELECT `+destinationColumns+` FROM destinations WHERE chat_id = ?`, []any{chatID}, func(stmt *sqlite.Stmt) error {
		out = scanDestination(stmt)
		found = true
		return nil
	})
	if err != nil {
		return models.Destination{}, fmt.Errorf("get destination: %w", err)
	}
	if !found {
		return models.Destination{}, fmt.Errorf("chat %d: %w", chatID, store.ErrNotFound)
	}
	return out, nil
}

func (s *Store) ListDestinations(ctx context.Context, tenantID int64) ([]models.Destination, error) {
	var out []models.Destination
	err := s.exec(ctx, `SELECT `+destinationColumns+` FROM destinations WHERE tenant_id = ? ORDER BY id`,
		[]any{tenantID}, func(stmt *sqlite.Stmt) error {
			out = append(out, scanDestination(stmt))
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	return out, nil
}

func (s *Store) CreateCode(ctx context.Context, c models.RegistrationCode) error {
	n, _, err := s.execChanges(ctx, `INSERT INTO registration_codes (code, tenant_id, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (code) DO NOTHING`,
		c.Code, c.TenantID, nullInt(c.UserID), toMs(c.CreatedAt), toMs(c.ExpiresAt))
	if err != nil {
		return fmt.Errorf("create code: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("code %s: %w", c.Code, store.ErrDuplicate)
	}
	return nil
}

func (s *Store) GetCode(ctx context.Context, code string) (models.RegistrationCode, error) {
	var out models.RegistrationCode
	found := false
	err := s.exec(ctx, `SELECT code, tenant_id, COALESCE(user_id, 0), created_at, expires_at, used_at, COALESCE(destination_id, 0)
		FROM registration_codes WHERE code = ?`, []any{code}, func(stmt *sqlite.Stmt) error {
		out = models.RegistrationCode{
			Code:          stmt.ColumnText(0),
			TenantID:      stmt.ColumnInt64(1),
			UserID:        stmt.ColumnInt64(2),
			CreatedAt:     fromMs(stmt.ColumnInt64(3)),
			ExpiresAt:     fromMs(stmt.ColumnInt64(4)),
			UsedAt:        columnTime(stmt, 5),
			DestinationID: stmt.ColumnInt64(6),
		}
		found = true
		return nil
	})
	if err != nil {
		return models.RegistrationCode{}, fmt.Errorf("get code: %w", err)
	}
	if !found {
		return models.RegistrationCode{}, fmt.Errorf("code %s: %w", code, store.ErrNotFound)
	}
	return out, nil
}

func (s *Store) ConsumeCode(ctx context.Context, code string, d models.Destination, at time.Time) (_ models.Destination, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return models.Destination{}, fmt.Errorf("consume code: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return models.Destination{}, fmt.Errorf("consume code: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `UPDATE registration_codes SET used_at = ? WHERE code = ? AND used_at IS NULL`,
		&sqlitex.ExecOptions{Args: []any{toMs(at), code}})
	if err != nil {
		return models.Destination{}, fmt.Errorf("consume code: %w", err)
	}
	if conn.Changes() == 0 {
		return models.Destination{}, fmt.Errorf("unused code %s: %w", code, store.ErrNotFound)
	}

	if d.CreatedAt.IsZero() {
		d.CreatedAt = at
	}
	err = sqlitex.Execute(conn, insertDestination, &sqlitex.ExecOptions{Args: destinationArgs(d)})
	if err != nil {
		return models.Destination{}, fmt.Errorf("create destination: %w", err)
	}
	if conn.Changes() == 0 {
		return models.Destination{}, fmt.Errorf("chat %d: %w", d.ChatID, store.ErrDuplicate)
	}
	d.ID = conn.LastInsertRowID()

	err = sqlitex.Execute(conn, `UPDATE registration_codes SET destination_id = ? WHERE code = ?`,
		&sqlitex.ExecOptions{Args: []any{d.ID, code}})
	if err != nil {
		return models.Destination{}, fmt.Errorf("link code: %w", err)
	}
	return d, nil
}
