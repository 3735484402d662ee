package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/store"
)

const mailboxColumns = `id, tenant_id, name, host, port, username, password, use_tls, inbox_folder,
	processed_folder, max_per_check, check_interval_ms, active, last_check`

func scanMailbox(stmt *sqlite.Stmt) models.MailboxConfig {
	return models.MailboxConfig{
		ID:              stmt.ColumnInt64(0),
		TenantID:        stmt.ColumnInt64(1),
		Name:            stmt.ColumnText(2),
		Host:            stmt.ColumnText(3),
		Port:            stmt.ColumnInt(4),
		Username:        stmt.ColumnText(5),
		Password:        stmt.ColumnText(6),
		UseTLS:          stmt.ColumnInt64(7) != 0,
		InboxFolder:     stmt.ColumnText(8),
		ProcessedFolder: stmt.ColumnText(9),
		MaxPerCheck:     stmt.ColumnInt(10),
		CheckInterval:   time.Duration(stmt.ColumnInt64(11)) * time.Millisecond,
		Active:          stmt.ColumnInt64(12) != 0,
		LastCheck:       columnTime(stmt, 13),
	}
}

func (s *Store) UpsertMailbox(ctx context.Context, tc models.TenantContext, m models.MailboxConfig) (models.MailboxConfig, error) {
	m.Normalize()
	_, _, err := s.execChanges(ctx, `INSERT INTO mailboxes
		(tenant_id, name, host, port, username, password, use_tls, inbox_folder, processed_folder,
		 max_per_check, check_interval_ms, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			username = excluded.username,
			password = excluded.password,
			use_tls = excluded.use_tls,
			inbox_folder = excluded.inbox_folder,
			processed_folder = excluded.processed_folder,
			max_per_check = excluded.max_per_check,
			check_interval_ms = excluded.check_interval_ms,
			active = excluded.active`,
		tc.ID, m.Name, m.Host, m.Port, m.Username, m.Password, boolInt(m.UseTLS), m.InboxFolder,
		m.ProcessedFolder, m.MaxPerCheck, m.CheckInterval.Milliseconds(), boolInt(m.Active))
	if err != nil {
		return models.MailboxConfig{}, fmt.Errorf("upsert mailbox %s: %w", m.Name, err)
	}
	return s.getMailbox(ctx, `WHERE tenant_id = ? AND name = ?`, tc.ID, m.Name)
}

func (s *Store) GetMailbox(ctx context.Context, tc models.TenantContext, id int64) (models.MailboxConfig, error) {
	return s.getMailbox(ctx, `WHERE tenant_id = ? AND id = ?`, tc.ID, id)
}

func (s *Store) getMailbox(ctx context.Context, where string, args ...any) (models.MailboxConfig, error) {
	var out models.MailboxConfig
	found := false
	err := s.exec(ctx, `SELECT `+mailboxColumns+` FROM mailboxes `+where, args, func(stmt *sqlite.Stmt) error {
		out = scanMailbox(stmt)
		found = true
		return nil
	})
	if err != nil {
		return models.MailboxConfig{}, fmt.Errorf("get mailbox: %w", err)
	}
	if !found {
		return models.MailboxConfig{}, fmt.Errorf("mailbox %v: %w", args[len(args)-1], store.ErrNotFound)
	}
	return out, nil
}

func (s *Store) ListMailboxes(ctx context.Context, tc models.TenantContext, activeOnly bool) ([]models.MailboxConfig, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY id`

	var out []models.MailboxConfig
	err := s.exec(ctx, query, []any{tc.ID}, func(stmt *sqlite.Stmt) error {
		out = append(out, scanMailbox(stmt))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	return out, nil
}

func (s *Store) MarkMailboxChecked(ctx context.Context, tc models.TenantContext, id int64, at time.Time) error {
	n, _, err := s.execChanges(ctx, `UPDATE mailboxes SET last_check = ? WHERE tenant_id = ? AND id = ?`, toMs(at), tc.ID, id)
	if err != nil {
		return fmt.Errorf("mark mailbox checked: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mailbox %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpsertMetricGlobal(ctx context.Context, g models.MetricGlobalConfig) error {
	g.Normalize()
	_, _, err := s.execChanges(ctx, `INSERT INTO metric_global
		(id, azure_tenant_id, client_id, client_secret, token_url, api_base_url, default_group_id, dataset_id, default_query)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			azure_tenant_id = excluded.azure_tenant_id,
			client_id = excluded.client_id,
			client_secret = excluded.client_secret,
			token_url = excluded.token_url,
			api_base_url = excluded.api_base_url,
			default_group_id = excluded.default_group_id,
			dataset_id = excluded.dataset_id,
			default_query = excluded.default_query`,
		g.AzureTenantID, g.ClientID, g.ClientSecret, g.TokenURL, g.APIBaseURL, g.DefaultGroupID, g.DatasetID, g.DefaultQuery)
	if err != nil {
		return fmt.Errorf("upsert metric global config: %w", err)
	}
	return nil
}

func (s *Store) GetMetricGlobal(ctx context.Context) (models.MetricGlobalConfig, error) {
	var out models.MetricGlobalConfig
	found := false
	err := s.exec(ctx, `SELECT azure_tenant_id, client_id, client_secret, token_url, api_base_url, default_group_id,
		dataset_id, default_query FROM metric_global WHERE id = 1`, nil, func(stmt *sqlite.Stmt) error {
		out = models.MetricGlobalConfig{
			AzureTenantID:  stmt.ColumnText(0),
			ClientID:       stmt.ColumnText(1),
			ClientSecret:   stmt.ColumnText(2),
			TokenURL:       stmt.ColumnText(3),
			APIBaseURL:     stmt.ColumnText(4),
			DefaultGroupID: stmt.ColumnText(5),
			DatasetID:      stmt.ColumnText(6),
			DefaultQuery:   stmt.ColumnText(7),
		}
		found = true
		return nil
	})
	if err != nil {
		return models.MetricGlobalConfig{}, fmt.Errorf("get metric global config: %w", err)
	}
	if !found {
		return models.MetricGlobalConfig{}, fmt.Errorf("metric global config: %w", store.ErrNotFound)
	}
	return out, nil
}

func (s *Store) UpsertMetricTenant(ctx context.Context, tc models.TenantContext, c models.MetricTenantConfig) error {
	_, _, err := s.execChanges(ctx, `INSERT INTO metric_tenant (tenant_id, default_template, default_example_output)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			default_template = excluded.default_template,
			default_example_output = excluded.default_example_output`,
		tc.ID, c.DefaultTemplate, c.DefaultExampleOutput)
	if err != nil {
		return fmt.Errorf("upsert metric tenant config: %w", err)
	}
	return nil
}

// GetMetricTenant returns an empty config when the tenant has none.
func (s *Store) GetMetricTenant(ctx context.Context, tc models.TenantContext) (models.MetricTenantConfig, error) {
	out := models.MetricTenantConfig{TenantID: tc.ID}
	err := s.exec(ctx, `SELECT default_template, default_example_output FROM metric_tenant WHERE tenant_id = ?`,
		[]any{tc.ID}, func(stmt *sqlite.Stmt) error {
			out.DefaultTemplate = stmt.ColumnText(0)
			out.DefaultExampleOutput = stmt.ColumnText(1)
			return nil
		})
	if err != nil {
		return models.MetricTenantConfig{}, fmt.Errorf("get metric tenant config: %w", err)
	}
	return out, nil
}

const definitionColumns = `id, tenant_id, name, group_id, dataset_id, query, template, example_output,
	check_interval_ms, default_priority, active, last_check`

func scanDefinition(stmt *sqlite.Stmt) models.MetricDefinition {
	return models.MetricDefinition{
		ID:              stmt.ColumnInt64(0),
		TenantID:        stmt.ColumnInt64(1),
		Name:            stmt.ColumnText(2),
		GroupID:         stmt.ColumnText(3),
		DatasetID:       stmt.ColumnText(4),
		Query:           stmt.ColumnText(5),
		Template:        stmt.ColumnText(6),
		ExampleOutput:   stmt.ColumnText(7),
		CheckInterval:   time.Duration(stmt.ColumnInt64(8)) * time.Millisecond,
		DefaultPriority: models.Priority(stmt.ColumnText(9)),
		Active:          stmt.ColumnInt64(10) != 0,
		LastCheck:       columnTime(stmt, 11),
	}
}

func (s *Store) UpsertMetricDefinition(ctx context.Context, tc models.TenantContext, d models.MetricDefinition) (models.MetricDefinition, error) {
	d.Normalize()
	_, _, err := s.execChanges(ctx, `INSERT INTO metric_definitions
		(tenant_id, name, group_id, dataset_id, query, template, example_output, check_interval_ms, default_priority, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			group_id = excluded.group_id,
			dataset_id = excluded.dataset_id,
			query = excluded.query,
			template = excluded.template,
			example_output = excluded.example_output,
			check_interval_ms = excluded.check_interval_ms,
			default_priority = excluded.default_priority,
			active = excluded.active`,
		tc.ID, d.Name, d.GroupID, d.DatasetID, d.Query, d.Template, d.ExampleOutput,
		d.CheckInterval.Milliseconds(), string(d.DefaultPriority), boolInt(d.Active))
	if err != nil {
		return models.MetricDefinition{}, fmt.Errorf("upsert metric definition %s: %w", d.Name, err)
	}
	return s.getDefinition(ctx, `WHERE tenant_id = ? AND name = ?`, tc.ID, d.Name)
}

func (s *Store) GetMetricDefinition(ctx context.Context, tc models.TenantContext, id int64) (models.MetricDefinition, error) {
	return s.getDefinition(ctx, `WHERE tenant_id = ? AND id = ?`, tc.ID, id)
}

func (s *Store) getDefinition(ctx context.Context, where string, args ...any) (models.MetricDefinition, error) {
	var out models.MetricDefinition
	found := false
	err := s.exec(ctx, `SELECT `+definitionColumns+` FROM metric_definitions `+where, args, func(stmt *sqlite.Stmt) error {
		out = scanDefinition(stmt)
		found = true
		return nil
	})
	if err != nil {
		return models.MetricDefinition{}, fmt.Errorf("get metric definition: %w", err)
	}
	if !found {
		return models.MetricDefinition{}, fmt.Errorf("metric definition %v: %w", args[len(args)-1], store.ErrNotFound)
	}
	return out, nil
}

func (s *Store) ListMetricDefinitions(ctx context.Context, tc models.TenantContext, activeOnly bool) ([]models.MetricDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM metric_definitions WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY id`

	var out []models.MetricDefinition
	err := s.exec(ctx, query, []any{tc.ID}, func(stmt *sqlite.Stmt) error {
		out = append(out, scanDefinition(stmt))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list metric definitions: %w", err)
	}
	return out, nil
}

func (s *Store) MarkMetricChecked(ctx context.Context, tc models.TenantContext, id int64, at time.Time) error {
	n, _, err := s.execChanges(ctx, `UPDATE metric_definitions SET last_check = ? WHERE tenant_id = ? AND id = ?`, toMs(at), tc.ID, id)
	if err != nil {
		return fmt.Errorf("mark metric checked: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("metric definition %d: %w", id, store.ErrNotFound)
	}
	return nil
}

const ruleColumns = `id, tenant_id, source_kind, source_id, name, ord, kind, field, pattern, priority, category, active`

func scanRule(stmt *sqlite.Stmt) models.Rule {
	return models.Rule{
		ID:         stmt.ColumnInt64(0),
		TenantID:   stmt.ColumnInt64(1),
		SourceKind: models.SourceKind(stmt.ColumnText(2)),
		SourceID:   stmt.ColumnInt64(3),
		Name:       stmt.ColumnText(4),
		Order:      stmt.ColumnInt(5),
		Kind:       models.RuleKind(stmt.ColumnText(6)),
		Field:      stmt.ColumnText(7),
		Pattern:    stmt.ColumnText(8),
		Priority:   models.Priority(stmt.ColumnText(9)),
		Category:   models.Category(stmt.ColumnText(10)),
		Active:     stmt.ColumnInt64(11) != 0,
	}
}

func (s *Store) UpsertRule(ctx context.Context, tc models.TenantContext, r models.Rule) (models.Rule, error) {
	_, _, err := s.execChanges(ctx, `INSERT INTO rules
		(tenant_id, source_kind, source_id, name, ord, kind, field, pattern, priority, category, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, source_kind, source_id, name) DO UPDATE SET
			ord = excluded.ord,
			kind = excluded.kind,
			field = excluded.field,
			pattern = excluded.pattern,
			priority = excluded.priority,
			category = excluded.category,
			active = excluded.active`,
		tc.ID, string(r.SourceKind), r.SourceID, r.Name, r.Order, string(r.Kind), r.Field, r.Pattern,
		string(r.Priority), string(r.Category), boolInt(r.Active))
	if err != nil {
		return models.Rule{}, fmt.Errorf("upsert rule %s: %w", r.Name, err)
	}

	var out models.Rule
	found := false
	err = s.exec(ctx, `SELECT `+ruleColumns+` FROM rules WHERE tenant_id = ? AND source_kind = ? AND source_id = ? AND name = ?`,
		[]any{tc.ID, string(r.SourceKind), r.SourceID, r.Name}, func(stmt *sqlite.Stmt) error {
			out = scanRule(stmt)
			found = true
			return nil
		})
	if err != nil {
		return models.Rule{}, fmt.Errorf("get rule %s: %w", r.Name, err)
	}
	if !found {
		return models.Rule{}, fmt.Errorf("rule %s: %w", r.Name, store.ErrNotFound)
	}
	return out, nil
}

// ListRules returns the rules that apply to ref, inactive ones included,
// ordered by (order, name).
func (s *Store) ListRules(ctx context.Context, tc models.TenantContext, ref models.SourceRef) ([]models.Rule, error) {
	var out []models.Rule
	err := s.exec(ctx, `SELECT `+ruleColumns+` FROM rules
		WHERE tenant_id = ? AND source_kind = ? AND (source_id = 0 OR source_id = ?)
		ORDER BY ord, name`, []any{tc.ID, string(ref.Kind), ref.ID}, func(stmt *sqlite.Stmt) error {
		out = append(out, scanRule(stmt))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return out, nil
}
