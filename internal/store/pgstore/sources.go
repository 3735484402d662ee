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

const mailboxColumns = `id, name, host, port, username, password, use_tls, inbox_folder, processed_folder,
	max_per_check, check_interval_ms, active, last_check`

func scanMailbox(row pgx.Row, tenantID int64) (models.MailboxConfig, error) {
	m := models.MailboxConfig{TenantID: tenantID}
	var intervalMs int64
	err := row.Scan(&m.ID, &m.Name, &m.Host, &m.Port, &m.Username, &m.Password, &m.UseTLS, &m.InboxFolder,
		&m.ProcessedFolder, &m.MaxPerCheck, &intervalMs, &m.Active, &m.LastCheck)
	if err != nil {
		return models.MailboxConfig{}, err
	}
	m.CheckInterval = time.Duration(intervalMs) * time.Millisecond
	return m, nil
}

func (s *Store) UpsertMailbox(ctx context.Context, tc models.TenantContext, m models.MailboxConfig) (models.MailboxConfig, error) {
	m.Normalize()
	var out models.MailboxConfig
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		var err error
		out, err = scanMailbox(tx.QueryRow(ctx, `
			INSERT INTO mailboxes (name, host, port, username, password, use_tls, inbox_folder, processed_folder,
				max_per_check, check_interval_ms, active)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (name) DO UPDATE SET host=excluded.host, port=excluded.port, username=excluded.username,
				password=excluded.password, use_tls=excluded.use_tls, inbox_folder=excluded.inbox_folder,
				processed_folder=excluded.processed_folder, max_per_check=excluded.max_per_check,
				check_interval_ms=excluded.check_interval_ms, active=excluded.active
			RETURNING `+mailboxColumns,
			m.Name, m.Host, m.Port, m.Username, m.Password, m.UseTLS, m.InboxFolder, m.ProcessedFolder,
			m.MaxPerCheck, m.CheckInterval.Milliseconds(), m.Active), tc.ID)
		return err
	})
	if err != nil {
		return models.MailboxConfig{}, fmt.Errorf("upsert mailbox %s: %w", m.Name, err)
	}
	return out, nil
}

func (s *Store) GetMailbox(ctx context.Context, tc models.TenantContext, id int64) (models.MailboxConfig, error) {
	var out models.MailboxConfig
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		var err error
		out, err = scanMailbox(tx.QueryRow(ctx, `SELECT `+mailboxColumns+` FROM mailboxes WHERE id=$1`, id), tc.ID)
		return err
	})
	if err != nil {
		return models.MailboxConfig{}, notFound(err, fmt.Sprintf("mailbox %d", id))
	}
	return out, nil
}

func (s *Store) ListMailboxes(ctx context.Context, tc models.TenantContext, activeOnly bool) ([]models.MailboxConfig, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes`
	if activeOnly {
		query += ` WHERE active`
	}
	var out []models.MailboxConfig
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query+` ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMailbox(rows, tc.ID)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	return out, nil
}

func (s *Store) MarkMailboxChecked(ctx context.Context, tc models.TenantContext, id int64, at time.Time) error {
	return s.markChecked(ctx, tc, "mailboxes", id, at)
}

func (s *Store) markChecked(ctx context.Context, tc models.TenantContext, table string, id int64, at time.Time) error {
	return s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE `+table+` SET last_check=$1 WHERE id=$2`, at, id)
		if err != nil {
			return fmt.Errorf("mark %s %d checked: %w", table, id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s %d: %w", table, id, store.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) UpsertMetricGlobal(ctx context.Context, g models.MetricGlobalConfig) error {
	g.Normalize()
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO public.metric_global (id, azure_tenant_id, client_id, client_secret, token_url, api_base_url,
			default_group_id, dataset_id, default_query)
		VALUES (1,$1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET azure_tenant_id=excluded.azure_tenant_id, client_id=excluded.client_id,
			client_secret=excluded.client_secret, token_url=excluded.token_url, api_base_url=excluded.api_base_url,
			default_group_id=excluded.default_group_id, dataset_id=excluded.dataset_id,
			default_query=excluded.default_query`,
		g.AzureTenantID, g.ClientID, g.ClientSecret, g.TokenURL, g.APIBaseURL, g.DefaultGroupID, g.DatasetID, g.DefaultQuery)
	if err != nil {
		return fmt.Errorf("upsert metric global config: %w", err)
	}
	return nil
}

func (s *Store) GetMetricGlobal(ctx context.Context) (models.MetricGlobalConfig, error) {
	var g models.MetricGlobalConfig
	err := s.Pool.QueryRow(ctx, `
		SELECT azure_tenant_id, client_id, client_secret, token_url, api_base_url, default_group_id, dataset_id, default_query
		FROM public.metric_global WHERE id=1`).
		Scan(&g.AzureTenantID, &g.ClientID, &g.ClientSecret, &g.TokenURL, &g.APIBaseURL, &g.DefaultGroupID, &g.DatasetID, &g.DefaultQuery)
	if err != nil {
		return models.MetricGlobalConfig{}, notFound(err, "metric global config")
	}
	return g, nil
}

func (s *Store) UpsertMetricTenant(ctx context.Context, tc models.TenantContext, c models.MetricTenantConfig) error {
	return s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO metric_tenant (id, default_template, default_example_output) VALUES (1,$1,$2)
			ON CONFLICT (id) DO UPDATE SET default_template=excluded.default_template,
				default_example_output=excluded.default_example_output`,
			c.DefaultTemplate, c.DefaultExampleOutput)
		return err
	})
}

func (s *Store) GetMetricTenant(ctx context.Context, tc models.TenantContext) (models.MetricTenantConfig, error) {
	out := models.MetricTenantConfig{TenantID: tc.ID}
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT default_template, default_example_output FROM metric_tenant WHERE id=1`).
			Scan(&out.DefaultTemplate, &out.DefaultExampleOutput)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return models.MetricTenantConfig{}, fmt.Errorf("get metric tenant config: %w", err)
	}
	return out, nil
}

const definitionColumns = `id, name, group_id, dataset_id, query, template, example_output, check_interval_ms,
	default_priority, active, last_check`

func scanDefinition(row pgx.Row, tenantID int64) (models.MetricDefinition, error) {
	d := models.MetricDefinition{TenantID: tenantID}
	var intervalMs int64
	var priority string
	err := row.Scan(&d.ID, &d.Name, &d.GroupID, &d.DatasetID, &d.Query, &d.Template, &d.ExampleOutput, &intervalMs,
		&priority, &d.Active, &d.LastCheck)
	if err != nil {
		return models.MetricDefinition{}, err
	}
	d.CheckInterval = time.Duration(intervalMs) * time.Millisecond
	d.DefaultPriority = models.Priority(priority)
	return d, nil
}

func (s *Store) UpsertMetricDefinition(ctx context.Context, tc models.TenantContext, d models.MetricDefinition) (models.MetricDefinition, error) {
	d.Normalize()
	var out models.MetricDefinition
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		var err error
		out, err = scanDefinition(tx.QueryRow(ctx, `
			INSERT INTO metric_definitions (name, group_id, dataset_id, query, template, example_output,
				check_interval_ms, default_priority, active)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (name) DO UPDATE SET group_id=excluded.group_id, dataset_id=excluded.dataset_id,
				query=excluded.query, template=excluded.template, example_output=excluded.example_output,
				check_interval_ms=excluded.check_interval_ms, default_priority=excluded.default_priority,
				active=excluded.active
			RETURNING `+definitionColumns,
			d.Name, d.GroupID, d.DatasetID, d.Query, d.Template, d.ExampleOutput, d.CheckInterval.Milliseconds(),
			string(d.DefaultPriority), d.Active), tc.ID)
		return err
	})
	if err != nil {
		return models.MetricDefinition{}, fmt.Errorf("upsert metric definition %s: %w", d.Name, err)
	}
	return out, nil
}

func (s *Store) GetMetricDefinition(ctx context.Context, tc models.TenantContext, id int64) (models.MetricDefinition, error) {
	var out models.MetricDefinition
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		var err error
		out, err = scanDefinition(tx.QueryRow(ctx, `SELECT `+definitionColumns+` FROM metric_definitions WHERE id=$1`, id), tc.ID)
		return err
	})
	if err != nil {
		return models.MetricDefinition{}, notFound(err, fmt.Sprintf("metric definition %d", id))
	}
	return out, nil
}

func (s *Store) ListMetricDefinitions(ctx context.Context, tc models.TenantContext, activeOnly bool) ([]models.MetricDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM metric_definitions`
	if activeOnly {
		query += ` WHERE active`
	}
	var out []models.MetricDefinition
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query+` ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDefinition(rows, tc.ID)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list metric definitions: %w", err)
	}
	return out, nil
}

func (s *Store) MarkMetricChecked(ctx context.Context, tc models.TenantContext, id int64, at time.Time) error {
	return s.markChecked(ctx, tc, "metric_definitions", id, at)
}

const ruleColumns = `id, source_kind, source_id, name, ord, kind, field, pattern, priority, category, active`

func scanRule(row pgx.Row, tenantID int64) (models.Rule, error) {
	r := models.Rule{TenantID: tenantID}
	var sourceKind, kind, priority, category string
	err := row.Scan(&r.ID, &sourceKind, &r.SourceID, &r.Name, &r.Order, &kind, &r.Field, &r.Pattern, &priority, &category, &r.Active)
	if err != nil {
		return models.Rule{}, err
	}
	r.SourceKind = models.SourceKind(sourceKind)
	r.Kind = models.RuleKind(kind)
	r.Priority = models.Priority(priority)
	r.Category = models.Category(category)
	return r, nil
}

func (s *Store) UpsertRule(ctx context.Context, tc models.TenantContext, r models.Rule) (models.Rule, error) {
	var out models.Rule
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		var err error
		out, err = scanRule(tx.QueryRow(ctx, `
			INSERT INTO rules (source_kind, source_id, name, ord, kind, field, pattern, priority, category, active)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (source_kind, source_id, name) DO UPDATE SET ord=excluded.ord, kind=excluded.kind,
				field=excluded.field, pattern=excluded.pattern, priority=excluded.priority,
				category=excluded.category, active=excluded.active
			RETURNING `+ruleColumns,
			string(r.SourceKind), r.SourceID, r.Name, r.Order, string(r.Kind), r.Field, r.Pattern,
			string(r.Priority), string(r.Category), r.Active), tc.ID)
		return err
	})
	if err != nil {
		return models.Rule{}, fmt.Errorf("upsert rule %s: %w", r.Name, err)
	}
	return out, nil
}

func (s *Store) ListRules(ctx context.Context, tc models.TenantContext, ref models.SourceRef) ([]models.Rule, error) {
	var out []models.Rule
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+ruleColumns+` FROM rules
			WHERE source_kind=$1 AND (source_id=0 OR source_id=$2) ORDER BY ord, name`, string(ref.Kind), ref.ID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRule(rows, tc.ID)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return out, nil
}
