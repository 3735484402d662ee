package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/sources"
	"github.com/ObiAU/alertrelay/internal/store"
)

// Target identifies one source configuration of one tenant.
type Target struct {
	Tenant models.Tenant
	Ref    models.SourceRef
	Name   string
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%d", t.Tenant.Slug, t.Ref.Kind, t.Ref.ID)
}

// Due lists the active source configurations of all active tenants whose
// check interval has elapsed at now.
func (r *Runner) Due(ctx context.Context, now time.Time) ([]Target, error) {
	tenants, err := r.Store.ListTenants(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	var due []Target
	for _, t := range tenants {
		tc := t.Context()
		mailboxes, err := r.Store.ListMailboxes(ctx, tc, true)
		if err != nil {
			r.logger.Error("failed to list mailboxes", zap.String("tenant", t.Slug), zap.Error(err))
		}
		for _, m := range mailboxes {
			m.Normalize()
			if m.Due(now) {
				due = append(due, Target{Tenant: t, Ref: models.SourceRef{Kind: models.SourceMailbox, ID: m.ID}, Name: m.Name})
			}
		}

		defs, err := r.Store.ListMetricDefinitions(ctx, tc, true)
		if err != nil {
			r.logger.Error("failed to list metric definitions", zap.String("tenant", t.Slug), zap.Error(err))
		}
		for _, d := range defs {
			d.Normalize()
			if d.Due(now) {
				due = append(due, Target{Tenant: t, Ref: models.SourceRef{Kind: models.SourceMetric, ID: d.ID}, Name: d.Name})
			}
		}
	}
	return due, nil
}

// RunTarget loads the target's current configuration and runs it.
func (r *Runner) RunTarget(ctx context.Context, t Target) (models.RunLog, error) {
	tc := t.Tenant.Context()
	switch t.Ref.Kind {
	case models.SourceMailbox:
		cfg, err := r.Store.GetMailbox(ctx, tc, t.Ref.ID)
		if err != nil {
			return models.RunLog{}, fmt.Errorf("load mailbox %d: %w", t.Ref.ID, err)
		}
		return r.RunMailbox(ctx, t.Tenant, cfg)
	case models.SourceMetric:
		def, err := r.Store.GetMetricDefinition(ctx, tc, t.Ref.ID)
		if err != nil {
			return models.RunLog{}, fmt.Errorf("load metric definition %d: %w", t.Ref.ID, err)
		}
		return r.RunMetric(ctx, t.Tenant, def)
	default:
		return models.RunLog{}, fmt.Errorf("unknown source kind %q", t.Ref.Kind)
	}
}

// ResolveTarget finds the target for a tenant slug, kind and id, as given
// by the CLI, the admin API or a bus trigger.
func (r *Runner) ResolveTarget(ctx context.Context, tenantSlug string, kind models.SourceKind, id int64) (Target, error) {
	tenant, err := r.Store.GetTenantBySlug(ctx, tenantSlug)
	if err != nil {
		return Target{}, fmt.Errorf("tenant %q: %w", tenantSlug, err)
	}
	tc := tenant.Context()
	t := Target{Tenant: tenant, Ref: models.SourceRef{Kind: kind, ID: id}}
	switch kind {
	case models.SourceMailbox:
		cfg, err := r.Store.GetMailbox(ctx, tc, id)
		if err != nil {
			return Target{}, fmt.Errorf("mailbox %d: %w", id, err)
		}
		t.Name = cfg.Name
	case models.SourceMetric:
		def, err := r.Store.GetMetricDefinition(ctx, tc, id)
		if err != nil {
			return Target{}, fmt.Errorf("metric definition %d: %w", id, err)
		}
		t.Name = def.Name
	default:
		return Target{}, fmt.Errorf("unknown source kind %q", kind)
	}
	return t, nil
}

// Sweep runs every due source once, each independently of the others. It
// records an info entry when nothing was due.
func (r *Runner) Sweep(ctx context.Context) (int, error) {
	due, err := r.Due(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		r.RecordIdle(ctx)
		return 0, nil
	}
	for _, t := range due {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if _, err := r.RunTarget(ctx, t); err != nil {
			r.logger.Warn("source run failed", zap.String("target", t.String()), zap.Error(err))
		}
	}
	return len(due), nil
}

type RetryResult struct {
	Retried int `json:"retried"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// RetryFailed re-dispatches the tenant's failed alerts that still have
// attempts left.
func (r *Runner) RetryFailed(ctx context.Context, tenant models.Tenant, limit int) (RetryResult, error) {
	if limit <= 0 {
		limit = 100
	}
	alerts, err := r.Store.ListAlertsByStatus(ctx, tenant.Context(), models.StatusFailed, limit)
	if err != nil {
		return RetryResult{}, fmt.Errorf("list failed alerts: %w", err)
	}

	var res RetryResult
	for _, a := range alerts {
		if a.Attempts >= r.opts.RetryMaxAttempts {
			continue
		}
		res.Retried++
		out, err := r.Dispatcher.DispatchAlert(ctx, tenant, a)
		if err != nil {
			r.logger.Warn("retry dispatch failed", zap.Int64("alert_id", a.ID), zap.Error(err))
			res.Failed++
			continue
		}
		if out.Status == models.StatusSent {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	r.logger.Info("retried failed alerts",
		zap.String("tenant", tenant.Slug),
		zap.Int("retried", res.Retried),
		zap.Int("sent", res.Sent))
	return res, nil
}

type PruneResult struct {
	Alerts  int `json:"alerts"`
	RunLogs int `json:"run_logs"`
}

// Prune deletes sent alerts and run logs older than retention.
func (r *Runner) Prune(ctx context.Context, retention time.Duration) (PruneResult, error) {
	before := r.now().Add(-retention)
	tenants, err := r.Store.ListTenants(ctx, false)
	if err != nil {
		return PruneResult{}, fmt.Errorf("list tenants: %w", err)
	}

	var res PruneResult
	for _, t := range tenants {
		n, err := r.Store.PruneAlerts(ctx, t.Context(), models.StatusSent, before)
		if err != nil {
			return res, fmt.Errorf("prune alerts for %s: %w", t.Slug, err)
		}
		res.Alerts += n
	}
	n, err := r.Store.PruneRunLogs(ctx, before)
	if err != nil {
		return res, fmt.Errorf("prune run logs: %w", err)
	}
	res.RunLogs = n
	r.logger.Info("pruned history", zap.Int("alerts", res.Alerts), zap.Int("run_logs", res.RunLogs))
	return res, nil
}

// TestSource checks connectivity of a target without processing records.
func (r *Runner) TestSource(ctx context.Context, t Target) (sources.ConnectionReport, error) {
	tc := t.Tenant.Context()
	var src models.Source
	switch t.Ref.Kind {
	case models.SourceMailbox:
		cfg, err := r.Store.GetMailbox(ctx, tc, t.Ref.ID)
		if err != nil {
			return sources.ConnectionReport{}, err
		}
		src = r.Sources.Mailbox(cfg)
	case models.SourceMetric:
		def, err := r.Store.GetMetricDefinition(ctx, tc, t.Ref.ID)
		if err != nil {
			return sources.ConnectionReport{}, err
		}
		global, err := r.Store.GetMetricGlobal(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return sources.ConnectionReport{}, fmt.Errorf("%w: metric credentials missing", ErrNotConfigured)
		}
		if err != nil {
			return sources.ConnectionReport{}, err
		}
		src = r.Sources.Metric(def, global)
	default:
		return sources.ConnectionReport{}, fmt.Errorf("unknown source kind %q", t.Ref.Kind)
	}
	defer src.Close()

	tester, ok := src.(connectionTester)
	if !ok {
		return sources.ConnectionReport{}, fmt.Errorf("%s does not support connection tests", src.Name())
	}
	return tester.TestConnection(ctx)
}

// RecordIdle writes the info entry for a sweep that found nothing due.
func (r *Runner) RecordIdle(ctx context.Context) {
	r.Runs.Info(ctx, "no sources due")
}
