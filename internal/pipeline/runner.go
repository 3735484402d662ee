// Package pipeline runs sources end to end: fetch, dedup, classify,
// format, persist, dispatch, acknowledge and log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ObiAU/alertrelay/internal/classify"
	"github.com/ObiAU/alertrelay/internal/dedup"
	"github.com/ObiAU/alertrelay/internal/format"
	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/notify"
	"github.com/ObiAU/alertrelay/internal/runlog"
	"github.com/ObiAU/alertrelay/internal/store"
)

// ErrNotConfigured means a run was requested for a source that lacks the
// configuration it needs.
var ErrNotConfigured = errors.New("source not configured")

type Dispatcher interface {
	DispatchAlert(ctx context.Context, tenant models.Tenant, alert models.AlertRecord) (notify.DispatchResult, error)
}

type Deps struct {
	Store      store.Store
	Sources    SourceFactory
	Filter     *dedup.Filter
	Classifier *classify.Classifier
	Formatter  *format.Formatter
	Dispatcher Dispatcher
	Runs       *runlog.Logger
}

type Options struct {
	Workers int
	// RetryMaxAttempts bounds how many dispatch attempts a failed alert
	// gets before RetryFailed leaves it alone.
	RetryMaxAttempts int
}

type Runner struct {
	Deps
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func New(deps Deps, opts Options, logger *zap.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RetryMaxAttempts <= 0 {
		opts.RetryMaxAttempts = 3
	}
	return &Runner{Deps: deps, opts: opts, logger: logger.Named("pipeline"), now: time.Now}
}

// job is everything one run needs, independent of the source kind.
type job struct {
	tenant       models.Tenant
	ref          models.SourceRef
	name         string
	source       models.Source
	limit        int
	rules        []models.Rule
	basePriority models.Priority
	chain        format.Chain
	title        func(models.Priority) string
	markChecked  func(ctx context.Context, at time.Time) error
}

// RunMailbox runs one mailbox configuration.
func (r *Runner) RunMailbox(ctx context.Context, tenant models.Tenant, cfg models.MailboxConfig) (models.RunLog, error) {
	cfg.Normalize()
	tc := tenant.Context()
	ref := models.SourceRef{Kind: models.SourceMailbox, ID: cfg.ID}

	rules, err := r.Store.ListRules(ctx, tc, ref)
	if err != nil {
		return r.Runs.Run(ctx, tc, ref, fmt.Errorf("load rules: %w", err), runlog.Counts{}, 0), err
	}

	return r.run(ctx, job{
		tenant: tenant,
		ref:    ref,
		name:   cfg.Name,
		source: r.Sources.Mailbox(cfg),
		limit:  cfg.MaxPerCheck,
		rules:  rules,
		title:  format.MailboxTitle,
		markChecked: func(ctx context.Context, at time.Time) error {
			return r.Store.MarkMailboxChecked(ctx, tc, cfg.ID, at)
		},
	})
}

// RunMetric runs one metric definition.
func (r *Runner) RunMetric(ctx context.Context, tenant models.Tenant, def models.MetricDefinition) (models.RunLog, error) {
	def.Normalize()
	tc := tenant.Context()
	ref := models.SourceRef{Kind: models.SourceMetric, ID: def.ID}

	global, err := r.Store.GetMetricGlobal(ctx)
	if errors.Is(err, store.ErrNotFound) {
		err = fmt.Errorf("%w: metric credentials missing", ErrNotConfigured)
	}
	if err != nil {
		return r.Runs.Run(ctx, tc, ref, err, runlog.Counts{}, 0), err
	}
	tenantCfg, err := r.Store.GetMetricTenant(ctx, tc)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return r.Runs.Run(ctx, tc, ref, fmt.Errorf("load tenant templates: %w", err), runlog.Counts{}, 0), err
	}
	rules, err := r.Store.ListRules(ctx, tc, ref)
	if err != nil {
		return r.Runs.Run(ctx, tc, ref, fmt.Errorf("load rules: %w", err), runlog.Counts{}, 0), err
	}

	name := def.Name
	return r.run(ctx, job{
		tenant:       tenant,
		ref:          ref,
		name:         def.Name,
		source:       r.Sources.Metric(def, global),
		limit:        models.MaxMaxPerCheck,
		rules:        rules,
		basePriority: def.DefaultPriority,
		chain: format.Chain{
			Template:             def.Template,
			ExampleOutput:        def.ExampleOutput,
			DefaultTemplate:      tenantCfg.DefaultTemplate,
			DefaultExampleOutput: tenantCfg.DefaultExampleOutput,
		},
		title: func(models.Priority) string { return name },
		markChecked: func(ctx context.Context, at time.Time) error {
			return r.Store.MarkMetricChecked(ctx, tc, def.ID, at)
		},
	})
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeDuplicate
	outcomeCreated
)

type recordResult struct {
	outcome outcome
	status  models.AlertStatus
}

func (r *Runner) run(ctx context.Context, j job) (models.RunLog, error) {
	start := r.now()
	tc := j.tenant.Context()
	logger := r.logger.With(
		zap.String("tenant", j.tenant.Slug),
		zap.String("source", j.source.Name()),
		zap.Int64("source_id", j.ref.ID))
	defer func() {
		if err := j.source.Close(); err != nil {
			logger.Debug("source close failed", zap.Error(err))
		}
	}()

	var counts runlog.Counts
	finish := func(err error) (models.RunLog, error) {
		return r.Runs.Run(ctx, tc, j.ref, err, counts, r.now().Sub(start)), err
	}

	batch, err := j.source.Fetch(ctx, j.limit)
	if err != nil {
		logger.Error("fetch failed", zap.Error(err))
		return finish(err)
	}
	counts.Fetched = len(batch.Records) + batch.Failed
	counts.Failed = batch.Failed

	fresh, skipped, err := r.Filter.Split(ctx, tc, j.ref, batch.Records)
	if err != nil {
		logger.Error("dedup lookup failed", zap.Error(err))
		return finish(err)
	}
	counts.New = len(fresh)
	counts.Skipped = len(skipped)

	var (
		mu    sync.Mutex
		acks  = append([]models.RawRecord(nil), skipped...)
		group errgroup.Group
	)
	group.SetLimit(r.opts.Workers)
	for _, rec := range fresh {
		rec := rec
		group.Go(func() error {
			res := r.process(ctx, j, rec, logger)

			mu.Lock()
			defer mu.Unlock()
			switch res.outcome {
			case outcomeFailed:
				counts.Failed++
				return nil
			case outcomeDuplicate:
				counts.New--
				counts.Skipped++
			case outcomeCreated:
				counts.Created++
				switch res.status {
				case models.StatusSent:
					counts.Sent++
				case models.StatusFailed:
					counts.Failed++
				}
			}
			acks = append(acks, rec)
			return nil
		})
	}
	_ = group.Wait()

	// One adapter connection per run, so acknowledgements are sequential.
	for _, rec := range acks {
		if err := j.source.Acknowledge(ctx, rec); err != nil {
			logger.Warn("acknowledge failed", zap.String("key", rec.Key), zap.Error(err))
		}
	}

	if err := j.markChecked(ctx, r.now()); err != nil {
		logger.Warn("failed to mark source checked", zap.Error(err))
	}
	return finish(nil)
}

func (r *Runner) process(ctx context.Context, j job, rec models.RawRecord, logger *zap.Logger) recordResult {
	tc := j.tenant.Context()
	cls := r.Classifier.Classify(rec, j.rules, j.basePriority)
	category := cls.Category
	if category == "" {
		category = models.CategoryContent
	}

	alert, err := r.Store.CreateAlert(ctx, tc, models.AlertRecord{
		Source:     j.ref,
		DedupKey:   rec.Key,
		Payload:    rec.Fields,
		Priority:   cls.Priority,
		Category:   category,
		Status:     models.StatusPending,
		ReceivedAt: rec.ReceivedAt,
	})
	if errors.Is(err, store.ErrDuplicate) {
		r.Filter.Remember(tc, j.ref, rec.Key)
		logger.Debug("record claimed by a concurrent run", zap.String("key", rec.Key))
		return recordResult{outcome: outcomeDuplicate}
	}
	if err != nil {
		logger.Error("failed to store alert", zap.String("key", rec.Key), zap.Error(err))
		return recordResult{outcome: outcomeFailed}
	}
	r.Filter.Remember(tc, j.ref, rec.Key)

	// The key is claimed, so the backend is only asked once per record.
	text, usedAI := r.Formatter.Format(ctx, format.Input{
		Fields:     rec.Fields,
		Priority:   cls.Priority,
		Title:      j.title(cls.Priority),
		TenantName: j.tenant.Name,
		Chain:      j.chain,
		At:         rec.ReceivedAt,
	})
	logger.Debug("alert created",
		zap.Int64("alert_id", alert.ID),
		zap.String("priority", string(cls.Priority)),
		zap.String("rule", cls.RuleName),
		zap.Bool("ai_formatted", usedAI))

	err = r.Store.UpdateAlert(ctx, tc, alert.ID, store.AlertUpdate{
		Message: &text,
		Status:  store.StatusPtr(models.StatusProcessing),
	})
	if err != nil {
		logger.Warn("failed to store formatted alert", zap.Int64("alert_id", alert.ID), zap.Error(err))
	}
	alert.Message = text
	alert.Status = models.StatusProcessing

	result, err := r.Dispatcher.DispatchAlert(ctx, j.tenant, alert)
	if err != nil {
		logger.Error("dispatch failed", zap.Int64("alert_id", alert.ID), zap.Error(err))
		uerr := r.Store.UpdateAlert(ctx, tc, alert.ID, store.AlertUpdate{
			Status:      store.StatusPtr(models.StatusFailed),
			Error:       store.StringPtr(err.Error()),
			IncAttempts: true,
			ProcessedAt: store.TimePtr(r.now()),
		})
		if uerr != nil {
			logger.Warn("failed to mark alert failed", zap.Int64("alert_id", alert.ID), zap.Error(uerr))
		}
		return recordResult{outcome: outcomeCreated, status: models.StatusFailed}
	}
	return recordResult{outcome: outcomeCreated, status: result.Status}
}
