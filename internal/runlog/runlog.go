// Package runlog records one entry per source run. Recording never fails
// the caller: store errors are logged and dropped.
package runlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
)

type Store interface {
	CreateRunLog(ctx context.Context, r models.RunLog) error
}

// Counts aggregates what happened to the records of one run.
type Counts struct {
	Fetched int
	New     int
	Skipped int
	Created int
	Sent    int
	Failed  int
}

type Logger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func New(st Store, logger *zap.Logger) *Logger {
	return &Logger{store: st, logger: logger.Named("runlog"), now: time.Now}
}

// DeriveStatus maps a run outcome to its status: error when the adapter
// failed, warning when any record failed, success otherwise.
func DeriveStatus(adapterErr error, c Counts) models.RunStatus {
	switch {
	case adapterErr != nil:
		return models.RunError
	case c.Failed > 0:
		return models.RunWarning
	default:
		return models.RunSuccess
	}
}

func Summary(adapterErr error, c Counts) string {
	if adapterErr != nil {
		return fmt.Sprintf("error: %v", adapterErr)
	}
	return fmt.Sprintf("fetched %d, new %d, skipped %d; alerts created %d, sent %d, failed %d",
		c.Fetched, c.New, c.Skipped, c.Created, c.Sent, c.Failed)
}

// Run builds and records the entry for one source run.
func (l *Logger) Run(ctx context.Context, tenant models.TenantContext, ref models.SourceRef, adapterErr error, c Counts, duration time.Duration) models.RunLog {
	return l.Record(ctx, models.RunLog{
		TenantID:   tenant.ID,
		SourceKind: ref.Kind,
		SourceID:   ref.ID,
		Status:     DeriveStatus(adapterErr, c),
		Message:    Summary(adapterErr, c),
		Fetched:    c.Fetched,
		New:        c.New,
		Skipped:    c.Skipped,
		Created:    c.Created,
		Sent:       c.Sent,
		Failed:     c.Failed,
		Duration:   duration,
	})
}

// Info records a run-less entry such as "nothing was due".
func (l *Logger) Info(ctx context.Context, message string) models.RunLog {
	return l.Record(ctx, models.RunLog{Status: models.RunInfo, Message: message})
}

func (l *Logger) Record(ctx context.Context, entry models.RunLog) models.RunLog {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}

	fields := []zap.Field{
		zap.String("run_id", entry.ID.String()),
		zap.String("status", string(entry.Status)),
		zap.Int64("tenant_id", entry.TenantID),
		zap.String("source_kind", string(entry.SourceKind)),
		zap.Int64("source_id", entry.SourceID),
		zap.Duration("duration", entry.Duration),
		zap.String("message", entry.Message),
	}
	switch entry.Status {
	case models.RunError:
		l.logger.Error("run finished", fields...)
	case models.RunWarning:
		l.logger.Warn("run finished", fields...)
	default:
		l.logger.Info("run finished", fields...)
	}

	if err := l.store.CreateRunLog(ctx, entry); err != nil {
		l.logger.Error("failed to persist run log", zap.String("run_id", entry.ID.String()), zap.Error(err))
	}
	return entry
}
