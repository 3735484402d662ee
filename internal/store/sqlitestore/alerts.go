package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/store"
)

func (s *Store) ExistingKeys(ctx context.Context, tc models.TenantContext, ref models.SourceRef, keys []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(keys)+3)
	args = append(args, tc.ID, string(ref.Kind), ref.ID)
	for _, k := range keys {
		args = append(args, k)
	}

	err := s.exec(ctx, `SELECT dedup_key FROM alerts
		WHERE tenant_id = ? AND source_kind = ? AND source_id = ? AND dedup_key IN (`+placeholders(len(keys))+`)`,
		args, func(stmt *sqlite.Stmt) error {
			out[stmt.ColumnText(0)] = true
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("existing keys: %w", err)
	}
	return out, nil
}

const alertColumns = `id, tenant_id, source_kind, source_id, dedup_key, payload, priority, category, message,
	status, error, attempts, received_at, processed_at, sent_at, created_at, updated_at`

func scanAlert(stmt *sqlite.Stmt) (models.AlertRecord, error) {
	a := models.AlertRecord{
		ID:          stmt.ColumnInt64(0),
		TenantID:    stmt.ColumnInt64(1),
		Source:      models.SourceRef{Kind: models.SourceKind(stmt.ColumnText(2)), ID: stmt.ColumnInt64(3)},
		DedupKey:    stmt.ColumnText(4),
		Priority:    models.Priority(stmt.ColumnText(6)),
		Category:    models.Category(stmt.ColumnText(7)),
		Message:     stmt.ColumnText(8),
		Status:      models.AlertStatus(stmt.ColumnText(9)),
		Error:       stmt.ColumnText(10),
		Attempts:    stmt.ColumnInt(11),
		ReceivedAt:  fromMs(stmt.ColumnInt64(12)),
		ProcessedAt: columnTime(stmt, 13),
		SentAt:      columnTime(stmt, 14),
		CreatedAt:   fromMs(stmt.ColumnInt64(15)),
		UpdatedAt:   fromMs(stmt.ColumnInt64(16)),
	}
	if payload := stmt.ColumnText(5); payload != "" {
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			return a, fmt.Errorf("alert %d payload: %w", a.ID, err)
		}
	}
	return a, nil
}

func (s *Store) CreateAlert(ctx context.Context, tc models.TenantContext, a models.AlertRecord) (models.AlertRecord, error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return models.AlertRecord{}, fmt.Errorf("encode payload: %w", err)
	}
	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.TenantID = tc.ID
	if a.Status == "" {
		a.Status = models.StatusPending
	}

	n, id, err := s.execChanges(ctx, `INSERT INTO alerts
		(tenant_id, source_kind, source_id, dedup_key, payload, priority, category, message, status, error,
		 attempts, received_at, processed_at, sent_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, source_kind, source_id, dedup_key) DO NOTHING`,
		tc.ID, string(a.Source.Kind), a.Source.ID, a.DedupKey, string(payload), string(a.Priority), string(a.Category),
		a.Message, string(a.Status), a.Error, a.Attempts, toMs(a.ReceivedAt), nullMs(a.ProcessedAt), nullMs(a.SentAt),
		toMs(a.CreatedAt), toMs(a.UpdatedAt))
	if err != nil {
		return models.AlertRecord{}, fmt.Errorf("create alert: %w", err)
	}
	if n == 0 {
		return models.AlertRecord{}, fmt.Errorf("alert %s/%d/%s: %w", a.Source.Kind, a.Source.ID, a.DedupKey, store.ErrDuplicate)
	}
	a.ID = id
	return a, nil
}

func (s *Store) GetAlert(ctx context.Context, tc models.TenantContext, id int64) (models.AlertRecord, error) {
	var out models.AlertRecord
	found := false
	err := s.exec(ctx, `SELECT `+alertColumns+` FROM alerts WHERE tenant_id = ? AND id = ?`, []any{tc.ID, id},
		func(stmt *sqlite.Stmt) error {
			a, err := scanAlert(stmt)
			if err != nil {
				return err
			}
			out = a
			found = true
			return nil
		})
	if err != nil {
		return models.AlertRecord{}, fmt.Errorf("get alert: %w", err)
	}
	if !found {
		return models.AlertRecord{}, fmt.Errorf("alert %d: %w", id, store.ErrNotFound)
	}
	return out, nil
}

func (s *Store) UpdateAlert(ctx context.Context, tc models.TenantContext, id int64, u store.AlertUpdate) error {
	var sets []string
	var args []any
	if u.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, string(*u.Priority))
	}
	if u.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, string(*u.Category))
	}
	if u.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *u.Message)
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *u.Error)
	}
	if u.IncAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if u.ProcessedAt != nil {
		sets = append(sets, "processed_at = ?")
		args = append(args, toMs(*u.ProcessedAt))
	}
	if u.SentAt != nil {
		sets = append(sets, "sent_at = ?")
		args = append(args, toMs(*u.SentAt))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, toMs(s.now()), tc.ID, id)

	n, _, err := s.execChanges(ctx, `UPDATE alerts SET `+strings.Join(sets, ", ")+` WHERE tenant_id = ? AND id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update alert %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("alert %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListAlertsByStatus(ctx context.Context, tc models.TenantContext, status models.AlertStatus, limit int) ([]models.AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.AlertRecord
	err := s.exec(ctx, `SELECT `+alertColumns+` FROM alerts WHERE tenant_id = ? AND status = ?
		ORDER BY created_at, id LIMIT ?`, []any{tc.ID, string(status), limit}, func(stmt *sqlite.Stmt) error {
		a, err := scanAlert(stmt)
		if err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

func (s *Store) PruneAlerts(ctx context.Context, tc models.TenantContext, status models.AlertStatus, before time.Time) (int, error) {
	n, _, err := s.execChanges(ctx, `DELETE FROM alerts WHERE tenant_id = ? AND status = ? AND created_at < ?`,
		tc.ID, string(status), toMs(before))
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	return n, nil
}

func (s *Store) CreateNotification(ctx context.Context, tc models.TenantContext, n models.NotificationLog) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	_, _, err := s.execChanges(ctx, `INSERT INTO notifications
		(id, tenant_id, alert_id, destination_id, status, provider_message_id, error, created_at, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID.String(), tc.ID, nullInt(n.AlertID), n.DestinationID, string(n.Status), nullInt(n.ProviderMessageID),
		n.Error, toMs(n.CreatedAt), nullMs(n.SentAt))
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *Store) UpdateNotification(ctx context.Context, tc models.TenantContext, n models.NotificationLog) error {
	c, _, err := s.execChanges(ctx, `UPDATE notifications SET status = ?, provider_message_id = ?, error = ?, sent_at = ?
		WHERE tenant_id = ? AND id = ?`,
		string(n.Status), nullInt(n.ProviderMessageID), n.Error, nullMs(n.SentAt), tc.ID, n.ID.String())
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if c == 0 {
		return fmt.Errorf("notification %s: %w", n.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, tc models.TenantContext, alertID int64) ([]models.NotificationLog, error) {
	var out []models.NotificationLog
	err := s.exec(ctx, `SELECT id, tenant_id, COALESCE(alert_id, 0), destination_id, status, COALESCE(provider_message_id, 0),
		error, created_at, sent_at FROM notifications WHERE tenant_id = ? AND alert_id = ? ORDER BY created_at, id`,
		[]any{tc.ID, alertID}, func(stmt *sqlite.Stmt) error {
			id, err := uuid.Parse(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("notification id: %w", err)
			}
			out = append(out, models.NotificationLog{
				ID:                id,
				TenantID:          stmt.ColumnInt64(1),
				AlertID:           stmt.ColumnInt64(2),
				DestinationID:     stmt.ColumnInt64(3),
				Status:            models.NotificationStatus(stmt.ColumnText(4)),
				ProviderMessageID: stmt.ColumnInt64(5),
				Error:             stmt.ColumnText(6),
				CreatedAt:         fromMs(stmt.ColumnInt64(7)),
				SentAt:            columnTime(stmt, 8),
			})
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

func (s *Store) CreateRunLog(ctx context.Context, r models.RunLog) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	_, _, err := s.execChanges(ctx, `INSERT INTO run_logs
		(id, tenant_id, source_kind, source_id, status, message, fetched, new_count, skipped, created, sent, failed,
		 duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), nullInt(r.TenantID), string(r.SourceKind), nullInt(r.SourceID), string(r.Status), r.Message,
		r.Fetched, r.New, r.Skipped, r.Created, r.Sent, r.Failed, r.Duration.Milliseconds(), toMs(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("create run log: %w", err)
	}
	return nil
}

func (s *Store) ListRunLogs(ctx context.Context, limit int) ([]models.RunLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.RunLog
	err := s.exec(ctx, `SELECT id, COALESCE(tenant_id, 0), source_kind, COALESCE(source_id, 0), status, message, fetched,
		new_count, skipped, created, sent, failed, duration_ms, created_at
		FROM run_logs ORDER BY created_at DESC LIMIT ?`, []any{limit}, func(stmt *sqlite.Stmt) error {
		id, err := uuid.Parse(stmt.ColumnText(0))
		if err != nil {
			return fmt.Errorf("run log id: %w", err)
		}
		out = append(out, models.RunLog{
			ID:         id,
			TenantID:   stmt.ColumnInt64(1),
			SourceKind: models.SourceKind(stmt.ColumnText(2)),
			SourceID:   stmt.ColumnInt64(3),
			Status:     models.RunStatus(stmt.ColumnText(4)),
			Message:    stmt.ColumnText(5),
			Fetched:    stmt.ColumnInt(6),
			New:        stmt.ColumnInt(7),
			Skipped:    stmt.ColumnInt(8),
			Created:    stmt.ColumnInt(9),
			Sent:       stmt.ColumnInt(10),
			Failed:     stmt.ColumnInt(11),
			Duration:   time.Duration(stmt.ColumnInt64(12)) * time.Millisecond,
			CreatedAt:  fromMs(stmt.ColumnInt64(13)),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	return out, nil
}

func (s *Store) PruneRunLogs(ctx context.Context, before time.Time) (int, error) {
	n, _, err := s.execChanges(ctx, `DELETE FROM run_logs WHERE created_at < ?`, toMs(before))
	if err != nil {
		return 0, fmt.Errorf("prune run logs: %w", err)
	}
	return n, nil
}
