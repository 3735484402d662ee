package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/store"
)

func (s *Store) ExistingKeys(ctx context.Context, tc models.TenantContext, ref models.SourceRef, keys []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(keys) == 0 {
		return out, nil
	}
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT dedup_key FROM alerts WHERE source_kind=$1 AND source_id=$2 AND dedup_key = ANY($3)`,
			string(ref.Kind), ref.ID, keys)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			out[k] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("existing keys: %w", err)
	}
	return out, nil
}

const alertColumns = `id, source_kind, source_id, dedup_key, payload, priority, category, message, status, error,
	attempts, received_at, processed_at, sent_at, created_at, updated_at`

func scanAlert(row pgx.Row, tenantID int64) (models.AlertRecord, error) {
	a := models.AlertRecord{TenantID: tenantID}
	var kind, priority, category, status string
	var payload []byte
	err := row.Scan(&a.ID, &kind, &a.Source.ID, &a.DedupKey, &payload, &priority, &category, &a.Message, &status,
		&a.Error, &a.Attempts, &a.ReceivedAt, &a.ProcessedAt, &a.SentAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return models.AlertRecord{}, err
	}
	a.Source.Kind = models.SourceKind(kind)
	a.Priority = models.Priority(priority)
	a.Category = models.Category(category)
	a.Status = models.AlertStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return models.AlertRecord{}, fmt.Errorf("alert %d payload: %w", a.ID, err)
		}
	}
	return a, nil
}

func (s *Store) CreateAlert(ctx context.Context, tc models.TenantContext, a models.AlertRecord) (models.AlertRecord, error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return models.AlertRecord{}, fmt.Errorf("encode payload: %w", err)
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = now
	}
	a.UpdatedAt = now
	a.TenantID = tc.ID
	if a.Status == "" {
		a.Status = models.StatusPending
	}

	err = s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO alerts (source_kind, source_id, dedup_key, payload, priority, category, message, status, error,
				attempts, received_at, processed_at, sent_at, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (source_kind, source_id, dedup_key) DO NOTHING
			RETURNING id`,
			string(a.Source.Kind), a.Source.ID, a.DedupKey, string(payload), string(a.Priority), string(a.Category),
			a.Message, string(a.Status), a.Error, a.Attempts, a.ReceivedAt, a.ProcessedAt, a.SentAt, a.CreatedAt, a.UpdatedAt).
			Scan(&a.ID)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AlertRecord{}, fmt.Errorf("alert %s/%d/%s: %w", a.Source.Kind, a.Source.ID, a.DedupKey, store.ErrDuplicate)
	}
	if err != nil {
		return models.AlertRecord{}, fmt.Errorf("create alert: %w", err)
	}
	return a, nil
}

func (s *Store) GetAlert(ctx context.Context, tc models.TenantContext, id int64) (models.AlertRecord, error) {
	var out models.AlertRecord
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		var err error
		out, err = scanAlert(tx.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=$1`, id), tc.ID)
		return err
	})
	if err != nil {
		return models.AlertRecord{}, notFound(err, fmt.Sprintf("alert %d", id))
	}
	return out, nil
}

func (s *Store) UpdateAlert(ctx context.Context, tc models.TenantContext, id int64, u store.AlertUpdate) error {
	var sets []string
	var args []any
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if u.Priority != nil {
		add("priority", string(*u.Priority))
	}
	if u.Category != nil {
		add("category", string(*u.Category))
	}
	if u.Message != nil {
		add("message", *u.Message)
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Error != nil {
		add("error", *u.Error)
	}
	if u.IncAttempts {
		sets = append(sets, "attempts=attempts+1")
	}
	if u.ProcessedAt != nil {
		add("processed_at", *u.ProcessedAt)
	}
	if u.SentAt != nil {
		add("sent_at", *u.SentAt)
	}
	add("updated_at", time.Now())
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE alerts SET %s WHERE id=$%d`, strings.Join(sets, ", "), len(args))

	return s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update alert %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("alert %d: %w", id, store.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) ListAlertsByStatus(ctx context.Context, tc models.TenantContext, status models.AlertStatus, limit int) ([]models.AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.AlertRecord
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+alertColumns+` FROM alerts WHERE status=$1 ORDER BY created_at, id LIMIT $2`,
			string(status), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAlert(rows, tc.ID)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

func (s *Store) PruneAlerts(ctx context.Context, tc models.TenantContext, status models.AlertStatus, before time.Time) (int, error) {
	var n int64
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM alerts WHERE status=$1 AND created_at < $2`, string(status), before)
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	return int(n), nil
}

func (s *Store) CreateNotification(ctx context.Context, tc models.TenantContext, n models.NotificationLog) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	return s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO notifications (id, alert_id, destination_id, status, provider_message_id, error, created_at, sent_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			n.ID, nullID(n.AlertID), n.DestinationID, string(n.Status), nullID(n.ProviderMessageID), n.Error, n.CreatedAt, n.SentAt)
		if err != nil {
			return fmt.Errorf("create notification: %w", err)
		}
		return nil
	})
}

func (s *Store) UpdateNotification(ctx context.Context, tc models.TenantContext, n models.NotificationLog) error {
	return s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE notifications SET status=$1, provider_message_id=$2, error=$3, sent_at=$4 WHERE id=$5`,
			string(n.Status), nullID(n.ProviderMessageID), n.Error, n.SentAt, n.ID)
		if err != nil {
			return fmt.Errorf("update notification: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("notification %s: %w", n.ID, store.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) ListNotifications(ctx context.Context, tc models.TenantContext, alertID int64) ([]models.NotificationLog, error) {
	var out []models.NotificationLog
	err := s.inTenant(ctx, tc, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, alert_id, destination_id, status, provider_message_id, error, created_at, sent_at
			FROM notifications WHERE alert_id=$1 ORDER BY created_at, id`, alertID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			n := models.NotificationLog{TenantID: tc.ID}
			var alert, provider *int64
			var status string
			if err := rows.Scan(&n.ID, &alert, &n.DestinationID, &status, &provider, &n.Error, &n.CreatedAt, &n.SentAt); err != nil {
				return err
			}
			n.AlertID = deref(alert)
			n.ProviderMessageID = deref(provider)
			n.Status = models.NotificationStatus(status)
			out = append(out, n)
		}
		return rows.Err()
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
		r.CreatedAt = time.Now()
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO public.run_logs (id, tenant_id, source_kind, source_id, status, message, fetched, new_count, skipped,
			created, sent, failed, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, nullID(r.TenantID), string(r.SourceKind), nullID(r.SourceID), string(r.Status), r.Message, r.Fetched,
		r.New, r.Skipped, r.Created, r.Sent, r.Failed, r.Duration.Milliseconds(), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run log: %w", err)
	}
	return nil
}

func (s *Store) ListRunLogs(ctx context.Context, limit int) ([]models.RunLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id, tenant_id, source_kind, source_id, status, message, fetched, new_count, skipped, created, sent, failed,
			duration_ms, created_at
		FROM public.run_logs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	defer rows.Close()
	var out []models.RunLog
	for rows.Next() {
		var r models.RunLog
		var tenantID, sourceID *int64
		var kind, status string
		var durationMs int64
		if err := rows.Scan(&r.ID, &tenantID, &kind, &sourceID, &status, &r.Message, &r.Fetched, &r.New, &r.Skipped,
			&r.Created, &r.Sent, &r.Failed, &durationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("list run logs: %w", err)
		}
		r.TenantID = deref(tenantID)
		r.SourceID = deref(sourceID)
		r.SourceKind = models.SourceKind(kind)
		r.Status = models.RunStatus(status)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) PruneRunLogs(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM public.run_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune run logs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
