// Package notify fans an alert message out to a tenant's registered chat
// destinations and records the outcome of every send.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/store"
)

type Sender interface {
	Send(ctx context.Context, chatID int64, text string) (int64, error)
}

// SenderResolver returns the first usable sender among bot ids. Id 0 is
// the process default bot.
type SenderResolver func(ctx context.Context, botIDs ...int64) (Sender, error)

type Store interface {
	ListDestinations(ctx context.Context, tenantID int64) ([]models.Destination, error)
	CreateNotification(ctx context.Context, tc models.TenantContext, n models.NotificationLog) error
	UpdateNotification(ctx context.Context, tc models.TenantContext, n models.NotificationLog) error
	UpdateAlert(ctx context.Context, tc models.TenantContext, id int64, u store.AlertUpdate) error
}

type Options struct {
	SendTimeout time.Duration
	Concurrency int
}

type Dispatcher struct {
	store   Store
	senders SenderResolver
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

type DispatchResult struct {
	Attempted int                `json:"attempted"`
	Sent      int                `json:"sent"`
	Failed    int                `json:"failed"`
	Errors    []string           `json:"errors,omitempty"`
	Status    models.AlertStatus `json:"status"`
}

// Error is the text stored on the alert for a non-sent outcome.
func (r DispatchResult) Error() string {
	return strings.Join(r.Errors, "; ")
}

func NewDispatcher(st Store, senders SenderResolver, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Dispatcher{
		store:   st,
		senders: senders,
		opts:    opts,
		logger:  logger.Named("dispatcher"),
		now:     time.Now,
	}
}

// Dispatch sends text to every active destination of the tenant that
// subscribes to category at priority p. The result is sent when at least
// one send succeeded, ignored when there was nobody to send to and failed
// otherwise.
func (d *Dispatcher) Dispatch(ctx context.Context, tenant models.Tenant, alertID int64, text string, category models.Category, p models.Priority) (DispatchResult, error) {
	if category == "" {
		category = models.CategoryContent
	}
	all, err := d.store.ListDestinations(ctx, tenant.ID)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("list destinations: %w", err)
	}
	var targets []models.Destination
	for _, dest := range all {
		if dest.Accepts(category, p) {
			targets = append(targets, dest)
		}
	}

	if len(targets) == 0 {
		return DispatchResult{
			Status: models.StatusIgnored,
			Errors: []string{fmt.Sprintf("no active destinations subscribed to %s alerts", category)},
		}, nil
	}

	var (
		mu     sync.Mutex
		result = DispatchResult{Attempted: len(targets)}
		g      errgroup.Group
	)
	g.SetLimit(d.opts.Concurrency)
	for _, dest := range targets {
		dest := dest
		g.Go(func() error {
			err := d.sendOne(ctx, tenant, alertID, dest, text)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s (%d): %v", destinationLabel(dest), dest.ChatID, err))
				return nil
			}
			result.Sent++
			return nil
		})
	}
	_ = g.Wait()

	if result.Sent > 0 {
		result.Status = models.StatusSent
	} else {
		result.Status = models.StatusFailed
	}
	d.logger.Info("alert dispatched",
		zap.String("tenant", tenant.Slug),
		zap.Int64("alert_id", alertID),
		zap.Int("attempted", result.Attempted),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, tenant models.Tenant, alertID int64, dest models.Destination, text string) error {
	tc := tenant.Context()
	entry := models.NotificationLog{
		ID:            uuid.New(),
		TenantID:      tenant.ID,
		AlertID:       alertID,
		DestinationID: dest.ID,
		Status:        models.NotificationPending,
		CreatedAt:     d.now(),
	}
	if err := d.store.CreateNotification(ctx, tc, entry); err != nil {
		d.logger.Warn("failed to record notification", zap.Int64("destination_id", dest.ID), zap.Error(err))
	}

	sendErr := d.send(ctx, tenant, dest, text, &entry)
	if sendErr != nil {
		entry.Status = models.NotificationFailed
		entry.Error = sendErr.Error()
	} else {
		entry.Status = models.NotificationSent
		entry.SentAt = store.TimePtr(d.now())
	}
	if err := d.store.UpdateNotification(ctx, tc, entry); err != nil {
		d.logger.Warn("failed to update notification", zap.Int64("destination_id", dest.ID), zap.Error(err))
	}
	return sendErr
}

func (d *Dispatcher) send(ctx context.Context, tenant models.Tenant, dest models.Destination, text string, entry *models.NotificationLog) error {
	var ids []int64
	for _, id := range []int64{dest.BotID, tenant.DefaultBotID} {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	ids = append(ids, 0)

	sender, err := d.senders(ctx, ids...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	msgID, err := sender.Send(ctx, dest.ChatID, text)
	if err != nil {
		return err
	}
	entry.ProviderMessageID = msgID
	return nil
}

// DispatchAlert dispatches a stored alert and records the outcome on it.
func (d *Dispatcher) DispatchAlert(ctx context.Context, tenant models.Tenant, alert models.AlertRecord) (DispatchResult, error) {
	result, err := d.Dispatch(ctx, tenant, alert.ID, alert.Message, alert.Category, alert.Priority)
	if err != nil {
		return result, err
	}

	update := store.AlertUpdate{
		Status:      store.StatusPtr(result.Status),
		IncAttempts: true,
		ProcessedAt: store.TimePtr(d.now()),
		Error:       store.StringPtr(""),
	}
	switch result.Status {
	case models.StatusSent:
		update.SentAt = store.TimePtr(d.now())
		if result.Failed > 0 {
			update.Error = store.StringPtr(result.Error())
		}
	default:
		update.Error = store.StringPtr(result.Error())
	}
	if err := d.store.UpdateAlert(ctx, tenant.Context(), alert.ID, update); err != nil {
		return result, fmt.Errorf("update alert %d: %w", alert.ID, err)
	}
	return result, nil
}

// SendSystemAlert notifies destinations subscribed to system alerts. No
// alert record is involved.
func (d *Dispatcher) SendSystemAlert(ctx context.Context, tenant models.Tenant, subject, text string) (DispatchResult, error) {
	msg := fmt.Sprintf("⚠️ <b>%s</b>\n\n%s", html.EscapeString(subject), html.EscapeString(text))
	return d.Dispatch(ctx, tenant, 0, msg, models.CategorySystem, "")
}

func destinationLabel(d models.Destination) string {
	switch {
	case d.Title != "":
		return d.Title
	case d.Username != "":
		return "@" + d.Username
	default:
		return fmt.Sprintf("destination %d", d.ID)
	}
}
