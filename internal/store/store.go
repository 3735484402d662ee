// Package store defines the persistence contract shared by the SQLite and
// Postgres backends. Tenant-scoped calls take an explicit TenantContext.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ObiAU/alertrelay/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type AlertUpdate struct {
	Priority    *models.Priority
	Category    *models.Category
	Message     *string
	Status      *models.AlertStatus
	Error       *string
	IncAttempts bool
	ProcessedAt *time.Time
	SentAt      *time.Time
}

type Store interface {
	UpsertTenant(ctx context.Context, t models.Tenant) (models.Tenant, error)
	GetTenant(ctx context.Context, id int64) (models.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error)
	ListTenants(ctx context.Context, activeOnly bool) ([]models.Tenant, error)

	UpsertBot(ctx context.Context, b models.Bot) (models.Bot, error)
	GetBot(ctx context.Context, id int64) (models.Bot, error)
	ListBots(ctx context.Context) ([]models.Bot, error)

	UpsertUser(ctx context.Context, tc models.TenantContext, u models.User) (models.User, error)
	GetUser(ctx context.Context, tc models.TenantContext, id int64) (models.User, error)
	SetUserChatID(ctx context.Context, tc models.TenantContext, userID int64, chatID string) error

	// CreateDestination fails with ErrDuplicate when the chat is already
	// bound to any tenant.
	CreateDestination(ctx context.Context, d models.Destination) (models.Destination, error)
	GetDestinationByChat(ctx context.Context, chatID int64) (models.Destination, error)
	ListDestinations(ctx context.Context, tenantID int64) ([]models.Destination, error)

	CreateCode(ctx context.Context, c models.RegistrationCode) error
	GetCode(ctx context.Context, code string) (models.RegistrationCode, error)
	// ConsumeCode marks an unused code as used and creates the destination
	// it registers, atomically. It returns ErrNotFound when the code is
	// missing or already used and ErrDuplicate when the chat is bound.
	ConsumeCode(ctx context.Context, code string, d models.Destination, at time.Time) (models.Destination, error)

	UpsertMailbox(ctx context.Context, tc models.TenantContext, m models.MailboxConfig) (models.MailboxConfig, error)
	GetMailbox(ctx context.Context, tc models.TenantContext, id int64) (models.MailboxConfig, error)
	ListMailboxes(ctx context.Context, tc models.TenantContext, activeOnly bool) ([]models.MailboxConfig, error)
	MarkMailboxChecked(ctx context.Context, tc models.TenantContext, id int64, at time.Time) error

	UpsertMetricGlobal(ctx context.Context, g models.MetricGlobalConfig) error
	GetMetricGlobal(ctx context.Context) (models.MetricGlobalConfig, error)
	UpsertMetricTenant(ctx context.Context, tc models.TenantContext, c models.MetricTenantConfig) error
	GetMetricTenant(ctx context.Context, tc models.TenantContext) (models.MetricTenantConfig, error)
	UpsertMetricDefinition(ctx context.Context, tc models.TenantContext, d models.MetricDefinition) (models.MetricDefinition, error)
	GetMetricDefinition(ctx context.Context, tc models.TenantContext, id int64) (models.MetricDefinition, error)
	ListMetricDefinitions(ctx context.Context, tc models.TenantContext, activeOnly bool) ([]models.MetricDefinition, error)
	MarkMetricChecked(ctx context.Context, tc models.TenantContext, id int64, at time.Time) error

	UpsertRule(ctx context.Context, tc models.TenantContext, r models.Rule) (models.Rule, error)
	ListRules(ctx context.Context, tc models.TenantContext, ref models.SourceRef) ([]models.Rule, error)

	// ExistingKeys returns the subset of keys already stored for the source.
	ExistingKeys(ctx context.Context, tc models.TenantContext, ref models.SourceRef, keys []string) (map[string]bool, error)
	// CreateAlert fails with ErrDuplicate when the dedup key is taken.
	CreateAlert(ctx context.Context, tc models.TenantContext, a models.AlertRecord) (models.AlertRecord, error)
	GetAlert(ctx context.Context, tc models.TenantContext, id int64) (models.AlertRecord, error)
	UpdateAlert(ctx context.Context, tc models.TenantContext, id int64, u AlertUpdate) error
	ListAlertsByStatus(ctx context.Context, tc models.TenantContext, status models.AlertStatus, limit int) ([]models.AlertRecord, error)
	PruneAlerts(ctx context.Context, tc models.TenantContext, status models.AlertStatus, before time.Time) (int, error)

	CreateNotification(ctx context.Context, tc models.TenantContext, n models.NotificationLog) error
	UpdateNotification(ctx context.Context, tc models.TenantContext, n models.NotificationLog) error
	ListNotifications(ctx context.Context, tc models.TenantContext, alertID int64) ([]models.NotificationLog, error)

	CreateRunLog(ctx context.Context, r models.RunLog) error
	ListRunLogs(ctx context.Context, limit int) ([]models.RunLog, error)
	PruneRunLogs(ctx context.Context, before time.Time) (int, error)

	Close() error
}

func StatusPtr(s models.AlertStatus) *models.AlertStatus { return &s }

func StringPtr(s string) *string { return &s }

func TimePtr(t time.Time) *time.Time { return &t }
