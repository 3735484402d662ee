package sqlitestore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), Options{PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTenant(t *testing.T, s *Store, slug string) models.Tenant {
	t.Helper()
	tenant, err := s.UpsertTenant(context.Background(), models.Tenant{Slug: slug, Name: slug + " SA", Active: true})
	require.NoError(t, err)
	return tenant
}

func TestUpsertTenantIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := seedTenant(t, s, "acme")
	second, err := s.UpsertTenant(ctx, models.Tenant{Slug: "acme", Name: "Acme Renamed", Active: true})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Acme Renamed", second.Name)
	assert.Equal(t, "acme", second.Schema)

	tenants, err := s.ListTenants(ctx, true)
	require.NoError(t, err)
	assert.Len(t, tenants, 1)

	_, err = s.GetTenantBySlug(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateAlertRejectsDuplicateKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tc := seedTenant(t, s, "acme").Context()
	ref := models.SourceRef{Kind: models.SourceMailbox, ID: 7}

	alert := models.AlertRecord{
		Source:     ref,
		DedupKey:   "a@x.com\x1fHello\x1f2024-01-01T00:00:00Z",
		Payload:    models.Fields{{Name: "subject", Value: "Hello"}, {Name: "sender", Value: "a@x.com"}},
		Priority:   models.PriorityHigh,
		Category:   models.CategoryContent,
		ReceivedAt: time.Now(),
	}
	created, err := s.CreateAlert(ctx, tc, alert)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, models.StatusPending, created.Status)

	_, err = s.CreateAlert(ctx, tc, alert)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	// Same key under another source is a different identity.
	alert.Source.ID = 8
	_, err = s.CreateAlert(ctx, tc, alert)
	require.NoError(t, err)

	got, err := s.GetAlert(ctx, tc, created.ID)
	require.NoError(t, err)
	require.Len(t, got.Payload, 2)
	assert.Equal(t, "subject", got.Payload[0].Name)
	assert.Equal(t, "Hello", got.Payload.String("subject"))
}

func TestConcurrentCreateAlertOnlyOneWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tc := seedTenant(t, s, "acme").Context()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateAlert(ctx, tc, models.AlertRecord{
				Source:   models.SourceRef{Kind: models.SourceMetric, ID: 1},
				DedupKey: "row-1",
				Priority: models.PriorityMedium,
				Category: models.CategoryContent,
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestExistingKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tc := seedTenant(t, s, "acme").Context()
	other := seedTenant(t, s, "globex").Context()
	ref := models.SourceRef{Kind: models.SourceMetric, ID: 3}

	for _, key := range []string{"k1", "k2"} {
		_, err := s.CreateAlert(ctx, tc, models.AlertRecord{Source: ref, DedupKey: key, Priority: models.PriorityLow})
		require.NoError(t, err)
	}

	got, err := s.ExistingKeys(ctx, tc, ref, []string{"k1", "k3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"k1": true}, got)

	got, err = s.ExistingKeys(ctx, other, ref, []string{"k1", "k2"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpdateAlert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tc := seedTenant(t, s, "acme").Context()

	a, err := s.CreateAlert(ctx, tc, models.AlertRecord{
		Source:   models.SourceRef{Kind: models.SourceMetric, ID: 1},
		DedupKey: "x",
		Priority: models.PriorityLow,
	})
	require.NoError(t, err)

	sentAt := time.Now()
	require.NoError(t, s.UpdateAlert(ctx, tc, a.ID, store.AlertUpdate{
		Status:      store.StatusPtr(models.StatusSent),
		Message:     store.StringPtr("hello"),
		IncAttempts: true,
		SentAt:      &sentAt,
	}))

	got, err := s.GetAlert(ctx, tc, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Equal(t, "hello", got.Message)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.SentAt)
	assert.Equal(t, sentAt.UnixMilli(), got.SentAt.UnixMilli())

	sent, err := s.ListAlertsByStatus(ctx, tc, models.StatusSent, 10)
	require.NoError(t, err)
	assert.Len(t, sent, 1)

	err = s.UpdateAlert(ctx, tc, 9999, store.AlertUpdate{Status: store.StatusPtr(models.StatusFailed)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConsumeCodeIsSingleUse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, s, "acme")
	now := time.Now()

	require.NoError(t, s.CreateCode(ctx, models.RegistrationCode{
		Code: "ABCDEFGH", TenantID: tenant.ID, CreatedAt: now, ExpiresAt: now.Add(7 * 24 * time.Hour),
	}))
	assert.ErrorIs(t, s.CreateCode(ctx, models.RegistrationCode{Code: "ABCDEFGH", TenantID: tenant.ID}), store.ErrDuplicate)

	d, err := s.ConsumeCode(ctx, "ABCDEFGH", models.Destination{
		TenantID: tenant.ID, ChatID: -100, Kind: models.ChatGroup, Title: "Ops", Active: true, ContentAlerts: true,
	}, now)
	require.NoError(t, err)
	assert.NotZero(t, d.ID)

	_, err = s.ConsumeCode(ctx, "ABCDEFGH", models.Destination{TenantID: tenant.ID, ChatID: -200, Kind: models.ChatGroup}, now)
	assert.ErrorIs(t, err, store.ErrNotFound)

	code, err := s.GetCode(ctx, "ABCDEFGH")
	require.NoError(t, err)
	assert.True(t, code.Used())
	assert.Equal(t, d.ID, code.DestinationID)

	dests, err := s.ListDestinations(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, dests, 1)
}

func TestConsumeCodeRollsBackOnBoundChat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, s, "acme")
	now := time.Now()

	_, err := s.CreateDestination(ctx, models.Destination{TenantID: tenant.ID, ChatID: 42, Kind: models.ChatPrivate, Title: "x"})
	require.NoError(t, err)
	require.NoError(t, s.CreateCode(ctx, models.RegistrationCode{
		Code: "QWERTYUP", TenantID: tenant.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	_, err = s.ConsumeCode(ctx, "QWERTYUP", models.Destination{TenantID: tenant.ID, ChatID: 42, Kind: models.ChatPrivate}, now)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	code, err := s.GetCode(ctx, "QWERTYUP")
	require.NoError(t, err)
	assert.False(t, code.Used())
}

func TestMailboxRoundTripAndMarkChecked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tc := seedTenant(t, s, "acme").Context()

	m, err := s.UpsertMailbox(ctx, tc, models.MailboxConfig{
		Name: "ventas", Host: "imap.example.com", Username: "u", Password: "p", UseTLS: true, Active: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 993, m.Port)
	assert.Equal(t, models.DefaultCheckInterval, m.CheckInterval)
	assert.Nil(t, m.LastCheck)

	at := time.Now()
	require.NoError(t, s.MarkMailboxChecked(ctx, tc, m.ID, at))

	got, err := s.GetMailbox(ctx, tc, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastCheck)
	assert.False(t, got.Due(at.Add(time.Minute)))

	list, err := s.ListMailboxes(ctx, tc, true)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListRulesOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tc := seedTenant(t, s, "acme").Context()
	ref := models.SourceRef{Kind: models.SourceMailbox, ID: 1}

	for _, r := range []models.Rule{
		{SourceKind: models.SourceMailbox, Name: "b", Order: 2, Kind: models.RuleSenderContains, Pattern: "@vip.com", Priority: models.PriorityHigh, Active: true},
		{SourceKind: models.SourceMailbox, SourceID: 1, Name: "a", Order: 1, Kind: models.RuleSubjectContains, Pattern: "URGENT", Priority: models.PriorityCritical, Active: true},
		{SourceKind: models.SourceMailbox, SourceID: 2, Name: "other", Order: 0, Kind: models.RuleBodyContains, Pattern: "x", Priority: models.PriorityLow, Active: true},
		{SourceKind: models.SourceMetric, Name: "metric", Order: 0, Kind: models.RuleFieldContains, Field: "Region", Pattern: "x", Priority: models.PriorityLow, Active: true},
	} {
		_, err := s.UpsertRule(ctx, tc, r)
		require.NoError(t, err)
	}

	rules, err := s.ListRules(ctx, tc, ref)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].Name)
	assert.Equal(t, "b", rules[1].Name)
}

func TestRunLogsAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-100 * 24 * time.Hour)

	require.NoError(t, s.CreateRunLog(ctx, models.RunLog{Status: models.RunInfo, Message: "no configs due", CreatedAt: old}))
	require.NoError(t, s.CreateRunLog(ctx, models.RunLog{
		ID: uuid.New(), TenantID: 1, SourceKind: models.SourceMailbox, SourceID: 2,
		Status: models.RunSuccess, Message: "ok", Fetched: 3, Duration: 1500 * time.Millisecond,
	}))

	logs, err := s.ListRunLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.RunSuccess, logs[0].Status)
	assert.Equal(t, 1500*time.Millisecond, logs[0].Duration)

	n, err := s.PruneRunLogs(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNotifications(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tc := seedTenant(t, s, "acme").Context()

	n := models.NotificationLog{ID: uuid.New(), AlertID: 5, DestinationID: 9, Status: models.NotificationPending}
	require.NoError(t, s.CreateNotification(ctx, tc, n))

	sentAt := time.Now()
	n.Status = models.NotificationSent
	n.ProviderMessageID = 321
	n.SentAt = &sentAt
	require.NoError(t, s.UpdateNotification(ctx, tc, n))

	logs, err := s.ListNotifications(ctx, tc, 5)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.NotificationSent, logs[0].Status)
	assert.Equal(t, int64(321), logs[0].ProviderMessageID)
}
