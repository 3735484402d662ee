package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/registration"
	"github.com/ObiAU/alertrelay/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL or DATABASE_URL not set")
	}
	s, err := Open(context.Background(), dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func uniqueSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// testTenant provisions a tenant with its own schema and drops both when
// the test ends.
func testTenant(t *testing.T, s *Store, name string) models.Tenant {
	t.Helper()
	ctx := context.Background()
	tenant, err := s.UpsertTenant(ctx, models.Tenant{Slug: "it_" + uniqueSuffix(), Name: name, Active: true})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		for _, q := range []string{
			`DELETE FROM public.registration_codes WHERE tenant_id=$1`,
			`DELETE FROM public.destinations WHERE tenant_id=$1`,
			`DELETE FROM public.tenants WHERE id=$1`,
		} {
			if _, err := s.Pool.Exec(ctx, q, tenant.ID); err != nil {
				t.Logf("cleanup %s: %v", tenant.Slug, err)
			}
		}
		if _, err := s.Pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+tenant.Schema+` CASCADE`); err != nil {
			t.Logf("drop schema %s: %v", tenant.Schema, err)
		}
	})
	return tenant
}

// testChatID returns chat ids that do not collide with earlier runs
// against the same database.
func testChatID() int64 {
	return -time.Now().UnixNano()
}

func newAlert(ref models.SourceRef, key, message string) models.AlertRecord {
	return models.AlertRecord{
		Source:   ref,
		DedupKey: key,
		Payload:  models.Fields{{Name: "subject", Value: key}},
		Priority: models.PriorityMedium,
		Category: models.CategoryContent,
		Message:  message,
		Status:   models.StatusPending,
	}
}

func TestCreateAlertClaimsKeyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tc := testTenant(t, s, "Acme").Context()
	ref := models.SourceRef{Kind: models.SourceMailbox, ID: 1}

	first, err := s.CreateAlert(ctx, tc, newAlert(ref, "k1", "hola"))
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	_, err = s.CreateAlert(ctx, tc, newAlert(ref, "k1", "otra vez"))
	require.ErrorIs(t, err, store.ErrDuplicate)

	stored, err := s.GetAlert(ctx, tc, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "hola", stored.Message)
	assert.Equal(t, "k1", stored.Payload.String("subject"))

	_, err = s.CreateAlert(ctx, tc, newAlert(models.SourceRef{Kind: models.SourceMetric, ID: 1}, "k1", "metric"))
	require.NoError(t, err, "the same key under another source is a different record")

	t.Run("concurrent claims", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
			dupes   int
		)
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.CreateAlert(ctx, tc, newAlert(ref, "race", "x"))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					created++
				case errors.Is(err, store.ErrDuplicate):
					dupes++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
		assert.Equal(t, 5, dupes)
	})
}

func TestExistingKeysLargeBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tc := testTenant(t, s, "Acme").Context()
	ref := models.SourceRef{Kind: models.SourceMetric, ID: 3}

	var keys []string
	for i := 0; i < 600; i++ {
		key := fmt.Sprintf("row-%d", i)
		keys = append(keys, key)
		if i%20 == 0 {
			_, err := s.CreateAlert(ctx, tc, newAlert(ref, key, ""))
			require.NoError(t, err)
		}
	}

	found, err := s.ExistingKeys(ctx, tc, ref, keys)
	require.NoError(t, err)
	assert.Len(t, found, 30)
	assert.True(t, found["row-0"])
	assert.True(t, found["row-580"])
	assert.False(t, found["row-1"])

	other, err := s.ExistingKeys(ctx, tc, models.SourceRef{Kind: models.SourceMetric, ID: 4}, keys)
	require.NoError(t, err)
	assert.Empty(t, other)

	empty, err := s.ExistingKeys(ctx, tc, ref, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestTenantSchemasAreIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acme := testTenant(t, s, "Acme").Context()
	globex := testTenant(t, s, "Globex").Context()
	require.NotEqual(t, acme.Schema, globex.Schema)
	ref := models.SourceRef{Kind: models.SourceMailbox, ID: 1}

	_, err := s.CreateAlert(ctx, acme, newAlert(ref, "shared", "acme"))
	require.NoError(t, err)
	_, err = s.CreateAlert(ctx, acme, newAlert(ref, "only-acme", "acme"))
	require.NoError(t, err)
	_, err = s.CreateAlert(ctx, globex, newAlert(ref, "shared", "globex"))
	require.NoError(t, err, "dedup keys are scoped to the tenant")

	found, err := s.ExistingKeys(ctx, globex, ref, []string{"shared", "only-acme"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"shared": true}, found)

	for tc, want := range map[models.TenantContext][]string{acme: {"acme", "acme"}, globex: {"globex"}} {
		alerts, err := s.ListAlertsByStatus(ctx, tc, models.StatusPending, 10)
		require.NoError(t, err)
		var got []string
		for _, a := range alerts {
			got = append(got, a.Message)
			assert.Equal(t, tc.ID, a.TenantID)
		}
		assert.Equal(t, want, got, tc.Schema)
	}

	_, err = s.UpsertMailbox(ctx, acme, models.MailboxConfig{Name: "ventas", Host: "imap.acme.test", Username: "u", Password: "p", Active: true})
	require.NoError(t, err)
	_, err = s.UpsertMailbox(ctx, globex, models.MailboxConfig{Name: "ventas", Host: "imap.globex.test", Username: "u", Password: "p", Active: true})
	require.NoError(t, err)
	boxes, err := s.ListMailboxes(ctx, globex, false)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, "imap.globex.test", boxes[0].Host)

	_, err = s.CreateAlert(ctx, models.TenantContext{ID: acme.ID, Schema: "public"}, newAlert(ref, "x", ""))
	require.Error(t, err)
}

func TestConsumeCodeIsSingleUse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := testTenant(t, s, "Acme")
	now := time.Now()
	code := "C" + strings.ToUpper(uniqueSuffix())
	require.NoError(t, s.CreateCode(ctx, models.RegistrationCode{
		Code: code, TenantID: tenant.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.ErrorIs(t, s.CreateCode(ctx, models.RegistrationCode{
		Code: code, TenantID: tenant.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}), store.ErrDuplicate)

	chat := testChatID()
	dest, err := s.ConsumeCode(ctx, code, models.Destination{
		TenantID: tenant.ID, ChatID: chat, Kind: models.ChatGroup, Title: "Ventas", Active: true, ContentAlerts: true,
	}, now)
	require.NoError(t, err)
	assert.NotZero(t, dest.ID)

	used, err := s.GetCode(ctx, code)
	require.NoError(t, err)
	assert.True(t, used.Used())
	assert.Equal(t, dest.ID, used.DestinationID)

	_, err = s.ConsumeCode(ctx, code, models.Destination{TenantID: tenant.ID, ChatID: chat - 1, Active: true}, now)
	require.ErrorIs(t, err, store.ErrNotFound)

	t.Run("bound chat rolls the code back", func(t *testing.T) {
		second := "D" + strings.ToUpper(uniqueSuffix())
		require.NoError(t, s.CreateCode(ctx, models.RegistrationCode{
			Code: second, TenantID: tenant.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		}))
		_, err := s.ConsumeCode(ctx, second, models.Destination{TenantID: tenant.ID, ChatID: chat, Active: true}, now)
		require.ErrorIs(t, err, store.ErrDuplicate)

		rc, err := s.GetCode(ctx, second)
		require.NoError(t, err)
		assert.False(t, rc.Used())
	})

	t.Run("concurrent consumers", func(t *testing.T) {
		third := "E" + strings.ToUpper(uniqueSuffix())
		require.NoError(t, s.CreateCode(ctx, models.RegistrationCode{
			Code: third, TenantID: tenant.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		}))
		base := testChatID()
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := int64(0); i < 4; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ConsumeCode(ctx, third, models.Destination{TenantID: tenant.ID, ChatID: base - 10 - i, Active: true}, now)
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, successes)
	})
}

func TestRegistrationOnPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenant := testTenant(t, s, "Acme")
	svc := registration.NewService(s, zap.NewNop())

	rc, err := svc.Issue(ctx, tenant, 0)
	require.NoError(t, err)
	chat := testChatID()
	msg := models.InboundMessage{ChatID: chat, ChatKind: models.ChatGroup, Title: "Ventas"}

	dest, got, err := svc.Register(ctx, msg, strings.ToLower(rc.Code))
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, got.ID)
	assert.Equal(t, chat, dest.ChatID)

	msg.ChatID = chat - 1
	_, _, err = svc.Register(ctx, msg, rc.Code)
	require.ErrorIs(t, err, registration.ErrCodeUsed)

	expired := "X" + strings.ToUpper(uniqueSuffix())
	past := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, s.CreateCode(ctx, models.RegistrationCode{
		Code: expired, TenantID: tenant.ID, CreatedAt: past, ExpiresAt: past.Add(registration.CodeTTL),
	}))
	_, _, err = svc.Register(ctx, msg, expired)
	require.ErrorIs(t, err, registration.ErrCodeExpired)

	rc2, err := s.GetCode(ctx, expired)
	require.NoError(t, err)
	assert.False(t, rc2.Used())
}
