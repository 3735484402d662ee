package registration

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/store/sqlitestore"
)

type fixture struct {
	store *sqlitestore.Store
	svc   *Service
	acme  models.Tenant
	other models.Tenant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := sqlitestore.Open(ctx, filepath.Join(t.TempDir(), "reg.db"), sqlitestore.Options{PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	acme, err := st.UpsertTenant(ctx, models.Tenant{Slug: "acme", Name: "Acme & Co", Active: true})
	require.NoError(t, err)
	other, err := st.UpsertTenant(ctx, models.Tenant{Slug: "globex", Name: "Globex", Active: true})
	require.NoError(t, err)
	return &fixture{store: st, svc: NewService(st, zap.NewNop()), acme: acme, other: other}
}

func group(chatID int64, title string) models.InboundMessage {
	return models.InboundMessage{BotID: 0, ChatID: chatID, ChatKind: models.ChatGroup, Title: title}
}

type recorder struct {
	mu      sync.Mutex
	replies map[int64][]string
}

func (r *recorder) Reply(_ context.Context, chatID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replies == nil {
		r.replies = map[int64][]string{}
	}
	r.replies[chatID] = append(r.replies[chatID], text)
}

func (r *recorder) last(chatID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.replies[chatID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func TestIssue(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	rc, err := f.svc.Issue(context.Background(), f.acme, 0)
	require.NoError(t, err)
	assert.Len(t, rc.Code, CodeLength)
	for _, c := range rc.Code {
		assert.Contains(t, codeAlphabet, string(c))
	}
	assert.Equal(t, now.Add(7*24*time.Hour), rc.ExpiresAt)

	stored, err := f.store.GetCode(context.Background(), rc.Code)
	require.NoError(t, err)
	assert.Equal(t, f.acme.ID, stored.TenantID)
	assert.False(t, stored.Used())
}

func TestRegisterLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.store.UpsertUser(ctx, f.acme.Context(), models.User{Name: "Ana", Email: "ana@acme.com", Active: true})
	require.NoError(t, err)
	rc, err := f.svc.Issue(ctx, f.acme, user.ID)
	require.NoError(t, err)

	dest, tenant, err := f.svc.Register(ctx, group(-100, "Ventas"), " "+strings.ToLower(rc.Code)+" ")
	require.NoError(t, err)
	assert.Equal(t, f.acme.ID, tenant.ID)
	assert.Equal(t, "Ventas", dest.Title)
	assert.Equal(t, models.ChatGroup, dest.Kind)
	assert.True(t, dest.Active)
	assert.True(t, dest.ContentAlerts)
	assert.False(t, dest.SystemAlerts)

	stored, err := f.store.GetCode(ctx, rc.Code)
	require.NoError(t, err)
	assert.True(t, stored.Used())
	assert.Equal(t, dest.ID, stored.DestinationID)

	linked, err := f.store.GetUser(ctx, f.acme.Context(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "-100", linked.TelegramChatID)

	t.Run("same code from another chat", func(t *testing.T) {
		_, _, err := f.svc.Register(ctx, group(-200, "Otro"), rc.Code)
		require.ErrorIs(t, err, ErrCodeUsed)
		_, err = f.store.GetDestinationByChat(ctx, -200)
		require.Error(t, err)
	})

	t.Run("new code from the registered chat", func(t *testing.T) {
		again, err := f.svc.Issue(ctx, f.acme, 0)
		require.NoError(t, err)
		_, _, err = f.svc.Register(ctx, group(-100, "Ventas"), again.Code)
		require.ErrorIs(t, err, ErrAlreadyRegistered)
		dests, err := f.store.ListDestinations(ctx, f.acme.ID)
		require.NoError(t, err)
		assert.Len(t, dests, 1)
	})

	t.Run("other tenant code from the registered chat", func(t *testing.T) {
		foreign, err := f.svc.Issue(ctx, f.other, 0)
		require.NoError(t, err)
		_, _, err = f.svc.Register(ctx, group(-100, "Ventas"), foreign.Code)
		require.ErrorIs(t, err, ErrOtherTenant)
		unused, err := f.store.GetCode(ctx, foreign.Code)
		require.NoError(t, err)
		assert.False(t, unused.Used())
	})
}

func TestRegisterRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Register(ctx, group(-1, "x"), "   ")
	require.ErrorIs(t, err, ErrCodeEmpty)

	_, _, err = f.svc.Register(ctx, group(-1, "x"), "NOPE2345")
	require.ErrorIs(t, err, ErrCodeNotFound)

	rc, err := f.svc.Issue(ctx, f.acme, 0)
	require.NoError(t, err)
	f.svc.now = func() time.Time { return time.Now().Add(CodeTTL + time.Minute) }
	_, _, err = f.svc.Register(ctx, group(-1, "x"), rc.Code)
	require.ErrorIs(t, err, ErrCodeExpired)
}

func TestRegisterConcurrentUseSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rc, err := f.svc.Issue(ctx, f.acme, 0)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(chatID int64) {
			defer wg.Done()
			_, _, err := f.svc.Register(ctx, group(chatID, "g"), rc.Code)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrCodeUsed)
		}(int64(-10 - i))
	}
	wg.Wait()
	assert.Equal(t, 1, successes)

	dests, err := f.store.ListDestinations(ctx, f.acme.ID)
	require.NoError(t, err)
	assert.Len(t, dests, 1)
}

func TestHandleCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := &recorder{}

	msg := group(-300, "Ops")
	msg.Text = "/GET_CHAT_ID@AlertBot"
	f.svc.Handle(ctx, r, msg)
	assert.Contains(t, r.last(-300), "<code>-300</code>")
	assert.Contains(t, r.last(-300), "Ops")

	private := models.InboundMessage{ChatID: 55, ChatKind: models.ChatPrivate, FirstName: "Ana", Username: "ana", Text: "/get_chat_id"}
	f.svc.Handle(ctx, r, private)
	assert.Contains(t, r.last(55), "Chat Privado")
	assert.Contains(t, r.last(55), "grupo")

	msg.Text = "/register"
	f.svc.Handle(ctx, r, msg)
	assert.Equal(t, usageText, r.last(-300))

	rc, err := f.svc.Issue(ctx, f.acme, 0)
	require.NoError(t, err)
	msg.Text = "/register " + rc.Code
	f.svc.Handle(ctx, r, msg)
	assert.Contains(t, r.last(-300), "Chat registrado")
	assert.Contains(t, r.last(-300), "Acme &amp; Co")

	f.svc.Handle(ctx, r, msg)
	assert.Contains(t, r.last(-300), "ya fue utilizado")

	msg.Text = "/start"
	f.svc.Handle(ctx, r, msg)
	assert.Equal(t, startText, r.last(-300))
	msg.Text = "/help"
	f.svc.Handle(ctx, r, msg)
	assert.Equal(t, helpText, r.last(-300))

	before := len(r.replies[-300])
	msg.Text = "/unknown"
	f.svc.Handle(ctx, r, msg)
	msg.Text = "hola a todos"
	f.svc.Handle(ctx, r, msg)
	assert.Len(t, r.replies[-300], before)
}
