package runlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ObiAU/alertrelay/internal/models"
)

type memStore struct {
	logs []models.RunLog
	err  error
}

func (m *memStore) CreateRunLog(_ context.Context, r models.RunLog) error {
	if m.err != nil {
		return m.err
	}
	m.logs = append(m.logs, r)
	return nil
}

func TestDeriveStatus(t *testing.T) {
	assert.Equal(t, models.RunError, DeriveStatus(errors.New("login failed"), Counts{Failed: 2}))
	assert.Equal(t, models.RunWarning, DeriveStatus(nil, Counts{Fetched: 3, Failed: 1}))
	assert.Equal(t, models.RunSuccess, DeriveStatus(nil, Counts{Fetched: 3}))
}

func TestRunRecordsEntry(t *testing.T) {
	st := &memStore{}
	l := New(st, zap.NewNop())
	tc := models.TenantContext{ID: 4, Slug: "acme"}
	ref := models.SourceRef{Kind: models.SourceMetric, ID: 9}

	entry := l.Run(context.Background(), tc, ref, nil, Counts{Fetched: 5, New: 2, Skipped: 3, Created: 2, Sent: 2}, 1500*time.Millisecond)
	require.Len(t, st.logs, 1)
	assert.Equal(t, entry, st.logs[0])
	assert.NotEqual(t, uuid.Nil, entry.ID)
	assert.Equal(t, models.RunSuccess, entry.Status)
	assert.Equal(t, "fetched 5, new 2, skipped 3; alerts created 2, sent 2, failed 0", entry.Message)
	assert.EqualValues(t, 4, entry.TenantID)
	assert.Equal(t, models.SourceMetric, entry.SourceKind)

	entry = l.Run(context.Background(), tc, ref, errors.New("token denied"), Counts{}, time.Second)
	assert.Equal(t, models.RunError, entry.Status)
	assert.Equal(t, "error: token denied", entry.Message)
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := New(&memStore{err: errors.New("disk full")}, zap.New(core))

	entry := l.Info(context.Background(), "no sources due")
	assert.Equal(t, models.RunInfo, entry.Status)
	assert.Equal(t, 1, logs.FilterMessage("failed to persist run log").Len())
	assert.Equal(t, 1, logs.FilterMessage("run finished").Len())
}
