package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/dedup"
	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/pipeline"
	"github.com/ObiAU/alertrelay/internal/scheduler"
	"github.com/ObiAU/alertrelay/internal/store"
)

type fakeRuns struct {
	limit int
	logs  []models.RunLog
	err   error
}

func (f *fakeRuns) ListRunLogs(_ context.Context, limit int) ([]models.RunLog, error) {
	f.limit = limit
	return f.logs, f.err
}

type fakeTargets struct{}

func (fakeTargets) ResolveTarget(_ context.Context, slug string, kind models.SourceKind, id int64) (pipeline.Target, error) {
	if slug != "acme" || id != 1 {
		return pipeline.Target{}, fmt.Errorf("tenant %q: %w", slug, store.ErrNotFound)
	}
	return pipeline.Target{Tenant: models.Tenant{Slug: slug}, Ref: models.SourceRef{Kind: kind, ID: id}}, nil
}

type fakeScheduler struct {
	err       error
	triggered []string
}

func (f *fakeScheduler) Trigger(t pipeline.Target) error {
	if f.err != nil {
		return f.err
	}
	f.triggered = append(f.triggered, t.String())
	return nil
}

func (f *fakeScheduler) State() scheduler.State {
	return scheduler.State{Running: true, Sweeps: 4}
}

type fakeCache struct{}

func (fakeCache) Stats() dedup.Stats { return dedup.Stats{Keys: 3, Hits: 2} }

func newTestServer(runs *fakeRuns, sched *fakeScheduler) http.Handler {
	return New(":0", runs, fakeTargets{}, sched, fakeCache{}, zap.NewNop()).Handler()
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(&fakeRuns{}, &fakeScheduler{}), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestStats(t *testing.T) {
	rec := do(t, newTestServer(&fakeRuns{}, &fakeScheduler{}), http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Cache.Keys)
	assert.True(t, body.Scheduler.Running)
	assert.Equal(t, int64(4), body.Scheduler.Sweeps)
}

func TestRuns(t *testing.T) {
	runs := &fakeRuns{logs: []models.RunLog{{Status: models.RunSuccess, Message: "fetched 1"}}}
	h := newTestServer(runs, &fakeScheduler{})

	rec := do(t, h, http.MethodGet, "/runs?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, runs.limit)
	assert.Contains(t, rec.Body.String(), "fetched 1")

	rec = do(t, h, http.MethodGet, "/runs?limit=100000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxRunLimit, runs.limit)

	rec = do(t, h, http.MethodGet, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultRunLimit, runs.limit)

	rec = do(t, h, http.MethodGet, "/runs?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	runs.err = errors.New("db locked")
	rec = do(t, h, http.MethodGet, "/runs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunsEmptyIsArray(t *testing.T) {
	rec := do(t, newTestServer(&fakeRuns{}, &fakeScheduler{}), http.MethodGet, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestTrigger(t *testing.T) {
	sched := &fakeScheduler{}
	h := newTestServer(&fakeRuns{}, sched)

	rec := do(t, h, http.MethodPost, "/runs/acme/mailbox/1")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"acme/mailbox/1"}, sched.triggered)

	cases := []struct {
		path string
		code int
	}{
		{"/runs/acme/ftp/1", http.StatusBadRequest},
		{"/runs/acme/mailbox/x", http.StatusBadRequest},
		{"/runs/acme/metric/9", http.StatusNotFound},
		{"/runs/globex/metric/1", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.code, do(t, h, http.MethodPost, tc.path).Code)
		})
	}
}

func TestTriggerBusy(t *testing.T) {
	h := newTestServer(&fakeRuns{}, &fakeScheduler{err: scheduler.ErrBusy})
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/runs/acme/metric/1").Code)

	h = newTestServer(&fakeRuns{}, &fakeScheduler{err: scheduler.ErrNotRunning})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/runs/acme/metric/1").Code)
}
