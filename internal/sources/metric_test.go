package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
)

const sampleRows = `{
  "results": [{
    "tables": [{
      "rows": [
        {"Ventas[Cliente]": "ACME", "Ventas[ProductId]": 7, "Ventas[Total]": 1500.5},
        {"Ventas[Cliente]": "Globex", "Ventas[ProductId]": 8, "Ventas[Total]": 20},
        {"Ventas[Cliente]": "Initech", "Ventas[ProductId]": null, "Ventas[Total]": 3}
      ]
    }]
  }]
}`

type fakeDataset struct {
	tokenHits atomic.Int32
	queryBody func(w http.ResponseWriter)
	lastQuery atomic.Value
}

func (f *fakeDataset) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tenant-1/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHits.Add(1)
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("client_secret") != "secret" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/groups/g1/datasets/d1/executeQueries", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Queries, 1)
		f.lastQuery.Store(req.Queries[0].Query)
		f.queryBody(w)
	})
	mux.HandleFunc("/groups/g1/datasets/d1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"d1","name":"Ventas"}`))
	})
	return mux
}

func newTestMetric(t *testing.T, f *fakeDataset, secret string) *Metric {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	global := models.MetricGlobalConfig{
		AzureTenantID:  "tenant-1",
		ClientID:       "client",
		ClientSecret:   secret,
		TokenURL:       srv.URL + "/%s/token",
		APIBaseURL:     srv.URL,
		DefaultGroupID: "g1",
		DatasetID:      "d1",
	}
	def := models.MetricDefinition{ID: 1, TenantID: 1, Name: "Ventas altas", Active: true}
	return NewMetric(def, global, NewTokenCache(srv.Client()), srv.Client(), zap.NewNop())
}

func TestMetricFetch(t *testing.T) {
	f := &fakeDataset{queryBody: func(w http.ResponseWriter) { w.Write([]byte(sampleRows)) }}
	m := newTestMetric(t, f, "secret")

	batch, err := m.Fetch(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, batch.Records, 3)
	assert.Equal(t, models.DefaultMetricQuery, f.lastQuery.Load())

	first := batch.Records[0]
	assert.Equal(t, "7", first.Key)
	require.Len(t, first.Fields, 3)
	assert.Equal(t, "Ventas[Cliente]", first.Fields[0].Name)
	assert.Equal(t, "Ventas[ProductId]", first.Fields[1].Name)
	assert.Equal(t, "Ventas[Total]", first.Fields[2].Name)
	assert.Equal(t, "8", batch.Records[1].Key)
	assert.Len(t, batch.Records[2].Key, 64, "row without key value is hashed")

	_, err = m.Fetch(context.Background(), 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.tokenHits.Load(), "token is reused across fetches")
}

func TestMetricFetchLimit(t *testing.T) {
	f := &fakeDataset{queryBody: func(w http.ResponseWriter) { w.Write([]byte(sampleRows)) }}
	m := newTestMetric(t, f, "secret")

	batch, err := m.Fetch(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 2)
}

func TestMetricQueryError(t *testing.T) {
	f := &fakeDataset{queryBody: func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"DatasetExecuteQueriesError"}}`))
	}}
	m := newTestMetric(t, f, "secret")

	_, err := m.Fetch(context.Background(), 0)
	require.ErrorIs(t, err, ErrQuery)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "DatasetExecuteQueriesError")
}

func TestMetricAuthError(t *testing.T) {
	f := &fakeDataset{queryBody: func(w http.ResponseWriter) { w.Write([]byte(sampleRows)) }}
	m := newTestMetric(t, f, "wrong")

	_, err := m.Fetch(context.Background(), 0)
	require.ErrorIs(t, err, ErrAuth)
	assert.NotContains(t, err.Error(), "wrong")
}

func TestMetricEmptyResult(t *testing.T) {
	f := &fakeDataset{queryBody: func(w http.ResponseWriter) { w.Write([]byte(`{"results":[]}`)) }}
	m := newTestMetric(t, f, "secret")

	batch, err := m.Fetch(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
}

func TestMetricTestConnection(t *testing.T) {
	f := &fakeDataset{queryBody: func(w http.ResponseWriter) { w.Write([]byte(sampleRows)) }}
	m := newTestMetric(t, f, "secret")

	report, err := m.TestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Rows)
	assert.Contains(t, report.Detail, "Ventas")
}
