package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
)

const (
	metricQueryTimeout = 60 * time.Second
	metricInfoTimeout  = 30 * time.Second
	maxErrorBody       = 500
)

// Metric runs one metric definition's query against the dataset API and
// returns each result row as a record.
type Metric struct {
	def    models.MetricDefinition
	global models.MetricGlobalConfig
	tokens *TokenCache
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewMetric(def models.MetricDefinition, global models.MetricGlobalConfig, tokens *TokenCache, client *http.Client, logger *zap.Logger) *Metric {
	def.Normalize()
	global.Normalize()
	if client == nil {
		client = http.DefaultClient
	}
	return &Metric{
		def:    def,
		global: global,
		tokens: tokens,
		client: client,
		logger: logger.Named("metric").With(zap.Int64("definition_id", def.ID), zap.String("definition", def.Name)),
		now:    time.Now,
	}
}

func (m *Metric) Name() string {
	return fmt.Sprintf("metric:%s", m.def.Name)
}

func (m *Metric) datasetURL(group, dataset string) string {
	base := strings.TrimRight(m.global.APIBaseURL, "/")
	if group == "" {
		return fmt.Sprintf("%s/datasets/%s", base, url.PathEscape(dataset))
	}
	return fmt.Sprintf("%s/groups/%s/datasets/%s", base, url.PathEscape(group), url.PathEscape(dataset))
}

type queryRequest struct {
	Queries            []queryText        `json:"queries"`
	SerializerSettings serializerSettings `json:"serializerSettings"`
}

type queryText struct {
	Query string `json:"query"`
}

type serializerSettings struct {
	IncludeNulls bool `json:"includeNulls"`
}

// Fetch executes the definition's query. Rows beyond limit are dropped.
func (m *Metric) Fetch(ctx context.Context, limit int) (models.Batch, error) {
	group, dataset, query := m.def.Resolve(m.global)
	if dataset == "" {
		return models.Batch{}, fmt.Errorf("%w: no dataset configured for %s", ErrQuery, m.def.Name)
	}

	body, err := m.execute(ctx, group, dataset, query)
	if err != nil {
		return models.Batch{}, err
	}

	batch := m.parseRows(body)
	if limit > 0 && len(batch.Records) > limit {
		m.logger.Info("query returned more rows than batch limit",
			zap.Int("rows", len(batch.Records)), zap.Int("limit", limit))
		batch.Records = batch.Records[:limit]
	}
	m.logger.Debug("query executed", zap.Int("rows", len(batch.Records)), zap.Int("failed", batch.Failed))
	return batch, nil
}

func (m *Metric) execute(ctx context.Context, group, dataset, query string) ([]byte, error) {
	token, err := bearerToken(m.tokens.Source(m.global))
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(queryRequest{
		Queries:            []queryText{{Query: query}},
		SerializerSettings: serializerSettings{IncludeNulls: true},
	})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, metricQueryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.datasetURL(group, dataset)+"/executeQueries", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrQuery, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrQuery, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		m.tokens.Forget(m.global)
	}
	if resp.StatusCode != http.StatusOK {
		detail := truncate(strings.TrimSpace(string(body)), maxErrorBody)
		if detail == "" {
			detail = "no details"
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrQuery, resp.StatusCode, detail)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: response is not valid json", ErrQuery)
	}
	if qerr := gjson.GetBytes(body, "results.0.tables.0.error.message"); qerr.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrQuery, truncate(qerr.String(), maxErrorBody))
	}
	return body, nil
}

func (m *Metric) parseRows(body []byte) models.Batch {
	var batch models.Batch
	now := m.now()

	rows := gjson.GetBytes(body, "results.0.tables.0.rows")
	if !rows.IsArray() {
		return batch
	}

	var (
		keyColumn string
		detected  bool
		index     uint32
	)
	rows.ForEach(func(_, row gjson.Result) bool {
		index++
		if !row.IsObject() {
			batch.Failed++
			m.logger.Warn("skipping non-object row", zap.Uint32("row", index))
			return true
		}

		var (
			fields  models.Fields
			columns []string
		)
		row.ForEach(func(key, value gjson.Result) bool {
			fields = append(fields, models.Field{Name: key.String(), Value: value.Value()})
			columns = append(columns, key.String())
			return true
		})
		if !detected {
			keyColumn = DetectKeyColumn(columns)
			detected = true
			m.logger.Debug("key column detected", zap.String("column", keyColumn))
		}

		batch.Records = append(batch.Records, models.RawRecord{
			Key:        RowKey(fields, keyColumn),
			Ref:        index,
			Fields:     fields,
			ReceivedAt: now,
		})
		return true
	})
	return batch
}

// Acknowledge is a no-op: query results carry no read state.
func (m *Metric) Acknowledge(context.Context, models.RawRecord) error { return nil }

func (m *Metric) Close() error { return nil }

// TestConnection acquires a token, reads the dataset description and runs
// the definition's query once.
func (m *Metric) TestConnection(ctx context.Context) (ConnectionReport, error) {
	group, dataset, query := m.def.Resolve(m.global)
	if dataset == "" {
		return ConnectionReport{}, fmt.Errorf("%w: no dataset configured for %s", ErrQuery, m.def.Name)
	}

	start := time.Now()
	token, err := bearerToken(m.tokens.Source(m.global))
	if err != nil {
		return ConnectionReport{}, err
	}
	report := ConnectionReport{ConnectTime: time.Since(start)}

	infoCtx, cancel := context.WithTimeout(ctx, metricInfoTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(infoCtx, http.MethodGet, m.datasetURL(group, dataset), nil)
	if err != nil {
		return report, fmt.Errorf("%w: build request: %v", ErrQuery, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := m.client.Do(req)
	if err != nil {
		return report, fmt.Errorf("%w: dataset info: %v", ErrQuery, err)
	}
	info, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return report, fmt.Errorf("%w: dataset info status %d: %s", ErrQuery, resp.StatusCode, truncate(string(info), maxErrorBody))
	}
	datasetName := gjson.GetBytes(info, "name").String()

	body, err := m.execute(ctx, group, dataset, query)
	if err != nil {
		return report, err
	}
	batch := m.parseRows(body)
	report.Rows = len(batch.Records)
	report.Detail = fmt.Sprintf("dataset %q reachable, query returned %d rows", datasetName, report.Rows)
	return report, nil
}
