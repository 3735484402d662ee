package models

import (
	"context"
	"time"
)

// Batch is what one Fetch call returns. Failed counts records the adapter
// could not parse; they are skipped and never reach the caller.
type Batch struct {
	Records []RawRecord
	Failed  int
}

type Source interface {
	Name() string
	Fetch(ctx context.Context, limit int) (Batch, error)
	Acknowledge(ctx context.Context, rec RawRecord) error
	Close() error
}

const (
	DefaultMaxPerCheck      = 50
	MaxMaxPerCheck          = 1000
	DefaultCheckInterval    = 300 * time.Second
	MinCheckInterval        = 60 * time.Second
	DefaultMetricInterval   = 5 * time.Minute
	DefaultMetricQuery      = "EVALUATE TOPN(100, 'VENTAS')"
	DefaultInboxFolder      = "INBOX"
	DefaultMetricTokenURL   = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	DefaultMetricAPIBaseURL = "https://api.powerbi.com/v1.0/myorg"
	DefaultMetricTokenScope = "https://analysis.windows.net/powerbi/api/.default"
)

type MailboxConfig struct {
	ID              int64         `json:"id"`
	TenantID        int64         `json:"tenant_id"`
	Name            string        `json:"name"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Username        string        `json:"username"`
	Password        string        `json:"-"`
	UseTLS          bool          `json:"use_tls"`
	InboxFolder     string        `json:"inbox_folder"`
	ProcessedFolder string        `json:"processed_folder,omitempty"`
	MaxPerCheck     int           `json:"max_per_check"`
	CheckInterval   time.Duration `json:"check_interval"`
	Active          bool          `json:"active"`
	LastCheck       *time.Time    `json:"last_check,omitempty"`
}

// Normalize fills defaults and clamps limits.
func (m *MailboxConfig) Normalize() {
	if m.InboxFolder == "" {
		m.InboxFolder = DefaultInboxFolder
	}
	if m.Port == 0 {
		if m.UseTLS {
			m.Port = 993
		} else {
			m.Port = 143
		}
	}
	switch {
	case m.MaxPerCheck <= 0:
		m.MaxPerCheck = DefaultMaxPerCheck
	case m.MaxPerCheck > MaxMaxPerCheck:
		m.MaxPerCheck = MaxMaxPerCheck
	}
	switch {
	case m.CheckInterval == 0:
		m.CheckInterval = DefaultCheckInterval
	case m.CheckInterval < MinCheckInterval:
		m.CheckInterval = MinCheckInterval
	}
}

func (m MailboxConfig) Due(now time.Time) bool {
	return due(m.LastCheck, m.CheckInterval, now)
}

type MetricGlobalConfig struct {
	AzureTenantID  string `json:"azure_tenant_id"`
	ClientID       string `json:"client_id"`
	ClientSecret   string `json:"-"`
	TokenURL       string `json:"token_url,omitempty"`
	APIBaseURL     string `json:"api_base_url,omitempty"`
	DefaultGroupID string `json:"default_group_id,omitempty"`
	DatasetID      string `json:"dataset_id,omitempty"`
	DefaultQuery   string `json:"default_query,omitempty"`
}

func (g *MetricGlobalConfig) Normalize() {
	if g.TokenURL == "" {
		g.TokenURL = DefaultMetricTokenURL
	}
	if g.APIBaseURL == "" {
		g.APIBaseURL = DefaultMetricAPIBaseURL
	}
	if g.DefaultQuery == "" {
		g.DefaultQuery = DefaultMetricQuery
	}
}

type MetricTenantConfig struct {
	TenantID             int64  `json:"tenant_id"`
	DefaultTemplate      string `json:"default_template,omitempty"`
	DefaultExampleOutput string `json:"default_example_output,omitempty"`
}

type MetricDefinition struct {
	ID              int64         `json:"id"`
	TenantID        int64         `json:"tenant_id"`
	Name            string        `json:"name"`
	GroupID         string        `json:"group_id,omitempty"`
	DatasetID       string        `json:"dataset_id,omitempty"`
	Query           string        `json:"query,omitempty"`
	Template        string        `json:"template,omitempty"`
	ExampleOutput   string        `json:"example_output,omitempty"`
	CheckInterval   time.Duration `json:"check_interval"`
	DefaultPriority Priority      `json:"default_priority,omitempty"`
	Active          bool          `json:"active"`
	LastCheck       *time.Time    `json:"last_check,omitempty"`
}

func (d *MetricDefinition) Normalize() {
	if d.CheckInterval <= 0 {
		d.CheckInterval = DefaultMetricInterval
	}
}

func (d MetricDefinition) Due(now time.Time) bool {
	return due(d.LastCheck, d.CheckInterval, now)
}

// Resolve applies the definition → global fallback chain for the
// workspace, dataset and query.
func (d MetricDefinition) Resolve(g MetricGlobalConfig) (group, dataset, query string) {
	group, dataset, query = d.GroupID, d.DatasetID, d.Query
	if group == "" {
		group = g.DefaultGroupID
	}
	if dataset == "" {
		dataset = g.DatasetID
	}
	if query == "" {
		query = g.DefaultQuery
	}
	if query == "" {
		query = DefaultMetricQuery
	}
	return group, dataset, query
}

func due(last *time.Time, interval time.Duration, now time.Time) bool {
	if last == nil || last.IsZero() {
		return true
	}
	return !now.Before(last.Add(interval))
}

type RuleKind string

const (
	RuleSubjectContains RuleKind = "subject_contains"
	RuleSenderContains  RuleKind = "sender_contains"
	RuleBodyContains    RuleKind = "body_contains"
	RuleSubjectRegex    RuleKind = "subject_regex"
	RuleSenderRegex     RuleKind = "sender_regex"
	RuleFieldContains   RuleKind = "field_contains"
	RuleFieldRegex      RuleKind = "field_regex"
)

// Rule applies to every source of SourceKind in the tenant when SourceID
// is zero, otherwise to that one source.
type Rule struct {
	ID         int64      `json:"id"`
	TenantID   int64      `json:"tenant_id"`
	SourceKind SourceKind `json:"source_kind"`
	SourceID   int64      `json:"source_id,omitempty"`
	Name       string     `json:"name"`
	Order      int        `json:"order"`
	Kind       RuleKind   `json:"kind"`
	Field      string     `json:"field,omitempty"`
	Pattern    string     `json:"pattern"`
	Priority   Priority   `json:"priority"`
	Category   Category   `json:"category,omitempty"`
	Active     bool       `json:"active"`
}

func (r Rule) AppliesTo(ref SourceRef) bool {
	return r.SourceKind == ref.Kind && (r.SourceID == 0 || r.SourceID == ref.ID)
}
