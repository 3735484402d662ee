package pipeline

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/sources"
)

// SourceFactory opens the adapter for a source configuration. Each run
// gets its own adapter so connections and tokens are never shared between
// concurrent runs.
type SourceFactory interface {
	Mailbox(cfg models.MailboxConfig) models.Source
	Metric(def models.MetricDefinition, global models.MetricGlobalConfig) models.Source
}

type connectionTester interface {
	TestConnection(ctx context.Context) (sources.ConnectionReport, error)
}

// Adapters builds the real IMAP and dataset adapters.
type Adapters struct {
	Tokens *sources.TokenCache
	HTTP   *http.Client
	Logger *zap.Logger
}

func NewAdapters(httpClient *http.Client, logger *zap.Logger) *Adapters {
	return &Adapters{Tokens: sources.NewTokenCache(httpClient), HTTP: httpClient, Logger: logger}
}

func (a *Adapters) Mailbox(cfg models.MailboxConfig) models.Source {
	return sources.NewMailbox(cfg, a.Logger)
}

func (a *Adapters) Metric(def models.MetricDefinition, global models.MetricGlobalConfig) models.Source {
	return sources.NewMetric(def, global, a.Tokens, a.HTTP, a.Logger)
}
