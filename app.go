package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/ai"
	"github.com/ObiAU/alertrelay/internal/classify"
	"github.com/ObiAU/alertrelay/internal/config"
	"github.com/ObiAU/alertrelay/internal/dedup"
	"github.com/ObiAU/alertrelay/internal/format"
	"github.com/ObiAU/alertrelay/internal/logging"
	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/notify"
	"github.com/ObiAU/alertrelay/internal/pipeline"
	"github.com/ObiAU/alertrelay/internal/registration"
	"github.com/ObiAU/alertrelay/internal/runlog"
	"github.com/ObiAU/alertrelay/internal/store"
	"github.com/ObiAU/alertrelay/internal/store/pgstore"
	"github.com/ObiAU/alertrelay/internal/store/sqlitestore"
	"github.com/ObiAU/alertrelay/internal/telegram"
)

// dedupCacheRetention bounds how long the in-process dedup cache remembers
// a key. The store remains the source of truth.
const dedupCacheRetention = 24 * time.Hour

// app holds the wired components shared by every subcommand.
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	store        store.Store
	cache        *dedup.Cache
	bots         *telegram.Registry
	dispatcher   *notify.Dispatcher
	runner       *pipeline.Runner
	registration *registration.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, err
	}

	if cfg.ConfigFile != "" {
		file, err := config.LoadFile(cfg.ConfigFile)
		if err != nil {
			st.Close()
			return nil, err
		}
		if err := config.Seed(ctx, st, file, logger); err != nil {
			st.Close()
			return nil, fmt.Errorf("seed %s: %w", cfg.ConfigFile, err)
		}
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		cache:  dedup.NewCache(dedupCacheRetention),
	}

	a.bots = telegram.NewRegistry(st, cfg.TelegramToken, telegram.Options{
		Endpoint:      cfg.TelegramAPIEndpoint,
		SendTimeout:   cfg.SendTimeout,
		PollTimeout:   cfg.TelegramPollTimeout,
		RatePerSecond: cfg.TelegramRatePerSecond,
	}, logger)

	a.dispatcher = notify.NewDispatcher(st, a.sender, notify.Options{
		SendTimeout: cfg.SendTimeout,
		Concurrency: cfg.WorkerCount,
	}, logger)

	// A nil *OpenAIClient must not become a non-nil Backend.
	var backend format.Backend
	if client := ai.NewOpenAIClient(ai.Options{
		APIKey:    cfg.OpenAIAPIKey,
		BaseURL:   cfg.OpenAIBaseURL,
		Model:     cfg.OpenAIModel,
		MaxTokens: cfg.OpenAIMaxTokens,
		Timeout:   cfg.OpenAITimeout,
	}, logger); client != nil {
		backend = client
	} else {
		logger.Info("no AI key configured, using fixed message layout")
	}

	a.runner = pipeline.New(pipeline.Deps{
		Store:   st,
		Sources: pipeline.NewAdapters(&http.Client{Timeout: 90 * time.Second}, logger),
		Filter:  dedup.NewFilter(st, a.cache, logger),
		Classifier: classify.New(classify.Keywords{
			High:   cfg.Keywords.High,
			Medium: cfg.Keywords.Medium,
			Low:    cfg.Keywords.Low,
		}, logger),
		Formatter:  format.New(backend, logger),
		Dispatcher: a.dispatcher,
		Runs:       runlog.New(st, logger),
	}, pipeline.Options{
		Workers:          cfg.WorkerCount,
		RetryMaxAttempts: cfg.RunMaxAttempts,
	}, logger)

	a.registration = registration.NewService(st, logger)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case "", "sqlite":
		return sqlitestore.Open(ctx, cfg.DatabasePath, sqlitestore.Options{Logger: logger})
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres driver")
		}
		return pgstore.Open(ctx, cfg.DatabaseURL, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

// sender adapts the bot registry to the dispatcher.
func (a *app) sender(ctx context.Context, botIDs ...int64) (notify.Sender, error) {
	bot, err := a.bots.Get(ctx, botIDs...)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// handleMessage answers bot commands.
func (a *app) handleMessage(ctx context.Context, bot *telegram.Bot, msg models.InboundMessage) {
	a.registration.Handle(ctx, bot, msg)
}

func (a *app) tenant(ctx context.Context, slug string) (models.Tenant, error) {
	if slug == "" {
		return models.Tenant{}, errors.New("--tenant is required")
	}
	t, err := a.store.GetTenantBySlug(ctx, slug)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("tenant %q: %w", slug, err)
	}
	return t, nil
}

func (a *app) Close() {
	a.cache.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
