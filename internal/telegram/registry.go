package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
)

// ErrNoBot means no usable bot exists for the requested id.
var ErrNoBot = errors.New("no bot available")

type BotStore interface {
	GetBot(ctx context.Context, id int64) (models.Bot, error)
	ListBots(ctx context.Context) ([]models.Bot, error)
}

// Registry builds bots on first use and keeps them, so every caller
// sharing a token also shares its rate limiter. Id 0 is the process
// default bot configured from the environment.
type Registry struct {
	store        BotStore
	defaultToken string
	opts         Options
	logger       *zap.Logger

	mu   sync.Mutex
	bots map[int64]*Bot
}

func NewRegistry(store BotStore, defaultToken string, opts Options, logger *zap.Logger) *Registry {
	return &Registry{
		store:        store,
		defaultToken: defaultToken,
		opts:         opts,
		logger:       logger,
		bots:         make(map[int64]*Bot),
	}
}

// Get returns the first usable bot among ids, trying them in order.
func (r *Registry) Get(ctx context.Context, ids ...int64) (*Bot, error) {
	var lastErr error
	for _, id := range ids {
		b, err := r.get(ctx, id)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrNoBot
	}
	return nil, lastErr
}

func (r *Registry) get(ctx context.Context, id int64) (*Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bots[id]; ok {
		return b, nil
	}

	var cfg models.Bot
	if id == 0 {
		if r.defaultToken == "" {
			return nil, fmt.Errorf("%w: default bot token not configured", ErrNoBot)
		}
		cfg = models.Bot{ID: 0, Name: "default", Token: r.defaultToken, Active: true}
	} else {
		var err error
		cfg, err = r.store.GetBot(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: bot %d: %v", ErrNoBot, id, err)
		}
		if !cfg.Active {
			return nil, fmt.Errorf("%w: bot %d is inactive", ErrNoBot, id)
		}
	}

	b, err := NewBot(cfg, r.opts, r.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBot, err)
	}
	r.bots[id] = b
	return b, nil
}

// All returns every active bot, the default bot first when configured.
// Bots sharing a token are returned once.
func (r *Registry) All(ctx context.Context) ([]*Bot, error) {
	ids := []int64{}
	if r.defaultToken != "" {
		ids = append(ids, 0)
	}
	stored, err := r.store.ListBots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	seen := map[string]bool{r.defaultToken: r.defaultToken != ""}
	for _, b := range stored {
		if !b.Active || b.Token == "" || seen[b.Token] {
			continue
		}
		seen[b.Token] = true
		ids = append(ids, b.ID)
	}

	out := make([]*Bot, 0, len(ids))
	for _, id := range ids {
		b, err := r.get(ctx, id)
		if err != nil {
			r.logger.Warn("skipping bot", zap.Int64("bot_id", id), zap.Error(err))
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
