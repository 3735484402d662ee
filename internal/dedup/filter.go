package dedup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
)

// KeyStore is the part of the store the filter needs.
type KeyStore interface {
	ExistingKeys(ctx context.Context, tc models.TenantContext, ref models.SourceRef, keys []string) (map[string]bool, error)
}

type Filter struct {
	store  KeyStore
	cache  *Cache
	logger *zap.Logger
}

// NewFilter builds a filter. cache may be nil.
func NewFilter(store KeyStore, cache *Cache, logger *zap.Logger) *Filter {
	return &Filter{store: store, cache: cache, logger: logger.Named("dedup")}
}

// Split partitions a batch into records never seen for this source and
// records already stored (or repeated earlier in the same batch). It
// issues at most one store query.
func (f *Filter) Split(ctx context.Context, tc models.TenantContext, ref models.SourceRef, records []models.RawRecord) (fresh, skipped []models.RawRecord, err error) {
	if len(records) == 0 {
		return nil, nil, nil
	}

	var (
		candidates []models.RawRecord
		keys       []string
		inBatch    = make(map[string]bool, len(records))
	)
	for _, rec := range records {
		if inBatch[rec.Key] {
			skipped = append(skipped, rec)
			continue
		}
		inBatch[rec.Key] = true
		if f.cache != nil && f.cache.Has(tc, ref, rec.Key) {
			skipped = append(skipped, rec)
			continue
		}
		candidates = append(candidates, rec)
		keys = append(keys, rec.Key)
	}
	if len(keys) == 0 {
		return nil, skipped, nil
	}

	existing, err := f.store.ExistingKeys(ctx, tc, ref, keys)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup existing keys: %w", err)
	}
	for _, rec := range candidates {
		if existing[rec.Key] {
			f.Remember(tc, ref, rec.Key)
			skipped = append(skipped, rec)
			continue
		}
		fresh = append(fresh, rec)
	}

	f.logger.Debug("batch filtered",
		zap.Int64("tenant_id", tc.ID),
		zap.String("source_kind", string(ref.Kind)),
		zap.Int64("source_id", ref.ID),
		zap.Int("fresh", len(fresh)),
		zap.Int("skipped", len(skipped)))
	return fresh, skipped, nil
}

// Remember records that key is now stored for the source.
func (f *Filter) Remember(tc models.TenantContext, ref models.SourceRef, key string) {
	if f.cache != nil {
		f.cache.Remember(tc, ref, key)
	}
}

func (f *Filter) Stats() Stats {
	if f.cache == nil {
		return Stats{}
	}
	return f.cache.Stats()
}
