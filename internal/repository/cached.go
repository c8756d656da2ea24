package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

// CachedRecords is a read-through cache over a RecordRepository. Records are
// immutable once saved, so entries never need invalidation, only expiry.
type CachedRecords struct {
	RecordRepository
	cache *cache.Cache
}

func NewCachedRecords(inner RecordRepository, ttl time.Duration) *CachedRecords {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachedRecords{RecordRepository: inner, cache: cache.New(ttl, 2*ttl)}
}

func (c *CachedRecords) Save(ctx context.Context, rec *entity.ExtractionRecord) error {
	if err := c.RecordRepository.Save(ctx, rec); err != nil {
		return err
	}
	cp := *rec
	c.cache.SetDefault(rec.ID.String(), &cp)
	return nil
}

func (c *CachedRecords) Get(ctx context.Context, id uuid.UUID) (*entity.ExtractionRecord, error) {
	if v, ok := c.cache.Get(id.String()); ok {
		cp := *v.(*entity.ExtractionRecord)
		return &cp, nil
	}
	rec, err := c.RecordRepository.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *rec
	c.cache.SetDefault(id.String(), &cp)
	return rec, nil
}

// Len reports the number of cached records.
func (c *CachedRecords) Len() int { return c.cache.ItemCount() }
