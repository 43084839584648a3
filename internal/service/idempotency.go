package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"redemption-service/internal/redisclient"
	"redemption-service/internal/util"

	"go.uber.org/zap"
)

// IdempotencyStore caches purchase receipts by client-supplied key.
//
// Check claims the key for the caller when nothing is stored, so two
// concurrent requests with the same key cannot both run the purchase. The
// durable guarantee is the unique idempotency_key column; this cache only
// short-circuits replays and serializes in-flight duplicates. Cache outages
// degrade to that column and never fail a purchase.
type IdempotencyStore struct {
	cache       ResultCache
	ttl         time.Duration
	inFlightTTL time.Duration
	logger      *zap.Logger
}

// NewIdempotencyStore creates a new idempotency store
func NewIdempotencyStore(cache ResultCache, ttl, inFlightTTL time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		cache:       cache,
		ttl:         ttl,
		inFlightTTL: inFlightTTL,
		logger:      util.GetLogger(),
	}
}

// Check returns the prior receipt for key, or nil after claiming the key.
// A key held by a request still in flight yields ErrTransientConflict.
func (s *IdempotencyStore) Check(ctx context.Context, key string) (*Receipt, error) {
	value, found, err := s.cache.ClaimIdempotencyKey(ctx, key, s.inFlightTTL)
	if errors.Is(err, redisclient.ErrInFlight) {
		return nil, ErrTransientConflict
	}
	if err != nil {
		s.logger.Warn("Idempotency cache unavailable, relying on database",
			zap.String("idempotency_key", key),
			zap.Error(err))
		return nil, nil
	}
	if !found {
		return nil, nil
	}

	var receipt Receipt
	if err := json.Unmarshal([]byte(value), &receipt); err != nil {
		s.logger.Warn("Discarding unreadable idempotency entry",
			zap.String("idempotency_key", key),
			zap.Error(err))
		return nil, nil
	}
	return &receipt, nil
}

// Commit stores the receipt under key. Called only after the purchase commits.
// On error the caller still holds the in-flight claim.
func (s *IdempotencyStore) Commit(ctx context.Context, key string, receipt *Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		s.logger.Error("Failed to encode receipt", zap.Error(err))
		return fmt.Errorf("encode receipt: %w", err)
	}
	if err := s.cache.SetIdempotencyKey(ctx, key, data, s.ttl); err != nil {
		s.logger.Warn("Failed to cache receipt",
			zap.String("idempotency_key", key),
			zap.Error(err))
		return fmt.Errorf("cache receipt: %w", err)
	}
	return nil
}

// Release drops the caller's claim after a failed purchase so a retry can run.
func (s *IdempotencyStore) Release(ctx context.Context, key string) {
	if err := s.cache.ReleaseIdempotencyKey(ctx, key); err != nil {
		s.logger.Warn("Failed to release idempotency claim",
			zap.String("idempotency_key", key),
			zap.Error(err))
	}
}
