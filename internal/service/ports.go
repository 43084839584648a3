package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"redemption-service/internal/models"
	"redemption-service/internal/store"
)

// TxRunner runs fn in one storage transaction. Repository calls made with the
// context handed to fn join it; the transaction commits only if fn returns nil.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UserStore exposes balance reads and the atomic ledger adjustment
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	AdjustPoints(ctx context.Context, adj models.PointAdjustment) (*models.Points, error)
	GetPointTransactions(ctx context.Context, userID int64, limit int) ([]models.PointTransaction, error)
}

// RewardStore exposes reward reads and the atomic stock counters
type RewardStore interface {
	GetReward(ctx context.Context, id int64) (*models.Reward, error)
	ReserveStock(ctx context.Context, rewardID int64) error
	ReleaseStock(ctx context.Context, rewardID int64) error
	CommitStock(ctx context.Context, rewardID int64) error
}

// CodeStore exposes the atomic code pool operations
type CodeStore interface {
	ReserveCode(ctx context.Context, rewardID, userID int64) (*models.Code, error)
	ReleaseCode(ctx context.Context, codeID int64) error
	ConsumeCode(ctx context.Context, codeID, userID int64) error
	ImportCodes(ctx context.Context, rewardID int64, codes []string) (int, error)
	CountAvailableCodes(ctx context.Context, rewardID int64) (int, error)
	ReclaimStaleCodes(ctx context.Context, cutoff time.Time) (int, error)
}

// RedemptionStore persists redemption records
type RedemptionStore interface {
	CreateRedemption(ctx context.Context, r *models.Redemption) error
	UpdateRedemptionMetadata(ctx context.Context, id int64, metadata []byte) error
	GetRedemptionByID(ctx context.Context, id int64) (*models.Redemption, error)
	GetRedemptionByCode(ctx context.Context, code string) (*models.Redemption, error)
	GetRedemptionByIdempotencyKey(ctx context.Context, key string) (*models.Redemption, error)
	GetRedemptionsByUserID(ctx context.Context, userID int64) ([]models.Redemption, error)
	TransitionRedemption(ctx context.Context, t models.RedemptionTransition) (*models.Redemption, error)
}

// Repository is everything the engine needs from storage
type Repository interface {
	TxRunner
	UserStore
	RewardStore
	CodeStore
	RedemptionStore
}

// ResultCache is the short-TTL backing store of IdempotencyStore
type ResultCache interface {
	ClaimIdempotencyKey(ctx context.Context, key string, inFlightTTL time.Duration) (string, bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// EventSink accepts side-effect events. Publish must not block on downstream
// consumers; failures are the sink's problem, never the caller's.
type EventSink interface {
	Publish(event models.Event)
}

// authorize loads the acting user and checks allowed against it. An unknown
// actor is unauthorized; a storage failure is returned as is.
func authorize(ctx context.Context, users UserStore, actorID int64, allowed func(*models.User) bool) error {
	actor, err := users.GetUser(ctx, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("get actor: %w", err)
	}
	if !allowed(actor) {
		return ErrUnauthorized
	}
	return nil
}
