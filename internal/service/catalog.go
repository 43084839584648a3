package service

import (
	"context"
	"errors"
	"fmt"

	"redemption-service/internal/models"
	"redemption-service/internal/store"
	"redemption-service/internal/util"

	"go.uber.org/zap"
)

// RewardCatalog handles reward lookups and stock bookkeeping
type RewardCatalog struct {
	rewards RewardStore
	logger  *zap.Logger
}

// NewRewardCatalog creates a new reward catalog
func NewRewardCatalog(rewards RewardStore) *RewardCatalog {
	return &RewardCatalog{
		rewards: rewards,
		logger:  util.GetLogger(),
	}
}

// GetReward retrieves a reward by ID
func (c *RewardCatalog) GetReward(ctx context.Context, rewardID int64) (*models.Reward, error) {
	reward, err := c.rewards.GetReward(ctx, rewardID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRewardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reward: %w", err)
	}
	return reward, nil
}

// ReserveStock takes one unit of a finite reward. Unlimited rewards are a no-op.
func (c *RewardCatalog) ReserveStock(ctx context.Context, reward *models.Reward) error {
	if reward.IsUnlimited() {
		return nil
	}

	err := c.rewards.ReserveStock(ctx, reward.ID)
	switch {
	case errors.Is(err, store.ErrConditionFailed):
		return ErrOutOfStock
	case errors.Is(err, store.ErrNotFound):
		return ErrRewardNotFound
	case err != nil:
		return fmt.Errorf("reserve stock for reward %d: %w", reward.ID, err)
	}
	return nil
}

// ReleaseStock returns a reserved unit (compensation)
func (c *RewardCatalog) ReleaseStock(ctx context.Context, reward *models.Reward) error {
	if reward.IsUnlimited() {
		return nil
	}
	if err := c.rewards.ReleaseStock(ctx, reward.ID); err != nil {
		return fmt.Errorf("release stock for reward %d: %w", reward.ID, err)
	}
	return nil
}

// CommitStock consumes a reserved unit at fulfillment
func (c *RewardCatalog) CommitStock(ctx context.Context, reward *models.Reward) error {
	if reward.IsUnlimited() {
		return nil
	}
	if err := c.rewards.CommitStock(ctx, reward.ID); err != nil {
		return fmt.Errorf("commit stock for reward %d: %w", reward.ID, err)
	}
	return nil
}
