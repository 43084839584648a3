package store

import (
	"context"
	"errors"
	"fmt"

	"redemption-service/internal/models"
)

// GetReward retrieves a reward by ID
func (s *Store) GetReward(ctx context.Context, id int64) (*models.Reward, error) {
	var reward models.Reward
	err := s.conn(ctx).GetContext(ctx, &reward, "SELECT * FROM rewards WHERE id = $1", id)
	if err != nil {
		return nil, translate(fmt.Errorf("get reward %d: %w", id, err))
	}
	return &reward, nil
}

// ReserveStock moves one unit from available to reserved, only if one is left
func (s *Store) ReserveStock(ctx context.Context, rewardID int64) error {
	err := expectOne(s.conn(ctx).ExecContext(ctx, `
		UPDATE rewards
		SET stock_available = stock_available - 1,
		    stock_reserved = stock_reserved + 1,
		    updated_at = NOW()
		WHERE id = $1 AND stock_quantity <> -1 AND stock_available > 0`,
		rewardID))
	if errors.Is(err, ErrConditionFailed) {
		return s.missingOr(ctx, "rewards", rewardID, ErrConditionFailed)
	}
	return err
}

// ReleaseStock returns a reserved unit to available (compensation)
func (s *Store) ReleaseStock(ctx context.Context, rewardID int64) error {
	return expectOne(s.conn(ctx).ExecContext(ctx, `
		UPDATE rewards
		SET stock_available = stock_available + 1,
		    stock_reserved = stock_reserved - 1,
		    updated_at = NOW()
		WHERE id = $1 AND stock_quantity <> -1 AND stock_reserved > 0`,
		rewardID))
}

// CommitStock consumes a reserved unit (final deduction at fulfillment)
func (s *Store) CommitStock(ctx context.Context, rewardID int64) error {
	return expectOne(s.conn(ctx).ExecContext(ctx, `
		UPDATE rewards
		SET stock_reserved = stock_reserved - 1,
		    updated_at = NOW()
		WHERE id = $1 AND stock_quantity <> -1 AND stock_reserved > 0`,
		rewardID))
}
