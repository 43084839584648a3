package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"redemption-service/internal/models"

	"github.com/lib/pq"
)

// ReserveCode claims one available code for the reward in a single statement.
// SKIP LOCKED lets concurrent purchasers pick different rows instead of queueing.
func (s *Store) ReserveCode(ctx context.Context, rewardID, userID int64) (*models.Code, error) {
	var code models.Code
	err := s.conn(ctx).GetContext(ctx, &code, `
		UPDATE reward_codes
		SET status = 'reserved', reserved_by = $2, reserved_at = NOW()
		WHERE id = (
			SELECT id FROM reward_codes
			WHERE reward_id = $1 AND status = 'available'
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		rewardID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConditionFailed
	}
	if err != nil {
		return nil, translate(fmt.Errorf("reserve code for reward %d: %w", rewardID, err))
	}
	return &code, nil
}

// ReleaseCode puts a reserved code back into the pool
func (s *Store) ReleaseCode(ctx context.Context, codeID int64) error {
	return expectOne(s.conn(ctx).ExecContext(ctx, `
		UPDATE reward_codes
		SET status = 'available', reserved_by = NULL, reserved_at = NULL
		WHERE id = $1 AND status = 'reserved'`,
		codeID))
}

// ConsumeCode marks a reserved code as used
func (s *Store) ConsumeCode(ctx context.Context, codeID, userID int64) error {
	return expectOne(s.conn(ctx).ExecContext(ctx, `
		UPDATE reward_codes
		SET status = 'used', used_by = $2, used_at = NOW()
		WHERE id = $1 AND status = 'reserved'`,
		codeID, userID))
}

// ImportCodes adds codes to a reward pool, skipping ones that already exist
func (s *Store) ImportCodes(ctx context.Context, rewardID int64, codes []string) (int, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO reward_codes (reward_id, code)
		SELECT $1, c FROM unnest($2::text[]) AS c
		ON CONFLICT (code) DO NOTHING`,
		rewardID, pq.Array(codes))
	if err != nil {
		return 0, translate(fmt.Errorf("import codes for reward %d: %w", rewardID, err))
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountAvailableCodes returns how many codes are still claimable for a reward
func (s *Store) CountAvailableCodes(ctx context.Context, rewardID int64) (int, error) {
	var n int
	err := s.conn(ctx).GetContext(ctx, &n,
		"SELECT COUNT(*) FROM reward_codes WHERE reward_id = $1 AND status = 'available'", rewardID)
	return n, translate(err)
}

// ReclaimStaleCodes returns codes reserved before cutoff to the pool when no
// live redemption holds them. These are left behind by a purchase that died
// between reserving the code and committing or releasing it.
func (s *Store) ReclaimStaleCodes(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE reward_codes
		SET status = 'available', reserved_by = NULL, reserved_at = NULL
		WHERE status = 'reserved' AND reserved_at < $1
		AND NOT EXISTS (
			SELECT 1 FROM redemptions r
			WHERE r.code_id = reward_codes.id AND r.status IN ('PENDING', 'FULFILLED')
		)`,
		cutoff)
	if err != nil {
		return 0, translate(fmt.Errorf("reclaim stale codes: %w", err))
	}
	n, err := res.RowsAffected()
	return int(n), err
}
