package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"redemption-service/internal/models"

	"github.com/lib/pq"
)

// CreateRedemption inserts a new redemption row
func (s *Store) CreateRedemption(ctx context.Context, r *models.Redemption) error {
	if len(r.Metadata) == 0 {
		r.Metadata = []byte("{}")
	}

	query := `
		INSERT INTO redemptions (user_id, reward_id, code_id, code, points_spent, status, idempotency_key, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	err := s.conn(ctx).QueryRowxContext(ctx, query,
		r.UserID, r.RewardID, r.CodeID, r.Code, r.PointsSpent, r.Status, r.IdempotencyKey, []byte(r.Metadata),
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return translate(fmt.Errorf("create redemption: %w", err))
	}
	return nil
}

// UpdateRedemptionMetadata replaces the metadata document of a redemption
func (s *Store) UpdateRedemptionMetadata(ctx context.Context, id int64, metadata []byte) error {
	return expectOne(s.conn(ctx).ExecContext(ctx,
		"UPDATE redemptions SET metadata = $2, updated_at = NOW() WHERE id = $1", id, metadata))
}

// GetRedemptionByID retrieves a redemption by ID
func (s *Store) GetRedemptionByID(ctx context.Context, id int64) (*models.Redemption, error) {
	return s.getRedemption(ctx, "id", id)
}

// GetRedemptionByCode retrieves the latest redemption bound to a voucher code.
// A released pool code can appear on older cancelled rows as well.
func (s *Store) GetRedemptionByCode(ctx context.Context, code string) (*models.Redemption, error) {
	return s.getRedemption(ctx, "code", code)
}

// GetRedemptionByIdempotencyKey retrieves a redemption by idempotency key
func (s *Store) GetRedemptionByIdempotencyKey(ctx context.Context, key string) (*models.Redemption, error) {
	return s.getRedemption(ctx, "idempotency_key", key)
}

func (s *Store) getRedemption(ctx context.Context, column string, value interface{}) (*models.Redemption, error) {
	var r models.Redemption
	query := fmt.Sprintf("SELECT * FROM redemptions WHERE %s = $1 ORDER BY id DESC LIMIT 1", column)
	if err := s.conn(ctx).GetContext(ctx, &r, query, value); err != nil {
		return nil, translate(fmt.Errorf("get redemption by %s: %w", column, err))
	}
	return &r, nil
}

// GetRedemptionsByUserID retrieves redemptions for a user, newest first
func (s *Store) GetRedemptionsByUserID(ctx context.Context, userID int64) ([]models.Redemption, error) {
	var out []models.Redemption
	err := s.conn(ctx).SelectContext(ctx, &out,
		"SELECT * FROM redemptions WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return out, translate(err)
}

// TransitionRedemption moves a redemption to t.To only while its status is one
// of t.From. The status guard makes this a compare-and-swap: of two concurrent
// transitions on the same row exactly one matches.
func (s *Store) TransitionRedemption(ctx context.Context, t models.RedemptionTransition) (*models.Redemption, error) {
	set := "status = $3, updated_at = NOW()"
	args := []interface{}{t.ID, pq.Array(t.From), t.To}

	switch t.To {
	case models.RedemptionStatusFulfilled:
		set += ", fulfilled_at = $4, fulfilled_by = $5"
		args = append(args, t.At, t.ActorID)
	case models.RedemptionStatusCancelled, models.RedemptionStatusRejected:
		set += ", cancelled_at = $4, cancelled_by = $5, cancel_reason = $6"
		args = append(args, t.At, t.ActorID, t.Reason)
	}

	query := fmt.Sprintf("UPDATE redemptions SET %s WHERE id = $1 AND status = ANY($2) RETURNING *", set)

	var r models.Redemption
	err := s.conn(ctx).GetContext(ctx, &r, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missingOr(ctx, "redemptions", t.ID, ErrConditionFailed)
	}
	if err != nil {
		return nil, translate(fmt.Errorf("transition redemption %d: %w", t.ID, err))
	}
	return &r, nil
}
