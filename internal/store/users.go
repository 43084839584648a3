package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"redemption-service/internal/models"
)

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := s.conn(ctx).GetContext(ctx, &user, "SELECT * FROM users WHERE id = $1", id)
	if err != nil {
		return nil, translate(fmt.Errorf("get user %d: %w", id, err))
	}
	return &user, nil
}

// AdjustPoints applies adj as one conditional UPDATE: the balance guard and
// the write are the same statement, so concurrent debits cannot overdraw.
// A ledger row is appended in the same transaction.
func (s *Store) AdjustPoints(ctx context.Context, adj models.PointAdjustment) (*models.Points, error) {
	var points models.Points

	err := s.WithTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)

		err := q.GetContext(ctx, &points, `
			UPDATE users
			SET points_available = points_available + $2,
			    points_spent = points_spent + $3,
			    points_total = points_total + $4,
			    updated_at = NOW()
			WHERE id = $1
			  AND points_available + $2 >= 0
			  AND points_spent + $3 >= 0
			  AND points_total + $4 >= 0
			RETURNING points_available, points_total, points_spent`,
			adj.UserID, adj.Delta, adj.SpentDelta(), adj.TotalDelta())
		if errors.Is(err, sql.ErrNoRows) {
			return s.missingOr(ctx, "users", adj.UserID, ErrConditionFailed)
		}
		if err != nil {
			return translate(fmt.Errorf("adjust points for user %d: %w", adj.UserID, err))
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO point_transactions (user_id, delta, reason, actor_id, note, balance_after)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			adj.UserID, adj.Delta, adj.Reason, adj.ActorID, adj.Note, points.Available)
		if err != nil {
			return translate(fmt.Errorf("record point transaction: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &points, nil
}

// GetPointTransactions returns the most recent ledger rows for a user
func (s *Store) GetPointTransactions(ctx context.Context, userID int64, limit int) ([]models.PointTransaction, error) {
	var txs []models.PointTransaction
	err := s.conn(ctx).SelectContext(ctx, &txs,
		"SELECT * FROM point_transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
		userID, limit)
	return txs, translate(err)
}

// missingOr returns ErrNotFound when the row is absent, otherwise fallback.
// Used after a guarded UPDATE matched nothing.
func (s *Store) missingOr(ctx context.Context, table string, id int64, fallback error) error {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)", table)
	if err := s.conn(ctx).GetContext(ctx, &exists, query, id); err != nil {
		return translate(err)
	}
	if !exists {
		return fmt.Errorf("%w: %s %d", ErrNotFound, table, id)
	}
	return fallback
}
