package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"redemption-service/internal/models"
	"redemption-service/internal/store"
	"redemption-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PointsLedger applies attributable balance adjustments
type PointsLedger struct {
	users  UserStore
	events EventSink
	logger *zap.Logger
}

// NewPointsLedger creates a new points ledger
func NewPointsLedger(users UserStore, events EventSink) *PointsLedger {
	return &PointsLedger{
		users:  users,
		events: events,
		logger: util.GetLogger(),
	}
}

// adjust applies one conditional increment. It publishes nothing: when it runs
// inside a larger transaction the caller emits events after commit.
func (l *PointsLedger) adjust(ctx context.Context, adj models.PointAdjustment) (*models.Points, error) {
	points, err := l.users.AdjustPoints(ctx, adj)
	switch {
	case errors.Is(err, store.ErrConditionFailed):
		return nil, ErrInsufficientBalance
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("adjust points: %w", err)
	}

	util.PointsAdjustedTotal.WithLabelValues(adj.Reason).Inc()
	return points, nil
}

// Award credits points earned in-game. The actor must be staff.
func (l *PointsLedger) Award(ctx context.Context, actorID, userID, amount int64) (*models.Points, error) {
	ctx, span := util.StartSpan(ctx, "PointsLedger.Award")
	defer span.End()

	if amount <= 0 {
		return nil, ValidationError("award amount must be positive")
	}

	if err := authorize(ctx, l.users, actorID, (*models.User).IsStaff); err != nil {
		return nil, err
	}

	return l.apply(ctx, models.PointAdjustment{
		UserID:  userID,
		Delta:   amount,
		Reason:  models.ReasonEarn,
		ActorID: actorID,
	})
}

// AdminAdjust applies a manual correction. Only admins may call it and it is
// the one path allowed to lower a user's total.
func (l *PointsLedger) AdminAdjust(ctx context.Context, adminID, userID, delta int64, note string) (*models.Points, error) {
	ctx, span := util.StartSpan(ctx, "PointsLedger.AdminAdjust")
	defer span.End()

	if delta == 0 {
		return nil, ValidationError("delta must be non-zero")
	}

	if err := authorize(ctx, l.users, adminID, (*models.User).IsAdmin); err != nil {
		return nil, err
	}

	return l.apply(ctx, models.PointAdjustment{
		UserID:  userID,
		Delta:   delta,
		Reason:  models.ReasonAdminAdjust,
		ActorID: adminID,
		Note:    note,
	})
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// History is a user's balance together with their latest ledger rows
type History struct {
	UserID       int64                     `json:"user_id"`
	Points       models.Points             `json:"points"`
	Transactions []models.PointTransaction `json:"transactions"`
}

// History returns the balance and newest transactions of userID. Users see
// their own ledger, staff see anyone's.
func (l *PointsLedger) History(ctx context.Context, actorID, userID int64, limit int) (*History, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	if actorID != userID {
		if err := authorize(ctx, l.users, actorID, (*models.User).IsStaff); err != nil {
			return nil, err
		}
	}

	user, err := l.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	txs, err := l.users.GetPointTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("get point transactions: %w", err)
	}
	if txs == nil {
		txs = []models.PointTransaction{}
	}
	return &History{UserID: userID, Points: user.Points, Transactions: txs}, nil
}

func (l *PointsLedger) apply(ctx context.Context, adj models.PointAdjustment) (*models.Points, error) {
	points, err := l.adjust(ctx, adj)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Points adjusted",
		zap.Int64("user_id", adj.UserID),
		zap.Int64("delta", adj.Delta),
		zap.String("reason", adj.Reason),
		zap.Int64("actor_id", adj.ActorID))

	l.publishAdjusted(adj, points)
	return points, nil
}

func (l *PointsLedger) publishAdjusted(adj models.PointAdjustment, points *models.Points) {
	l.events.Publish(&models.PointsAdjustedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePointsAdjusted,
			ActorID:   adj.ActorID,
			Timestamp: time.Now(),
		},
		UserID:       adj.UserID,
		Delta:        adj.Delta,
		Reason:       adj.Reason,
		BalanceAfter: points.Available,
	})
}
