package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"redemption-service/internal/models"
	"redemption-service/internal/store"
	"redemption-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxBulkIDs         = 500
	maxCancelReasonLen = 500
)

// FulfillmentService moves redemptions from PENDING to a terminal state.
// Every transition is a compare-and-swap on status, so of two concurrent
// scans or cancellations exactly one wins.
type FulfillmentService struct {
	repo    Repository
	ledger  *PointsLedger
	catalog *RewardCatalog
	codes   *CodePool
	qr      *QRCodec
	events  EventSink
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

// NewFulfillmentService creates a new fulfillment service
func NewFulfillmentService(
	repo Repository,
	ledger *PointsLedger,
	catalog *RewardCatalog,
	codes *CodePool,
	qr *QRCodec,
	events EventSink,
	opts Options,
) *FulfillmentService {
	return &FulfillmentService{
		repo:    repo,
		ledger:  ledger,
		catalog: catalog,
		codes:   codes,
		qr:      qr,
		events:  events,
		opts:    opts,
		logger:  util.GetLogger(),
		now:     time.Now,
	}
}

// CancelResult is returned by Cancel
type CancelResult struct {
	Redemption     *models.Redemption `json:"redemption"`
	PointsRefunded int64              `json:"points_refunded"`
	NewBalance     int64              `json:"new_balance"`
}

// Scan fulfills the redemption identified by a code or QR payload
func (s *FulfillmentService) Scan(ctx context.Context, actorID int64, codeOrPayload string) (*models.Redemption, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.Scan")
	defer span.End()

	r, err := s.scan(ctx, actorID, codeOrPayload)
	util.RecordError(span, err)
	return r, err
}

func (s *FulfillmentService) scan(ctx context.Context, actorID int64, codeOrPayload string) (*models.Redemption, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	code, claims, err := s.qr.Resolve(codeOrPayload)
	if err != nil {
		return nil, s.denied(err)
	}

	actor, err := s.loadActor(ctx, actorID)
	if err != nil {
		return nil, s.denied(err)
	}

	// A payload names its redemption; a bare code maps to the newest row, since
	// pool codes return to the pool after a cancel.
	var redemption *models.Redemption
	if claims != nil {
		redemption, err = s.repo.GetRedemptionByID(ctx, claims.RedemptionID)
	} else {
		redemption, err = s.repo.GetRedemptionByCode(ctx, code)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, s.denied(ErrRedemptionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get redemption for scan: %w", err)
	}
	if claims != nil && redemption.Code != claims.Code {
		return nil, s.denied(ValidationError("qr payload does not match redemption"))
	}

	reward, err := s.catalog.GetReward(ctx, redemption.RewardID)
	if err != nil {
		return nil, err
	}

	if !canFulfill(actor, redemption, reward) {
		s.logger.Warn("Unauthorized fulfillment attempt",
			zap.Int64("actor_id", actorID),
			zap.Int64("redemption_id", redemption.ID),
			zap.Int64("reward_partner_id", reward.PartnerID))
		return nil, s.denied(ErrUnauthorized)
	}

	if redemption.IsTerminal() {
		s.logger.Warn("Scan of processed redemption",
			zap.Int64("actor_id", actorID),
			zap.Int64("redemption_id", redemption.ID),
			zap.String("status", redemption.Status))
		return nil, s.denied(ErrAlreadyProcessed)
	}

	now := s.now()
	var updated *models.Redemption
	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.transition(ctx, models.RedemptionTransition{
			ID:      redemption.ID,
			From:    []string{models.RedemptionStatusPending},
			To:      models.RedemptionStatusFulfilled,
			ActorID: actorID,
			At:      now,
		}, ErrAlreadyProcessed)
		if err != nil {
			return err
		}
		return s.settleInventory(ctx, updated, reward, models.RedemptionStatusFulfilled)
	})
	if err != nil {
		return nil, s.denied(err)
	}

	util.RedemptionsFulfilledTotal.Inc()
	s.logger.Info("Redemption fulfilled",
		zap.Int64("redemption_id", updated.ID),
		zap.Int64("actor_id", actorID))

	s.events.Publish(&models.RedemptionFulfilledEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeRedemptionFulfilled,
			ActorID:   actorID,
			Timestamp: now,
		},
		RedemptionID: updated.ID,
		UserID:       updated.UserID,
		RewardID:     updated.RewardID,
		PartnerID:    reward.PartnerID,
		FulfilledAt:  now,
	})

	return updated, nil
}

// Cancel voids a pending redemption and refunds its points. Admin only.
func (s *FulfillmentService) Cancel(ctx context.Context, adminID, redemptionID int64, reason string) (*CancelResult, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.Cancel")
	defer span.End()

	result, err := s.cancelPending(ctx, adminID, redemptionID, reason)
	util.RecordError(span, err)
	return result, err
}

func (s *FulfillmentService) cancelPending(ctx context.Context, adminID, redemptionID int64, reason string) (*CancelResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ValidationError("cancel reason is required")
	}
	if len(reason) > maxCancelReasonLen {
		return nil, ValidationError("cancel reason longer than %d characters", maxCancelReasonLen)
	}

	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, s.denied(err)
	}

	redemption, err := s.getRedemption(ctx, redemptionID)
	if err != nil {
		return nil, err
	}
	if redemption.Status != models.RedemptionStatusPending {
		return nil, s.denied(ErrInvalidStateTransition)
	}

	reward, err := s.catalog.GetReward(ctx, redemption.RewardID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var (
		updated *models.Redemption
		points  *models.Points
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.transition(ctx, models.RedemptionTransition{
			ID:      redemption.ID,
			From:    []string{models.RedemptionStatusPending},
			To:      models.RedemptionStatusCancelled,
			ActorID: adminID,
			Reason:  reason,
			At:      now,
		}, ErrInvalidStateTransition)
		if err != nil {
			return err
		}

		points, err = s.ledger.adjust(ctx, models.PointAdjustment{
			UserID:  updated.UserID,
			Delta:   updated.PointsSpent,
			Reason:  models.ReasonCancelRefund,
			ActorID: adminID,
			Note:    fmt.Sprintf("redemption %d: %s", updated.ID, reason),
		})
		if err != nil {
			return err
		}

		return s.settleInventory(ctx, updated, reward, models.RedemptionStatusCancelled)
	})
	if err != nil {
		return nil, s.denied(err)
	}

	util.RedemptionsCancelledTotal.Inc()
	s.logger.Info("Redemption cancelled",
		zap.Int64("redemption_id", updated.ID),
		zap.Int64("admin_id", adminID),
		zap.Int64("points_refunded", updated.PointsSpent),
		zap.String("reason", reason))

	s.events.Publish(&models.RedemptionCancelledEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeRedemptionCancelled,
			ActorID:   adminID,
			Timestamp: now,
		},
		RedemptionID:   updated.ID,
		UserID:         updated.UserID,
		RewardID:       updated.RewardID,
		PointsRefunded: updated.PointsSpent,
		Reason:         reason,
	})
	s.ledger.publishAdjusted(models.PointAdjustment{
		UserID:  updated.UserID,
		Delta:   updated.PointsSpent,
		Reason:  models.ReasonCancelRefund,
		ActorID: adminID,
	}, points)

	return &CancelResult{
		Redemption:     updated,
		PointsRefunded: updated.PointsSpent,
		NewBalance:     points.Available,
	}, nil
}

// BulkSetStatus moves each listed redemption to status without refunding
// points. Records are validated and transitioned one by one; the count of
// successful transitions is returned.
func (s *FulfillmentService) BulkSetStatus(ctx context.Context, adminID int64, redemptionIDs []int64, status string) (int, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.BulkSetStatus")
	defer span.End()

	n, err := s.bulkSetStatus(ctx, adminID, redemptionIDs, status)
	util.RecordError(span, err)
	return n, err
}

func (s *FulfillmentService) bulkSetStatus(ctx context.Context, adminID int64, redemptionIDs []int64, status string) (int, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if !models.IsTerminalStatus(status) {
		return 0, ValidationError("status must be one of FULFILLED, CANCELLED, REJECTED")
	}
	if len(redemptionIDs) == 0 {
		return 0, ValidationError("no redemption ids supplied")
	}
	if len(redemptionIDs) > maxBulkIDs {
		return 0, ValidationError("at most %d redemption ids per request", maxBulkIDs)
	}

	if err := s.requireAdmin(ctx, adminID); err != nil {
		return 0, s.denied(err)
	}

	ids := dedupeIDs(redemptionIDs)
	updatedIDs := make([]int64, 0, len(ids))
	for _, id := range ids {
		if err := s.setStatus(ctx, adminID, id, status); err != nil {
			s.logger.Warn("Bulk status update skipped redemption",
				zap.Int64("redemption_id", id),
				zap.String("status", status),
				zap.Error(err))
			continue
		}
		updatedIDs = append(updatedIDs, id)
	}

	util.BulkStatusUpdatedTotal.WithLabelValues(status).Add(float64(len(updatedIDs)))
	s.logger.Info("Bulk status update finished",
		zap.Int64("admin_id", adminID),
		zap.String("status", status),
		zap.Int("requested", len(ids)),
		zap.Int("updated", len(updatedIDs)))

	if len(updatedIDs) > 0 {
		s.events.Publish(&models.RedemptionBulkStatusEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeRedemptionBulk,
				ActorID:   adminID,
				Timestamp: s.now(),
			},
			RedemptionIDs: updatedIDs,
			Status:        status,
			Updated:       len(updatedIDs),
		})
	}

	return len(updatedIDs), nil
}

func (s *FulfillmentService) setStatus(ctx context.Context, adminID, redemptionID int64, status string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	redemption, err := s.getRedemption(ctx, redemptionID)
	if err != nil {
		return err
	}
	if redemption.IsTerminal() {
		return ErrInvalidStateTransition
	}

	reward, err := s.catalog.GetReward(ctx, redemption.RewardID)
	if err != nil {
		return err
	}

	return s.repo.WithTx(ctx, func(ctx context.Context) error {
		updated, err := s.transition(ctx, models.RedemptionTransition{
			ID:      redemptionID,
			From:    []string{models.RedemptionStatusPending},
			To:      status,
			ActorID: adminID,
			Reason:  "bulk status update",
			At:      s.now(),
		}, ErrInvalidStateTransition)
		if err != nil {
			return err
		}
		return s.settleInventory(ctx, updated, reward, status)
	})
}

// transition runs the status CAS, reporting a lost race as onConflict
func (s *FulfillmentService) transition(ctx context.Context, t models.RedemptionTransition, onConflict *Error) (*models.Redemption, error) {
	updated, err := s.repo.TransitionRedemption(ctx, t)
	switch {
	case errors.Is(err, store.ErrConditionFailed):
		return nil, onConflict
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrRedemptionNotFound
	case err != nil:
		return nil, fmt.Errorf("transition redemption %d: %w", t.ID, err)
	}
	return updated, nil
}

// settleInventory applies the code and stock side of a transition: a
// fulfilled redemption consumes its code and reserved unit, any other
// terminal state hands both back.
func (s *FulfillmentService) settleInventory(ctx context.Context, r *models.Redemption, reward *models.Reward, status string) error {
	if status == models.RedemptionStatusFulfilled {
		if r.CodeID.Valid {
			if err := s.codes.ConsumeCode(ctx, r.CodeID.Int64, r.UserID); err != nil {
				return err
			}
		}
		return s.catalog.CommitStock(ctx, reward)
	}

	if r.CodeID.Valid {
		if err := s.codes.ReleaseCode(ctx, r.CodeID.Int64); err != nil {
			return err
		}
	}
	return s.catalog.ReleaseStock(ctx, reward)
}

func (s *FulfillmentService) getRedemption(ctx context.Context, id int64) (*models.Redemption, error) {
	r, err := s.repo.GetRedemptionByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRedemptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get redemption: %w", err)
	}
	return r, nil
}

func (s *FulfillmentService) loadActor(ctx context.Context, actorID int64) (*models.User, error) {
	actor, err := s.repo.GetUser(ctx, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("get actor: %w", err)
	}
	if actor.IsBanned {
		return nil, ErrUnauthorized
	}
	return actor, nil
}

func (s *FulfillmentService) requireAdmin(ctx context.Context, actorID int64) error {
	actor, err := s.loadActor(ctx, actorID)
	if err != nil {
		return err
	}
	if !actor.IsAdmin() {
		return ErrUnauthorized
	}
	return nil
}

// denied counts business rejections by code and passes err through
func (s *FulfillmentService) denied(err error) error {
	util.FulfillmentDeniedTotal.WithLabelValues(string(CodeOf(err))).Inc()
	return err
}

// canFulfill: the purchaser, staff, or a partner account of the reward's partner
func canFulfill(actor *models.User, r *models.Redemption, reward *models.Reward) bool {
	switch {
	case actor.ID == r.UserID:
		return true
	case actor.IsStaff():
		return true
	case actor.Role == models.RolePartner:
		return actor.PartnerID.Valid && actor.PartnerID.Int64 == reward.PartnerID
	}
	return false
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
