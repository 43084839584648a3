package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"redemption-service/internal/models"
	"redemption-service/internal/store"
	"redemption-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxIdempotencyKeyLength = 255

// Options tunes the engine's retry and timeout behaviour
type Options struct {
	TxMaxAttempts    int
	TxInitialBackoff time.Duration
	TxMaxBackoff     time.Duration
	OperationTimeout time.Duration
}

// DefaultOptions returns the settings used when config leaves them unset
func DefaultOptions() Options {
	return Options{
		TxMaxAttempts:    3,
		TxInitialBackoff: 20 * time.Millisecond,
		TxMaxBackoff:     200 * time.Millisecond,
		OperationTimeout: 5 * time.Second,
	}
}

// RedemptionService is the purchase engine: it turns points into one unit of
// a reward plus a single-use code
type RedemptionService struct {
	repo        Repository
	ledger      *PointsLedger
	catalog     *RewardCatalog
	codes       *CodePool
	idempotency *IdempotencyStore
	qr          *QRCodec
	events      EventSink
	opts        Options
	logger      *zap.Logger
}

// NewRedemptionService creates a new redemption service
func NewRedemptionService(
	repo Repository,
	ledger *PointsLedger,
	catalog *RewardCatalog,
	codes *CodePool,
	idempotency *IdempotencyStore,
	qr *QRCodec,
	events EventSink,
	opts Options,
) *RedemptionService {
	return &RedemptionService{
		repo:        repo,
		ledger:      ledger,
		catalog:     catalog,
		codes:       codes,
		idempotency: idempotency,
		qr:          qr,
		events:      events,
		opts:        opts,
		logger:      util.GetLogger(),
	}
}

// RedeemRequest represents a purchase request
type RedeemRequest struct {
	UserID         int64  `json:"user_id" binding:"required"`
	RewardID       int64  `json:"reward_id" binding:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Receipt is the result of a committed purchase. A replay returns it unchanged.
type Receipt struct {
	RedemptionID int64     `json:"redemption_id"`
	UserID       int64     `json:"user_id"`
	RewardID     int64     `json:"reward_id"`
	Status       string    `json:"status"`
	Code         string    `json:"code"`
	QRPayload    string    `json:"qr_payload"`
	PointsSpent  int64     `json:"points_spent"`
	NewBalance   int64     `json:"new_balance"`
	CreatedAt    time.Time `json:"created_at"`
}

// redemptionMetadata is persisted on the row so a receipt can be rebuilt
// after its cache entry expires
type redemptionMetadata struct {
	QRPayload    string `json:"qr_payload"`
	BalanceAfter int64  `json:"balance_after"`
	PartnerID    int64  `json:"partner_id"`
}

// Redeem spends the user's points on one unit of the reward
func (s *RedemptionService) Redeem(ctx context.Context, req *RedeemRequest) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	ctx, span := util.StartSpan(ctx, "RedemptionService.Redeem")
	defer span.End()

	if err := validateRedeemRequest(req); err != nil {
		util.RedemptionsFailedTotal.WithLabelValues(string(CodeOf(err))).Inc()
		util.RecordError(span, err)
		return nil, err
	}

	prior, err := s.idempotency.Check(ctx, req.IdempotencyKey)
	if err != nil {
		util.RedemptionsFailedTotal.WithLabelValues(string(CodeOf(err))).Inc()
		util.RecordError(span, err)
		return nil, err
	}
	if prior != nil {
		return s.replay(req, prior, "cache")
	}

	committed := false
	defer func() {
		if !committed {
			s.idempotency.Release(context.Background(), req.IdempotencyKey)
		}
	}()

	receipt, err := s.redeem(ctx, req)
	if err != nil {
		util.RedemptionsFailedTotal.WithLabelValues(string(CodeOf(err))).Inc()
		s.logger.Info("Redemption failed",
			zap.Int64("user_id", req.UserID),
			zap.Int64("reward_id", req.RewardID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
		util.RecordError(span, err)
		return nil, err
	}

	// Without a cached receipt the claim must go, or same-key retries would see
	// an in-flight marker until it expires. They then replay from the row.
	committed = s.idempotency.Commit(ctx, req.IdempotencyKey, receipt) == nil
	return receipt, nil
}

func (s *RedemptionService) redeem(ctx context.Context, req *RedeemRequest) (*Receipt, error) {
	if existing, err := s.receiptForKey(ctx, req.IdempotencyKey); err != nil || existing != nil {
		if existing != nil {
			return s.replay(req, existing, "database")
		}
		return nil, err
	}

	user, err := s.repo.GetUser(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	reward, err := s.catalog.GetReward(ctx, req.RewardID)
	if err != nil {
		return nil, err
	}

	if err := checkEligibility(user, reward); err != nil {
		return nil, err
	}

	var code *models.Code
	codeString := ""
	if reward.UsesCodePool {
		code, err = s.codes.ReserveCode(ctx, reward.ID, user.ID)
		if err != nil {
			return nil, err
		}
		codeString = code.Code
	} else {
		codeString, err = generateCode()
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
	}

	redemption, points, err := s.purchase(ctx, user, reward, code, codeString, req.IdempotencyKey)
	if err != nil {
		if code != nil {
			s.compensateCode(code)
		}
		if errors.Is(err, store.ErrDuplicateKey) {
			// Lost the race to a concurrent request carrying the same key.
			if existing, lookupErr := s.receiptForKey(ctx, req.IdempotencyKey); existing != nil {
				return s.replay(req, existing, "database")
			} else if lookupErr != nil {
				return nil, lookupErr
			}
		}
		return nil, err
	}

	var meta redemptionMetadata
	_ = json.Unmarshal(redemption.Metadata, &meta)

	receipt := &Receipt{
		RedemptionID: redemption.ID,
		UserID:       redemption.UserID,
		RewardID:     redemption.RewardID,
		Status:       redemption.Status,
		Code:         redemption.Code,
		QRPayload:    meta.QRPayload,
		PointsSpent:  redemption.PointsSpent,
		NewBalance:   points.Available,
		CreatedAt:    redemption.CreatedAt,
	}

	util.RedemptionsCreatedTotal.Inc()
	s.logger.Info("Redemption created",
		zap.Int64("redemption_id", redemption.ID),
		zap.Int64("user_id", user.ID),
		zap.Int64("reward_id", reward.ID),
		zap.Int64("points_spent", redemption.PointsSpent))

	s.publishCreated(redemption, reward)
	s.ledger.publishAdjusted(models.PointAdjustment{
		UserID:  user.ID,
		Delta:   -reward.PointsCost,
		Reason:  models.ReasonRedemption,
		ActorID: user.ID,
	}, points)

	return receipt, nil
}

// purchase runs the debit, stock reservation and redemption insert as one
// transaction, retrying serialization conflicts with bounded backoff.
func (s *RedemptionService) purchase(
	ctx context.Context,
	user *models.User,
	reward *models.Reward,
	code *models.Code,
	codeString string,
	idempotencyKey string,
) (*models.Redemption, *models.Points, error) {
	start := time.Now()
	defer func() {
		util.RedemptionTxLatency.Observe(time.Since(start).Seconds())
	}()

	var (
		redemption *models.Redemption
		points     *models.Points
		attempt    int
	)

	operation := func() error {
		attempt++
		if attempt > 1 {
			util.RedemptionTxRetriesTotal.Inc()
		}

		err := s.repo.WithTx(ctx, func(ctx context.Context) error {
			var err error
			points, err = s.ledger.adjust(ctx, models.PointAdjustment{
				UserID:  user.ID,
				Delta:   -reward.PointsCost,
				Reason:  models.ReasonRedemption,
				ActorID: user.ID,
			})
			if err != nil {
				return err
			}

			if err := s.catalog.ReserveStock(ctx, reward); err != nil {
				return err
			}

			redemption = &models.Redemption{
				UserID:         user.ID,
				RewardID:       reward.ID,
				Code:           codeString,
				PointsSpent:    reward.PointsCost,
				Status:         models.RedemptionStatusPending,
				IdempotencyKey: idempotencyKey,
			}
			if code != nil {
				redemption.CodeID = sql.NullInt64{Int64: code.ID, Valid: true}
			}
			if err := s.repo.CreateRedemption(ctx, redemption); err != nil {
				return fmt.Errorf("create redemption: %w", err)
			}

			payload, err := s.qr.Encode(redemption, reward)
			if err != nil {
				return err
			}
			meta, err := json.Marshal(redemptionMetadata{
				QRPayload:    payload,
				BalanceAfter: points.Available,
				PartnerID:    reward.PartnerID,
			})
			if err != nil {
				return fmt.Errorf("encode metadata: %w", err)
			}
			redemption.Metadata = meta
			if err := s.repo.UpdateRedemptionMetadata(ctx, redemption.ID, meta); err != nil {
				return fmt.Errorf("store metadata: %w", err)
			}
			return nil
		})

		if errors.Is(err, store.ErrSerialization) {
			s.logger.Warn("Purchase transaction conflict, retrying",
				zap.Int64("user_id", user.ID),
				zap.Int64("reward_id", reward.ID),
				zap.Int("attempt", attempt))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.TxInitialBackoff
	policy.MaxInterval = s.opts.TxMaxBackoff
	retries := uint64(0)
	if s.opts.TxMaxAttempts > 1 {
		retries = uint64(s.opts.TxMaxAttempts - 1)
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx))
	if errors.Is(err, store.ErrSerialization) || errors.Is(err, context.DeadlineExceeded) {
		return nil, nil, ErrTransientConflict.withCause(err)
	}
	if err != nil {
		return nil, nil, err
	}
	return redemption, points, nil
}

// compensateCode releases a reserved code after the purchase rolled back.
// It runs on a fresh context so a timed-out request still cleans up.
func (s *RedemptionService) compensateCode(code *models.Code) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.OperationTimeout)
	defer cancel()

	if err := s.codes.ReleaseCode(ctx, code.ID); err != nil {
		s.logger.Error("Failed to release reserved code",
			zap.Int64("code_id", code.ID),
			zap.Error(err))
	}
}

// receiptForKey rebuilds the receipt of an already committed purchase, or nil
func (s *RedemptionService) receiptForKey(ctx context.Context, key string) (*Receipt, error) {
	r, err := s.repo.GetRedemptionByIdempotencyKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	var meta redemptionMetadata
	if err := json.Unmarshal(r.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("decode redemption metadata: %w", err)
	}

	// Status is the one at purchase time; a replay must not leak later transitions.
	return &Receipt{
		RedemptionID: r.ID,
		UserID:       r.UserID,
		RewardID:     r.RewardID,
		Status:       models.RedemptionStatusPending,
		Code:         r.Code,
		QRPayload:    meta.QRPayload,
		PointsSpent:  r.PointsSpent,
		NewBalance:   meta.BalanceAfter,
		CreatedAt:    r.CreatedAt,
	}, nil
}

// replay answers a repeated request with the prior receipt
func (s *RedemptionService) replay(req *RedeemRequest, prior *Receipt, source string) (*Receipt, error) {
	if prior.UserID != req.UserID || prior.RewardID != req.RewardID {
		return nil, ValidationError("idempotency key already used for a different request")
	}

	util.IdempotentReplaysTotal.WithLabelValues(source).Inc()
	s.logger.Info("Duplicate redemption request detected",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.Int64("redemption_id", prior.RedemptionID),
		zap.String("source", source))
	return prior, nil
}

// GetRedemption retrieves a redemption visible to actorID
func (s *RedemptionService) GetRedemption(ctx context.Context, actorID, redemptionID int64) (*models.Redemption, error) {
	r, err := s.repo.GetRedemptionByID(ctx, redemptionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRedemptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get redemption: %w", err)
	}

	if r.UserID != actorID {
		if err := authorize(ctx, s.repo, actorID, (*models.User).IsStaff); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ListRedemptions returns the redemptions of userID, newest first
func (s *RedemptionService) ListRedemptions(ctx context.Context, actorID, userID int64) ([]models.Redemption, error) {
	if actorID != userID {
		if err := authorize(ctx, s.repo, actorID, (*models.User).IsStaff); err != nil {
			return nil, err
		}
	}

	out, err := s.repo.GetRedemptionsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list redemptions: %w", err)
	}
	if out == nil {
		out = []models.Redemption{}
	}
	return out, nil
}

func (s *RedemptionService) publishCreated(r *models.Redemption, reward *models.Reward) {
	s.events.Publish(&models.RedemptionCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeRedemptionCreated,
			ActorID:   r.UserID,
			Timestamp: time.Now(),
		},
		RedemptionID: r.ID,
		UserID:       r.UserID,
		RewardID:     r.RewardID,
		PartnerID:    reward.PartnerID,
		PointsSpent:  r.PointsSpent,
		Code:         r.Code,
	})
}

func validateRedeemRequest(req *RedeemRequest) error {
	if req == nil {
		return ValidationError("request is required")
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	switch {
	case req.UserID <= 0:
		return ValidationError("user_id must be positive")
	case req.RewardID <= 0:
		return ValidationError("reward_id must be positive")
	case req.IdempotencyKey == "":
		return ValidationError("idempotency key is required")
	case len(req.IdempotencyKey) > maxIdempotencyKeyLength:
		return ValidationError("idempotency key longer than %d characters", maxIdempotencyKeyLength)
	}
	return nil
}

// checkEligibility runs the cheap pre-checks. The balance test here is only a
// fast path; the ledger's conditional update is authoritative.
func checkEligibility(user *models.User, reward *models.Reward) error {
	switch {
	case user.IsGuest || user.Role == models.RoleGuest:
		return ErrGuestNotAllowed
	case user.IsBanned:
		return ErrUserBanned
	case !reward.IsActive:
		return ErrRewardInactive
	case user.Available < reward.PointsCost:
		return ErrInsufficientBalance
	}
	return nil
}
