package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"redemption-service/internal/models"
	"redemption-service/internal/store"
	"redemption-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxImportBatch  = 10000
	maxCodeLength   = 128
	generatedLength = 12
	codeCharset     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// CodePool hands out single-use voucher codes
type CodePool struct {
	codes   CodeStore
	users   UserStore
	catalog *RewardCatalog
	events  EventSink
	logger  *zap.Logger
}

// NewCodePool creates a new code pool
func NewCodePool(codes CodeStore, users UserStore, catalog *RewardCatalog, events EventSink) *CodePool {
	return &CodePool{
		codes:   codes,
		users:   users,
		catalog: catalog,
		events:  events,
		logger:  util.GetLogger(),
	}
}

// ReserveCode claims one available code of the reward for userID
func (p *CodePool) ReserveCode(ctx context.Context, rewardID, userID int64) (*models.Code, error) {
	code, err := p.codes.ReserveCode(ctx, rewardID, userID)
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, ErrNoCodeAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("reserve code: %w", err)
	}
	return code, nil
}

// Available returns how many codes of the reward can still be reserved
func (p *CodePool) Available(ctx context.Context, rewardID int64) (int, error) {
	n, err := p.codes.CountAvailableCodes(ctx, rewardID)
	if err != nil {
		return 0, fmt.Errorf("count available codes: %w", err)
	}
	return n, nil
}

// ReclaimStale returns codes whose reservation is older than maxAge, and which
// no live redemption holds, to the pool.
func (p *CodePool) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, span := util.StartSpan(ctx, "CodePool.ReclaimStale")
	defer span.End()

	n, err := p.codes.ReclaimStaleCodes(ctx, time.Now().Add(-maxAge))
	if err != nil {
		util.RecordError(span, err)
		return 0, fmt.Errorf("reclaim stale codes: %w", err)
	}
	if n > 0 {
		p.logger.Warn("Reclaimed stale code reservations",
			zap.Int("count", n),
			zap.Duration("max_age", maxAge))
	}
	return n, nil
}

// ReleaseCode returns a reserved code to the pool. A code that was already
// consumed or released is left as is.
func (p *CodePool) ReleaseCode(ctx context.Context, codeID int64) error {
	err := p.codes.ReleaseCode(ctx, codeID)
	if err != nil && !errors.Is(err, store.ErrConditionFailed) {
		return fmt.Errorf("release code %d: %w", codeID, err)
	}
	return nil
}

// ConsumeCode marks a reserved code as used
func (p *CodePool) ConsumeCode(ctx context.Context, codeID, userID int64) error {
	if err := p.codes.ConsumeCode(ctx, codeID, userID); err != nil {
		return fmt.Errorf("consume code %d: %w", codeID, err)
	}
	return nil
}

// ImportCodes adds partner-supplied codes to a reward's pool and returns how
// many were new. Blank entries and duplicates inside the batch are dropped.
func (p *CodePool) ImportCodes(ctx context.Context, adminID, rewardID int64, raw []string) (int, error) {
	ctx, span := util.StartSpan(ctx, "CodePool.ImportCodes")
	defer span.End()

	if err := authorize(ctx, p.users, adminID, (*models.User).IsAdmin); err != nil {
		return 0, err
	}

	if _, err := p.catalog.GetReward(ctx, rewardID); err != nil {
		return 0, err
	}

	codes, err := normalizeCodes(raw)
	if err != nil {
		return 0, err
	}

	n, err := p.codes.ImportCodes(ctx, rewardID, codes)
	if err != nil {
		return 0, fmt.Errorf("import codes: %w", err)
	}

	p.logger.Info("Codes imported",
		zap.Int64("reward_id", rewardID),
		zap.Int("submitted", len(codes)),
		zap.Int("imported", n))

	p.events.Publish(&models.CodesImportedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCodesImported,
			ActorID:   adminID,
			Timestamp: time.Now(),
		},
		RewardID: rewardID,
		Imported: n,
	})
	return n, nil
}

func normalizeCodes(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, ValidationError("no codes supplied")
	}
	if len(raw) > maxImportBatch {
		return nil, ValidationError("at most %d codes per import", maxImportBatch)
	}

	seen := make(map[string]struct{}, len(raw))
	codes := make([]string, 0, len(raw))
	for _, c := range raw {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if len(c) > maxCodeLength {
			return nil, ValidationError("code longer than %d characters", maxCodeLength)
		}
		if looksLikeQRPayload(c) {
			return nil, ValidationError("code %q would be read as a qr payload", c)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		codes = append(codes, c)
	}
	if len(codes) == 0 {
		return nil, ValidationError("no codes supplied")
	}
	return codes, nil
}

// generateCode returns a random voucher string for rewards without a pool.
// The charset has no look-alike characters (0/O, 1/I).
func generateCode() (string, error) {
	code := make([]byte, generatedLength)
	max := big.NewInt(int64(len(codeCharset)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = codeCharset[n.Int64()]
	}
	return "RW-" + string(code), nil
}
