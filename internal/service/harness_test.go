package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"redemption-service/internal/models"
	"redemption-service/internal/store/memory"
)

var bg = context.Background()

const (
	testSecret = "test-secret"
	testIssuer = "redemption-service-test"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Publish(event models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Base().EventType)
	}
	return out
}

func (r *recordingSink) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// unavailableUsers fails every user lookup as a broken connection would
type unavailableUsers struct {
	*memory.Store
}

func (unavailableUsers) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return nil, errors.New("connection refused")
}

type harness struct {
	repo        *memory.Store
	cache       *memory.Cache
	events      *recordingSink
	ledger      *PointsLedger
	catalog     *RewardCatalog
	codes       *CodePool
	qr          *QRCodec
	redemptions *RedemptionService
	fulfillment *FulfillmentService

	admin   int64
	partner int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	repo := memory.New()
	cache := memory.NewCache()
	events := &recordingSink{}

	opts := Options{
		TxMaxAttempts:    3,
		TxInitialBackoff: time.Millisecond,
		TxMaxBackoff:     2 * time.Millisecond,
		OperationTimeout: 5 * time.Second,
	}

	ledger := NewPointsLedger(repo, events)
	catalog := NewRewardCatalog(repo)
	codes := NewCodePool(repo, repo, catalog, events)
	qr := NewQRCodec(testSecret, testIssuer)
	idem := NewIdempotencyStore(cache, time.Hour, time.Minute)

	h := &harness{
		repo:        repo,
		cache:       cache,
		events:      events,
		ledger:      ledger,
		catalog:     catalog,
		codes:       codes,
		qr:          qr,
		redemptions: NewRedemptionService(repo, ledger, catalog, codes, idem, qr, events, opts),
		fulfillment: NewFulfillmentService(repo, ledger, catalog, codes, qr, events, opts),
	}
	h.admin = repo.AddUser(models.User{Role: models.RoleAdmin})
	h.partner = 7
	return h
}

func (h *harness) user(available int64) int64 {
	return h.repo.AddUser(models.User{Points: models.Points{Available: available}})
}

func (h *harness) partnerUser(partnerID int64) int64 {
	return h.repo.AddUser(models.User{
		Role:      models.RolePartner,
		PartnerID: sql.NullInt64{Int64: partnerID, Valid: true},
	})
}

func (h *harness) reward(cost int64, stock int) int64 {
	return h.repo.AddReward(models.Reward{
		Name:           "Coffee",
		PointsCost:     cost,
		StockQuantity:  stock,
		StockAvailable: stock,
		PartnerID:      h.partner,
		IsActive:       true,
	})
}

func (h *harness) poolReward(cost int64, stock int, codes ...string) int64 {
	id := h.repo.AddReward(models.Reward{
		Name:           "Voucher",
		PointsCost:     cost,
		StockQuantity:  stock,
		StockAvailable: stock,
		PartnerID:      h.partner,
		IsActive:       true,
		UsesCodePool:   true,
	})
	if len(codes) > 0 {
		if _, err := h.repo.ImportCodes(bg, id, codes); err != nil {
			panic(err)
		}
	}
	return id
}
