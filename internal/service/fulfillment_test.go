package service

import (
	"fmt"
	"sync"
	"testing"

	"redemption-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanFulfillsPendingRedemption(t *testing.T) {
	h := newHarness(t)
	userID := h.user(500)
	rewardID := h.reward(300, 2)

	receipt, err := redeem(h, userID, rewardID, "k")
	require.NoError(t, err)
	h.events.reset()

	r, err := h.fulfillment.Scan(bg, userID, receipt.Code)
	require.NoError(t, err)

	assert.Equal(t, models.RedemptionStatusFulfilled, r.Status)
	assert.True(t, r.FulfilledAt.Valid)
	assert.Equal(t, userID, r.FulfilledBy.Int64)

	reward := h.repo.Reward(rewardID)
	assert.Equal(t, 1, reward.StockAvailable)
	assert.Equal(t, 0, reward.StockReserved)

	assert.Equal(t, []string{models.EventTypeRedemptionFulfilled}, h.events.types())
}

func TestScanTwiceIsAlreadyProcessed(t *testing.T) {
	h := newHarness(t)
	userID := h.user(500)
	receipt, err := redeem(h, userID, h.reward(100, 5), "k")
	require.NoError(t, err)

	_, err = h.fulfillment.Scan(bg, userID, receipt.Code)
	require.NoError(t, err)

	_, err = h.fulfillment.Scan(bg, userID, receipt.Code)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestScanWithQRPayload(t *testing.T) {
	h := newHarness(t)
	userID := h.user(500)
	receipt, err := redeem(h, userID, h.reward(100, 5), "k")
	require.NoError(t, err)

	r, err := h.fulfillment.Scan(bg, h.admin, "  "+receipt.QRPayload+"\n")
	require.NoError(t, err)
	assert.Equal(t, receipt.RedemptionID, r.ID)
	assert.Equal(t, h.admin, r.FulfilledBy.Int64)
}

func TestScanAuthorization(t *testing.T) {
	h := newHarness(t)
	owner := h.user(1000)
	rewardID := h.reward(10, 10)
	ownPartner := h.partnerUser(h.partner)
	otherPartner := h.partnerUser(h.partner + 1)
	stranger := h.user(0)
	bannedStaff := h.repo.AddUser(models.User{Role: models.RoleModerator, IsBanned: true})

	tests := []struct {
		name  string
		actor int64
		want  error
	}{
		{"partner of another merchant", otherPartner, ErrUnauthorized},
		{"unrelated user", stranger, ErrUnauthorized},
		{"banned staff", bannedStaff, ErrUnauthorized},
		{"missing actor", 9999, ErrUnauthorized},
		{"partner of the reward", ownPartner, nil},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipt, err := redeem(h, owner, rewardID, fmt.Sprintf("k-%d", i))
			require.NoError(t, err)

			_, err = h.fulfillment.Scan(bg, tt.actor, receipt.QRPayload)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)

			r, err := h.redemptions.GetRedemption(bg, owner, receipt.RedemptionID)
			require.NoError(t, err)
			assert.Equal(t, models.RedemptionStatusPending, r.Status)
		})
	}
}

func TestScanRejectsForeignPayload(t *testing.T) {
	h := newHarness(t)
	userID := h.user(500)
	rewardID := h.reward(100, 5)
	receipt, err := redeem(h, userID, rewardID, "k")
	require.NoError(t, err)

	reward := h.repo.Reward(rewardID)
	forged, err := NewQRCodec("other-secret", testIssuer).Encode(
		&models.Redemption{ID: receipt.RedemptionID, Code: receipt.Code}, &reward)
	require.NoError(t, err)

	_, err = h.fulfillment.Scan(bg, h.admin, forged)
	assert.Equal(t, CodeValidation, CodeOf(err))

	mismatched, err := h.qr.Encode(&models.Redemption{ID: receipt.RedemptionID + 100, Code: receipt.Code}, &reward)
	require.NoError(t, err)

	_, err = h.fulfillment.Scan(bg, h.admin, mismatched)
	assert.ErrorIs(t, err, ErrRedemptionNotFound)

	_, err = h.fulfillment.Scan(bg, h.admin, "RW-UNKNOWN")
	assert.ErrorIs(t, err, ErrRedemptionNotFound)

	_, err = h.fulfillment.Scan(bg, h.admin, "   ")
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestScanConcurrentOnlyOneWins(t *testing.T) {
	h := newHarness(t)
	userID := h.user(500)
	rewardID := h.poolReward(100, 1, "ONLY")
	receipt, err := redeem(h, userID, rewardID, "k")
	require.NoError(t, err)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		losers    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.fulfillment.Scan(bg, h.admin, receipt.Code)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			losers = append(losers, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, err := range losers {
		assert.ErrorIs(t, err, ErrAlreadyProcessed)
	}

	codes := h.repo.Codes(rewardID)
	require.Len(t, codes, 1)
	assert.Equal(t, models.CodeStatusUsed, codes[0].Status)
	assert.Equal(t, userID, codes[0].UsedBy.Int64)
	assert.Equal(t, 0, h.repo.Reward(rewardID).StockReserved)
}

func TestCancelRefundsPoints(t *testing.T) {
	h := newHarness(t)
	userID := h.user(500)
	rewardID := h.poolReward(300, 2, "P1")
	receipt, err := redeem(h, userID, rewardID, "k")
	require.NoError(t, err)
	h.events.reset()

	result, err := h.fulfillment.Cancel(bg, h.admin, receipt.RedemptionID, "customer request")
	require.NoError(t, err)

	assert.Equal(t, int64(300), result.PointsRefunded)
	assert.Equal(t, int64(500), result.NewBalance)
	assert.Equal(t, models.RedemptionStatusCancelled, result.Redemption.Status)
	assert.Equal(t, "customer request", result.Redemption.CancelReason.String)
	assert.Equal(t, h.admin, result.Redemption.CancelledBy.Int64)

	user := h.repo.User(userID)
	assert.Equal(t, models.Points{Available: 500, Total: 500, Spent: 0}, user.Points)

	reward := h.repo.Reward(rewardID)
	assert.Equal(t, 2, reward.StockAvailable)
	assert.Equal(t, 0, reward.StockReserved)

	codes := h.repo.Codes(rewardID)
	assert.Equal(t, models.CodeStatusAvailable, codes[0].Status)

	txs := h.repo.PointTransactions(userID)
	require.Len(t, txs, 2)
	assert.Equal(t, models.ReasonCancelRefund, txs[1].Reason)
	assert.Equal(t, h.admin, txs[1].ActorID)

	assert.Equal(t, []string{models.EventTypeRedemptionCancelled, models.EventTypePointsAdjusted}, h.events.types())

	_, err = h.fulfillment.Cancel(bg, h.admin, receipt.RedemptionID, "again")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, int64(500), h.repo.User(userID).Available)
}

func TestCancelledPoolCodeCanBeRedeemedAgain(t *testing.T) {
	h := newHarness(t)
	rewardID := h.poolReward(100, models.UnlimitedStock, "P1")
	first := h.user(100)
	second := h.user(100)

	receipt, err := redeem(h, first, rewardID, "a")
	require.NoError(t, err)
	_, err = h.fulfillment.Cancel(bg, h.admin, receipt.RedemptionID, "wrong reward")
	require.NoError(t, err)

	again, err := redeem(h, second, rewardID, "b")
	require.NoError(t, err)
	assert.Equal(t, "P1", again.Code)

	r, err := h.fulfillment.Scan(bg, second, "P1")
	require.NoError(t, err)
	assert.Equal(t, again.RedemptionID, r.ID)
}

func TestScanOldQRAfterCodeReuseIsAlreadyProcessed(t *testing.T) {
	h := newHarness(t)
	rewardID := h.poolReward(100, models.UnlimitedStock, "POOL-1")
	first := h.user(100)
	second := h.user(100)

	old, err := redeem(h, first, rewardID, "a")
	require.NoError(t, err)
	_, err = h.fulfillment.Cancel(bg, h.admin, old.RedemptionID, "customer request")
	require.NoError(t, err)

	current, err := redeem(h, second, rewardID, "b")
	require.NoError(t, err)
	require.Equal(t, old.Code, current.Code)

	_, err = h.fulfillment.Scan(bg, h.admin, old.QRPayload)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, models.RedemptionStatusPending, h.mustRedemption(t, current.RedemptionID).Status)

	r, err := h.fulfillment.Scan(bg, h.admin, current.QRPayload)
	require.NoError(t, err)
	assert.Equal(t, current.RedemptionID, r.ID)
}

func TestScanRejectsPayloadWithWrongCode(t *testing.T) {
	h := newHarness(t)
	userID := h.user(500)
	rewardID := h.reward(100, 5)
	receipt, err := redeem(h, userID, rewardID, "k")
	require.NoError(t, err)

	reward := h.repo.Reward(rewardID)
	payload, err := h.qr.Encode(&models.Redemption{ID: receipt.RedemptionID, Code: "RW-SOMETHINGELSE"}, &reward)
	require.NoError(t, err)

	_, err = h.fulfillment.Scan(bg, h.admin, payload)
	assert.Equal(t, CodeValidation, CodeOf(err))
	assert.Equal(t, models.RedemptionStatusPending, h.mustRedemption(t, receipt.RedemptionID).Status)
}

func TestCancelRules(t *testing.T) {
	h := newHarness(t)
	userID := h.user(1000)
	rewardID := h.reward(100, 10)
	moderator := h.repo.AddUser(models.User{Role: models.RoleModerator})

	pending, err := redeem(h, userID, rewardID, "p")
	require.NoError(t, err)
	fulfilled, err := redeem(h, userID, rewardID, "f")
	require.NoError(t, err)
	_, err = h.fulfillment.Scan(bg, userID, fulfilled.Code)
	require.NoError(t, err)

	_, err = h.fulfillment.Cancel(bg, moderator, pending.RedemptionID, "reason")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.fulfillment.Cancel(bg, userID, pending.RedemptionID, "reason")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.fulfillment.Cancel(bg, h.admin, pending.RedemptionID, " ")
	assert.Equal(t, CodeValidation, CodeOf(err))

	_, err = h.fulfillment.Cancel(bg, h.admin, fulfilled.RedemptionID, "reason")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = h.fulfillment.Cancel(bg, h.admin, 9999, "reason")
	assert.ErrorIs(t, err, ErrRedemptionNotFound)

	assert.Equal(t, int64(800), h.repo.User(userID).Available)
}

func TestBulkSetStatus(t *testing.T) {
	h := newHarness(t)
	userID := h.user(1000)
	rewardID := h.reward(100, 5)

	var ids []int64
	for i := 0; i < 4; i++ {
		receipt, err := redeem(h, userID, rewardID, fmt.Sprintf("k-%d", i))
		require.NoError(t, err)
		ids = append(ids, receipt.RedemptionID)
	}
	_, err := h.fulfillment.Scan(bg, userID, h.mustRedemption(t, ids[3]).Code)
	require.NoError(t, err)
	h.events.reset()

	request := append([]int64{}, ids...)
	request = append(request, ids[0], 9999)

	n, err := h.fulfillment.BulkSetStatus(bg, h.admin, request, "rejected")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range ids[:3] {
		r := h.mustRedemption(t, id)
		assert.Equal(t, models.RedemptionStatusRejected, r.Status)
		assert.True(t, r.CancelledAt.Valid)
	}
	assert.Equal(t, models.RedemptionStatusFulfilled, h.mustRedemption(t, ids[3]).Status)

	// no refund on bulk transitions
	assert.Equal(t, int64(600), h.repo.User(userID).Available)

	reward := h.repo.Reward(rewardID)
	assert.Equal(t, 4, reward.StockAvailable)
	assert.Equal(t, 0, reward.StockReserved)

	assert.Equal(t, []string{models.EventTypeRedemptionBulk}, h.events.types())
}

func TestBulkSetStatusFulfilled(t *testing.T) {
	h := newHarness(t)
	userID := h.user(1000)
	rewardID := h.poolReward(100, 5, "A", "B")

	var ids []int64
	for _, key := range []string{"a", "b"} {
		receipt, err := redeem(h, userID, rewardID, key)
		require.NoError(t, err)
		ids = append(ids, receipt.RedemptionID)
	}

	n, err := h.fulfillment.BulkSetStatus(bg, h.admin, ids, models.RedemptionStatusFulfilled)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, c := range h.repo.Codes(rewardID) {
		assert.Equal(t, models.CodeStatusUsed, c.Status)
	}
	reward := h.repo.Reward(rewardID)
	assert.Equal(t, 3, reward.StockAvailable)
	assert.Equal(t, 0, reward.StockReserved)
}

func TestBulkSetStatusValidation(t *testing.T) {
	h := newHarness(t)
	userID := h.user(1000)

	_, err := h.fulfillment.BulkSetStatus(bg, h.admin, []int64{1}, models.RedemptionStatusPending)
	assert.Equal(t, CodeValidation, CodeOf(err))

	_, err = h.fulfillment.BulkSetStatus(bg, h.admin, nil, models.RedemptionStatusRejected)
	assert.Equal(t, CodeValidation, CodeOf(err))

	_, err = h.fulfillment.BulkSetStatus(bg, h.admin, make([]int64, maxBulkIDs+1), models.RedemptionStatusRejected)
	assert.Equal(t, CodeValidation, CodeOf(err))

	_, err = h.fulfillment.BulkSetStatus(bg, userID, []int64{1}, models.RedemptionStatusRejected)
	assert.ErrorIs(t, err, ErrUnauthorized)

	n, err := h.fulfillment.BulkSetStatus(bg, h.admin, []int64{9999}, models.RedemptionStatusCancelled)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.events.types())
}

func (h *harness) mustRedemption(t *testing.T, id int64) *models.Redemption {
	t.Helper()
	r, err := h.repo.GetRedemptionByID(bg, id)
	require.NoError(t, err)
	return r
}

func TestCanFulfill(t *testing.T) {
	reward := &models.Reward{PartnerID: 3}
	r := &models.Redemption{UserID: 1}

	assert.True(t, canFulfill(&models.User{ID: 1}, r, reward))
	assert.True(t, canFulfill(&models.User{ID: 2, Role: models.RoleAdmin}, r, reward))
	assert.True(t, canFulfill(&models.User{ID: 2, Role: models.RoleModerator}, r, reward))
	assert.False(t, canFulfill(&models.User{ID: 2}, r, reward))
	assert.False(t, canFulfill(&models.User{ID: 2, Role: models.RolePartner}, r, reward))
}

func TestDedupeIDs(t *testing.T) {
	assert.Equal(t, []int64{3, 1, 2}, dedupeIDs([]int64{3, 1, 3, 2, 1}))
	assert.Empty(t, dedupeIDs(nil))
}
