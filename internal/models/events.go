package models

import (
	"strconv"
	"time"
)

// Event types
const (
	EventTypeRedemptionCreated   = "REDEMPTION_CREATED"
	EventTypeRedemptionFulfilled = "REDEMPTION_FULFILLED"
	EventTypeRedemptionCancelled = "REDEMPTION_CANCELLED"
	EventTypeRedemptionBulk      = "REDEMPTION_STATUS_BULK"
	EventTypePointsAdjusted      = "POINTS_ADJUSTED"
	EventTypeCodesImported       = "CODES_IMPORTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	ActorID   int64     `json:"actor_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Base returns the common envelope so events can be routed generically.
func (e BaseEvent) Base() BaseEvent {
	return e
}

// Event is implemented by every outbound event
type Event interface {
	Base() BaseEvent
	Key() string
}

// RedemptionCreatedEvent published when a purchase commits
type RedemptionCreatedEvent struct {
	BaseEvent
	RedemptionID int64  `json:"redemption_id"`
	UserID       int64  `json:"user_id"`
	RewardID     int64  `json:"reward_id"`
	PartnerID    int64  `json:"partner_id"`
	PointsSpent  int64  `json:"points_spent"`
	Code         string `json:"code"`
}

func (e *RedemptionCreatedEvent) Key() string { return redemptionKey(e.RedemptionID) }

// RedemptionFulfilledEvent published when a code is scanned
type RedemptionFulfilledEvent struct {
	BaseEvent
	RedemptionID int64     `json:"redemption_id"`
	UserID       int64     `json:"user_id"`
	RewardID     int64     `json:"reward_id"`
	PartnerID    int64     `json:"partner_id"`
	FulfilledAt  time.Time `json:"fulfilled_at"`
}

func (e *RedemptionFulfilledEvent) Key() string { return redemptionKey(e.RedemptionID) }

// RedemptionCancelledEvent published when an admin cancels with refund
type RedemptionCancelledEvent struct {
	BaseEvent
	RedemptionID   int64  `json:"redemption_id"`
	UserID         int64  `json:"user_id"`
	RewardID       int64  `json:"reward_id"`
	PointsRefunded int64  `json:"points_refunded"`
	Reason         string `json:"reason"`
}

func (e *RedemptionCancelledEvent) Key() string { return redemptionKey(e.RedemptionID) }

// RedemptionBulkStatusEvent published after an administrative batch transition
type RedemptionBulkStatusEvent struct {
	BaseEvent
	RedemptionIDs []int64 `json:"redemption_ids"`
	Status        string  `json:"status"`
	Updated       int     `json:"updated"`
}

func (e *RedemptionBulkStatusEvent) Key() string { return "redemption-bulk" }

// PointsAdjustedEvent published for every ledger adjustment
type PointsAdjustedEvent struct {
	BaseEvent
	UserID       int64  `json:"user_id"`
	Delta        int64  `json:"delta"`
	Reason       string `json:"reason"`
	BalanceAfter int64  `json:"balance_after"`
}

func (e *PointsAdjustedEvent) Key() string { return userKey(e.UserID) }

// CodesImportedEvent published when codes are added to a reward pool
type CodesImportedEvent struct {
	BaseEvent
	RewardID int64 `json:"reward_id"`
	Imported int   `json:"imported"`
}

func (e *CodesImportedEvent) Key() string { return rewardKey(e.RewardID) }

func redemptionKey(id int64) string { return "redemption-" + strconv.FormatInt(id, 10) }

func userKey(id int64) string { return "user-" + strconv.FormatInt(id, 10) }

func rewardKey(id int64) string { return "reward-" + strconv.FormatInt(id, 10) }
