package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// User roles
const (
	RoleUser      = "user"
	RoleGuest     = "guest"
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RolePartner   = "partner"
)

// Points is the per-user ledger balance. Available always equals Total - Spent.
type Points struct {
	Available int64 `db:"points_available" json:"available"`
	Total     int64 `db:"points_total" json:"total"`
	Spent     int64 `db:"points_spent" json:"spent"`
}

// User represents a player or staff account
type User struct {
	ID        int64         `db:"id" json:"id"`
	Role      string        `db:"role" json:"role"`
	PartnerID sql.NullInt64 `db:"partner_id" json:"-"`
	IsGuest   bool          `db:"is_guest" json:"is_guest"`
	IsBanned  bool          `db:"is_banned" json:"is_banned"`
	Points
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsStaff reports whether the user can act on any redemption.
func (u *User) IsStaff() bool {
	return u.Role == RoleAdmin || u.Role == RoleModerator
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// UnlimitedStock marks a reward without stock bookkeeping.
const UnlimitedStock = -1

// Reward represents a catalog item that can be bought with points
type Reward struct {
	ID             int64     `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	PointsCost     int64     `db:"points_cost" json:"points_cost"`
	StockQuantity  int       `db:"stock_quantity" json:"stock_quantity"`
	StockAvailable int       `db:"stock_available" json:"stock_available"`
	StockReserved  int       `db:"stock_reserved" json:"stock_reserved"`
	PartnerID      int64     `db:"partner_id" json:"partner_id"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	UsesCodePool   bool      `db:"uses_code_pool" json:"uses_code_pool"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// IsUnlimited reports whether the reward skips stock reservation.
func (r *Reward) IsUnlimited() bool {
	return r.StockQuantity == UnlimitedStock
}

// Code is a single-use voucher from a reward's pool
type Code struct {
	ID         int64         `db:"id" json:"id"`
	RewardID   int64         `db:"reward_id" json:"reward_id"`
	Code       string        `db:"code" json:"code"`
	Status     string        `db:"status" json:"status"`
	ReservedBy sql.NullInt64 `db:"reserved_by" json:"-"`
	ReservedAt sql.NullTime  `db:"reserved_at" json:"-"`
	UsedBy     sql.NullInt64 `db:"used_by" json:"-"`
	UsedAt     sql.NullTime  `db:"used_at" json:"-"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
}

// Code statuses
const (
	CodeStatusAvailable = "available"
	CodeStatusReserved  = "reserved"
	CodeStatusUsed      = "used"
	CodeStatusExpired   = "expired"
	CodeStatusCancelled = "cancelled"
)

// Redemption records one user exchanging points for one unit of a reward
type Redemption struct {
	ID             int64           `db:"id" json:"id"`
	UserID         int64           `db:"user_id" json:"user_id"`
	RewardID       int64           `db:"reward_id" json:"reward_id"`
	CodeID         sql.NullInt64   `db:"code_id" json:"-"`
	Code           string          `db:"code" json:"code"`
	PointsSpent    int64           `db:"points_spent" json:"points_spent"`
	Status         string          `db:"status" json:"status"`
	IdempotencyKey string          `db:"idempotency_key" json:"-"`
	FulfilledAt    sql.NullTime    `db:"fulfilled_at" json:"-"`
	FulfilledBy    sql.NullInt64   `db:"fulfilled_by" json:"-"`
	CancelledAt    sql.NullTime    `db:"cancelled_at" json:"-"`
	CancelledBy    sql.NullInt64   `db:"cancelled_by" json:"-"`
	CancelReason   sql.NullString  `db:"cancel_reason" json:"-"`
	Metadata       json.RawMessage `db:"metadata" json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether no further transition is allowed.
func (r *Redemption) IsTerminal() bool {
	return IsTerminalStatus(r.Status)
}

// Redemption statuses
const (
	RedemptionStatusPending   = "PENDING"
	RedemptionStatusFulfilled = "FULFILLED"
	RedemptionStatusCancelled = "CANCELLED"
	RedemptionStatusRejected  = "REJECTED"
)

// IsTerminalStatus reports whether status is one of the final redemption states.
func IsTerminalStatus(status string) bool {
	switch status {
	case RedemptionStatusFulfilled, RedemptionStatusCancelled, RedemptionStatusRejected:
		return true
	}
	return false
}

// RedemptionTransition describes a compare-and-swap on a redemption status
type RedemptionTransition struct {
	ID      int64
	From    []string
	To      string
	ActorID int64
	Reason  string
	At      time.Time
}

// Ledger reasons
const (
	ReasonRedemption   = "redemption"
	ReasonCancelRefund = "cancel-refund"
	ReasonEarn         = "earn"
	ReasonAdminAdjust  = "admin-adjust"
)

// PointAdjustment is one attributable change to a user's balance
type PointAdjustment struct {
	UserID  int64
	Delta   int64
	Reason  string
	ActorID int64
	Note    string
}

// SpentDelta and TotalDelta split Delta across the spent/total counters so
// that Available = Total - Spent keeps holding.
func (a PointAdjustment) SpentDelta() int64 {
	switch a.Reason {
	case ReasonRedemption, ReasonCancelRefund:
		return -a.Delta
	}
	return 0
}

func (a PointAdjustment) TotalDelta() int64 {
	switch a.Reason {
	case ReasonRedemption, ReasonCancelRefund:
		return 0
	}
	return a.Delta
}

// PointTransaction is the append-only ledger row written alongside each adjustment
type PointTransaction struct {
	ID           int64     `db:"id" json:"id"`
	UserID       int64     `db:"user_id" json:"user_id"`
	Delta        int64     `db:"delta" json:"delta"`
	Reason       string    `db:"reason" json:"reason"`
	ActorID      int64     `db:"actor_id" json:"actor_id"`
	Note         string    `db:"note" json:"note,omitempty"`
	BalanceAfter int64     `db:"balance_after" json:"balance_after"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
