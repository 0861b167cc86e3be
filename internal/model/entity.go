package model

import (
	"time"

	"github.com/psds-microservice/escrow-service/internal/gate"
	"github.com/psds-microservice/escrow-service/internal/money"
)

type Stage string

const (
	StageAwaitingRoles              Stage = "awaiting_roles"
	StageAwaitingRoleConfirmation   Stage = "awaiting_role_confirmation"
	StageAwaitingValue              Stage = "awaiting_value"
	StageAwaitingValueConfirmation  Stage = "awaiting_value_confirmation"
	StageAwaitingFeePayer           Stage = "awaiting_fee_payer"
	StageAwaitingFinalConfirmation  Stage = "awaiting_final_confirmation"
	StageAwaitingPayment            Stage = "awaiting_payment"
	StageAwaitingDelivery           Stage = "awaiting_delivery"
	StageAwaitingPayoutConfirmation Stage = "awaiting_payout_confirmation"
	StageCompleted                  Stage = "completed"
	StageCancelled                  Stage = "cancelled"
)

var stageOrder = map[Stage]int{
	StageAwaitingRoles:              0,
	StageAwaitingRoleConfirmation:   1,
	StageAwaitingValue:              2,
	StageAwaitingValueConfirmation:  3,
	StageAwaitingFeePayer:           4,
	StageAwaitingFinalConfirmation:  5,
	StageAwaitingPayment:            6,
	StageAwaitingDelivery:           7,
	StageAwaitingPayoutConfirmation: 8,
	StageCompleted:                  9,
	StageCancelled:                  10,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageCancelled
}

// Before reports whether s comes strictly before o in the lifecycle.
func (s Stage) Before(o Stage) bool {
	return stageOrder[s] < stageOrder[o]
}

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Ticket is one escrow transaction between two participants, keyed by the hosting channel id.
type Ticket struct {
	TicketID         string        `gorm:"primaryKey;type:varchar(64)" json:"ticket_id"`
	Stage            Stage         `gorm:"type:varchar(40);index;not null" json:"stage"`
	CreatorID        string        `gorm:"type:varchar(64);index;not null" json:"creator_id"`
	CounterpartyID   string        `gorm:"type:varchar(64);index;not null" json:"counterparty_id"`
	BuyerID          *string       `gorm:"type:varchar(64)" json:"buyer_id,omitempty"`
	SellerID         *string       `gorm:"type:varchar(64)" json:"seller_id,omitempty"`
	ItemValue        *money.Amount `gorm:"type:bigint" json:"item_value,omitempty"`
	FeePayer         *money.Payer  `gorm:"type:varchar(16)" json:"fee_payer,omitempty"`
	SellerPayoutKey  *string       `gorm:"type:varchar(255)" json:"seller_payout_key,omitempty"`
	PaymentRequestID *string       `gorm:"type:varchar(128);uniqueIndex" json:"payment_request_id,omitempty"`

	PendingConfirmations gate.Set `gorm:"type:text;not null" json:"pending_confirmations"`

	// Reservations stamp an in-flight provider call; see machine.Machine.
	ChargeReservedAt *time.Time `json:"charge_reserved_at,omitempty"`
	PayoutReservedAt *time.Time `json:"payout_reserved_at,omitempty"`
	PayoutAttempts   int        `gorm:"not null;default:0" json:"payout_attempts"`
	PayoutReference  *string    `gorm:"type:varchar(128)" json:"payout_reference,omitempty"`

	Version int64 `gorm:"not null;default:0" json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// IsParty reports whether actor is the creator or the counterparty.
func (t *Ticket) IsParty(actor string) bool {
	return actor == t.CreatorID || actor == t.CounterpartyID
}

func (t *Ticket) IsBuyer(actor string) bool {
	return t.BuyerID != nil && *t.BuyerID == actor
}

func (t *Ticket) IsSeller(actor string) bool {
	return t.SellerID != nil && *t.SellerID == actor
}

// RolesAssigned reports whether both buyer and seller are set.
func (t *Ticket) RolesAssigned() bool {
	return t.BuyerID != nil && t.SellerID != nil
}

// Holder returns the participant holding role, or "".
func (t *Ticket) Holder(r Role) string {
	var p *string
	switch r {
	case RoleBuyer:
		p = t.BuyerID
	case RoleSeller:
		p = t.SellerID
	}
	if p == nil {
		return ""
	}
	return *p
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.BuyerID = cloneptr(t.BuyerID)
	c.SellerID = cloneptr(t.SellerID)
	c.ItemValue = cloneptr(t.ItemValue)
	c.FeePayer = cloneptr(t.FeePayer)
	c.SellerPayoutKey = cloneptr(t.SellerPayoutKey)
	c.PaymentRequestID = cloneptr(t.PaymentRequestID)
	c.PayoutReference = cloneptr(t.PayoutReference)
	c.ChargeReservedAt = cloneptr(t.ChargeReservedAt)
	c.PayoutReservedAt = cloneptr(t.PayoutReservedAt)
	c.CompletedAt = cloneptr(t.CompletedAt)
	c.CancelledAt = cloneptr(t.CancelledAt)
	c.PendingConfirmations = t.PendingConfirmations.Clone()
	return &c
}

func cloneptr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
