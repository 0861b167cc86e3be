// Package events carries what the escrow core tells the outside world: stage
// notifications for the presentation layer and audit records for operators.
//
// Delivery is best-effort. Sinks log their own failures and never return them,
// so a broken sink cannot fail a ticket operation.
package events

import (
	"context"
	"time"

	"github.com/psds-microservice/escrow-service/internal/model"
	"github.com/psds-microservice/escrow-service/internal/money"
	"github.com/psds-microservice/escrow-service/internal/payment"
)

type Kind string

const (
	KindTicketOpened     Kind = "ticket_opened"
	KindStageChanged     Kind = "stage_changed"
	KindConfirmed        Kind = "confirmed"
	KindRolesReset       Kind = "roles_reset"
	KindChargeCreated    Kind = "charge_created"
	KindChargeFailed     Kind = "charge_failed"
	KindPayoutKeyMissing Kind = "payout_key_missing"
	KindPayoutKeySet     Kind = "payout_key_set"
	KindTransferCreated  Kind = "transfer_created"
	KindPayoutFailed     Kind = "payout_failed"
	KindCleanupScheduled Kind = "cleanup_scheduled"
	KindCleanupCancelled Kind = "cleanup_cancelled"
	KindCleanupDue       Kind = "cleanup_due"
)

// Event is a notification for the presentation collaborator.
type Event struct {
	Kind     Kind                    `json:"kind"`
	TicketID string                  `json:"ticket_id"`
	ActorID  string                  `json:"actor_id,omitempty"`
	From     model.Stage             `json:"from,omitempty"`
	To       model.Stage             `json:"to,omitempty"`
	Charge   *payment.ChargeResult   `json:"charge,omitempty"`
	Transfer *payment.TransferResult `json:"transfer,omitempty"`
	Missing  []string                `json:"missing,omitempty"`
	Error    string                  `json:"error,omitempty"`
	DeleteAt *time.Time              `json:"delete_at,omitempty"`
	At       time.Time               `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, e Event)
}

type AuditKind string

const (
	AuditCompleted          AuditKind = "completed"
	AuditManualIntervention AuditKind = "manual_intervention"
	AuditChargeFailed       AuditKind = "charge_failed"
	AuditCancelled          AuditKind = "cancelled"
)

// AuditRecord is a structured completion or failure record for operators.
type AuditRecord struct {
	Kind      AuditKind    `json:"kind"`
	TicketID  string       `json:"ticket_id"`
	BuyerID   string       `json:"buyer_id,omitempty"`
	SellerID  string       `json:"seller_id,omitempty"`
	ItemValue money.Amount `json:"item_value"`
	Fee       money.Amount `json:"fee"`
	FeePayer  money.Payer  `json:"fee_payer,omitempty"`
	Amount    money.Amount `json:"amount"`
	PayoutKey string       `json:"payout_key,omitempty"`
	Reference string       `json:"reference,omitempty"`
	Attempt   int          `json:"attempt,omitempty"`
	Ambiguous bool         `json:"ambiguous,omitempty"`
	Error     string       `json:"error,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	At        time.Time    `json:"at"`
}

type AuditSink interface {
	Record(ctx context.Context, r AuditRecord)
}

// NewAuditRecord fills the party and amount fields from t.
func NewAuditRecord(kind AuditKind, t *model.Ticket, fee money.Amount, at time.Time) AuditRecord {
	r := AuditRecord{
		Kind:     kind,
		TicketID: t.TicketID,
		BuyerID:  t.Holder(model.RoleBuyer),
		SellerID: t.Holder(model.RoleSeller),
		Fee:      fee,
		Attempt:  t.PayoutAttempts,
		At:       at,
	}
	if t.ItemValue != nil {
		r.ItemValue = *t.ItemValue
	}
	if t.FeePayer != nil {
		r.FeePayer = *t.FeePayer
	}
	if t.SellerPayoutKey != nil {
		r.PayoutKey = *t.SellerPayoutKey
	}
	return r
}
