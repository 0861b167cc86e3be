package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/psds-microservice/escrow-service/internal/errs"
	"github.com/psds-microservice/escrow-service/internal/events"
	"github.com/psds-microservice/escrow-service/internal/gate"
	"github.com/psds-microservice/escrow-service/internal/model"
	"github.com/psds-microservice/escrow-service/internal/money"
)

var errReservationLost = fmt.Errorf("%w: payment reservation no longer held", errs.ErrConflict)

// charge calls the provider for a ticket whose final gate closed at reservedAt and
// commits the result. The provider call outlives a cancelled request context so the
// reservation is always resolved.
func (m *Machine) charge(ctx context.Context, t *model.Ticket, actor string, reservedAt time.Time) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	ticketID := t.TicketID

	charge, callErr := m.Payments.CreateCharge(ctx, t)
	if callErr != nil {
		_, err := m.apply(ctx, ticketID, actor, func(t *model.Ticket) error {
			if sameTime(t.ChargeReservedAt, reservedAt) {
				t.ChargeReservedAt = nil
			}
			return nil
		})
		if err != nil {
			m.Log.Error("machine: release charge reservation",
				zap.String("ticket_id", ticketID),
				zap.Error(err))
		}
		rec := events.NewAuditRecord(events.AuditChargeFailed, t, m.cfg.Fee, m.now().UTC())
		rec.Amount = buyerTotal(t, m.cfg.Fee)
		rec.Error = callErr.Error()
		rec.Ambiguous = errs.IsAmbiguous(callErr)
		m.Audit.Record(ctx, rec)
		m.Notifier.Notify(ctx, events.Event{
			Kind:     events.KindChargeFailed,
			TicketID: ticketID,
			ActorID:  actor,
			To:       model.StageAwaitingFinalConfirmation,
			Error:    callErr.Error(),
			At:       m.now().UTC(),
		})
		m.Log.Warn("machine: charge failed",
			zap.String("ticket_id", ticketID),
			zap.Bool("ambiguous", rec.Ambiguous),
			zap.Error(callErr))
		return nil, fmt.Errorf("confirm final: %w", callErr)
	}

	res, err := m.apply(ctx, ticketID, actor, func(t *model.Ticket) error {
		if t.Stage != model.StageAwaitingFinalConfirmation || !sameTime(t.ChargeReservedAt, reservedAt) {
			return errReservationLost
		}
		if t.PaymentRequestID != nil {
			return errReservationLost
		}
		ref := charge.PaymentRequestID
		t.PaymentRequestID = &ref
		t.ChargeReservedAt = nil
		t.PendingConfirmations = gate.Set{}
		t.Stage = model.StageAwaitingPayment
		return nil
	})
	if err != nil {
		// The provider holds a charge the ticket cannot record.
		rec := events.NewAuditRecord(events.AuditManualIntervention, t, m.cfg.Fee, m.now().UTC())
		rec.Amount = charge.Amount
		rec.Reference = charge.PaymentRequestID
		rec.Error = err.Error()
		m.Audit.Record(ctx, rec)
		m.Log.Error("machine: commit charge",
			zap.String("ticket_id", ticketID),
			zap.String("payment_request_id", charge.PaymentRequestID),
			zap.Error(err))
		return nil, fmt.Errorf("commit charge: %w", err)
	}
	res.Charge = charge
	m.Notifier.Notify(ctx, events.Event{
		Kind:     events.KindChargeCreated,
		TicketID: ticketID,
		ActorID:  actor,
		To:       res.Ticket.Stage,
		Charge:   charge,
		At:       res.Ticket.UpdatedAt,
	})
	return res, nil
}

// MarkPaid accepts the provider's settlement signal for paymentRequestID. A repeated
// signal for a ticket that already moved on is accepted without change.
func (m *Machine) MarkPaid(ctx context.Context, ticketID, paymentRequestID string) (res *Result, err error) {
	ctx, span := m.start(ctx, "machine.MarkPaid", ticketID, "")
	defer finish(span, &err)

	res, err = m.apply(ctx, ticketID, "", func(t *model.Ticket) error {
		if t.PaymentRequestID == nil || *t.PaymentRequestID != paymentRequestID {
			return errs.ErrPaymentMismatch
		}
		switch {
		case t.Stage == model.StageAwaitingPayment:
		case t.Stage == model.StageCancelled:
			return errs.ErrTerminalTicket
		case model.StageAwaitingPayment.Before(t.Stage):
			return errDuplicate
		default:
			return errs.ErrWrongStage
		}
		t.PendingConfirmations = gate.Set{}
		t.Stage = model.StageAwaitingDelivery
		return nil
	})
	if errors.Is(err, errDuplicate) {
		t, getErr := m.Store.Get(ctx, ticketID)
		if getErr != nil {
			return nil, fmt.Errorf("mark paid: %w", getErr)
		}
		return &Result{Ticket: t, From: t.Stage}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark paid: %w", err)
	}
	return res, nil
}

var errDuplicate = errors.New("duplicate signal")

// RequestPayout transfers the seller net to the payout key and completes the ticket.
// A failed transfer leaves the stage unchanged and raises a manual-intervention record,
// because the provider may have accepted it.
func (m *Machine) RequestPayout(ctx context.Context, ticketID, actor string) (res *Result, err error) {
	ctx, span := m.start(ctx, "machine.RequestPayout", ticketID, actor)
	defer finish(span, &err)

	at := m.stamp()
	var net money.Amount
	reserved, err := m.apply(ctx, ticketID, actor, func(t *model.Ticket) error {
		if err := requireParty(t, actor); err != nil {
			return err
		}
		if !t.IsSeller(actor) {
			return errs.ErrNotSeller
		}
		if t.Stage != model.StageAwaitingPayoutConfirmation {
			return errs.ErrWrongStage
		}
		if m.inFlight(t.PayoutReservedAt) {
			return errs.ErrOperationInFlight
		}
		if t.ItemValue == nil || t.FeePayer == nil {
			return errs.ErrInvalidSettlement
		}
		_, sellerNet, err := money.ComputeSettlement(*t.ItemValue, m.cfg.Fee, *t.FeePayer)
		if err != nil {
			return errs.ErrInvalidSettlement
		}
		if t.SellerPayoutKey == nil || *t.SellerPayoutKey == "" {
			return errs.ErrMissingPayoutKey
		}
		net = sellerNet
		t.PayoutReservedAt = &at
		return nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrInvalidSettlement) {
			m.Log.Warn("machine: settlement is not positive",
				zap.String("ticket_id", ticketID),
				zap.String("fee", m.cfg.Fee.String()))
		}
		return nil, fmt.Errorf("request payout: %w", err)
	}

	ctx = context.WithoutCancel(ctx)
	t := reserved.Ticket
	transfer, callErr := m.Payments.CreateTransfer(ctx, t, net)
	if callErr != nil {
		return nil, m.payoutFailed(ctx, t, actor, net, at, callErr)
	}

	done := m.stamp()
	res, err = m.apply(ctx, ticketID, actor, func(t *model.Ticket) error {
		if t.Stage != model.StageAwaitingPayoutConfirmation || !sameTime(t.PayoutReservedAt, at) {
			return errReservationLost
		}
		ref := transfer.Reference
		t.PayoutReference = &ref
		t.PayoutReservedAt = nil
		t.PayoutAttempts++
		t.PendingConfirmations = gate.Set{}
		t.Stage = model.StageCompleted
		t.CompletedAt = &done
		return nil
	})
	if err != nil {
		rec := events.NewAuditRecord(events.AuditManualIntervention, t, m.cfg.Fee, done)
		rec.Amount = net
		rec.Reference = transfer.Reference
		rec.Error = "transfer acknowledged but not recorded: " + err.Error()
		m.Audit.Record(ctx, rec)
		m.Log.Error("machine: commit payout",
			zap.String("ticket_id", ticketID),
			zap.String("reference", transfer.Reference),
			zap.Error(err))
		return nil, fmt.Errorf("commit payout: %w", err)
	}
	res.Transfer = transfer

	rec := events.NewAuditRecord(events.AuditCompleted, res.Ticket, m.cfg.Fee, done)
	rec.Amount = net
	rec.Reference = transfer.Reference
	m.Audit.Record(ctx, rec)
	m.Notifier.Notify(ctx, events.Event{
		Kind:     events.KindTransferCreated,
		TicketID: ticketID,
		ActorID:  actor,
		To:       res.Ticket.Stage,
		Transfer: transfer,
		At:       done,
	})
	res.DeleteAt = m.scheduleCleanup(ctx, ticketID)
	return res, nil
}

func (m *Machine) payoutFailed(ctx context.Context, t *model.Ticket, actor string, net money.Amount, reservedAt time.Time, callErr error) error {
	ticketID := t.TicketID
	released, err := m.apply(ctx, ticketID, actor, func(t *model.Ticket) error {
		if sameTime(t.PayoutReservedAt, reservedAt) {
			t.PayoutReservedAt = nil
		}
		t.PayoutAttempts++
		return nil
	})
	if err != nil {
		m.Log.Error("machine: release payout reservation",
			zap.String("ticket_id", ticketID),
			zap.Error(err))
	} else {
		t = released.Ticket
	}
	rec := events.NewAuditRecord(events.AuditManualIntervention, t, m.cfg.Fee, m.now().UTC())
	rec.Amount = net
	rec.Error = callErr.Error()
	rec.Ambiguous = errs.IsAmbiguous(callErr)
	m.Audit.Record(ctx, rec)
	m.Notifier.Notify(ctx, events.Event{
		Kind:     events.KindPayoutFailed,
		TicketID: ticketID,
		ActorID:  actor,
		To:       model.StageAwaitingPayoutConfirmation,
		Error:    callErr.Error(),
		At:       m.now().UTC(),
	})
	m.Log.Error("machine: payout failed, manual intervention required",
		zap.String("ticket_id", ticketID),
		zap.String("amount", net.String()),
		zap.Int("attempt", t.PayoutAttempts),
		zap.Bool("ambiguous", rec.Ambiguous),
		zap.Error(callErr))
	return fmt.Errorf("request payout: %w", callErr)
}

// buyerTotal is the charged amount for audit records; zero when it cannot be computed.
func buyerTotal(t *model.Ticket, fee money.Amount) money.Amount {
	if t.ItemValue == nil || t.FeePayer == nil {
		return 0
	}
	total, err := money.BuyerTotal(*t.ItemValue, fee, *t.FeePayer)
	if err != nil {
		return 0
	}
	return total
}
