package machine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/psds-microservice/escrow-service/internal/errs"
	"github.com/psds-microservice/escrow-service/internal/events"
	"github.com/psds-microservice/escrow-service/internal/gate"
	"github.com/psds-microservice/escrow-service/internal/model"
	"github.com/psds-microservice/escrow-service/internal/money"
)

// GateName identifies a dual-confirmation gate.
type GateName string

const (
	GateRoles GateName = "roles"
	GateValue GateName = "value"
	GateFinal GateName = "final"
	// GateDelivery is the buyer-only delivery attestation. It is confirmed through
	// ConfirmDelivery, not Confirm.
	GateDelivery GateName = "delivery"
)

// gateStages maps each dual gate to the stage it guards.
var gateStages = map[GateName]model.Stage{
	GateRoles: model.StageAwaitingRoleConfirmation,
	GateValue: model.StageAwaitingValueConfirmation,
	GateFinal: model.StageAwaitingFinalConfirmation,
}

// AssignRole gives actor a role while roles are being picked. Once both roles are held
// the role-confirmation gate opens.
func (m *Machine) AssignRole(ctx context.Context, ticketID, actor string, role model.Role) (res *Result, err error) {
	ctx, span := m.start(ctx, "machine.AssignRole", ticketID, actor)
	defer finish(span, &err)

	if role != model.RoleBuyer && role != model.RoleSeller {
		return nil, fmt.Errorf("assign role %q: %w", role, errs.ErrInvalidRole)
	}
	other := model.RoleSeller
	if role == model.RoleSeller {
		other = model.RoleBuyer
	}
	res, err = m.apply(ctx, ticketID, actor, func(t *model.Ticket) error {
		if err := requireParty(t, actor); err != nil {
			return err
		}
		if t.Stage != model.StageAwaitingRoles {
			return errs.ErrWrongStage
		}
		switch holder := t.Holder(role); {
		case t.Holder(other) == actor:
			return errs.ErrRoleConflict
		case holder == actor:
			return errs.ErrNoOp
		case holder != "":
			return errs.ErrRoleTaken
		}
		id := actor
		if role == model.RoleBuyer {
			t.BuyerID = &id
		} else {
			t.SellerID = &id
		}
		if t.RolesAssigned() {
			t.PendingConfirmations = gate.Set{}
			t.Stage = model.StageAwaitingRoleConfirmation
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("assign role %s: %w", role, err)
	}
	return res, nil
}

// ResetRoles clears both role assignments. Only legal while roles are being picked.
func (m *Machine) ResetRoles(ctx context.Context, ticketID, actor string) (res *Result, err error) {
	ctx, span := m.start(ctx, "machine.ResetRoles", ticketID, actor)
	defer finish(span, &err)

	res, err = m.apply(ctx, ticketID, actor, func(t *model.Ticket) error {
		if err := requireParty(t, actor); err != nil {
			return err
		}
		if t.Stage != model.StageAwaitingRoles {
			return errs.ErrWrongStage
		}
		t.BuyerID = nil
		t.SellerID = nil
		t.PendingConfirmations = gate.Set{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reset roles: %w", err)
	}
	m.Notifier.Notify(ctx, events.Event{
		Kind:     events.KindRolesReset,
		TicketID: ticketID,
		ActorID:  actor,
		At:       res.Ticket.UpdatedAt,
	})
	return res, nil
}

// Confirm records actor's confirmation of gate g. Closing a gate clears the pending set
// and advances the ticket. Closing the final gate reserves and issues the charge.
func (m *Machine) Confirm(ctx context.Context, ticketID, actor string, g GateName) (res *Result, err error) {
	ctx, span := m.start(ctx, "machine.Confirm", ticketID, actor)
	defer finish(span, &err)

	want, ok := gateStages[g]
	if !ok {
		return nil, fmt.Errorf("confirm %q: %w", g, errs.ErrWrongStage)
	}
	at := m.stamp()
	var (
		reserved bool
		missing  []string
	)
	res, err = m.apply(ctx, ticketID, actor, func(t *model.Ticket) error {
		reserved, missing = false, nil
		if err := requireParty(t, actor); err != nil {
			return err
		}
		if t.Stage != want {
			return errs.ErrWrongStage
		}
		if !t.RolesAssigned() {
			return errs.ErrWrongStage
		}
		if g == GateFinal && m.inFlight(t.ChargeReservedAt) {
			return errs.ErrOperationInFlight
		}
		next, err := gate.New(t.PendingConfirmations, *t.BuyerID, *t.SellerID).Confirm(actor)
		switch {
		case errors.Is(err, gate.ErrAlreadyConfirmed):
			return errs.ErrAlreadyConfirmed
		case errors.Is(err, gate.ErrNotRequired):
			return errs.ErrNotAParty
		case err != nil:
			return err
		}
		if !next.Closed() {
			t.PendingConfirmations = next.Confirmed
			missing = next.Missing()
			return nil
		}
		t.PendingConfirmations = gate.Set{}
		switch g {
		case GateRoles:
			t.Stage = model.StageAwaitingValue
		case GateValue:
			t.Stage = model.StageAwaitingFeePayer
		case GateFinal:
			if t.ItemValue == nil || t.FeePayer == nil {
				return errs.ErrWrongStage
			}
			if _, err := money.BuyerTotal(*t.ItemValue, m.cfg.Fee, *t.FeePayer); err != nil {
				return errs.ErrInvalidAmount
			}
			t.ChargeReservedAt = &at
			reserved = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("confirm %s: %w", g, err)
	}
	m.Notifier.Notify(ctx, events.Event{
		Kind:     events.KindConfirmed,
		TicketID: ticketID,
		ActorID:  actor,
		To:       res.Ticket.Stage,
		Missing:  missing,
		At:       res.Ticket.UpdatedAt,
	})
	if !reserved {
		return res, nil
	}
	return m.charge(ctx, res.Ticket, actor, at)
}

// SetValue records the item value chosen by the seller and opens the value gate.
func (m *Machine) SetValue(ctx context.Context, ticketID, actor string, amount money.Amount) (res *Result, err error) {
	ctx, span := m.start(ctx, "machine.SetValue", ticketID, actor)
	defer finish(span, &err)

	res, err = m.apply(ctx, ticketID, actor, func(t *model.Ticket) error {
		if err := requireParty(t, actor); err != nil {
			return err
		}
		if !t.IsSeller(actor) {
			return errs.ErrNotSeller
		}
		if t.Stage != model.StageAwaitingValue {
			return errs.ErrWrongStage
		}
		if !amount.Positive() || amount > money.MaxAmount {
			return errs.ErrInvalidAmount
		}
		v := amount
		t.ItemValue = &v
		t.PendingConfirmations = gate.Set{}
		t.Stage = model.StageAwaitingValueConfirmation
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set value: %w", err)
	}
	return res, nil
}

// SetFeePayer records who absorbs the service fee. Either participant may choose.
func (m *Machine) SetFeePayer(ctx context.Context, ticketID, actor string, payer money.Payer) (res *Result, err error) {
	ctx, span := m.start(ctx, "machine.SetFeePayer", ticketID, actor)
	defer finish(span, &err)

	res, err = m.apply(ctx, ticketID, actor, func(t *model.Ticket) error {
		if err := requireParty(t, actor); err != nil {
			return err
		}
		if t.Stage != model.StageAwaitingFeePayer {
			return errs.ErrWrongStage
		}
		if !payer.Valid() {
			return errs.ErrInvalidFeePayer
		}
		p := payer
		t.FeePayer = &p
		t.PendingConfirmations = gate.Set{}
		t.Stage = model.StageAwaitingFinalConfirmation
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set fee payer: %w", err)
	}
	return res, nil
}

// SetPayoutKey stores the seller's payout destination. When the buyer already attested
// delivery and only the key was missing, the delivery transition happens here.
func (m *Machine) SetPayoutKey(ctx context.Context, ticketID, actor, key string) (res *Result, err error) {
	ctx, span := m.start(ctx, "machine.SetPayoutKey", ticketID, actor)
	defer finish(span, &err)

	key = strings.TrimSpace(key)
	res, err = m.apply(ctx, ticketID, actor, func(t *model.Ticket) error {
		if err := requireParty(t, actor); err != nil {
			return err
		}
		if !t.IsSeller(actor) {
			return errs.ErrNotSeller
		}
		if t.Stage.Terminal() {
			return errs.ErrTerminalTicket
		}
		if key == "" {
			return errs.ErrMissingPayoutKey
		}
		if m.inFlight(t.PayoutReservedAt) {
			return errs.ErrOperationInFlight
		}
		k := key
		t.SellerPayoutKey = &k
		if t.Stage == model.StageAwaitingDelivery && t.PendingConfirmations.Has(*t.BuyerID) {
			t.PendingConfirmations = gate.Set{}
			t.Stage = model.StageAwaitingPayoutConfirmation
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set payout key: %w", err)
	}
	m.Notifier.Notify(ctx, events.Event{
		Kind:     events.KindPayoutKeySet,
		TicketID: ticketID,
		ActorID:  actor,
		To:       res.Ticket.Stage,
		At:       res.Ticket.UpdatedAt,
	})
	return res, nil
}

// ConfirmDelivery records the buyer's delivery attestation. Without a payout key the
// attestation is kept and the ticket waits for SetPayoutKey.
func (m *Machine) ConfirmDelivery(ctx context.Context, ticketID, actor string) (res *Result, err error) {
	ctx, span := m.start(ctx, "machine.ConfirmDelivery", ticketID, actor)
	defer finish(span, &err)

	var keyMissing bool
	res, err = m.apply(ctx, ticketID, actor, func(t *model.Ticket) error {
		keyMissing = false
		if err := requireParty(t, actor); err != nil {
			return err
		}
		if !t.IsBuyer(actor) {
			return errs.ErrNotBuyer
		}
		if t.Stage != model.StageAwaitingDelivery {
			return errs.ErrWrongStage
		}
		next, err := gate.New(t.PendingConfirmations, actor).Confirm(actor)
		if errors.Is(err, gate.ErrAlreadyConfirmed) {
			return errs.ErrAlreadyConfirmed
		}
		if err != nil {
			return err
		}
		if t.SellerPayoutKey == nil || *t.SellerPayoutKey == "" {
			t.PendingConfirmations = next.Confirmed
			keyMissing = true
			return nil
		}
		t.PendingConfirmations = gate.Set{}
		t.Stage = model.StageAwaitingPayoutConfirmation
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("confirm delivery: %w", err)
	}
	if keyMissing {
		res.PayoutKeyMissing = true
		m.Notifier.Notify(ctx, events.Event{
			Kind:     events.KindPayoutKeyMissing,
			TicketID: ticketID,
			ActorID:  actor,
			Missing:  []string{res.Ticket.Holder(model.RoleSeller)},
			At:       res.Ticket.UpdatedAt,
		})
	}
	return res, nil
}
