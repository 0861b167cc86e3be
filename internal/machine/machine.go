// Package machine implements the escrow ticket lifecycle.
//
// Every operation is one atomic read-validate-write against the ticket store. Operations
// that reach the payment provider split into three steps: a reservation written under
// the store's atomic update, the provider call with no lock held, and a second atomic
// update that commits the outcome.
package machine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/psds-microservice/escrow-service/internal/errs"
	"github.com/psds-microservice/escrow-service/internal/events"
	"github.com/psds-microservice/escrow-service/internal/gate"
	"github.com/psds-microservice/escrow-service/internal/model"
	"github.com/psds-microservice/escrow-service/internal/money"
	"github.com/psds-microservice/escrow-service/internal/payment"
	"github.com/psds-microservice/escrow-service/internal/store"
)

const tracerName = "github.com/psds-microservice/escrow-service/internal/machine"

// Payments issues the money-moving provider calls.
type Payments interface {
	CreateCharge(ctx context.Context, t *model.Ticket) (*payment.ChargeResult, error)
	CreateTransfer(ctx context.Context, t *model.Ticket, amount money.Amount) (*payment.TransferResult, error)
}

// Scheduler arranges post-completion cleanup.
type Scheduler interface {
	Schedule(ticketID string, at time.Time)
	Cancel(ticketID string) bool
}

type Config struct {
	Fee money.Amount
	// ProviderTimeout bounds one provider call. A reservation older than twice this is
	// treated as abandoned.
	ProviderTimeout time.Duration
	CleanupDelay    time.Duration
}

// Deps are the collaborators of the machine.
type Deps struct {
	Store    store.TicketStore
	Payments Payments
	Notifier events.Notifier
	Audit    events.AuditSink
	Cleanup  Scheduler
	Log      *zap.Logger
}

type Machine struct {
	Deps
	cfg    Config
	tracer trace.Tracer
	now    func() time.Time
}

func New(d Deps, cfg Config) *Machine {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Notifier == nil {
		d.Notifier = events.NewLog(d.Log)
	}
	if d.Audit == nil {
		d.Audit = events.NewLog(d.Log)
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = 10 * time.Minute
	}
	return &Machine{
		Deps:   d,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// Fee is the configured service fee.
func (m *Machine) Fee() money.Amount {
	return m.cfg.Fee
}

// Result is the outcome of an operation.
type Result struct {
	Ticket *model.Ticket
	// From is the stage before the operation.
	From             model.Stage
	Charge           *payment.ChargeResult
	Transfer         *payment.TransferResult
	PayoutKeyMissing bool
	DeleteAt         *time.Time
}

// Advanced reports whether the operation moved the ticket to another stage.
func (r *Result) Advanced() bool {
	return r.Ticket != nil && r.From != r.Ticket.Stage
}

// Open creates a ticket between creator and counterparty in awaiting_roles.
func (m *Machine) Open(ctx context.Context, ticketID, creatorID, counterpartyID string) (_ *model.Ticket, err error) {
	ctx, span := m.start(ctx, "machine.Open", ticketID, creatorID)
	defer finish(span, &err)

	ticketID = strings.TrimSpace(ticketID)
	creatorID = strings.TrimSpace(creatorID)
	counterpartyID = strings.TrimSpace(counterpartyID)
	if ticketID == "" || creatorID == "" || counterpartyID == "" {
		return nil, fmt.Errorf("open: ticket, creator and counterparty ids are required: %w", errs.ErrInvalidRequest)
	}
	if creatorID == counterpartyID {
		return nil, fmt.Errorf("open: %w", errs.ErrSelfTicket)
	}
	now := m.now().UTC()
	t := &model.Ticket{
		TicketID:             ticketID,
		Stage:                model.StageAwaitingRoles,
		CreatorID:            creatorID,
		CounterpartyID:       counterpartyID,
		PendingConfirmations: gate.Set{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := m.Store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	m.Log.Info("machine: ticket opened",
		zap.String("ticket_id", t.TicketID),
		zap.String("creator_id", creatorID),
		zap.String("counterparty_id", counterpartyID))
	m.Notifier.Notify(ctx, events.Event{
		Kind:     events.KindTicketOpened,
		TicketID: t.TicketID,
		ActorID:  creatorID,
		To:       t.Stage,
		At:       now,
	})
	return m.Store.Get(ctx, t.TicketID)
}

func (m *Machine) Get(ctx context.Context, ticketID string) (*model.Ticket, error) {
	return m.Store.Get(ctx, ticketID)
}

func (m *Machine) List(ctx context.Context, f store.Filter) ([]*model.Ticket, int64, error) {
	return m.Store.List(ctx, f)
}

// Cancel moves a non-terminal ticket with no provider call in flight to cancelled.
func (m *Machine) Cancel(ctx context.Context, ticketID, reason string) (res *Result, err error) {
	ctx, span := m.start(ctx, "machine.Cancel", ticketID, "")
	defer finish(span, &err)

	at := m.stamp()
	res, err = m.apply(ctx, ticketID, "", func(t *model.Ticket) error {
		if t.Stage.Terminal() {
			return errs.ErrTerminalTicket
		}
		if m.inFlight(t.ChargeReservedAt) || m.inFlight(t.PayoutReservedAt) {
			return errs.ErrOperationInFlight
		}
		t.Stage = model.StageCancelled
		t.PendingConfirmations = gate.Set{}
		t.ChargeReservedAt = nil
		t.PayoutReservedAt = nil
		t.CancelledAt = &at
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel: %w", err)
	}
	rec := events.NewAuditRecord(events.AuditCancelled, res.Ticket, m.cfg.Fee, at)
	rec.Reason = reason
	if res.From.Before(model.StageAwaitingDelivery) {
		m.Log.Info("machine: ticket cancelled", zap.String("ticket_id", ticketID), zap.String("reason", reason))
	} else {
		// The buyer has paid; the funds need an operator.
		m.Log.Warn("machine: ticket cancelled after payment",
			zap.String("ticket_id", ticketID),
			zap.String("from", string(res.From)),
			zap.String("reason", reason))
	}
	m.Audit.Record(ctx, rec)
	res.DeleteAt = m.scheduleCleanup(ctx, ticketID)
	return res, nil
}

// CancelCleanup stops a pending post-completion cleanup and reports whether one was pending.
func (m *Machine) CancelCleanup(ctx context.Context, ticketID string) (bool, error) {
	if _, err := m.Store.Get(ctx, ticketID); err != nil {
		return false, err
	}
	if m.Cleanup == nil || !m.Cleanup.Cancel(ticketID) {
		return false, nil
	}
	m.Notifier.Notify(ctx, events.Event{
		Kind:     events.KindCleanupCancelled,
		TicketID: ticketID,
		At:       m.now().UTC(),
	})
	return true, nil
}

func (m *Machine) scheduleCleanup(ctx context.Context, ticketID string) *time.Time {
	if m.Cleanup == nil {
		return nil
	}
	at := m.now().UTC().Add(m.cfg.CleanupDelay)
	m.Cleanup.Schedule(ticketID, at)
	m.Notifier.Notify(ctx, events.Event{
		Kind:     events.KindCleanupScheduled,
		TicketID: ticketID,
		DeleteAt: &at,
		At:       m.now().UTC(),
	})
	return &at
}

// apply runs fn as one atomic update and announces a stage change.
func (m *Machine) apply(ctx context.Context, ticketID, actor string, fn store.Mutator) (*Result, error) {
	var from model.Stage
	t, err := m.Store.AtomicUpdate(ctx, ticketID, func(t *model.Ticket) error {
		from = t.Stage
		return fn(t)
	})
	if err != nil {
		if errs.IsValidation(err) {
			m.Log.Debug("machine: rejected",
				zap.String("ticket_id", ticketID),
				zap.String("actor_id", actor),
				zap.Error(err))
		}
		return nil, err
	}
	res := &Result{Ticket: t, From: from}
	if res.Advanced() {
		m.Log.Info("machine: stage changed",
			zap.String("ticket_id", ticketID),
			zap.String("actor_id", actor),
			zap.String("from", string(from)),
			zap.String("to", string(t.Stage)))
		m.Notifier.Notify(ctx, events.Event{
			Kind:     events.KindStageChanged,
			TicketID: ticketID,
			ActorID:  actor,
			From:     from,
			To:       t.Stage,
			At:       t.UpdatedAt,
		})
	}
	return res, nil
}

// stamp returns the current time at a precision every store round-trips.
func (m *Machine) stamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func (m *Machine) inFlight(reservedAt *time.Time) bool {
	return reservedAt != nil && m.now().Sub(*reservedAt) < 2*m.cfg.ProviderTimeout
}

func sameTime(p *time.Time, t time.Time) bool {
	return p != nil && p.Equal(t)
}

func (m *Machine) start(ctx context.Context, op, ticketID, actor string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("ticket_id", ticketID)}
	if actor != "" {
		attrs = append(attrs, attribute.String("actor_id", actor))
	}
	return m.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}

// requireParty rejects actors that are neither creator nor counterparty.
func requireParty(t *model.Ticket, actor string) error {
	if !t.IsParty(actor) {
		return errs.ErrNotAParty
	}
	return nil
}
