// Package action routes inbound participant actions to the ticket state machine.
//
// Routing is a fixed table: every Kind has one handler and the set of stages that
// accept it. The router checks that the actor is a party and that the stage accepts
// the action, then hands over; the machine re-validates atomically.
package action

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/psds-microservice/escrow-service/internal/errs"
	"github.com/psds-microservice/escrow-service/internal/machine"
	"github.com/psds-microservice/escrow-service/internal/model"
	"github.com/psds-microservice/escrow-service/internal/money"
)

type Kind int

const (
	RoleBuyer Kind = iota + 1
	RoleSeller
	RoleReset
	ConfirmRoles
	SetValue
	ConfirmValue
	FeeBuyer
	FeeSeller
	FinalConfirm
	SetPayoutKey
	ConfirmDelivery
	ConfirmPayout
)

var wireIDs = map[Kind]string{
	RoleBuyer:       "role_buyer",
	RoleSeller:      "role_seller",
	RoleReset:       "role_reset",
	ConfirmRoles:    "confirm_roles",
	SetValue:        "set_value",
	ConfirmValue:    "confirm_value",
	FeeBuyer:        "fee_buyer",
	FeeSeller:       "fee_seller",
	FinalConfirm:    "final_confirm",
	SetPayoutKey:    "set_payout_key",
	ConfirmDelivery: "confirm_delivery",
	ConfirmPayout:   "confirm_payout",
}

var kinds = func() map[string]Kind {
	out := make(map[string]Kind, len(wireIDs))
	for k, id := range wireIDs {
		out[id] = k
	}
	return out
}()

// ParseKind maps a wire identifier to its Kind. Only exact identifiers match.
func ParseKind(id string) (Kind, error) {
	k, ok := kinds[id]
	if !ok {
		return 0, fmt.Errorf("unknown action %q: %w", id, errs.ErrInvalidRequest)
	}
	return k, nil
}

func (k Kind) String() string {
	if id, ok := wireIDs[k]; ok {
		return id
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// Kinds lists every wire identifier.
func Kinds() []string {
	out := make([]string, 0, len(wireIDs))
	for k := RoleBuyer; k <= ConfirmPayout; k++ {
		out = append(out, wireIDs[k])
	}
	return out
}

// Action is one participant action against a ticket.
type Action struct {
	Kind      Kind
	TicketID  string
	ActorID   string
	Amount    money.Amount
	PayoutKey string
}

// Machine is the part of the state machine the router drives.
type Machine interface {
	Get(ctx context.Context, ticketID string) (*model.Ticket, error)
	AssignRole(ctx context.Context, ticketID, actor string, role model.Role) (*machine.Result, error)
	ResetRoles(ctx context.Context, ticketID, actor string) (*machine.Result, error)
	Confirm(ctx context.Context, ticketID, actor string, g machine.GateName) (*machine.Result, error)
	SetValue(ctx context.Context, ticketID, actor string, amount money.Amount) (*machine.Result, error)
	SetFeePayer(ctx context.Context, ticketID, actor string, payer money.Payer) (*machine.Result, error)
	SetPayoutKey(ctx context.Context, ticketID, actor, key string) (*machine.Result, error)
	ConfirmDelivery(ctx context.Context, ticketID, actor string) (*machine.Result, error)
	RequestPayout(ctx context.Context, ticketID, actor string) (*machine.Result, error)
}

var _ Machine = (*machine.Machine)(nil)

type handler func(ctx context.Context, m Machine, a Action) (*machine.Result, error)

type route struct {
	// stages that accept the action; nil leaves the stage check to the machine.
	stages []model.Stage
	handle handler
}

var routes = map[Kind]route{
	RoleBuyer: {
		stages: []model.Stage{model.StageAwaitingRoles},
		handle: func(ctx context.Context, m Machine, a Action) (*machine.Result, error) {
			return m.AssignRole(ctx, a.TicketID, a.ActorID, model.RoleBuyer)
		},
	},
	RoleSeller: {
		stages: []model.Stage{model.StageAwaitingRoles},
		handle: func(ctx context.Context, m Machine, a Action) (*machine.Result, error) {
			return m.AssignRole(ctx, a.TicketID, a.ActorID, model.RoleSeller)
		},
	},
	RoleReset: {
		stages: []model.Stage{model.StageAwaitingRoles},
		handle: func(ctx context.Context, m Machine, a Action) (*machine.Result, error) {
			return m.ResetRoles(ctx, a.TicketID, a.ActorID)
		},
	},
	ConfirmRoles: {
		stages: []model.Stage{model.StageAwaitingRoleConfirmation},
		handle: confirm(machine.GateRoles),
	},
	SetValue: {
		stages: []model.Stage{model.StageAwaitingValue},
		handle: func(ctx context.Context, m Machine, a Action) (*machine.Result, error) {
			return m.SetValue(ctx, a.TicketID, a.ActorID, a.Amount)
		},
	},
	ConfirmValue: {
		stages: []model.Stage{model.StageAwaitingValueConfirmation},
		handle: confirm(machine.GateValue),
	},
	FeeBuyer: {
		stages: []model.Stage{model.StageAwaitingFeePayer},
		handle: feePayer(money.PayerBuyer),
	},
	FeeSeller: {
		stages: []model.Stage{model.StageAwaitingFeePayer},
		handle: feePayer(money.PayerSeller),
	},
	FinalConfirm: {
		stages: []model.Stage{model.StageAwaitingFinalConfirmation},
		handle: confirm(machine.GateFinal),
	},
	SetPayoutKey: {
		handle: func(ctx context.Context, m Machine, a Action) (*machine.Result, error) {
			return m.SetPayoutKey(ctx, a.TicketID, a.ActorID, a.PayoutKey)
		},
	},
	ConfirmDelivery: {
		stages: []model.Stage{model.StageAwaitingDelivery},
		handle: func(ctx context.Context, m Machine, a Action) (*machine.Result, error) {
			return m.ConfirmDelivery(ctx, a.TicketID, a.ActorID)
		},
	},
	ConfirmPayout: {
		stages: []model.Stage{model.StageAwaitingPayoutConfirmation},
		handle: func(ctx context.Context, m Machine, a Action) (*machine.Result, error) {
			return m.RequestPayout(ctx, a.TicketID, a.ActorID)
		},
	},
}

func confirm(g machine.GateName) handler {
	return func(ctx context.Context, m Machine, a Action) (*machine.Result, error) {
		return m.Confirm(ctx, a.TicketID, a.ActorID, g)
	}
}

func feePayer(p money.Payer) handler {
	return func(ctx context.Context, m Machine, a Action) (*machine.Result, error) {
		return m.SetFeePayer(ctx, a.TicketID, a.ActorID, p)
	}
}

// Accepts reports whether a ticket at stage s accepts k.
func Accepts(k Kind, s model.Stage) bool {
	r, ok := routes[k]
	if !ok {
		return false
	}
	if r.stages == nil {
		return !s.Terminal()
	}
	for _, st := range r.stages {
		if st == s {
			return true
		}
	}
	return false
}

// Available lists the actions a ticket at stage s accepts, in wire order.
func Available(s model.Stage) []string {
	var out []string
	for k := RoleBuyer; k <= ConfirmPayout; k++ {
		if Accepts(k, s) {
			out = append(out, wireIDs[k])
		}
	}
	return out
}

type Router struct {
	m   Machine
	log *zap.Logger
}

func NewRouter(m Machine, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{m: m, log: log}
}

// Dispatch authorizes a and runs its handler.
func (r *Router) Dispatch(ctx context.Context, a Action) (*machine.Result, error) {
	rt, ok := routes[a.Kind]
	if !ok {
		return nil, fmt.Errorf("dispatch %s: %w", a.Kind, errs.ErrInvalidRequest)
	}
	t, err := r.m.Get(ctx, a.TicketID)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", a.Kind, err)
	}
	if !t.IsParty(a.ActorID) {
		r.log.Info("action: rejected non-party",
			zap.String("ticket_id", a.TicketID),
			zap.String("actor_id", a.ActorID),
			zap.String("action", a.Kind.String()))
		return nil, fmt.Errorf("dispatch %s: %w", a.Kind, errs.ErrNotAParty)
	}
	if rt.stages != nil && !Accepts(a.Kind, t.Stage) {
		return nil, fmt.Errorf("dispatch %s at %s: %w", a.Kind, t.Stage, errs.ErrWrongStage)
	}
	r.log.Debug("action: dispatch",
		zap.String("ticket_id", a.TicketID),
		zap.String("actor_id", a.ActorID),
		zap.String("action", a.Kind.String()),
		zap.String("stage", string(t.Stage)))
	return rt.handle(ctx, r.m, a)
}
