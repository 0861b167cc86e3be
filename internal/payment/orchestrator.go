package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/psds-microservice/escrow-service/internal/errs"
	"github.com/psds-microservice/escrow-service/internal/model"
	"github.com/psds-microservice/escrow-service/internal/money"
)

const tracerName = "github.com/psds-microservice/escrow-service/internal/payment"

type Config struct {
	Fee          money.Amount
	ChargeExpiry time.Duration
	Timeout      time.Duration
	// CustomerEmailDomain and CustomerTaxID fill the charge customer block, which
	// the provider requires but the chat platform cannot supply.
	CustomerEmailDomain string
	CustomerTaxID       string
	// BreakerFailures consecutive ambiguous failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChargeExpiry <= 0 {
		c.ChargeExpiry = 60 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.CustomerEmailDomain == "" {
		c.CustomerEmailDomain = "escrow.local"
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

type ChargeResult struct {
	TicketID         string       `json:"ticket_id"`
	PaymentRequestID string       `json:"payment_request_id"`
	ScannableCode    string       `json:"scannable_code"`
	ImageURL         string       `json:"image_url,omitempty"`
	Amount           money.Amount `json:"amount"`
	ExpiresAt        time.Time    `json:"expires_at"`
	IdempotencyKey   string       `json:"idempotency_key"`
	RawPayload       []byte       `json:"-"`
}

type TransferResult struct {
	TicketID       string       `json:"ticket_id"`
	Reference      string       `json:"reference"`
	Amount         money.Amount `json:"amount"`
	DestinationKey string       `json:"destination_key"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// Orchestrator builds provider requests from ticket snapshots. Every call gets a fresh
// idempotency key, so a retried call is a new request as far as the provider knows.
type Orchestrator struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
	cfg      Config
	log      *zap.Logger
	tracer   trace.Tracer
	newKey   func() string
	now      func() time.Time
}

func NewOrchestrator(provider Provider, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		provider: provider,
		cfg:      cfg,
		log:      log,
		tracer:   otel.Tracer(tracerName),
		newKey:   uuid.NewString,
		now:      time.Now,
	}
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "payment-provider",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A provider that answers with a rejection is up.
		IsSuccessful: func(err error) bool {
			return err == nil || (errs.IsProvider(err) && !errs.IsAmbiguous(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("payment: circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return o
}

// Fee is the configured service fee.
func (o *Orchestrator) Fee() money.Amount {
	return o.cfg.Fee
}

// CreateCharge requests a charge for the buyer total of t.
func (o *Orchestrator) CreateCharge(ctx context.Context, t *model.Ticket) (*ChargeResult, error) {
	if t.ItemValue == nil || t.FeePayer == nil || t.BuyerID == nil {
		return nil, fmt.Errorf("create charge: ticket %s: %w", t.TicketID, errs.ErrInvalidAmount)
	}
	amount, err := money.BuyerTotal(*t.ItemValue, o.cfg.Fee, *t.FeePayer)
	if err != nil {
		return nil, fmt.Errorf("create charge: ticket %s: %w", t.TicketID, err)
	}
	req := ChargeRequest{
		Reference:   ReferencePrefix + t.TicketID,
		Description: "Escrow ticket " + t.TicketID,
		Amount:      amount,
		ExpiresAt:   o.now().Add(o.cfg.ChargeExpiry),
		Customer: Customer{
			Name:  *t.BuyerID,
			Email: fmt.Sprintf("buyer.%s@%s", *t.BuyerID, o.cfg.CustomerEmailDomain),
			TaxID: o.cfg.CustomerTaxID,
		},
		IdempotencyKey: o.newKey(),
	}

	ctx, span := o.tracer.Start(ctx, "payment.CreateCharge", trace.WithAttributes(
		attribute.String("ticket_id", t.TicketID),
		attribute.Int64("amount", int64(amount)),
	))
	defer span.End()

	resp, err := call(ctx, o, "create charge", func(ctx context.Context) (*ChargeResponse, error) {
		return o.provider.CreateCharge(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	o.log.Info("payment: charge created",
		zap.String("ticket_id", t.TicketID),
		zap.String("payment_request_id", resp.Reference),
		zap.String("amount", amount.String()))
	return &ChargeResult{
		TicketID:         t.TicketID,
		PaymentRequestID: resp.Reference,
		ScannableCode:    resp.ScannableCode,
		ImageURL:         resp.ImageURL,
		Amount:           amount,
		ExpiresAt:        req.ExpiresAt,
		IdempotencyKey:   req.IdempotencyKey,
		RawPayload:       resp.RawPayload,
	}, nil
}

// CreateTransfer sends amount to the seller's payout key.
// Any failure here is reported as a *errs.ProviderError.
func (o *Orchestrator) CreateTransfer(ctx context.Context, t *model.Ticket, amount money.Amount) (*TransferResult, error) {
	if t.SellerPayoutKey == nil || *t.SellerPayoutKey == "" {
		return nil, fmt.Errorf("create transfer: ticket %s: %w", t.TicketID, errs.ErrMissingPayoutKey)
	}
	req := TransferRequest{
		Amount:         amount,
		DestinationKey: *t.SellerPayoutKey,
		IdempotencyKey: o.newKey(),
	}

	ctx, span := o.tracer.Start(ctx, "payment.CreateTransfer", trace.WithAttributes(
		attribute.String("ticket_id", t.TicketID),
		attribute.Int64("amount", int64(amount)),
	))
	defer span.End()

	resp, err := call(ctx, o, "create transfer", func(ctx context.Context) (*TransferResponse, error) {
		return o.provider.CreateTransfer(ctx, req)
	})
	if err != nil {
		// A 2xx we cannot read may still have moved money.
		if errors.Is(err, errs.ErrMalformedResponse) && !errs.IsAmbiguous(err) {
			err = &errs.ProviderError{Op: "create transfer", Ambiguous: true, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	o.log.Info("payment: transfer created",
		zap.String("ticket_id", t.TicketID),
		zap.String("reference", resp.Reference),
		zap.String("amount", amount.String()))
	return &TransferResult{
		TicketID:       t.TicketID,
		Reference:      resp.Reference,
		Amount:         amount,
		DestinationKey: req.DestinationKey,
		IdempotencyKey: req.IdempotencyKey,
	}, nil
}

// call runs fn through the breaker under the provider timeout.
func call[T any](ctx context.Context, o *Orchestrator, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	out, err := o.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, classify(op, err)
	}
	return out.(T), nil
}

func classify(op string, err error) error {
	var pe *errs.ProviderError
	switch {
	case errors.As(err, &pe):
		if !pe.Ambiguous && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			pe.Ambiguous = true
		}
		return err
	case errors.Is(err, errs.ErrMalformedResponse):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &errs.ProviderError{Op: op, Message: "payment provider unavailable", Err: err}
	default:
		return &errs.ProviderError{Op: op, Ambiguous: true, Err: err}
	}
}
