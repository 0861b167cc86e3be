// Package payment issues money-moving requests to the payment provider.
package payment

import (
	"context"
	"time"

	"github.com/psds-microservice/escrow-service/internal/money"
)

// Customer identifies the payer on a charge.
type Customer struct {
	Name  string
	Email string
	TaxID string
}

type ChargeRequest struct {
	Reference      string
	Description    string
	Amount         money.Amount
	ExpiresAt      time.Time
	Customer       Customer
	IdempotencyKey string
}

type ChargeResponse struct {
	Reference     string
	ScannableCode string
	ImageURL      string
	RawPayload    []byte
}

type TransferRequest struct {
	Amount         money.Amount
	DestinationKey string
	IdempotencyKey string
}

type TransferResponse struct {
	Reference  string
	Status     string
	RawPayload []byte
}

// Provider is the payment provider collaborator. Implementations return *errs.ProviderError
// for transport failures and rejections, and wrap errs.ErrMalformedResponse when a
// successful response lacks the expected payment data.
type Provider interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResponse, error)
}
