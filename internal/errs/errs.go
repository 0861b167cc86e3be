// Package errs holds the escrow service error taxonomy.
//
// Validation errors are deterministic and never mutate a ticket. Provider errors are
// external and may be ambiguous about whether money moved.
package errs

import (
	"errors"
	"fmt"

	"github.com/psds-microservice/escrow-service/internal/money"
)

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrTicketExists   = errors.New("ticket already exists")
	// ErrConflict is returned when an atomic update lost every compare-and-swap attempt.
	ErrConflict = errors.New("ticket update conflict")
)

// Validation errors.
var (
	ErrRoleConflict      = errors.New("actor already holds the other role")
	ErrRoleTaken         = errors.New("role is held by the other participant")
	ErrNoOp              = errors.New("actor already holds this role")
	ErrWrongStage        = errors.New("action not accepted at the current stage")
	ErrAlreadyConfirmed  = errors.New("actor already confirmed")
	ErrInvalidAmount     = money.ErrInvalidAmount
	ErrNotAParty         = errors.New("actor is not a party to this ticket")
	ErrNotBuyer          = errors.New("only the buyer can do this")
	ErrNotSeller         = errors.New("only the seller can do this")
	ErrTerminalTicket    = errors.New("ticket is already finished")
	ErrInvalidSettlement = errors.New("seller net amount is not positive")
	ErrInvalidRole       = errors.New("unknown role")
	ErrInvalidFeePayer   = errors.New("fee payer must be buyer or seller")
	ErrSelfTicket        = errors.New("creator and counterparty must differ")
	ErrMissingPayoutKey  = errors.New("payout key is required")
	ErrOperationInFlight = errors.New("a payment operation is already in progress for this ticket")
	ErrPaymentMismatch   = errors.New("payment reference does not match ticket")
	ErrInvalidRequest    = errors.New("invalid request")
)

var validation = []error{
	ErrRoleConflict, ErrRoleTaken, ErrNoOp, ErrWrongStage, ErrAlreadyConfirmed,
	ErrInvalidAmount, ErrNotAParty, ErrNotBuyer, ErrNotSeller, ErrTerminalTicket,
	ErrInvalidSettlement, ErrInvalidRole, ErrInvalidFeePayer, ErrSelfTicket,
	ErrMissingPayoutKey, ErrOperationInFlight, ErrPaymentMismatch, ErrInvalidRequest,
}

// IsValidation reports whether err is a deterministic validation failure.
func IsValidation(err error) bool {
	for _, v := range validation {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}

// IsForbidden reports whether err rejects the actor rather than the request.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrNotAParty) || errors.Is(err, ErrNotBuyer) || errors.Is(err, ErrNotSeller)
}

// Provider errors.
var (
	ErrProvider          = errors.New("payment provider error")
	ErrMalformedResponse = errors.New("malformed payment provider response")
)

// ProviderError carries the provider's status and message.
// Ambiguous is set when the request may have been accepted (timeouts, transport failures).
type ProviderError struct {
	Op        string
	Status    int
	Message   string
	Ambiguous bool
	Err       error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: provider status %d: %s", e.Op, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsProvider reports whether err came from the payment provider, including malformed responses.
func IsProvider(err error) bool {
	return errors.Is(err, ErrProvider) || errors.Is(err, ErrMalformedResponse)
}

// IsAmbiguous reports whether a provider failure leaves the outcome unknown.
func IsAmbiguous(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Ambiguous
}
