package payment

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/psds-microservice/escrow-service/internal/errs"
)

// ReferencePrefix prefixes the ticket id in the reference sent with every charge.
const ReferencePrefix = "TICKET-"

const chargeStatusPaid = "PAID"

// AuthenticityHeader carries PagBank's signature over a notification body.
const AuthenticityHeader = "x-authenticity-token"

// SignNotification returns the signature PagBank sends for body: the hex SHA-256 of
// the account token, a dash and the raw body.
func SignNotification(token string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(token))
	h.Write([]byte("-"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyNotification reports whether signature authenticates body under token.
func VerifyNotification(token string, body []byte, signature string) bool {
	if token == "" || signature == "" {
		return false
	}
	want := SignNotification(token, body)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(strings.TrimSpace(signature))), []byte(want)) == 1
}

// Notification is a parsed PagBank order notification.
type Notification struct {
	OrderID  string
	TicketID string
	Paid     bool
}

type orderNotification struct {
	ID          string `json:"id"`
	ReferenceID string `json:"reference_id"`
	Charges     []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"charges"`
}

// ParseNotification reads an order notification body. Paid is set when any charge
// on the order reports PAID.
func ParseNotification(body []byte) (*Notification, error) {
	var in orderNotification
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("notification: %w", errs.ErrMalformedResponse)
	}
	ticketID, ok := strings.CutPrefix(in.ReferenceID, ReferencePrefix)
	if in.ID == "" || !ok || ticketID == "" {
		return nil, fmt.Errorf("notification: missing order id or reference: %w", errs.ErrMalformedResponse)
	}
	n := &Notification{OrderID: in.ID, TicketID: ticketID}
	for _, c := range in.Charges {
		if strings.EqualFold(c.Status, chargeStatusPaid) {
			n.Paid = true
			break
		}
	}
	return n, nil
}
