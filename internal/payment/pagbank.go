package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/psds-microservice/escrow-service/internal/errs"
)

const (
	PagBankSandboxURL    = "https://sandbox.api.pagseguro.com"
	PagBankProductionURL = "https://api.pagseguro.com"

	maxResponseBytes = 1 << 20
)

// PagBank talks to the PagBank orders and transfers API.
type PagBank struct {
	baseURL    string
	token      string
	webhookURL string
	httpClient *http.Client
	log        *zap.Logger
}

var _ Provider = (*PagBank)(nil)

// NewPagBank returns a client. Per-call deadlines come from the caller's context;
// the client timeout is only a backstop.
func NewPagBank(baseURL, token, webhookURL string, log *zap.Logger) *PagBank {
	if log == nil {
		log = zap.NewNop()
	}
	return &PagBank{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        log,
	}
}

type pagAmount struct {
	Value    int64  `json:"value"`
	Currency string `json:"currency,omitempty"`
}

type orderRequest struct {
	ReferenceID string `json:"reference_id"`
	Customer    struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		TaxID string `json:"tax_id"`
	} `json:"customer"`
	Items            []orderItem   `json:"items"`
	QRCodes          []orderQRCode `json:"qr_codes"`
	NotificationURLs []string      `json:"notification_urls,omitempty"`
}

type orderItem struct {
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitAmount int64  `json:"unit_amount"`
}

type orderQRCode struct {
	Amount         pagAmount `json:"amount"`
	ExpirationDate string    `json:"expiration_date"`
}

type orderResponse struct {
	ID          string `json:"id"`
	ReferenceID string `json:"reference_id"`
	QRCodes     []struct {
		ID    string `json:"id"`
		Text  string `json:"text"`
		Links []struct {
			Rel   string `json:"rel"`
			Href  string `json:"href"`
			Media string `json:"media"`
		} `json:"links"`
	} `json:"qr_codes"`
}

type transferRequest struct {
	Amount  pagAmount `json:"amount"`
	Type    string    `json:"type"`
	Account struct {
		Pix struct {
			Key string `json:"key"`
		} `json:"pix"`
	} `json:"account"`
}

type transferResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (p *PagBank) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	var body orderRequest
	body.ReferenceID = req.Reference
	body.Customer.Name = req.Customer.Name
	body.Customer.Email = req.Customer.Email
	body.Customer.TaxID = req.Customer.TaxID
	body.Items = []orderItem{{Name: req.Description, Quantity: 1, UnitAmount: int64(req.Amount)}}
	body.QRCodes = []orderQRCode{{
		Amount:         pagAmount{Value: int64(req.Amount)},
		ExpirationDate: req.ExpiresAt.UTC().Format(time.RFC3339),
	}}
	if p.webhookURL != "" {
		body.NotificationURLs = []string{p.webhookURL}
	}

	var out orderResponse
	raw, err := p.post(ctx, "create charge", "/orders", req.IdempotencyKey, body, &out)
	if err != nil {
		return nil, err
	}
	if out.ID == "" || len(out.QRCodes) == 0 || out.QRCodes[0].Text == "" {
		return nil, fmt.Errorf("%w: order %q has no pix qr code", errs.ErrMalformedResponse, out.ID)
	}
	res := &ChargeResponse{
		Reference:     out.ID,
		ScannableCode: out.QRCodes[0].Text,
		RawPayload:    raw,
	}
	for _, l := range out.QRCodes[0].Links {
		if l.Media == "image/png" {
			res.ImageURL = l.Href
			break
		}
	}
	return res, nil
}

func (p *PagBank) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResponse, error) {
	var body transferRequest
	body.Amount = pagAmount{Value: int64(req.Amount), Currency: "BRL"}
	body.Type = "PIX"
	body.Account.Pix.Key = req.DestinationKey

	var out transferResponse
	raw, err := p.post(ctx, "create transfer", "/transfers", req.IdempotencyKey, body, &out)
	if err != nil {
		return nil, err
	}
	return &TransferResponse{Reference: out.ID, Status: out.Status, RawPayload: raw}, nil
}

func (p *PagBank) post(ctx context.Context, op, path, idempotencyKey string, in, out any) ([]byte, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: new request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-idempotency-key", idempotencyKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &errs.ProviderError{Op: op, Ambiguous: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &errs.ProviderError{Op: op, Status: resp.StatusCode, Ambiguous: true, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.log.Warn("pagbank: request rejected",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw))
		return raw, &errs.ProviderError{
			Op:        op,
			Status:    resp.StatusCode,
			Message:   errorMessage(raw),
			Ambiguous: resp.StatusCode >= 500,
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return raw, fmt.Errorf("%w: %s: %v", errs.ErrMalformedResponse, op, err)
	}
	return raw, nil
}

// errorMessage extracts PagBank's human-readable error text.
func errorMessage(raw []byte) string {
	var body struct {
		Message       string `json:"message"`
		ErrorMessages []struct {
			Code        string `json:"code"`
			Description string `json:"description"`
			Parameter   string `json:"parameter_name"`
		} `json:"error_messages"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw))
	}
	var parts []string
	for _, m := range body.ErrorMessages {
		if m.Parameter != "" {
			parts = append(parts, m.Parameter+": "+m.Description)
		} else if m.Description != "" {
			parts = append(parts, m.Description)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "; ")
	}
	return body.Message
}
