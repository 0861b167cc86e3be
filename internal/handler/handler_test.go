package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psds-microservice/escrow-service/internal/action"
	"github.com/psds-microservice/escrow-service/internal/errs"
	"github.com/psds-microservice/escrow-service/internal/events"
	"github.com/psds-microservice/escrow-service/internal/machine"
	"github.com/psds-microservice/escrow-service/internal/money"
	"github.com/psds-microservice/escrow-service/internal/payment"
	"github.com/psds-microservice/escrow-service/internal/store"
)

const fee = money.Amount(500)

type stubProvider struct {
	mu       sync.Mutex
	charges  int
	transErr error
}

func (p *stubProvider) CreateCharge(_ context.Context, _ payment.ChargeRequest) (*payment.ChargeResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges++
	return &payment.ChargeResponse{Reference: fmt.Sprintf("ORDE_%d", p.charges), ScannableCode: "pix-code"}, nil
}

func (p *stubProvider) CreateTransfer(_ context.Context, _ payment.TransferRequest) (*payment.TransferResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transErr != nil {
		return nil, p.transErr
	}
	return &payment.TransferResponse{Reference: "TRAN_1", Status: "PENDING"}, nil
}

type env struct {
	engine *gin.Engine
	prov   *stubProvider
}

func newEnv(t *testing.T, auth WebhookAuth) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	prov := &stubProvider{}
	m := machine.New(machine.Deps{
		Store:    store.NewMemory(),
		Payments: payment.NewOrchestrator(prov, payment.Config{Fee: fee}, nil),
		Notifier: &events.Recorder{},
		Audit:    &events.Recorder{},
	}, machine.Config{Fee: fee})
	tickets := NewTicketHandler(m, action.NewRouter(m, nil), nil)
	webhook := NewWebhookHandler(m, auth, nil)

	r := gin.New()
	r.GET("/health", Health)
	r.POST("/tickets", tickets.Create)
	r.GET("/tickets", tickets.List)
	r.GET("/tickets/:id", tickets.Get)
	r.POST("/tickets/:id/actions", tickets.Action)
	r.POST("/tickets/:id/cancel", tickets.Cancel)
	r.DELETE("/tickets/:id/cleanup", tickets.CancelCleanup)
	r.POST("/webhook", webhook.PagBank)
	return &env{engine: r, prov: prov}
}

func (e *env) do(t *testing.T, method, path string, body any, headers ...string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (e *env) act(t *testing.T, actor, act string, extra ...string) (int, map[string]any) {
	t.Helper()
	body := map[string]string{"action": act, "actor_id": actor}
	for i := 0; i+1 < len(extra); i += 2 {
		body[extra[i]] = extra[i+1]
	}
	return e.do(t, http.MethodPost, "/tickets/ch-1/actions", body)
}

func (e *env) mustAct(t *testing.T, actor, act string, extra ...string) map[string]any {
	t.Helper()
	code, out := e.act(t, actor, act, extra...)
	require.Equal(t, http.StatusOK, code, out)
	return out
}

func (e *env) open(t *testing.T) {
	t.Helper()
	code, out := e.do(t, http.MethodPost, "/tickets", map[string]string{
		"ticket_id": "ch-1", "creator_id": "alice", "counterparty_id": "bob",
	})
	require.Equal(t, http.StatusCreated, code, out)
}

// charged leaves ch-1 in awaiting_payment and returns the payment request id.
func (e *env) charged(t *testing.T) string {
	t.Helper()
	e.open(t)
	e.mustAct(t, "alice", "role_buyer")
	e.mustAct(t, "bob", "role_seller")
	e.mustAct(t, "alice", "confirm_roles")
	e.mustAct(t, "bob", "confirm_roles")
	e.mustAct(t, "bob", "set_value", "amount", "100.00")
	e.mustAct(t, "alice", "confirm_value")
	e.mustAct(t, "bob", "confirm_value")
	e.mustAct(t, "alice", "fee_buyer")
	e.mustAct(t, "alice", "final_confirm")
	out := e.mustAct(t, "bob", "final_confirm")
	charge := out["charge"].(map[string]any)
	return charge["payment_request_id"].(string)
}

func notification(orderID, ticketID, status string) string {
	return fmt.Sprintf(`{"id":%q,"reference_id":"TICKET-%s","charges":[{"status":%q}]}`, orderID, ticketID, status)
}

func TestCreateAndGet(t *testing.T) {
	e := newEnv(t, WebhookAuth{})
	e.open(t)

	code, out := e.do(t, http.MethodGet, "/tickets/ch-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "awaiting_roles", out["stage"])
	assert.Equal(t, "alice", out["creator_id"])
	assert.ElementsMatch(t, []any{"role_buyer", "role_seller", "role_reset", "set_payout_key"}, out["actions"])
	assert.Nil(t, out["gate"])

	code, _ = e.do(t, http.MethodPost, "/tickets", map[string]string{
		"ticket_id": "ch-1", "creator_id": "alice", "counterparty_id": "bob",
	})
	assert.Equal(t, http.StatusConflict, code)
}

func TestCreate_Invalid(t *testing.T) {
	e := newEnv(t, WebhookAuth{})

	code, _ := e.do(t, http.MethodPost, "/tickets", `{"ticket_id":"ch-1"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, out := e.do(t, http.MethodPost, "/tickets", map[string]string{
		"ticket_id": "ch-1", "creator_id": "alice", "counterparty_id": "alice",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out["error"], "must differ")
}

func TestGet_NotFound(t *testing.T) {
	e := newEnv(t, WebhookAuth{})
	code, _ := e.do(t, http.MethodGet, "/tickets/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestList(t *testing.T) {
	e := newEnv(t, WebhookAuth{})
	for i, pair := range [][2]string{{"alice", "bob"}, {"carol", "dave"}, {"alice", "erin"}} {
		code, _ := e.do(t, http.MethodPost, "/tickets", map[string]string{
			"ticket_id": fmt.Sprintf("ch-%d", i), "creator_id": pair[0], "counterparty_id": pair[1],
		})
		require.Equal(t, http.StatusCreated, code)
	}

	code, out := e.do(t, http.MethodGet, "/tickets?participant=alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, out["total"])
	assert.Len(t, out["tickets"], 2)

	code, out = e.do(t, http.MethodGet, "/tickets?limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, out["total"])
	assert.Len(t, out["tickets"], 1)
}

func TestAction_GateView(t *testing.T) {
	e := newEnv(t, WebhookAuth{})
	e.open(t)
	e.mustAct(t, "alice", "role_buyer")
	out := e.mustAct(t, "bob", "role_seller")
	assert.Equal(t, true, out["advanced"])
	assert.Equal(t, "awaiting_roles", out["from"])

	out = e.mustAct(t, "alice", "confirm_roles")
	assert.Equal(t, false, out["advanced"])
	gate := out["ticket"].(map[string]any)["gate"].(map[string]any)
	assert.Equal(t, "roles", gate["name"])
	assert.Equal(t, []any{"bob"}, gate["missing"])

	code, _ := e.act(t, "alice", "confirm_roles")
	assert.Equal(t, http.StatusConflict, code)
}

func TestAction_Errors(t *testing.T) {
	e := newEnv(t, WebhookAuth{})
	e.open(t)

	code, _ := e.act(t, "mallory", "role_buyer")
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.act(t, "alice", "role_buyer_please")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.act(t, "alice", "confirm_value")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = e.do(t, http.MethodPost, "/tickets/missing/actions", map[string]string{"action": "role_buyer", "actor_id": "alice"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/tickets/ch-1/actions", `{"action":"role_buyer"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAction_SetValueParsesAmount(t *testing.T) {
	e := newEnv(t, WebhookAuth{})
	e.open(t)
	e.mustAct(t, "alice", "role_buyer")
	e.mustAct(t, "bob", "role_seller")
	e.mustAct(t, "alice", "confirm_roles")
	e.mustAct(t, "bob", "confirm_roles")

	code, _ := e.act(t, "bob", "set_value", "amount", "ten")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.act(t, "bob", "set_value", "amount", "1.005")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.act(t, "bob", "set_value", "amount", "0")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.act(t, "alice", "set_value", "amount", "10.00")
	assert.Equal(t, http.StatusForbidden, code)

	out := e.mustAct(t, "bob", "set_value", "amount", "19,90")
	assert.EqualValues(t, 1990, out["ticket"].(map[string]any)["item_value"])
}

func TestFullFlow(t *testing.T) {
	e := newEnv(t, WebhookAuth{})
	orderID := e.charged(t)
	assert.Equal(t, "ORDE_1", orderID)

	code, out := e.do(t, http.MethodGet, "/tickets/ch-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "awaiting_payment", out["stage"])
	settlement := out["settlement"].(map[string]any)
	assert.EqualValues(t, 10500, settlement["buyer_total"])
	assert.EqualValues(t, 10000, settlement["seller_net"])

	code, out = e.do(t, http.MethodPost, "/webhook", notification(orderID, "ch-1", "PAID"))
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "awaiting_delivery", out["stage"])

	// A repeated notification is accepted without change.
	code, _ = e.do(t, http.MethodPost, "/webhook", notification(orderID, "ch-1", "PAID"))
	assert.Equal(t, http.StatusOK, code)

	e.mustAct(t, "bob", "set_payout_key", "payout_key", "bob@pix")
	out = e.mustAct(t, "alice", "confirm_delivery")
	assert.Equal(t, "awaiting_payout_confirmation", out["ticket"].(map[string]any)["stage"])

	out = e.mustAct(t, "bob", "confirm_payout")
	assert.Equal(t, "completed", out["ticket"].(map[string]any)["stage"])
	transfer := out["transfer"].(map[string]any)
	assert.Equal(t, "TRAN_1", transfer["reference"])
	assert.EqualValues(t, 10000, transfer["amount"])
	assert.Equal(t, 1, e.prov.charges)

	code, _ = e.act(t, "bob", "set_payout_key", "payout_key", "other@pix")
	assert.Equal(t, http.StatusConflict, code)
}

func TestPayoutFailureIsBadGateway(t *testing.T) {
	e := newEnv(t, WebhookAuth{})
	orderID := e.charged(t)
	code, _ := e.do(t, http.MethodPost, "/webhook", notification(orderID, "ch-1", "PAID"))
	require.Equal(t, http.StatusOK, code)
	e.mustAct(t, "bob", "set_payout_key", "payout_key", "bob@pix")
	e.mustAct(t, "alice", "confirm_delivery")

	e.prov.mu.Lock()
	e.prov.transErr = &errs.ProviderError{Op: "transfer", Status: 503, Ambiguous: true, Err: errs.ErrProvider}
	e.prov.mu.Unlock()

	code, out := e.act(t, "bob", "confirm_payout")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, true, out["ambiguous"])

	code, out = e.do(t, http.MethodGet, "/tickets/ch-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "awaiting_payout_confirmation", out["stage"])
}

func TestWebhook(t *testing.T) {
	e := newEnv(t, WebhookAuth{Secret: "s3cret"})
	orderID := e.charged(t)

	code, _ := e.do(t, http.MethodPost, "/webhook", notification(orderID, "ch-1", "PAID"))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = e.do(t, http.MethodPost, "/webhook", `{`, WebhookSecretHeader, "s3cret")
	assert.Equal(t, http.StatusBadRequest, code)

	code, out := e.do(t, http.MethodPost, "/webhook", notification(orderID, "ch-1", "WAITING"), WebhookSecretHeader, "s3cret")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "ignored", out["status"])

	code, _ = e.do(t, http.MethodPost, "/webhook", notification("ORDE_other", "ch-1", "PAID"), WebhookSecretHeader, "s3cret")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/webhook", notification(orderID, "missing", "PAID"), WebhookSecretHeader, "s3cret")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/webhook?secret=wrong", notification(orderID, "ch-1", "PAID"))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, out = e.do(t, http.MethodPost, "/webhook?secret=s3cret", notification(orderID, "ch-1", "PAID"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "awaiting_delivery", out["stage"])
}

func TestWebhook_Signature(t *testing.T) {
	const token = "pagbank-token"
	e := newEnv(t, WebhookAuth{Token: token})
	orderID := e.charged(t)
	body := notification(orderID, "ch-1", "PAID")

	code, _ := e.do(t, http.MethodPost, "/webhook", body)
	assert.Equal(t, http.StatusUnauthorized, code)

	// A signature for one body does not authenticate another.
	forged := notification(orderID, "ch-1", "PAID") + " "
	code, _ = e.do(t, http.MethodPost, "/webhook", forged,
		payment.AuthenticityHeader, payment.SignNotification(token, []byte(body)))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = e.do(t, http.MethodPost, "/webhook", body,
		payment.AuthenticityHeader, payment.SignNotification("other-token", []byte(body)))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, out := e.do(t, http.MethodGet, "/tickets/ch-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "awaiting_payment", out["stage"])

	code, out = e.do(t, http.MethodPost, "/webhook", body,
		payment.AuthenticityHeader, payment.SignNotification(token, []byte(body)))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "awaiting_delivery", out["stage"])
}

func TestSetValue_OutOfRange(t *testing.T) {
	e := newEnv(t, WebhookAuth{})
	e.open(t)
	e.mustAct(t, "alice", "role_buyer")
	e.mustAct(t, "bob", "role_seller")
	e.mustAct(t, "alice", "confirm_roles")
	e.mustAct(t, "bob", "confirm_roles")

	for _, amount := range []string{"100000000000000000000", "92233720368547758.08"} {
		code, out := e.act(t, "bob", "set_value", "amount", amount)
		assert.Equal(t, http.StatusBadRequest, code, amount)
		assert.Contains(t, out["error"], "invalid amount", amount)
	}
}

func TestCancel(t *testing.T) {
	e := newEnv(t, WebhookAuth{})
	e.open(t)

	code, out := e.do(t, http.MethodPost, "/tickets/ch-1/cancel", map[string]string{"reason": "abandoned"})
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "cancelled", out["ticket"].(map[string]any)["stage"])
	assert.Equal(t, []any{}, out["ticket"].(map[string]any)["actions"])

	code, _ = e.do(t, http.MethodPost, "/tickets/ch-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, out = e.do(t, http.MethodDelete, "/tickets/ch-1/cleanup", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, out["cancelled"])
}

func TestStatusOf(t *testing.T) {
	cases := map[error]int{
		errs.ErrTicketNotFound:    http.StatusNotFound,
		errs.ErrNotSeller:         http.StatusForbidden,
		errs.ErrOperationInFlight: http.StatusConflict,
		errs.ErrConflict:          http.StatusConflict,
		errs.ErrInvalidSettlement: http.StatusBadRequest,
		errs.ErrMissingPayoutKey:  http.StatusBadRequest,
		&errs.ProviderError{Op: "charge", Status: 400, Err: errs.ErrProvider}: http.StatusBadGateway,
		errors.New("boom"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusOf(fmt.Errorf("op: %w", err)), err.Error())
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t, WebhookAuth{})
	code, out := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "escrow-service", out["service"])
}

func TestReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ok", Ready(nil))
	r.GET("/down", Ready(func(context.Context) error { return errors.New("db down") }))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/down", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "db down")
}
