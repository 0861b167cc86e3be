package handler

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/psds-microservice/escrow-service/internal/errs"
	"github.com/psds-microservice/escrow-service/internal/machine"
	"github.com/psds-microservice/escrow-service/internal/payment"
)

const (
	WebhookSecretHeader = "X-Webhook-Secret"
	// WebhookSecretParam lets the secret ride in the notification URL, since PagBank
	// cannot send custom headers.
	WebhookSecretParam = "secret"
	maxWebhookBody     = 1 << 20
)

// WebhookAuth configures how notifications are authenticated. Every configured check must pass.
type WebhookAuth struct {
	// Token is the PagBank account token; when set, the x-authenticity-token signature is verified.
	Token string
	// Secret, when set, must arrive in the secret query parameter or the X-Webhook-Secret header.
	Secret string
}

// Enabled reports whether any check is configured.
func (a WebhookAuth) Enabled() bool { return a.Token != "" || a.Secret != "" }

// WebhookHandler turns PagBank order notifications into payment signals.
type WebhookHandler struct {
	m    *machine.Machine
	auth WebhookAuth
	log  *zap.Logger
}

// NewWebhookHandler returns a handler. With an empty auth every notification is accepted,
// which only development configurations allow.
func NewWebhookHandler(m *machine.Machine, auth WebhookAuth, log *zap.Logger) *WebhookHandler {
	if log == nil {
		log = zap.NewNop()
	}
	if !auth.Enabled() {
		log.Warn("webhook: notifications are not authenticated")
	}
	return &WebhookHandler{m: m, auth: auth, log: log}
}

func (h *WebhookHandler) PagBank(c *gin.Context) {
	if h.auth.Secret != "" && !h.secretMatches(c) {
		h.log.Warn("webhook: bad secret", zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if h.auth.Token != "" && !payment.VerifyNotification(h.auth.Token, body, c.GetHeader(payment.AuthenticityHeader)) {
		h.log.Warn("webhook: bad signature", zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid notification signature"})
		return
	}
	n, err := payment.ParseNotification(body)
	if err != nil {
		h.log.Warn("webhook: unparseable notification", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification"})
		return
	}
	if !n.Paid {
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored"})
		return
	}
	res, err := h.m.MarkPaid(c.Request.Context(), n.TicketID, n.OrderID)
	if err != nil {
		if errors.Is(err, errs.ErrPaymentMismatch) || errors.Is(err, errs.ErrTicketNotFound) {
			h.log.Warn("webhook: payment for unknown charge",
				zap.String("ticket_id", n.TicketID),
				zap.String("order_id", n.OrderID),
				zap.Error(err))
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "stage": res.Ticket.Stage})
}

func (h *WebhookHandler) secretMatches(c *gin.Context) bool {
	want := []byte(h.auth.Secret)
	for _, got := range []string{c.Query(WebhookSecretParam), c.GetHeader(WebhookSecretHeader)} {
		if got != "" && subtle.ConstantTimeCompare([]byte(got), want) == 1 {
			return true
		}
	}
	return false
}
