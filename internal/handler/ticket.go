package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/psds-microservice/escrow-service/internal/action"
	"github.com/psds-microservice/escrow-service/internal/machine"
	"github.com/psds-microservice/escrow-service/internal/model"
	"github.com/psds-microservice/escrow-service/internal/money"
	"github.com/psds-microservice/escrow-service/internal/payment"
	"github.com/psds-microservice/escrow-service/internal/store"
)

const maxListLimit = 100

type TicketHandler struct {
	m      *machine.Machine
	router *action.Router
	log    *zap.Logger
}

func NewTicketHandler(m *machine.Machine, router *action.Router, log *zap.Logger) *TicketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TicketHandler{m: m, router: router, log: log}
}

// ticketView is a ticket with what a participant needs to render it.
type ticketView struct {
	*model.Ticket
	Gate       *machine.GateView   `json:"gate,omitempty"`
	Settlement *machine.Settlement `json:"settlement,omitempty"`
	Actions    []string            `json:"actions"`
}

func (h *TicketHandler) view(t *model.Ticket) ticketView {
	v := ticketView{
		Ticket:     t,
		Settlement: h.m.Settlement(t),
		Actions:    action.Available(t.Stage),
	}
	if g, ok := machine.CurrentGate(t); ok {
		v.Gate = &g
	}
	if v.Actions == nil {
		v.Actions = []string{}
	}
	return v
}

type resultView struct {
	Ticket           ticketView              `json:"ticket"`
	From             model.Stage             `json:"from"`
	Advanced         bool                    `json:"advanced"`
	Charge           *payment.ChargeResult   `json:"charge,omitempty"`
	Transfer         *payment.TransferResult `json:"transfer,omitempty"`
	PayoutKeyMissing bool                    `json:"payout_key_missing,omitempty"`
	DeleteAt         *time.Time              `json:"delete_at,omitempty"`
}

func (h *TicketHandler) result(res *machine.Result) resultView {
	return resultView{
		Ticket:           h.view(res.Ticket),
		From:             res.From,
		Advanced:         res.Advanced(),
		Charge:           res.Charge,
		Transfer:         res.Transfer,
		PayoutKeyMissing: res.PayoutKeyMissing,
		DeleteAt:         res.DeleteAt,
	}
}

type createTicketRequest struct {
	TicketID       string `json:"ticket_id" binding:"required"`
	CreatorID      string `json:"creator_id" binding:"required"`
	CounterpartyID string `json:"counterparty_id" binding:"required"`
}

func (h *TicketHandler) Create(c *gin.Context) {
	var req createTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	t, err := h.m.Open(c.Request.Context(), req.TicketID, req.CreatorID, req.CounterpartyID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.view(t))
}

func (h *TicketHandler) Get(c *gin.Context) {
	t, err := h.m.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(t))
}

func (h *TicketHandler) List(c *gin.Context) {
	f := store.Filter{
		Stage:       model.Stage(c.Query("stage")),
		Participant: c.Query("participant"),
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			f.Limit = min(parsed, maxListLimit)
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			f.Offset = parsed
		}
	}
	items, total, err := h.m.List(c.Request.Context(), f)
	if err != nil {
		h.log.Error("list tickets", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tickets"})
		return
	}
	views := make([]ticketView, len(items))
	for i, t := range items {
		views[i] = h.view(t)
	}
	c.JSON(http.StatusOK, gin.H{
		"tickets": views,
		"total":   total,
	})
}

type actionRequest struct {
	Action  string `json:"action" binding:"required"`
	ActorID string `json:"actor_id" binding:"required"`
	// Amount is a decimal string such as "100.00", used by set_value.
	Amount    string `json:"amount"`
	PayoutKey string `json:"payout_key"`
}

// Action applies one participant action to the ticket.
func (h *TicketHandler) Action(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	kind, err := action.ParseKind(req.Action)
	if err != nil {
		writeError(c, err)
		return
	}
	a := action.Action{
		Kind:      kind,
		TicketID:  c.Param("id"),
		ActorID:   req.ActorID,
		PayoutKey: req.PayoutKey,
	}
	if kind == action.SetValue {
		if a.Amount, err = money.Parse(req.Amount); err != nil {
			writeError(c, err)
			return
		}
	}
	res, err := h.router.Dispatch(c.Request.Context(), a)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.result(res))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel is an operator action; it is not offered to participants.
func (h *TicketHandler) Cancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	res, err := h.m.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.result(res))
}

func (h *TicketHandler) CancelCleanup(c *gin.Context) {
	cancelled, err := h.m.CancelCleanup(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}
