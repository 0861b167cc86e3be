package machine

import (
	"github.com/psds-microservice/escrow-service/internal/gate"
	"github.com/psds-microservice/escrow-service/internal/model"
	"github.com/psds-microservice/escrow-service/internal/money"
)

// GateView describes the gate open at the ticket's current stage.
type GateView struct {
	Name      GateName `json:"name"`
	Required  []string `json:"required"`
	Confirmed []string `json:"confirmed"`
	Missing   []string `json:"missing"`
}

// CurrentGate returns the open gate, if the current stage has one.
func CurrentGate(t *model.Ticket) (GateView, bool) {
	var name GateName
	switch t.Stage {
	case model.StageAwaitingRoleConfirmation:
		name = GateRoles
	case model.StageAwaitingValueConfirmation:
		name = GateValue
	case model.StageAwaitingFinalConfirmation:
		name = GateFinal
	case model.StageAwaitingDelivery:
		name = GateDelivery
	default:
		return GateView{}, false
	}
	if !t.RolesAssigned() {
		return GateView{}, false
	}
	required := []string{*t.BuyerID, *t.SellerID}
	if name == GateDelivery {
		required = []string{*t.BuyerID}
	}
	g := gate.New(t.PendingConfirmations, required...)
	missing := g.Missing()
	if missing == nil {
		missing = []string{}
	}
	return GateView{
		Name:      name,
		Required:  required,
		Confirmed: g.Confirmed.Members(),
		Missing:   missing,
	}, true
}

// Settlement previews the amounts for a ticket with a value and fee payer.
type Settlement struct {
	ItemValue  money.Amount `json:"item_value"`
	Fee        money.Amount `json:"fee"`
	FeePayer   money.Payer  `json:"fee_payer"`
	BuyerTotal money.Amount `json:"buyer_total"`
	SellerNet  money.Amount `json:"seller_net"`
	Valid      bool         `json:"valid"`
}

// Settlement returns nil until both the value and the fee payer are known.
func (m *Machine) Settlement(t *model.Ticket) *Settlement {
	if t.ItemValue == nil || t.FeePayer == nil {
		return nil
	}
	buyer, seller, err := money.ComputeSettlement(*t.ItemValue, m.cfg.Fee, *t.FeePayer)
	if err != nil {
		// Still show what the buyer would be charged; an unrepresentable total stays zero.
		buyer, _ = money.BuyerTotal(*t.ItemValue, m.cfg.Fee, *t.FeePayer)
		seller, _ = t.ItemValue.Sub(m.cfg.Fee)
	}
	return &Settlement{
		ItemValue:  *t.ItemValue,
		Fee:        m.cfg.Fee,
		FeePayer:   *t.FeePayer,
		BuyerTotal: buyer,
		SellerNet:  seller,
		Valid:      err == nil,
	}
}
