// Package money implements fixed-point currency arithmetic for escrow settlements.
//
// Amounts are integer minor units (centavos). Decimal parsing and display go through
// shopspring/decimal so no float ever touches a stored value.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for non-positive amounts, sub-cent precision, out-of-range values
// and negative settlements.
var ErrInvalidAmount = errors.New("invalid amount")

// minorUnitPlaces is the number of decimal places in one major unit.
const minorUnitPlaces = 2

// MaxAmount is the largest magnitude an Amount may hold (R$ 99.999.999.999,99).
// Sums and differences of two in-range amounts always fit in an int64.
const MaxAmount Amount = 99_999_999_999_99

var maxDecimal = decimal.New(int64(MaxAmount), 0)

// Amount is a currency value in minor units.
type Amount int64

// Payer identifies which participant absorbs the service fee.
type Payer string

const (
	PayerBuyer  Payer = "buyer"
	PayerSeller Payer = "seller"
)

// Valid reports whether p is a known payer.
func (p Payer) Valid() bool {
	return p == PayerBuyer || p == PayerSeller
}

// Parse reads a decimal string such as "50.00" or "19,9".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.Replace(strings.TrimSpace(s), ",", ".", 1))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// FromDecimal converts a decimal major-unit value. More than two decimal places is rejected,
// as is any value beyond MaxAmount.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	minor := d.Shift(minorUnitPlaces)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: %s has sub-cent precision", ErrInvalidAmount, d.String())
	}
	if minor.Abs().GreaterThan(maxDecimal) {
		return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidAmount, d.String())
	}
	return Amount(minor.IntPart()), nil
}

// InRange reports whether |a| <= MaxAmount.
func (a Amount) InRange() bool { return a >= -MaxAmount && a <= MaxAmount }

// Add returns a+b, failing when either operand or the result leaves the valid range.
func (a Amount) Add(b Amount) (Amount, error) {
	if !a.InRange() || !b.InRange() {
		return 0, fmt.Errorf("%w: %d + %d is out of range", ErrInvalidAmount, a, b)
	}
	sum := a + b
	if !sum.InRange() {
		return 0, fmt.Errorf("%w: %s + %s is out of range", ErrInvalidAmount, a, b)
	}
	return sum, nil
}

// Sub returns a-b under the same range rules as Add.
func (a Amount) Sub(b Amount) (Amount, error) {
	if !b.InRange() {
		return 0, fmt.Errorf("%w: %d is out of range", ErrInvalidAmount, b)
	}
	return a.Add(-b)
}

// Positive reports whether a > 0.
func (a Amount) Positive() bool { return a > 0 }

// Decimal returns the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -minorUnitPlaces)
}

// String formats the amount as "105.00".
func (a Amount) String() string {
	return a.Decimal().StringFixed(minorUnitPlaces)
}

// Display formats the amount the way participants read it: "R$ 105,00".
func (a Amount) Display() string {
	return "R$ " + strings.Replace(a.String(), ".", ",", 1)
}

// BuyerTotal is what the buyer is charged for itemValue under the given fee payer.
// Unlike ComputeSettlement it does not care whether the seller nets anything.
func BuyerTotal(itemValue, fee Amount, payer Payer) (Amount, error) {
	if !itemValue.InRange() || !fee.InRange() {
		return 0, fmt.Errorf("%w: item value %d, fee %d", ErrInvalidAmount, itemValue, fee)
	}
	if payer == PayerBuyer {
		return itemValue.Add(fee)
	}
	return itemValue, nil
}

// ComputeSettlement splits itemValue and fee into the buyer's charge and the seller's payout.
// It fails with ErrInvalidAmount when the seller would receive nothing.
func ComputeSettlement(itemValue, fee Amount, payer Payer) (buyerTotal, sellerNet Amount, err error) {
	switch payer {
	case PayerBuyer:
		buyerTotal, err = itemValue.Add(fee)
		sellerNet = itemValue
	case PayerSeller:
		buyerTotal = itemValue
		sellerNet, err = itemValue.Sub(fee)
	default:
		return 0, 0, fmt.Errorf("%w: unknown fee payer %q", ErrInvalidAmount, payer)
	}
	if err != nil {
		return 0, 0, err
	}
	if !buyerTotal.InRange() {
		return 0, 0, fmt.Errorf("%w: buyer total %d", ErrInvalidAmount, buyerTotal)
	}
	if sellerNet <= 0 {
		return 0, 0, fmt.Errorf("%w: seller net %s", ErrInvalidAmount, sellerNet)
	}
	return buyerTotal, sellerNet, nil
}
