package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency is the token metadata returned by returnCurrencies. Wire
// quantities are integers scaled by 10^Decimals.
type Currency struct {
	Symbol   string `json:"-"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Decimals *int32 `json:"decimals,omitempty"`
}

// ParseQuantity converts a wire quantity into token units. Without decimal
// metadata the quantity is returned as is.
func (c *Currency) ParseQuantity(raw string) (decimal.Decimal, error) {
	q, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid quantity %q: %w", c.Symbol, raw, err)
	}
	if c.Decimals == nil {
		return q, nil
	}
	return q.Shift(-*c.Decimals), nil
}

// ToWireQuantity converts token units into the integer wire representation.
func (c *Currency) ToWireQuantity(q decimal.Decimal) string {
	if c.Decimals == nil {
		return q.String()
	}
	return q.Shift(*c.Decimals).RoundBank(0).String()
}
