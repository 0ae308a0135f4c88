package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type FaultKind string

const (
	// level quantity went below zero on remove, the level is clamped and dropped
	FaultLevelUnderflow FaultKind = "level_underflow"
	// an indexed order points at a level that no longer exists
	FaultMissingLevel FaultKind = "missing_level"
	// non-positive price or quantity on add, the order is skipped
	FaultInvalidOrder FaultKind = "invalid_order"
)

// ConsistencyFault describes a book mutation that could not be applied as
// given. Faults are absorbed by the book and only reported.
type ConsistencyFault struct {
	Kind     FaultKind
	Symbol   string
	OrderID  string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

func (f ConsistencyFault) Error() string {
	return fmt.Sprintf("%s: %s %s order %s at %s (quantity %s)",
		f.Kind, f.Symbol, f.Side, f.OrderID, f.Price, f.Quantity)
}
