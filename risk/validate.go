package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/errkind"
	"github.com/web3guy0/polybot/types"
)

// Validate checks a sized order against the follower's current funds
// snapshot before it reaches the Dispatcher, grounded on the teacher's
// risk/gate.go pre-trade gate and on original_source's margin checks in
// the position sizer. It never mutates the snapshot — callers must pull
// a fresh one from the FundsCache first.
//
// A price of zero is only valid on a market order, which prices at the
// prevailing quote rather than a submitted limit; any other kind with a
// zero price is a malformed replication candidate and is rejected here
// rather than passed on to the broker.
func (s *Sizer) Validate(qty decimal.Decimal, instrument types.Instrument, premium decimal.Decimal, follower types.FundsSnapshot, kind types.OrderKind, price decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) {
		return errkind.New(errkind.Sizing, "sized quantity is zero or negative")
	}

	if price.IsZero() && kind != types.KindMarket {
		return errkind.New(errkind.Validation, "zero price is only valid on a market order")
	}

	if follower.Stale {
		return errkind.New(errkind.InsufficientFund, "follower funds snapshot is stale")
	}

	unitPrice := premium
	if unitPrice.IsZero() {
		unitPrice = instrument.TickSize
	}
	if unitPrice.IsZero() {
		return nil // no price reference available, nothing to validate against
	}

	required := qty.Mul(unitPrice)
	if required.GreaterThan(follower.Available) {
		return errkind.New(errkind.InsufficientFund, "required margin exceeds available funds")
	}

	return nil
}
