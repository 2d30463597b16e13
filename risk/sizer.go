// Package risk is the Sizer component of §4.2: it turns a leader
// quantity into a follower quantity under one of three configured
// strategies, then clamps the result to the lot size and the follower's
// position cap.
//
// Grounded on the teacher's risk/sizing.go (a Sizer struct holding
// decimal.Decimal parameters with a pure Calculate method) and on
// original_source's position_sizer.py, which drives the same
// capital-proportional / fixed-ratio / risk-based selection this
// package implements.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/types"
)

// Strategy selects which formula Calculate uses.
type Strategy string

const (
	CapitalProportional Strategy = "capital_proportional"
	FixedRatio           Strategy = "fixed_ratio"
	RiskBased            Strategy = "risk_based"
)

// Config holds the Sizer's tunables, all sourced from configuration.
type Config struct {
	Strategy       Strategy
	CopyRatio      decimal.Decimal // used by FixedRatio
	MaxPositionPct decimal.Decimal // cap: follower position value / follower available
	MaxPositionVal decimal.Decimal // used by RiskBased: max_position_value
}

// Sizer computes follower quantities. It holds no mutable state of its
// own beyond the funds cache — Calculate is pure given its inputs, as
// required by §8's round-trip law.
type Sizer struct {
	cfg   Config
	funds *FundsCache
}

// NewSizer builds a Sizer around a funds cache the caller refreshes.
func NewSizer(cfg Config, funds *FundsCache) *Sizer {
	return &Sizer{cfg: cfg, funds: funds}
}

// Snapshot returns the cached funds view for a role, refreshing it first
// if its TTL has lapsed. The Replicator calls this once per role before
// Calculate and Validate so both see the same snapshot for one decision.
func (s *Sizer) Snapshot(role types.AccountRole) types.FundsSnapshot {
	return s.funds.Get(role)
}

// Result is the outcome of a sizing calculation, carrying enough detail
// for the correspondence map row (capital ratio, sizing tag).
type Result struct {
	FollowerQty  decimal.Decimal
	CapitalRatio decimal.Decimal
	StrategyTag  Strategy
}

// Calculate computes the follower quantity for a leader order on an
// instrument, given the current funds snapshots. Pure: equal inputs
// yield equal outputs (§8).
func (s *Sizer) Calculate(leaderQty decimal.Decimal, instrument types.Instrument, premium decimal.Decimal, leader, follower types.FundsSnapshot) Result {
	strategy := s.cfg.Strategy

	raw, ratio := s.rawQuantity(strategy, leaderQty, instrument, premium, leader, follower)

	lotSize := decimal.NewFromInt(instrument.LotSize)
	if lotSize.IsZero() {
		lotSize = decimal.NewFromInt(1)
	}

	rounded := roundToLots(raw, lotSize)
	if rounded.IsZero() && raw.GreaterThan(decimal.Zero) {
		rounded = lotSize // one-lot floor, subject to the cap below
	}

	capped := s.applyCap(rounded, instrument, premium, lotSize, follower)

	return Result{FollowerQty: capped, CapitalRatio: ratio, StrategyTag: strategy}
}

// rawQuantity dispatches to the selected formula, falling back to
// capital-proportional wherever the chosen strategy's inputs are
// unavailable, per §4.2.
func (s *Sizer) rawQuantity(strategy Strategy, leaderQty decimal.Decimal, instrument types.Instrument, premium decimal.Decimal, leader, follower types.FundsSnapshot) (decimal.Decimal, decimal.Decimal) {
	switch strategy {
	case FixedRatio:
		if s.cfg.CopyRatio.IsZero() {
			return s.capitalProportional(leaderQty, leader, follower)
		}
		return leaderQty.Mul(s.cfg.CopyRatio), s.cfg.CopyRatio

	case RiskBased:
		if premium.IsZero() || instrument.LotSize == 0 {
			return s.capitalProportional(leaderQty, leader, follower)
		}
		lotSize := decimal.NewFromInt(instrument.LotSize)
		leaderLots := leaderQty.Div(lotSize).Floor()
		maxLots := s.cfg.MaxPositionVal.Div(premium.Mul(lotSize)).Floor()
		lots := leaderLots
		if maxLots.LessThan(lots) {
			lots = maxLots
		}
		if lots.LessThan(decimal.Zero) {
			lots = decimal.Zero
		}
		qty := lots.Mul(lotSize)
		ratio := decimal.Zero
		if !leader.Available.IsZero() {
			ratio = follower.Available.Div(leader.Available)
		}
		return qty, ratio

	default: // CapitalProportional
		return s.capitalProportional(leaderQty, leader, follower)
	}
}

func (s *Sizer) capitalProportional(leaderQty decimal.Decimal, leader, follower types.FundsSnapshot) (decimal.Decimal, decimal.Decimal) {
	if leader.Available.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	ratio := follower.Available.Div(leader.Available)
	return leaderQty.Mul(ratio), ratio
}

// roundToLots floors raw to the nearest lot multiple.
func roundToLots(raw, lotSize decimal.Decimal) decimal.Decimal {
	if lotSize.IsZero() {
		return raw
	}
	return raw.Div(lotSize).Floor().Mul(lotSize)
}

// applyCap enforces that the follower position value never exceeds
// max_position_pct * follower_available, reducing to the largest lot
// multiple that fits, or zero if none fits.
func (s *Sizer) applyCap(qty decimal.Decimal, instrument types.Instrument, premium decimal.Decimal, lotSize decimal.Decimal, follower types.FundsSnapshot) decimal.Decimal {
	if qty.IsZero() {
		return qty
	}
	unitPrice := premium
	if unitPrice.IsZero() {
		unitPrice = instrument.TickSize // best-effort valuation floor when no premium is known
	}
	if unitPrice.IsZero() || s.cfg.MaxPositionPct.IsZero() {
		return qty
	}

	maxValue := s.cfg.MaxPositionPct.Mul(follower.Available)
	value := qty.Mul(unitPrice)
	if value.LessThanOrEqual(maxValue) {
		return qty
	}

	maxQty := maxValue.Div(unitPrice)
	fitted := roundToLots(maxQty, lotSize)
	return fitted
}

// DisclosedQty computes the proportional disclosed quantity per §4.4
// step 6: floor(follower_qty * disclosed_leader / leader_qty), clamped
// to [one lot if leader disclosed > 0, follower_qty].
func DisclosedQty(followerQty, leaderQty, leaderDisclosed, lotSize decimal.Decimal) decimal.Decimal {
	if leaderDisclosed.IsZero() || leaderQty.IsZero() {
		return decimal.Zero
	}
	proportional := followerQty.Mul(leaderDisclosed).Div(leaderQty).Floor()

	if proportional.LessThan(lotSize) && lotSize.GreaterThan(decimal.Zero) {
		proportional = lotSize
	}
	if proportional.GreaterThan(followerQty) {
		proportional = followerQty
	}
	return proportional
}
