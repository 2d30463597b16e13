// Package types holds the shared domain vocabulary for the replication
// pipeline: account roles, order lifecycle, and the leg/product kinds a
// broker order can carry. Kept separate from storage and core so neither
// package has to import the other just to talk about an order.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountRole distinguishes the leader (source) from the follower
// (destination) account in a mirrored pair.
type AccountRole string

const (
	RoleLeader   AccountRole = "leader"
	RoleFollower AccountRole = "follower"
)

// Side is the buy/sell direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Product identifies the broker product an order was placed under.
type Product string

const (
	ProductCash     Product = "cash"
	ProductIntraday Product = "intraday"
	ProductMargin   Product = "margin"
	ProductCover    Product = "cover"
	ProductBracket  Product = "bracket"
)

// OrderKind is the order type: market, limit, stop, stop-market.
type OrderKind string

const (
	KindMarket     OrderKind = "market"
	KindLimit      OrderKind = "limit"
	KindStop       OrderKind = "stop"
	KindStopMarket OrderKind = "stop-market"
)

// Validity is the order's time-in-force.
type Validity string

const (
	ValidityDay  Validity = "DAY"
	ValidityIOC  Validity = "IOC"
	ValidityGTD  Validity = "GTD"
)

// Status is the order lifecycle status as reported by the broker.
type Status string

const (
	StatusPending   Status = "pending"
	StatusTransit   Status = "transit"
	StatusOpen      Status = "open"
	StatusModified  Status = "modified"
	StatusPartial   Status = "partial"
	StatusTraded    Status = "traded"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether a status is a lifecycle end-state.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// LegKind tags one leg of a cover/bracket order.
type LegKind string

const (
	LegEntry  LegKind = "entry"
	LegTarget LegKind = "target"
	LegStop   LegKind = "stop"
)

// Instrument identifies a tradable security on an exchange segment.
type Instrument struct {
	SecurityID      string
	ExchangeSegment string
	Symbol          string
	LotSize         int64
	TickSize        decimal.Decimal
	FreezeLimit     decimal.Decimal // exchange-imposed max quantity per single order, 0 = unbounded
	Kind            string // equity, future, option
	OptionType      string // CE, PE, ""
	Strike          decimal.Decimal
	Expiry          time.Time
	Underlying      string
}

// Order is the in-memory view of a broker order, mirroring storage.Order
// without the gorm tags — the shape core and execution pass around.
type Order struct {
	ID               string
	Role             AccountRole
	Side             Side
	Product          Product
	Kind             OrderKind
	Validity         Validity
	Instrument       Instrument
	RequestedQty     decimal.Decimal
	DisclosedQty     decimal.Decimal
	Price            decimal.Decimal
	TriggerPrice     decimal.Decimal
	Status           Status
	FilledQty        decimal.Decimal
	AvgFillPrice     decimal.Decimal
	StopLossValue    decimal.Decimal
	ProfitTarget     decimal.Decimal
	LegKind          LegKind
	ParentID         string
	SliceGroupID     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      time.Time
}

// IsBracketOrCover reports whether the order carries cover/bracket legs.
func (o Order) IsBracketOrCover() bool {
	return o.Product == ProductCover || o.Product == ProductBracket
}

// FundsSnapshot is a cached view of one account's available margin.
type FundsSnapshot struct {
	Role        AccountRole
	Available   decimal.Decimal
	Utilized    decimal.Decimal
	Collateral  decimal.Decimal
	CapturedAt  time.Time
	TTL         time.Duration
	Stale       bool
}

// Expired reports whether the snapshot is older than its TTL.
func (f FundsSnapshot) Expired(now time.Time) bool {
	return now.Sub(f.CapturedAt) > f.TTL
}
