package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the persisted view of §3's Order entity. One row per broker
// order id, leader or follower side.
type Order struct {
	ID              string `gorm:"primaryKey"`
	Role            string `gorm:"index;not null"`
	Side            string `gorm:"not null"`
	Product         string `gorm:"not null"`
	Kind            string `gorm:"not null"`
	Validity        string
	SecurityID      string `gorm:"index"`
	ExchangeSegment string
	RequestedQty    decimal.Decimal `gorm:"type:decimal(20,6)"`
	DisclosedQty    decimal.Decimal `gorm:"type:decimal(20,6)"`
	Price           decimal.Decimal `gorm:"type:decimal(20,6)"`
	TriggerPrice    decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status          string          `gorm:"index;not null"`
	FilledQty       decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvgFillPrice    decimal.Decimal `gorm:"type:decimal(20,6)"`
	StopLossValue   decimal.Decimal `gorm:"type:decimal(20,6)"`
	ProfitTarget    decimal.Decimal `gorm:"type:decimal(20,6)"`
	LegKind         string
	ParentID        string `gorm:"index"`
	SliceGroupID    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// CopyMapping is the correspondence map: exactly one row per leader id.
type CopyMapping struct {
	LeaderID      string `gorm:"primaryKey;column:leader_id"`
	FollowerID    string `gorm:"column:follower_id;uniqueIndex"`
	LeaderQty     decimal.Decimal `gorm:"type:decimal(20,6)"`
	FollowerQty   decimal.Decimal `gorm:"type:decimal(20,6)"`
	SizingTag     string
	CapitalRatio  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Status        string          `gorm:"index;not null"`
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BracketLeg is one leg {entry,target,stop} of a bracket/cover parent.
type BracketLeg struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ParentID  string `gorm:"index;not null"`
	LegKind   string `gorm:"not null"`
	LegID     string `gorm:"index"`
	Status    string `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderEvent is one append-only entry in the durable event log.
type OrderEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	OrderID   string `gorm:"uniqueIndex:idx_order_seq;not null"`
	Sequence  int64  `gorm:"uniqueIndex:idx_order_seq;not null"`
	Kind      string `gorm:"not null"`
	Payload   string // raw JSON payload as received
	Timestamp time.Time
}

// Watermark is the single scalar last_leader_event_ts, stored as one row
// in the config key/value table under a well-known key.
type ConfigEntry struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

const watermarkKey = "last_leader_event_ts"

// AuditLog records every Dispatcher invocation for audit and debugging.
type AuditLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Action    string `gorm:"index;not null"`
	Role      string
	Request   string
	Response  string
	Status    string `gorm:"index"`
	DurationMs int64
	Error     string
	CreatedAt time.Time
}

// Trade is a single execution fill, kept for audit and reconciliation.
type Trade struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	OrderID   string `gorm:"index;not null"`
	Role      string
	Price     decimal.Decimal `gorm:"type:decimal(20,6)"`
	Qty       decimal.Decimal `gorm:"type:decimal(20,6)"`
	Timestamp time.Time
}

// Position is the aggregate open position per instrument/role, maintained
// for operator visibility — not consulted by the idempotency gate, which
// relies solely on CopyMapping.
type Position struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Role       string `gorm:"index;not null"`
	SecurityID string `gorm:"index;not null"`
	Qty        decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvgPrice   decimal.Decimal `gorm:"type:decimal(20,6)"`
	UpdatedAt  time.Time
}

// Funds is the persisted last-known funds snapshot per role, used to seed
// the Sizer's in-memory cache across restarts.
type Funds struct {
	Role       string `gorm:"primaryKey"`
	Available  decimal.Decimal `gorm:"type:decimal(20,6)"`
	Utilized   decimal.Decimal `gorm:"type:decimal(20,6)"`
	Collateral decimal.Decimal `gorm:"type:decimal(20,6)"`
	CapturedAt time.Time
}

// Instrument is the read-mostly instrument metadata cache.
type Instrument struct {
	SecurityID      string `gorm:"primaryKey"`
	ExchangeSegment string
	Symbol          string
	LotSize         int64
	TickSize        decimal.Decimal `gorm:"type:decimal(20,8)"`
	FreezeLimit     decimal.Decimal `gorm:"type:decimal(20,6)"`
	Kind            string
	OptionType      string
	Strike          decimal.Decimal `gorm:"type:decimal(20,6)"`
	Expiry          *time.Time
	Underlying      string
	UpdatedAt       time.Time
}

// AllModels lists every model AutoMigrate must create.
func AllModels() []any {
	return []any{
		&Order{}, &CopyMapping{}, &BracketLeg{}, &OrderEvent{},
		&ConfigEntry{}, &AuditLog{}, &Trade{}, &Position{}, &Funds{},
		&Instrument{},
	}
}
