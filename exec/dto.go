package exec

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/types"
)

// orderPayload converts a domain Order into the broker's wire request
// shape for order placement.
func orderPayload(o types.Order) map[string]any {
	return map[string]any{
		"security_id":      o.Instrument.SecurityID,
		"exchange_segment":  o.Instrument.ExchangeSegment,
		"side":             string(o.Side),
		"product":          string(o.Product),
		"order_type":       string(o.Kind),
		"validity":         string(o.Validity),
		"quantity":         o.RequestedQty.String(),
		"disclosed_qty":    o.DisclosedQty.String(),
		"price":            o.Price.String(),
		"trigger_price":    o.TriggerPrice.String(),
		"stop_loss_value":  o.StopLossValue.String(),
		"profit_target":    o.ProfitTarget.String(),
		"parent_id":        o.ParentID,
		"leg_kind":         string(o.LegKind),
		"correlation_id":   o.ID,
	}
}

// orderDTO is the broker's wire shape for a single order.
type orderDTO struct {
	OrderID         string          `json:"order_id"`
	SecurityID      string          `json:"security_id"`
	ExchangeSegment string          `json:"exchange_segment"`
	Side            string          `json:"side"`
	Product         string          `json:"product"`
	OrderType       string          `json:"order_type"`
	Validity        string          `json:"validity"`
	Quantity        decimal.Decimal `json:"quantity"`
	DisclosedQty    decimal.Decimal `json:"disclosed_qty"`
	Price           decimal.Decimal `json:"price"`
	TriggerPrice    decimal.Decimal `json:"trigger_price"`
	Status          string          `json:"status"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	ParentID        string          `json:"parent_id"`
	LegKind         string          `json:"leg_kind"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (d orderDTO) toOrder() types.Order {
	return types.Order{
		ID:           d.OrderID,
		Side:         types.Side(d.Side),
		Product:      types.Product(d.Product),
		Kind:         types.OrderKind(d.OrderType),
		Validity:     types.Validity(d.Validity),
		Instrument:   types.Instrument{SecurityID: d.SecurityID, ExchangeSegment: d.ExchangeSegment},
		RequestedQty: d.Quantity,
		DisclosedQty: d.DisclosedQty,
		Price:        d.Price,
		TriggerPrice: d.TriggerPrice,
		Status:       types.Status(d.Status),
		FilledQty:    d.FilledQty,
		AvgFillPrice: d.AvgFillPrice,
		ParentID:     d.ParentID,
		LegKind:      types.LegKind(d.LegKind),
		UpdatedAt:    d.UpdatedAt,
	}
}

// instrumentDTO is the broker's wire shape for instrument metadata.
type instrumentDTO struct {
	SecurityID      string          `json:"security_id"`
	ExchangeSegment string          `json:"exchange_segment"`
	Symbol          string          `json:"symbol"`
	LotSize         int64           `json:"lot_size"`
	TickSize        decimal.Decimal `json:"tick_size"`
	FreezeLimit     decimal.Decimal `json:"freeze_limit"`
	Kind            string          `json:"kind"`
	OptionType      string          `json:"option_type"`
	Strike          decimal.Decimal `json:"strike"`
	Expiry          *time.Time      `json:"expiry"`
	Underlying      string          `json:"underlying"`
}

func (d instrumentDTO) toInstrument() types.Instrument {
	inst := types.Instrument{
		SecurityID:      d.SecurityID,
		ExchangeSegment: d.ExchangeSegment,
		Symbol:          d.Symbol,
		LotSize:         d.LotSize,
		TickSize:        d.TickSize,
		FreezeLimit:     d.FreezeLimit,
		Kind:            d.Kind,
		OptionType:      d.OptionType,
		Strike:          d.Strike,
		Underlying:      d.Underlying,
	}
	if d.Expiry != nil {
		inst.Expiry = *d.Expiry
	}
	return inst
}
