package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polybot/execution"
	"github.com/web3guy0/polybot/feeds"
	"github.com/web3guy0/polybot/risk"
	"github.com/web3guy0/polybot/storage"
	"github.com/web3guy0/polybot/types"
)

type fakeBroker struct {
	nextID    int
	placed    []types.Order
	cancelled []string
	modified  []string
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, o types.Order) (string, error) {
	f.nextID++
	f.placed = append(f.placed, o)
	return fmt.Sprintf("f-%d", f.nextID), nil
}

func (f *fakeBroker) PlaceSlicedOrder(ctx context.Context, o types.Order) ([]string, error) {
	id, _ := f.PlaceOrder(ctx, o)
	return []string{id}, nil
}

func (f *fakeBroker) ModifyOrder(ctx context.Context, orderID string, price, qty, trigger decimal.Decimal) error {
	f.modified = append(f.modified, orderID)
	return nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

type fakeInstruments struct {
	instrument types.Instrument
}

func (f *fakeInstruments) GetInstrument(ctx context.Context, securityID string) (types.Instrument, error) {
	return f.instrument, nil
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSizer(leaderAvail, followerAvail decimal.Decimal) *risk.Sizer {
	funds := risk.NewFundsCache(time.Minute, func(role types.AccountRole) (types.FundsSnapshot, error) {
		if role == types.RoleLeader {
			return types.FundsSnapshot{Role: role, Available: leaderAvail}, nil
		}
		return types.FundsSnapshot{Role: role, Available: followerAvail}, nil
	})
	return risk.NewSizer(risk.Config{Strategy: risk.CapitalProportional, MaxPositionPct: decimal.NewFromInt(1)}, funds)
}

func newTestReplicator(t *testing.T, broker *fakeBroker, sizer *risk.Sizer, instrument types.Instrument) (*Replicator, *storage.Store) {
	store := testStore(t)
	dispatcher := execution.NewDispatcher(broker, store, execution.NewLocalLimiter(1000), execution.Config{
		RateLimitPerSecond: 1000,
		Retry:              execution.RetryConfig{MaxAttempts: 1},
		CircuitThreshold:   100,
		CircuitSuccessNeed: 1,
		CircuitTimeout:     time.Millisecond,
	})
	r := NewReplicator(store, sizer, dispatcher, &fakeInstruments{instrument: instrument}, Config{EnableCopyTrading: true})
	return r, store
}

func stockInstrument() types.Instrument {
	return types.Instrument{SecurityID: "SEC1", ExchangeSegment: "NSE_EQ", LotSize: 1, TickSize: decimal.NewFromFloat(0.05)}
}

func newOrderEvent(id string, seq int64, status types.Status, qty decimal.Decimal) feeds.LeaderEvent {
	return feeds.LeaderEvent{
		OrderID:  id,
		Sequence: seq,
		Order: types.Order{
			ID:           id,
			Role:         types.RoleLeader,
			Side:         types.SideBuy,
			Product:      types.ProductIntraday,
			Kind:         types.KindLimit,
			Validity:     types.ValidityDay,
			Instrument:   types.Instrument{SecurityID: "SEC1", ExchangeSegment: "NSE_EQ"},
			RequestedQty: qty,
			DisclosedQty: qty,
			Price:        decimal.NewFromInt(100),
			Status:       status,
			UpdatedAt:    time.Now(),
		},
		Timestamp: time.Now(),
	}
}

func TestHandleNewOrderPlacesSingleAndRecordsMapping(t *testing.T) {
	broker := &fakeBroker{}
	sizer := testSizer(decimal.NewFromInt(1000), decimal.NewFromInt(500))
	r, store := newTestReplicator(t, broker, sizer, stockInstrument())

	evt := newOrderEvent("lead-1", 1, types.StatusOpen, decimal.NewFromInt(10))
	r.Handle(context.Background(), evt)

	require.Len(t, broker.placed, 1)
	assert.True(t, broker.placed[0].RequestedQty.Equal(decimal.NewFromInt(5))) // 500/1000 ratio

	mapping, err := store.GetMappingByLeader("lead-1")
	require.NoError(t, err)
	assert.Equal(t, mappingPlaced, mapping.Status)
	assert.NotEmpty(t, mapping.FollowerID)
}

func TestHandleNewOrderSkipsDispatchWhenCopyTradingDisabled(t *testing.T) {
	broker := &fakeBroker{}
	sizer := testSizer(decimal.NewFromInt(1000), decimal.NewFromInt(500))
	r, store := newTestReplicator(t, broker, sizer, stockInstrument())
	r.cfg.EnableCopyTrading = false

	evt := newOrderEvent("lead-1", 1, types.StatusOpen, decimal.NewFromInt(10))
	r.Handle(context.Background(), evt)

	assert.Empty(t, broker.placed)

	_, err := store.GetMappingByLeader("lead-1")
	assert.ErrorIs(t, err, storage.ErrNotFound) // no mapping decision was made at all

	order, err := store.GetOrder("lead-1")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusOpen), order.Status) // the leader order is still durably recorded

	watermark, err := store.GetWatermark()
	require.NoError(t, err)
	assert.True(t, watermark.Equal(evt.Timestamp))
}

func TestHandleNewOrderIdempotentWhenAlreadyPlaced(t *testing.T) {
	broker := &fakeBroker{}
	sizer := testSizer(decimal.NewFromInt(1000), decimal.NewFromInt(500))
	r, _ := newTestReplicator(t, broker, sizer, stockInstrument())

	evt := newOrderEvent("lead-1", 1, types.StatusOpen, decimal.NewFromInt(10))
	r.Handle(context.Background(), evt)
	r.Handle(context.Background(), evt)

	assert.Len(t, broker.placed, 1) // second delivery is a no-op replay
}

func TestHandleNewOrderFailsMappingWhenFollowerHasNoFunds(t *testing.T) {
	broker := &fakeBroker{}
	sizer := testSizer(decimal.NewFromInt(1000), decimal.Zero)
	r, store := newTestReplicator(t, broker, sizer, stockInstrument())

	evt := newOrderEvent("lead-1", 1, types.StatusOpen, decimal.NewFromInt(10))
	r.Handle(context.Background(), evt)

	assert.Empty(t, broker.placed)
	mapping, err := store.GetMappingByLeader("lead-1")
	require.NoError(t, err)
	assert.Equal(t, mappingFailed, mapping.Status)
	assert.NotEmpty(t, mapping.LastError)
}

// §8 boundary: a market order with no submitted price replicates
// normally; a limit order with no submitted price fails validation and
// is never sent to the broker.
func TestHandleNewOrderAcceptsZeroPriceMarketOrder(t *testing.T) {
	broker := &fakeBroker{}
	sizer := testSizer(decimal.NewFromInt(1000), decimal.NewFromInt(500))
	r, store := newTestReplicator(t, broker, sizer, stockInstrument())

	evt := newOrderEvent("lead-1", 1, types.StatusOpen, decimal.NewFromInt(10))
	evt.Order.Kind = types.KindMarket
	evt.Order.Price = decimal.Zero
	r.Handle(context.Background(), evt)

	require.Len(t, broker.placed, 1)
	mapping, err := store.GetMappingByLeader("lead-1")
	require.NoError(t, err)
	assert.Equal(t, mappingPlaced, mapping.Status)
}

func TestHandleNewOrderRejectsZeroPriceLimitOrder(t *testing.T) {
	broker := &fakeBroker{}
	sizer := testSizer(decimal.NewFromInt(1000), decimal.NewFromInt(500))
	r, store := newTestReplicator(t, broker, sizer, stockInstrument())

	evt := newOrderEvent("lead-1", 1, types.StatusOpen, decimal.NewFromInt(10))
	evt.Order.Kind = types.KindLimit
	evt.Order.Price = decimal.Zero
	r.Handle(context.Background(), evt)

	assert.Empty(t, broker.placed)
	mapping, err := store.GetMappingByLeader("lead-1")
	require.NoError(t, err)
	assert.Equal(t, mappingFailed, mapping.Status)
}

func TestHandleBracketOrderRecordsAllThreeLegs(t *testing.T) {
	broker := &fakeBroker{}
	sizer := testSizer(decimal.NewFromInt(1000), decimal.NewFromInt(1000))
	r, store := newTestReplicator(t, broker, sizer, stockInstrument())

	evt := newOrderEvent("lead-2", 1, types.StatusOpen, decimal.NewFromInt(10))
	evt.Order.Product = types.ProductBracket
	evt.Order.StopLossValue = decimal.NewFromInt(90)
	evt.Order.ProfitTarget = decimal.NewFromInt(120)
	r.Handle(context.Background(), evt)

	require.Len(t, broker.placed, 3)
	mapping, err := store.GetMappingByLeader("lead-2")
	require.NoError(t, err)
	require.NotEmpty(t, mapping.FollowerID)

	legs, err := store.ListLegs(mapping.FollowerID)
	require.NoError(t, err)
	assert.Len(t, legs, 3)
}

func TestHandleCancellationCancelsLegsThenParent(t *testing.T) {
	broker := &fakeBroker{}
	sizer := testSizer(decimal.NewFromInt(1000), decimal.NewFromInt(1000))
	r, store := newTestReplicator(t, broker, sizer, stockInstrument())

	entryEvt := newOrderEvent("lead-3", 1, types.StatusOpen, decimal.NewFromInt(10))
	entryEvt.Order.Product = types.ProductBracket
	entryEvt.Order.StopLossValue = decimal.NewFromInt(90)
	entryEvt.Order.ProfitTarget = decimal.NewFromInt(120)
	r.Handle(context.Background(), entryEvt)

	cancelEvt := newOrderEvent("lead-3", 2, types.StatusCancelled, decimal.NewFromInt(10))
	r.Handle(context.Background(), cancelEvt)

	mapping, err := store.GetMappingByLeader("lead-3")
	require.NoError(t, err)
	assert.Equal(t, mappingCancelled, mapping.Status)
	assert.GreaterOrEqual(t, len(broker.cancelled), 3) // entry (same id as parent), target and stop legs, then parent
}

func TestHandleExecutionCancelsSiblingLegOnTargetFill(t *testing.T) {
	broker := &fakeBroker{}
	sizer := testSizer(decimal.NewFromInt(1000), decimal.NewFromInt(1000))
	r, store := newTestReplicator(t, broker, sizer, stockInstrument())

	entryEvt := newOrderEvent("lead-4", 1, types.StatusOpen, decimal.NewFromInt(10))
	entryEvt.Order.Product = types.ProductBracket
	entryEvt.Order.StopLossValue = decimal.NewFromInt(90)
	entryEvt.Order.ProfitTarget = decimal.NewFromInt(120)
	r.Handle(context.Background(), entryEvt)

	mapping, err := store.GetMappingByLeader("lead-4")
	require.NoError(t, err)

	fillEvt := newOrderEvent("lead-4", 2, types.StatusExecuted, decimal.NewFromInt(10))
	fillEvt.Order.LegKind = types.LegTarget
	r.Handle(context.Background(), fillEvt)

	legs, err := store.ListLegs(mapping.FollowerID)
	require.NoError(t, err)

	var stopStatus string
	for _, leg := range legs {
		if leg.LegKind == string(types.LegStop) {
			stopStatus = leg.Status
		}
	}
	assert.Equal(t, string(types.StatusCancelled), stopStatus)
}

func TestHandleExecutionRecordsOcoAmbiguousWhenLegUnresolvable(t *testing.T) {
	broker := &fakeBroker{}
	sizer := testSizer(decimal.NewFromInt(1000), decimal.NewFromInt(1000))
	r, _ := newTestReplicator(t, broker, sizer, stockInstrument())

	// A cover order only ever has entry + stop legs, so an execution
	// tagged as the (nonexistent) target leg cannot be resolved.
	entryEvt := newOrderEvent("lead-5", 1, types.StatusOpen, decimal.NewFromInt(10))
	entryEvt.Order.Product = types.ProductCover
	entryEvt.Order.StopLossValue = decimal.NewFromInt(90)
	r.Handle(context.Background(), entryEvt)

	cancelledBefore := len(broker.cancelled)

	fillEvt := newOrderEvent("lead-5", 2, types.StatusExecuted, decimal.NewFromInt(10))
	fillEvt.Order.LegKind = types.LegTarget
	r.Handle(context.Background(), fillEvt)

	assert.Equal(t, cancelledBefore, len(broker.cancelled)) // ambiguous: no cancel issued
}

func TestHandleModificationResizesWhenLeaderQtyChanges(t *testing.T) {
	broker := &fakeBroker{}
	funds := risk.NewFundsCache(time.Minute, func(role types.AccountRole) (types.FundsSnapshot, error) {
		if role == types.RoleLeader {
			return types.FundsSnapshot{Role: role, Available: decimal.NewFromInt(1000)}, nil
		}
		return types.FundsSnapshot{Role: role, Available: decimal.NewFromInt(500)}, nil
	})
	sizer := risk.NewSizer(risk.Config{Strategy: risk.CapitalProportional}, funds) // no position cap: exercise pure resize math
	r, store := newTestReplicator(t, broker, sizer, stockInstrument())

	placeEvt := newOrderEvent("lead-6", 1, types.StatusOpen, decimal.NewFromInt(10))
	r.Handle(context.Background(), placeEvt)

	mapping, err := store.GetMappingByLeader("lead-6")
	require.NoError(t, err)

	follower, err := store.GetOrder(mapping.FollowerID)
	require.NoError(t, err)
	follower.Status = string(types.StatusOpen)
	require.NoError(t, store.PutOrder(follower))

	modEvt := newOrderEvent("lead-6", 2, types.StatusModified, decimal.NewFromInt(20))
	r.Handle(context.Background(), modEvt)

	assert.Len(t, broker.modified, 1)
	mapping, err = store.GetMappingByLeader("lead-6")
	require.NoError(t, err)
	assert.True(t, mapping.FollowerQty.Equal(decimal.NewFromInt(10))) // 500/1000 * 20
}
