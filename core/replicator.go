// Package core is the Replicator component of §4.4: the event-to-action
// state machine that classifies every normalized leader event,
// idempotency-gates it against the correspondence map, sizes it through
// the Sizer, dispatches the right broker command, and reconciles bracket
// OCO legs on execution.
//
// Grounded on the teacher's core/engine.go — a single goroutine draining
// one channel and driving side effects serially via processTick/
// executeSignal — generalized from tick-driven strategy signals to
// leader-order lifecycle events, with the correspondence map and OCO
// bookkeeping added since the teacher had neither.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/execution"
	"github.com/web3guy0/polybot/feeds"
	"github.com/web3guy0/polybot/internal/errkind"
	"github.com/web3guy0/polybot/risk"
	"github.com/web3guy0/polybot/storage"
	"github.com/web3guy0/polybot/types"
)

const (
	mappingPending   = "pending"
	mappingPlaced    = "placed"
	mappingFailed    = "failed"
	mappingCancelled = "cancelled"
)

// InstrumentSource loads instrument metadata (lot size, tick size, freeze
// limit). Declared at the consumer so the Replicator is testable without
// a live broker client.
type InstrumentSource interface {
	GetInstrument(ctx context.Context, securityID string) (types.Instrument, error)
}

// Config holds the Replicator's domain-filter and retry tunables.
type Config struct {
	// InstrumentFilter, when non-nil, restricts replication to instruments
	// it accepts (e.g. "options only"). A nil filter replicates everything.
	InstrumentFilter func(types.Instrument) bool
	// RetryFailedMappings permits re-attempting a leader order whose prior
	// mapping ended in failed, per §4.4 step 2.
	RetryFailedMappings bool
	// EnableCopyTrading is the soft kill switch from §6's
	// enable_copy_trading. When false, every event is still persisted and
	// journaled (the stream never silently drops events), but no follower
	// command is dispatched.
	EnableCopyTrading bool
}

// Replicator is the single consumer of the Stream Coordinator's event
// channel. One event is in flight at a time, preserving per-order-id
// sequence ordering per §5.
type Replicator struct {
	store       *storage.Store
	sizer       *risk.Sizer
	dispatcher  *execution.Dispatcher
	instruments InstrumentSource
	cfg         Config

	stopCh chan struct{}
	done   chan struct{}
}

// NewReplicator wires the Store, Sizer, Dispatcher and instrument source
// into one Replicator. No hidden globals: every dependency is passed in
// by the orchestrator's composition root.
func NewReplicator(store *storage.Store, sizer *risk.Sizer, dispatcher *execution.Dispatcher, instruments InstrumentSource, cfg Config) *Replicator {
	return &Replicator{
		store:       store,
		sizer:       sizer,
		dispatcher:  dispatcher,
		instruments: instruments,
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run drains events until ctx is cancelled, the channel closes, or Stop
// is called, processing exactly one event at a time.
func (r *Replicator) Run(ctx context.Context, events <-chan feeds.LeaderEvent) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ctx, evt)
		}
	}
}

// Stop signals Run to exit and waits for the in-flight event, if any, to
// finish committing. Events still buffered in the channel are not
// processed.
func (r *Replicator) Stop() {
	close(r.stopCh)
	<-r.done
}

// Handle classifies and processes a single leader event. Exported so
// tests can drive the state machine directly without going through the
// channel.
func (r *Replicator) Handle(ctx context.Context, evt feeds.LeaderEvent) {
	if err := r.store.PutOrder(toStorageOrder(evt.Order)); err != nil {
		log.Error().Err(err).Str("order_id", evt.OrderID).Msg("failed to persist leader order")
		return
	}

	switch evt.Order.Status {
	case types.StatusPending, types.StatusTransit, types.StatusOpen:
		if r.copyTradingEnabled(evt) {
			r.handleNewOrder(ctx, evt)
		}
	case types.StatusModified:
		if r.copyTradingEnabled(evt) {
			r.handleModification(ctx, evt)
		}
	case types.StatusCancelled:
		if r.copyTradingEnabled(evt) {
			r.handleCancellation(ctx, evt)
		}
	case types.StatusTraded, types.StatusExecuted, types.StatusPartial:
		if r.copyTradingEnabled(evt) {
			r.handleExecution(ctx, evt)
		}
	case types.StatusRejected:
		r.handleRejection(evt)
	default:
		log.Debug().Str("order_id", evt.OrderID).Str("status", string(evt.Order.Status)).Msg("ignoring unclassified leader status")
	}

	if err := r.store.AppendEvent(evt.OrderID, evt.Sequence, string(evt.Order.Status), string(evt.Raw), evt.Timestamp); err != nil {
		log.Warn().Err(err).Str("order_id", evt.OrderID).Msg("failed to append durable event")
	}
	if err := r.store.SetWatermark(evt.Timestamp); err != nil {
		log.Warn().Err(err).Msg("failed to advance watermark")
	}
}

// copyTradingEnabled is the soft kill switch gate from §6's
// enable_copy_trading, checked once per event before any dispatch. The
// leader order and event are already durably recorded by the time this
// runs, so disabling copy trading never drops an event — it only
// withholds the follower-side command.
func (r *Replicator) copyTradingEnabled(evt feeds.LeaderEvent) bool {
	if r.cfg.EnableCopyTrading {
		return true
	}
	log.Debug().Str("order_id", evt.OrderID).Msg("copy trading disabled, skipping dispatch")
	return false
}

// handleNewOrder implements §4.4's 8-step happy path.
func (r *Replicator) handleNewOrder(ctx context.Context, evt feeds.LeaderEvent) {
	leader := evt.Order

	if mapping, err := r.store.GetMappingByLeader(leader.ID); err == nil {
		switch mapping.Status {
		case mappingPlaced:
			return // idempotent replay: follower already placed
		case mappingFailed:
			if !r.cfg.RetryFailedMappings {
				return
			}
		default:
			return // pending (an earlier delivery is in flight) or cancelled: nothing to place
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Error().Err(err).Str("leader_id", leader.ID).Msg("failed to read correspondence map")
		return
	}

	instrument, err := r.loadInstrument(ctx, leader.Instrument.SecurityID)
	if err != nil {
		r.failMapping(leader, decimal.Zero, err)
		return
	}
	if r.cfg.InstrumentFilter != nil && !r.cfg.InstrumentFilter(instrument) {
		log.Debug().Str("security_id", instrument.SecurityID).Msg("instrument excluded by domain filter")
		return
	}

	leaderFunds := r.sizer.Snapshot(types.RoleLeader)
	followerFunds := r.sizer.Snapshot(types.RoleFollower)
	premium := referencePrice(leader)

	sized := r.sizer.Calculate(leader.RequestedQty, instrument, premium, leaderFunds, followerFunds)
	if sized.FollowerQty.IsZero() {
		r.failMapping(leader, sized.FollowerQty, errkind.New(errkind.Sizing, "sized follower quantity is zero"))
		return
	}
	if err := r.sizer.Validate(sized.FollowerQty, instrument, premium, followerFunds, leader.Kind, leader.Price); err != nil {
		r.failMapping(leader, sized.FollowerQty, err)
		return
	}

	lotSize := decimal.NewFromInt(instrument.LotSize)
	disclosed := risk.DisclosedQty(sized.FollowerQty, leader.RequestedQty, leader.DisclosedQty, lotSize)

	follower := leader
	follower.ID = uuid.NewString() // correlation id; replaced with the broker-assigned id on success
	follower.Role = types.RoleFollower
	follower.RequestedQty = sized.FollowerQty
	follower.DisclosedQty = disclosed
	follower.ParentID = ""
	follower.SliceGroupID = ""
	follower.Status = types.StatusPending
	follower.FilledQty = decimal.Zero
	follower.AvgFillPrice = decimal.Zero

	followerID, err := r.dispatchPlacement(ctx, follower, instrument)
	if err != nil {
		r.failMapping(leader, sized.FollowerQty, err)
		return
	}

	follower.ID = followerID
	if err := r.store.PutOrder(toStorageOrder(follower)); err != nil {
		log.Error().Err(err).Str("follower_id", followerID).Msg("failed to persist follower order")
	}

	if err := r.store.PutMapping(&storage.CopyMapping{
		LeaderID:     leader.ID,
		FollowerID:   followerID,
		LeaderQty:    leader.RequestedQty,
		FollowerQty:  sized.FollowerQty,
		SizingTag:    string(sized.StrategyTag),
		CapitalRatio: sized.CapitalRatio,
		Status:       mappingPlaced,
	}); err != nil {
		log.Error().Err(err).Str("leader_id", leader.ID).Msg("failed to persist placed mapping")
	}
}

// dispatchPlacement picks place_cover / place_bracket / place_sliced /
// place_single per §4.4 step 7 and records any resulting leg graph.
func (r *Replicator) dispatchPlacement(ctx context.Context, follower types.Order, instrument types.Instrument) (string, error) {
	switch {
	case follower.Product == types.ProductCover:
		if follower.StopLossValue.IsZero() {
			return "", errkind.New(errkind.Validation, "cover order missing stop-loss value")
		}
		entry, stop := follower, follower
		entry.LegKind, stop.LegKind = types.LegEntry, types.LegStop

		entryID, stopID, err := r.dispatcher.PlaceCover(ctx, entry, stop)
		r.recordLeg(entryID, types.LegEntry, entryID)
		r.recordLeg(entryID, types.LegStop, stopID)
		return entryID, err

	case follower.Product == types.ProductBracket:
		if follower.StopLossValue.IsZero() || follower.ProfitTarget.IsZero() {
			return "", errkind.New(errkind.Validation, "bracket order missing stop-loss or profit target")
		}
		entry, target, stop := follower, follower, follower
		entry.LegKind, target.LegKind, stop.LegKind = types.LegEntry, types.LegTarget, types.LegStop

		entryID, targetID, stopID, err := r.dispatcher.PlaceBracket(ctx, entry, target, stop)
		r.recordLeg(entryID, types.LegEntry, entryID)
		r.recordLeg(entryID, types.LegTarget, targetID)
		r.recordLeg(entryID, types.LegStop, stopID)
		return entryID, err

	case instrument.FreezeLimit.GreaterThan(decimal.Zero) && follower.RequestedQty.GreaterThan(instrument.FreezeLimit):
		ids, err := r.dispatcher.PlaceSliced(ctx, follower)
		if len(ids) == 0 {
			return "", err
		}
		return ids[0], err

	default:
		return r.dispatcher.PlaceSingle(ctx, follower)
	}
}

func (r *Replicator) recordLeg(parentID string, kind types.LegKind, legID string) {
	if parentID == "" || legID == "" {
		return
	}
	if err := r.store.PutLeg(parentID, string(kind), legID, string(types.StatusOpen)); err != nil {
		log.Warn().Err(err).Str("parent_id", parentID).Str("leg", string(kind)).Msg("failed to record bracket leg")
	}
}

func (r *Replicator) failMapping(leader types.Order, followerQty decimal.Decimal, reason error) {
	log.Warn().Err(reason).Str("leader_id", leader.ID).Msg("leader order not replicated")
	if err := r.store.PutMapping(&storage.CopyMapping{
		LeaderID:    leader.ID,
		LeaderQty:   leader.RequestedQty,
		FollowerQty: followerQty,
		Status:      mappingFailed,
		LastError:   reason.Error(),
	}); err != nil {
		log.Error().Err(err).Str("leader_id", leader.ID).Msg("failed to persist failed mapping")
	}
}

// handleModification resolves the follower id, requires it be in a
// modifiable state, resizes if the leader quantity changed, and emits
// a total-quantity modify per §4.4.
func (r *Replicator) handleModification(ctx context.Context, evt feeds.LeaderEvent) {
	leader := evt.Order
	mapping, err := r.store.GetMappingByLeader(leader.ID)
	if err != nil || mapping.FollowerID == "" {
		return
	}

	follower, err := r.store.GetOrder(mapping.FollowerID)
	if err != nil {
		log.Warn().Err(err).Str("follower_id", mapping.FollowerID).Msg("modification target not found")
		return
	}
	status := types.Status(follower.Status)
	if status != types.StatusPending && status != types.StatusOpen {
		return // not modifiable, ignore per §4.4
	}

	qty := mapping.FollowerQty
	if !leader.RequestedQty.Equal(mapping.LeaderQty) {
		instrument, instErr := r.loadInstrument(ctx, leader.Instrument.SecurityID)
		if instErr != nil {
			log.Warn().Err(instErr).Msg("failed to load instrument for modification resize, keeping prior quantity")
		} else {
			leaderFunds := r.sizer.Snapshot(types.RoleLeader)
			followerFunds := r.sizer.Snapshot(types.RoleFollower)
			sized := r.sizer.Calculate(leader.RequestedQty, instrument, referencePrice(leader), leaderFunds, followerFunds)
			qty = sized.FollowerQty
		}
	}

	if err := r.dispatcher.Modify(ctx, mapping.FollowerID, leader.Price, qty, leader.TriggerPrice); err != nil {
		log.Error().Err(err).Str("follower_id", mapping.FollowerID).Msg("modify failed")
		return
	}

	mapping.FollowerQty = qty
	mapping.LeaderQty = leader.RequestedQty
	if err := r.store.PutMapping(mapping); err != nil {
		log.Error().Err(err).Msg("failed to persist modification")
	}
}

// handleCancellation cancels any non-terminal bracket legs best-effort,
// then the follower order itself, per §4.4.
func (r *Replicator) handleCancellation(ctx context.Context, evt feeds.LeaderEvent) {
	leader := evt.Order
	mapping, err := r.store.GetMappingByLeader(leader.ID)
	if err != nil || mapping.FollowerID == "" || mapping.Status == mappingCancelled {
		return
	}

	if legs, legErr := r.store.ListLegs(mapping.FollowerID); legErr == nil {
		for _, leg := range legs {
			if types.Status(leg.Status).Terminal() {
				continue
			}
			if err := r.dispatcher.Cancel(ctx, leg.LegID); err != nil {
				log.Warn().Err(err).Str("leg_id", leg.LegID).Msg("best-effort leg cancel failed")
				continue
			}
			_ = r.store.UpdateLegStatus(leg.LegID, string(types.StatusCancelled))
		}
	}

	if err := r.dispatcher.Cancel(ctx, mapping.FollowerID); err != nil {
		log.Error().Err(err).Str("follower_id", mapping.FollowerID).Msg("cancel failed")
		return
	}

	mapping.Status = mappingCancelled
	if err := r.store.PutMapping(mapping); err != nil {
		log.Error().Err(err).Msg("failed to persist cancellation")
	}
}

// handleExecution persists the fill and, when the fired leg is a bracket
// target or stop, cancels every non-terminal sibling (OCO) per §4.4. An
// entry-leg fill marks only its own leg terminal; it never triggers OCO,
// since target/stop only arm once the entry has filled.
func (r *Replicator) handleExecution(ctx context.Context, evt feeds.LeaderEvent) {
	leader := evt.Order
	mapping, err := r.store.GetMappingByLeader(leader.ID)
	if err != nil || mapping.FollowerID == "" {
		return
	}

	if leader.LegKind == types.LegEntry {
		if legs, legErr := r.store.ListLegs(mapping.FollowerID); legErr == nil {
			if legID := resolveFiredLeg(legs, leader.LegKind); legID != "" {
				_ = r.store.UpdateLegStatus(legID, string(types.StatusExecuted))
			}
		}
		return
	}
	if leader.LegKind != types.LegTarget && leader.LegKind != types.LegStop {
		return // not a bracket/cover leg, no OCO action
	}

	legs, err := r.store.ListLegs(mapping.FollowerID)
	if err != nil {
		log.Warn().Err(err).Str("parent_id", mapping.FollowerID).Msg("failed to load leg graph for OCO")
		return
	}

	firedLegID := resolveFiredLeg(legs, leader.LegKind)
	if firedLegID == "" {
		log.Warn().Str("parent_id", mapping.FollowerID).Msg("oco-ambiguous: fired leg could not be resolved against the leg graph")
		_ = r.store.AppendAudit("oco-ambiguous", string(types.RoleFollower), mapping.FollowerID, "", "warning", 0,
			errkind.New(errkind.OCOAmbiguous, "fired leg tag matches no leg in the leg graph").Error())
		return
	}

	_ = r.store.UpdateLegStatus(firedLegID, string(types.StatusExecuted))

	for _, leg := range legs {
		if leg.LegID == firedLegID || types.Status(leg.Status).Terminal() {
			continue
		}
		if err := r.dispatcher.Cancel(ctx, leg.LegID); err != nil {
			log.Warn().Err(err).Str("leg_id", leg.LegID).Msg("OCO sibling cancel failed")
			continue
		}
		_ = r.store.UpdateLegStatus(leg.LegID, string(types.StatusCancelled))
	}
}

// resolveFiredLeg matches the leg-kind tag on the event against the leg
// graph; if no leg of that kind exists, the fired leg cannot be inferred
// and the caller records oco-ambiguous.
func resolveFiredLeg(legs []storage.BracketLeg, kind types.LegKind) string {
	for _, leg := range legs {
		if types.LegKind(leg.LegKind) == kind {
			return leg.LegID
		}
	}
	return ""
}

func (r *Replicator) handleRejection(evt feeds.LeaderEvent) {
	leader := evt.Order
	log.Warn().Str("leader_id", leader.ID).Msg("leader order rejected by broker, recording terminal failure")
	if err := r.store.PutMapping(&storage.CopyMapping{
		LeaderID:  leader.ID,
		LeaderQty: leader.RequestedQty,
		Status:    mappingFailed,
		LastError: "leader order rejected",
	}); err != nil {
		log.Error().Err(err).Str("leader_id", leader.ID).Msg("failed to persist rejection")
	}
}

func (r *Replicator) loadInstrument(ctx context.Context, securityID string) (types.Instrument, error) {
	if cached, err := r.store.GetInstrument(securityID); err == nil {
		return fromStorageInstrument(cached), nil
	}
	inst, err := r.instruments.GetInstrument(ctx, securityID)
	if err != nil {
		return types.Instrument{}, errkind.Wrap(errkind.Transient, "load instrument", err)
	}
	if err := r.store.PutInstrument(toStorageInstrument(inst)); err != nil {
		log.Warn().Err(err).Str("security_id", securityID).Msg("failed to cache instrument")
	}
	return inst, nil
}

// referencePrice picks the best available per-unit price for sizing and
// margin validation: the order's limit price, falling back to its
// average fill price for orders already partially executed.
func referencePrice(o types.Order) decimal.Decimal {
	if !o.Price.IsZero() {
		return o.Price
	}
	return o.AvgFillPrice
}

func toStorageOrder(o types.Order) *storage.Order {
	var completedAt *time.Time
	if !o.CompletedAt.IsZero() {
		t := o.CompletedAt
		completedAt = &t
	}
	return &storage.Order{
		ID:              o.ID,
		Role:            string(o.Role),
		Side:            string(o.Side),
		Product:         string(o.Product),
		Kind:            string(o.Kind),
		Validity:        string(o.Validity),
		SecurityID:      o.Instrument.SecurityID,
		ExchangeSegment: o.Instrument.ExchangeSegment,
		RequestedQty:    o.RequestedQty,
		DisclosedQty:    o.DisclosedQty,
		Price:           o.Price,
		TriggerPrice:    o.TriggerPrice,
		Status:          string(o.Status),
		FilledQty:       o.FilledQty,
		AvgFillPrice:    o.AvgFillPrice,
		StopLossValue:   o.StopLossValue,
		ProfitTarget:    o.ProfitTarget,
		LegKind:         string(o.LegKind),
		ParentID:        o.ParentID,
		SliceGroupID:    o.SliceGroupID,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		CompletedAt:     completedAt,
	}
}

func toStorageInstrument(i types.Instrument) *storage.Instrument {
	var expiry *time.Time
	if !i.Expiry.IsZero() {
		t := i.Expiry
		expiry = &t
	}
	return &storage.Instrument{
		SecurityID:      i.SecurityID,
		ExchangeSegment: i.ExchangeSegment,
		Symbol:          i.Symbol,
		LotSize:         i.LotSize,
		TickSize:        i.TickSize,
		FreezeLimit:     i.FreezeLimit,
		Kind:            i.Kind,
		OptionType:      i.OptionType,
		Strike:          i.Strike,
		Expiry:          expiry,
		Underlying:      i.Underlying,
	}
}

func fromStorageInstrument(i *storage.Instrument) types.Instrument {
	inst := types.Instrument{
		SecurityID:      i.SecurityID,
		ExchangeSegment: i.ExchangeSegment,
		Symbol:          i.Symbol,
		LotSize:         i.LotSize,
		TickSize:        i.TickSize,
		FreezeLimit:     i.FreezeLimit,
		Kind:            i.Kind,
		OptionType:      i.OptionType,
		Strike:          i.Strike,
		Underlying:      i.Underlying,
	}
	if i.Expiry != nil {
		inst.Expiry = *i.Expiry
	}
	return inst
}
