// Package feeds is the Stream Coordinator component of §4.5: it holds
// the live connection to the leader account's order stream, assigns a
// coordinator-side monotonic sequence number to every event, and reads
// the persisted watermark to recover any gap opened by a disconnect
// before handing events to the Replicator.
//
// Grounded on the teacher's feeds/polymarket_ws.go — the same
// connectionLoop/readLoop/pingLoop shape and subscriber fan-out — with
// the fixed reconnectDelay generalized to capped exponential backoff and
// a five-state machine (disconnected/connecting/live/degraded/reconnecting)
// replacing the teacher's plain connected bool, and gap recovery added
// on top since the teacher's feed had no durability layer to catch up
// against.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/storage"
	"github.com/web3guy0/polybot/types"
)

// State is one stage of the coordinator's connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateLive         State = "live"
	StateDegraded     State = "degraded" // connected but heartbeat is late
	StateReconnecting State = "reconnecting"
	StateExhausted    State = "exhausted" // gave up after maxReconnectAttempts, fatal
)

// LeaderEvent is one normalized event off the leader's order stream,
// with a coordinator-assigned sequence number that the durable event
// log's (order_id, sequence) dedup keys off.
type LeaderEvent struct {
	OrderID   string
	Sequence  int64
	Kind      string
	Order     types.Order
	Raw       json.RawMessage
	Timestamp time.Time
}

// GapRecoverer fetches the leader's current order list, used to replay
// any activity the coordinator missed while disconnected.
type GapRecoverer interface {
	ListOrders(ctx context.Context) ([]types.Order, error)
}

// Coordinator owns the leader stream connection.
type Coordinator struct {
	mu sync.RWMutex

	url                  string
	store                *storage.Store
	recover              GapRecoverer
	heartbeatTimeout     time.Duration
	maxReconnectAttempts int

	conn           *websocket.Conn
	state          State
	lastMessageAt  time.Time
	stopCh         chan struct{}
	exhausted      chan struct{}
	subscribers    []chan LeaderEvent
	orderSeqCursor map[string]int64
}

// NewCoordinator builds a coordinator bound to a leader stream URL.
// maxReconnectAttempts <= 0 means retry forever.
func NewCoordinator(url string, store *storage.Store, recover GapRecoverer, heartbeatTimeout time.Duration, maxReconnectAttempts int) *Coordinator {
	return &Coordinator{
		url:                  url,
		store:                store,
		recover:              recover,
		heartbeatTimeout:     heartbeatTimeout,
		maxReconnectAttempts: maxReconnectAttempts,
		state:                StateDisconnected,
		stopCh:               make(chan struct{}),
		exhausted:            make(chan struct{}),
		orderSeqCursor:       make(map[string]int64),
	}
}

// Subscribe returns a channel of normalized leader events.
func (c *Coordinator) Subscribe() chan LeaderEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan LeaderEvent, 1000)
	c.subscribers = append(c.subscribers, ch)
	return ch
}

// State reports the coordinator's current connection state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastMessageAt reports when the stream last delivered a message, for
// the health surface's heartbeat-age gauge.
func (c *Coordinator) LastMessageAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMessageAt
}

// Exhausted closes once the connection loop has given up after
// maxReconnectAttempts consecutive failures — a fatal condition the
// orchestrator surfaces as an unrecoverable stream exhaustion exit, per
// §4.5/§6. It never closes if maxReconnectAttempts <= 0.
func (c *Coordinator) Exhausted() <-chan struct{} {
	return c.exhausted
}

func (c *Coordinator) markExhausted() {
	c.setState(StateExhausted)
	c.mu.Lock()
	select {
	case <-c.exhausted:
	default:
		close(c.exhausted)
	}
	c.mu.Unlock()
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start runs the connection loop until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	go c.connectionLoop(ctx)
	go c.heartbeatMonitor(ctx)
}

// Stop tears down the connection and releases the connection loop.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// connectionLoop dials, recovers any gap, and runs the read loop,
// reconnecting with capped exponential backoff (base 1s, factor 2,
// max 60s, ±25% jitter) on every failure, per §4.5. After
// maxReconnectAttempts consecutive failures (if positive), it gives up
// and marks the coordinator exhausted rather than retrying forever.
func (c *Coordinator) connectionLoop(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.setState(StateConnecting)
		if err := c.connect(ctx); err != nil {
			attempt++
			if c.maxReconnectAttempts > 0 && attempt >= c.maxReconnectAttempts {
				log.Error().Err(err).Int("attempts", attempt).Msg("leader stream exhausted reconnect attempts, giving up")
				c.markExhausted()
				return
			}
			delay := reconnectBackoff(attempt)
			log.Error().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("stream connect failed")
			c.setState(StateReconnecting)
			if !c.sleepOrStop(ctx, delay) {
				return
			}
			continue
		}
		attempt = 0

		if err := c.recoverGap(ctx); err != nil {
			log.Error().Err(err).Msg("gap recovery failed, continuing with live stream only")
		}

		c.setState(StateLive)
		c.readLoop(ctx)
		c.setState(StateReconnecting)
	}
}

func (c *Coordinator) sleepOrStop(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// reconnectBackoff grows 1s * 2^(attempt-1) capped at 60s, jittered ±25%.
func reconnectBackoff(attempt int) time.Duration {
	base := math.Min(60, math.Pow(2, float64(attempt-1)))
	jittered := base * (0.75 + rand.Float64()*0.5)
	return time.Duration(jittered * float64(time.Second))
}

func (c *Coordinator) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.lastMessageAt = time.Now()
	c.mu.Unlock()
	log.Info().Str("url", c.url).Msg("leader stream connected")
	return nil
}

// recoverGap replays any leader orders that changed since the last
// persisted watermark, bounding recovery to that window per §4.5.
func (c *Coordinator) recoverGap(ctx context.Context) error {
	watermark, err := c.store.GetWatermark()
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	if c.recover == nil {
		return nil
	}

	orders, err := c.recover.ListOrders(ctx)
	if err != nil {
		return fmt.Errorf("list orders for gap recovery: %w", err)
	}

	replayed := 0
	for _, o := range orders {
		if !o.UpdatedAt.After(watermark) {
			continue
		}
		c.emit(o.ID, "gap_recovery", o, nil)
		replayed++
	}
	if replayed > 0 {
		log.Warn().Int("count", replayed).Time("since", watermark).Msg("replayed missed leader events after reconnect")
	}
	return nil
}

// heartbeatMonitor marks the coordinator degraded when no message has
// arrived within heartbeatTimeout, and forces a reconnect.
func (c *Coordinator) heartbeatMonitor(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.RLock()
			stale := c.state == StateLive && time.Since(c.lastMessageAt) > c.heartbeatTimeout
			conn := c.conn
			c.mu.RUnlock()

			if stale {
				log.Warn().Dur("timeout", c.heartbeatTimeout).Msg("leader stream heartbeat timed out, forcing reconnect")
				c.setState(StateDegraded)
				if conn != nil {
					conn.Close()
				}
			}
		}
	}
}

func (c *Coordinator) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("leader stream read error")
			return
		}

		c.mu.Lock()
		c.lastMessageAt = time.Now()
		c.mu.Unlock()

		c.processMessage(message)
	}
}

// wireEvent is the broker's raw wire shape for one order lifecycle event.
type wireEvent struct {
	EventType string          `json:"event_type"`
	Order     wireOrder       `json:"order"`
}

type wireOrder struct {
	OrderID         string          `json:"order_id"`
	SecurityID      string          `json:"security_id"`
	ExchangeSegment string          `json:"exchange_segment"`
	Side            string          `json:"side"`
	Product         string          `json:"product"`
	OrderType       string          `json:"order_type"`
	Validity        string          `json:"validity"`
	Status          string          `json:"status"`
	Quantity        decimal.Decimal `json:"quantity"`
	DisclosedQty    decimal.Decimal `json:"disclosed_qty"`
	Price           decimal.Decimal `json:"price"`
	TriggerPrice    decimal.Decimal `json:"trigger_price"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	StopLossValue   decimal.Decimal `json:"stop_loss_value"`
	ProfitTarget    decimal.Decimal `json:"profit_target"`
	ParentID        string          `json:"parent_id"`
	LegKind         string          `json:"leg_kind"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (c *Coordinator) processMessage(data []byte) {
	var events []wireEvent
	if err := json.Unmarshal(data, &events); err != nil {
		var single wireEvent
		if err := json.Unmarshal(data, &single); err != nil {
			log.Warn().Err(err).Msg("unparseable leader stream message")
			return
		}
		events = []wireEvent{single}
	}

	for _, evt := range events {
		o := evt.Order
		// The watermark and gap recovery (recoverGap's o.UpdatedAt.After
		// comparison) must agree on whose clock an order's timestamp is —
		// the leader's, not the coordinator's receipt time — or skew
		// between the two silently drops events across a reconnect. Only
		// fall back to receipt time when the broker omits the field.
		updatedAt := o.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		order := types.Order{
			ID:            o.OrderID,
			Role:          types.RoleLeader,
			Side:          types.Side(o.Side),
			Product:       types.Product(o.Product),
			Kind:          types.OrderKind(o.OrderType),
			Validity:      types.Validity(o.Validity),
			Status:        types.Status(o.Status),
			RequestedQty:  o.Quantity,
			DisclosedQty:  o.DisclosedQty,
			Price:         o.Price,
			TriggerPrice:  o.TriggerPrice,
			FilledQty:     o.FilledQty,
			AvgFillPrice:  o.AvgFillPrice,
			StopLossValue: o.StopLossValue,
			ProfitTarget:  o.ProfitTarget,
			ParentID:      o.ParentID,
			LegKind:       types.LegKind(o.LegKind),
			Instrument: types.Instrument{
				SecurityID:      o.SecurityID,
				ExchangeSegment: o.ExchangeSegment,
			},
			UpdatedAt: updatedAt,
		}
		c.emit(order.ID, evt.EventType, order, data)
	}
}

// emit assigns the next coordinator sequence for orderID, persists the
// raw event, and fans it out to subscribers. A full subscriber channel
// blocks the send (and so the read loop that called emit) until there
// is room or Stop is called, which is the stream's backpressure. It
// never advances the watermark itself — per §4.5 the watermark only
// moves once the Replicator has committed a decision for this event
// (Replicator.Handle does that after processing), so an event that is
// never handled can still be picked up by the next reconnect's gap
// recovery. Duplicate deliveries are absorbed by the store's
// (order_id, sequence) dedup.
func (c *Coordinator) emit(orderID, kind string, order types.Order, raw json.RawMessage) {
	c.mu.Lock()
	last, known := c.orderSeqCursor[orderID]
	if !known {
		if persisted, err := c.store.MaxSequence(orderID); err == nil {
			last = persisted
		}
	}
	seq := last + 1
	c.orderSeqCursor[orderID] = seq
	c.mu.Unlock()

	// The watermark is set from this timestamp (Replicator.Handle, after
	// committing a decision), and recoverGap compares it against the
	// leader's own order.UpdatedAt — so this must be the leader's clock,
	// not the coordinator's receipt time, or skew between the two can
	// make a legitimately-unprocessed order look already-seen on replay.
	eventTs := order.UpdatedAt
	if eventTs.IsZero() {
		eventTs = time.Now()
	}
	payload := string(raw)
	if err := c.store.AppendEvent(orderID, seq, kind, payload, eventTs); err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("failed to append leader event")
	}

	event := LeaderEvent{OrderID: orderID, Sequence: seq, Kind: kind, Order: order, Raw: raw, Timestamp: eventTs}

	c.mu.RLock()
	subs := c.subscribers
	c.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- event:
		case <-c.stopCh:
			log.Warn().Str("order_id", orderID).Msg("coordinator stopping, event not delivered")
			return
		}
	}
}
