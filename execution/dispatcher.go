// Package execution is the Dispatcher component of §4.3: it turns a
// sized order into broker commands, enforcing the rate limit, retrying
// transient failures with jittered backoff, and tripping a circuit
// breaker on a run of failures. Grounded on the teacher's
// execution/executor.go (an Executor wrapping a *exec.Client with
// state tracking) generalized to the order-replication domain's
// place/modify/cancel command surface, with resilience borrowed from
// original_source's resilience.py.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/errkind"
	"github.com/web3guy0/polybot/storage"
	"github.com/web3guy0/polybot/types"
)

// BrokerClient is the subset of exec.Client the Dispatcher depends on.
// Declared here, at the consumer, so tests can substitute a fake without
// standing up an HTTP server.
type BrokerClient interface {
	PlaceOrder(ctx context.Context, o types.Order) (string, error)
	PlaceSlicedOrder(ctx context.Context, o types.Order) ([]string, error)
	ModifyOrder(ctx context.Context, orderID string, price, qty, trigger decimal.Decimal) error
	CancelOrder(ctx context.Context, orderID string) error
}

// Config bundles the Dispatcher's resilience tunables, all sourced from
// configuration per §6.
type Config struct {
	RateLimitPerSecond float64
	Retry              RetryConfig
	CircuitThreshold   int
	CircuitSuccessNeed int
	CircuitTimeout     time.Duration
}

// Dispatcher issues broker commands for the follower account. One
// Dispatcher per account; the Replicator holds the follower-side
// instance.
type Dispatcher struct {
	client  BrokerClient
	store   *storage.Store
	limiter Limiter
	breaker *CircuitBreaker
	retry   RetryConfig
}

// NewDispatcher wires a broker client, store, and resilience policies
// into one Dispatcher. limiter may be a local or Redis-backed bucket
// per RATE_LIMIT_BACKEND.
func NewDispatcher(client BrokerClient, store *storage.Store, limiter Limiter, cfg Config) *Dispatcher {
	return &Dispatcher{
		client:  client,
		store:   store,
		limiter: limiter,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitSuccessNeed, cfg.CircuitTimeout),
		retry:   cfg.Retry,
	}
}

// State reports the breaker's current state, for health reporting.
func (d *Dispatcher) State() CircuitState { return d.breaker.State() }

// classifyBrokerErr preserves the broker's own error classification
// (exec.Client returns a *errkind.Error already classified by HTTP
// status) instead of overwriting it — only an error exec.Client itself
// could not classify (e.g. a raw transport failure reaching this layer
// unwrapped) falls back to Transient.
func classifyBrokerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ke *errkind.Error
	if errors.As(err, &ke) {
		return ke
	}
	return errkind.Wrap(errkind.Transient, op, err)
}

// guard wraps a broker call with rate limiting, the circuit breaker, and
// retry-with-backoff, the shared preamble every Dispatcher command uses.
func (d *Dispatcher) guard(ctx context.Context, call func() error) error {
	if !d.breaker.Allow() {
		return errkind.New(errkind.Transient, "circuit breaker open, rejecting call")
	}

	err := withRetry(ctx, d.retry, func() error {
		if err := d.limiter.Wait(ctx); err != nil {
			return errkind.Wrap(errkind.Transient, "rate limiter wait", err)
		}
		return call()
	})

	if err != nil {
		// Only transient (network/5xx-equivalent) failures feed the breaker,
		// per §4.3 and §7 — a run of terminal broker rejections (validation,
		// insufficient funds, market-closed, duplicate) must not trip it and
		// fail-fast legitimate commands behind it. Mirrors original_source's
		// resilience.py CircuitBreaker, which only counts its
		// expected_exception (request/transient errors).
		if errkind.Is(err, errkind.Transient) {
			d.breaker.RecordFailure()
		}
		return err
	}
	d.breaker.RecordSuccess()
	return nil
}

// PlaceSingle places one plain order, per §4.3's place_single command.
func (d *Dispatcher) PlaceSingle(ctx context.Context, o types.Order) (string, error) {
	var orderID string
	err := d.guard(ctx, func() error {
		id, err := d.client.PlaceOrder(ctx, o)
		if err != nil {
			return classifyBrokerErr("place_single", err)
		}
		orderID = id
		return nil
	})
	d.audit("place_single", o.Role, err)
	return orderID, err
}

// PlaceCover places an entry leg together with its stop leg, per §3's
// cover product. The entry is placed first; if it fails, the stop is
// never submitted. If the stop fails, the entry is left open and the
// stop's error is returned alongside the entry id.
func (d *Dispatcher) PlaceCover(ctx context.Context, entry, stop types.Order) (entryID, stopID string, err error) {
	err = d.guard(ctx, func() error {
		id, e := d.client.PlaceOrder(ctx, entry)
		if e != nil {
			return classifyBrokerErr("place_cover entry", e)
		}
		entryID = id
		return nil
	})
	if err != nil {
		d.audit("place_cover", entry.Role, err)
		return "", "", err
	}

	err = d.guard(ctx, func() error {
		id, e := d.client.PlaceOrder(ctx, stop)
		if e != nil {
			return classifyBrokerErr("place_cover stop", e)
		}
		stopID = id
		return nil
	})
	if err != nil {
		log.Warn().Str("entry_id", entryID).Err(err).Msg("cover stop leg failed, entry remains open for OCO reconciliation")
	}
	d.audit("place_cover", entry.Role, err)
	return entryID, stopID, err
}

// PlaceBracket places an entry leg with both target and stop legs
// recorded as an OCO pair bound to the entry's fill, per §3's bracket
// product.
func (d *Dispatcher) PlaceBracket(ctx context.Context, entry, target, stop types.Order) (entryID, targetID, stopID string, err error) {
	err = d.guard(ctx, func() error {
		id, e := d.client.PlaceOrder(ctx, entry)
		if e != nil {
			return classifyBrokerErr("place_bracket entry", e)
		}
		entryID = id
		return nil
	})
	if err != nil {
		d.audit("place_bracket", entry.Role, err)
		return "", "", "", err
	}

	for _, leg := range []struct {
		order *types.Order
		id    *string
		kind  string
	}{{&target, &targetID, "target"}, {&stop, &stopID, "stop"}} {
		legErr := d.guard(ctx, func() error {
			id, e := d.client.PlaceOrder(ctx, *leg.order)
			if e != nil {
				return classifyBrokerErr("place_bracket "+leg.kind, e)
			}
			*leg.id = id
			return nil
		})
		if legErr != nil {
			log.Error().Str("leg", leg.kind).Str("entry_id", entryID).Err(legErr).Msg("bracket leg failed to place")
			err = legErr
		}
	}
	d.audit("place_bracket", entry.Role, err)
	return entryID, targetID, stopID, err
}

// PlaceSliced submits a single request whose quantity exceeds the
// instrument's exchange freeze limit; the broker itself decomposes it
// into multiple child orders returned under one slice group id, per
// §4.3's place_sliced command and the Slicing/Freeze-limit glossary
// entries.
func (d *Dispatcher) PlaceSliced(ctx context.Context, o types.Order) ([]string, error) {
	o.SliceGroupID = uuid.NewString()

	var ids []string
	err := d.guard(ctx, func() error {
		childIDs, e := d.client.PlaceSlicedOrder(ctx, o)
		if e != nil {
			return classifyBrokerErr("place_sliced", e)
		}
		ids = childIDs
		return nil
	})
	d.audit("place_sliced", o.Role, err)
	return ids, err
}

// Modify changes a resting order's price, quantity, or trigger.
func (d *Dispatcher) Modify(ctx context.Context, orderID string, price, qty, trigger decimal.Decimal) error {
	err := d.guard(ctx, func() error {
		if e := d.client.ModifyOrder(ctx, orderID, price, qty, trigger); e != nil {
			return classifyBrokerErr("modify", e)
		}
		return nil
	})
	d.audit("modify", "", err)
	return err
}

// Cancel cancels a resting order.
func (d *Dispatcher) Cancel(ctx context.Context, orderID string) error {
	err := d.guard(ctx, func() error {
		if e := d.client.CancelOrder(ctx, orderID); e != nil {
			return classifyBrokerErr("cancel", e)
		}
		return nil
	})
	d.audit("cancel", "", err)
	return err
}

func (d *Dispatcher) audit(action string, role types.AccountRole, err error) {
	status := "ok"
	errStr := ""
	if err != nil {
		status = "error"
		errStr = err.Error()
	}
	if auditErr := d.store.AppendAudit(action, string(role), "", "", status, 0, errStr); auditErr != nil {
		log.Warn().Err(auditErr).Str("action", action).Msg("failed to write audit log")
	}
}
