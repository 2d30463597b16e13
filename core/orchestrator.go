// Orchestrator is the composition root described in §5 and §9: every
// component is constructed here with its dependencies passed in
// explicitly, and handed to the Replicator. There is no process-wide
// singleton or global lookup anywhere in this module.
//
// Grounded on the teacher's cmd/bot's wiring of Engine+Client+Router
// into one struct with Start/Stop, generalized to this pipeline's five
// components (Store, Sizer, Dispatcher, Coordinator, Replicator) and
// the ordered shutdown sequence §5 requires.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/exec"
	"github.com/web3guy0/polybot/execution"
	"github.com/web3guy0/polybot/feeds"
	"github.com/web3guy0/polybot/internal/config"
	"github.com/web3guy0/polybot/risk"
	"github.com/web3guy0/polybot/storage"
	"github.com/web3guy0/polybot/types"
)

// leaderRecoverer adapts the leader exec.Client to feeds.GapRecoverer.
// exec.Client is role-agnostic and never stamps Role on the orders it
// returns, so the adapter stamps it here, once, at the composition
// boundary rather than teaching exec.Client about replication roles.
type leaderRecoverer struct {
	client *exec.Client
}

func (l *leaderRecoverer) ListOrders(ctx context.Context) ([]types.Order, error) {
	orders, err := l.client.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Role = types.RoleLeader
	}
	return orders, nil
}

// Orchestrator owns every long-running task of the replication pipeline
// and the order in which they start and stop.
type Orchestrator struct {
	cfg *config.Config

	store       *storage.Store
	leader      *exec.Client
	follower    *exec.Client
	sizer       *risk.Sizer
	dispatcher  *execution.Dispatcher
	coordinator *feeds.Coordinator
	replicator  *Replicator

	events <-chan feeds.LeaderEvent
}

// New builds every component from cfg. No network calls are made until
// Start authenticates the two broker accounts.
func New(cfg *config.Config) (*Orchestrator, error) {
	store, err := storage.Open(storage.Driver(cfg.StoreDriver), cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}

	leader := exec.NewClient(cfg.BrokerBaseURL, types.RoleLeader, exec.Credentials{
		ClientID: cfg.LeaderClientID, APIKey: cfg.LeaderAPIKey, APISecret: cfg.LeaderAPISecret,
	}, cfg.DryRun)
	follower := exec.NewClient(cfg.BrokerBaseURL, types.RoleFollower, exec.Credentials{
		ClientID: cfg.FollowerClientID, APIKey: cfg.FollowerAPIKey, APISecret: cfg.FollowerAPISecret,
	}, cfg.DryRun)

	funds := risk.NewFundsCache(cfg.FundsCacheTTL, func(role types.AccountRole) (types.FundsSnapshot, error) {
		client := follower
		if role == types.RoleLeader {
			client = leader
		}
		return client.GetFunds(context.Background())
	})
	sizer := risk.NewSizer(risk.Config{
		Strategy:       risk.Strategy(cfg.SizingStrategy),
		CopyRatio:      cfg.CopyRatio,
		MaxPositionPct: cfg.MaxPositionPct,
		MaxPositionVal: cfg.MaxPositionVal,
	}, funds)

	limiter := newLimiter(cfg)

	dispatcher := execution.NewDispatcher(follower, store, limiter, execution.Config{
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		Retry: execution.RetryConfig{
			MaxAttempts:       cfg.RetryAttempts,
			BaseDelay:         cfg.RetryBaseDelay,
			BackoffMultiplier: cfg.RetryBackoffMultiplier,
			MaxDelay:          cfg.MaxBackoff,
		},
		CircuitThreshold:   cfg.CircuitThreshold,
		CircuitSuccessNeed: cfg.CircuitSuccessNeed,
		CircuitTimeout:     cfg.CircuitTimeout,
	})

	coordinator := feeds.NewCoordinator(cfg.StreamURL, store, &leaderRecoverer{client: leader}, cfg.HeartbeatTimeout, cfg.MaxReconnectAttempts)

	replicator := NewReplicator(store, sizer, dispatcher, follower, Config{
		EnableCopyTrading: cfg.EnableCopyTrading,
	})

	return &Orchestrator{
		cfg:         cfg,
		store:       store,
		leader:      leader,
		follower:    follower,
		sizer:       sizer,
		dispatcher:  dispatcher,
		coordinator: coordinator,
		replicator:  replicator,
	}, nil
}

// newLimiter builds the local or Redis-backed rate limiter per
// RATE_LIMIT_BACKEND. Redis connection errors surface lazily on the
// first Wait call rather than here, matching go-redis's lazy-dial client.
func newLimiter(cfg *config.Config) execution.Limiter {
	if cfg.RateLimitBackend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return execution.NewRedisLimiter(client, "copytrader:follower", cfg.RateLimitPerSecond)
	}
	return execution.NewLocalLimiter(cfg.RateLimitPerSecond)
}

// Start authenticates both broker accounts, then starts the Stream
// Coordinator and the Replicator's event loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.leader.Authenticate(ctx); err != nil {
		return fmt.Errorf("orchestrator: leader authenticate: %w", err)
	}
	if err := o.follower.Authenticate(ctx); err != nil {
		return fmt.Errorf("orchestrator: follower authenticate: %w", err)
	}

	events := o.coordinator.Subscribe()
	o.events = events
	o.coordinator.Start(ctx)
	go o.replicator.Run(ctx, events)

	log.Info().Str("environment", o.cfg.Environment).Bool("dry_run", o.cfg.DryRun).Msg("orchestrator started")
	return nil
}

// Stop sequences shutdown: stop the stream first so no new events
// arrive, then stop the Replicator and wait up to drainDeadline for the
// event it is handling, if any, to finish, then close the Store. Events
// still buffered in Q_events are not processed. If drainDeadline passes
// first, the Store is closed without waiting further for the Replicator.
func (o *Orchestrator) Stop(drainDeadline time.Duration) {
	o.coordinator.Stop()

	drained := make(chan struct{})
	go func() {
		o.replicator.Stop()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(drainDeadline):
		log.Warn().Dur("deadline", drainDeadline).Msg("replicator drain deadline exceeded, proceeding with shutdown")
	}

	if err := o.store.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close store")
	}
	log.Info().Msg("orchestrator stopped")
}

// State is a point-in-time health snapshot for §6's health surface.
type State struct {
	StreamState  feeds.State
	CircuitState execution.CircuitState
}

// State reports the coordinator's connection state and the
// dispatcher's circuit breaker state.
func (o *Orchestrator) State() State {
	return State{
		StreamState:  o.coordinator.State(),
		CircuitState: o.dispatcher.State(),
	}
}

// QueueDepth reports how many events are buffered in Q_events waiting
// for the Replicator, for the health surface's backpressure gauge.
func (o *Orchestrator) QueueDepth() int {
	if o.events == nil {
		return 0
	}
	return len(o.events)
}

// HeartbeatAge reports how long it has been since the leader stream
// last delivered a message, for the health surface's watchdog gauge.
func (o *Orchestrator) HeartbeatAge() time.Duration {
	return time.Since(o.coordinator.LastMessageAt())
}

// StreamExhausted closes once the Stream Coordinator has given up
// reconnecting to the leader stream after its configured attempt limit
// — an unrecoverable condition main turns into the §6 exit code 2.
func (o *Orchestrator) StreamExhausted() <-chan struct{} {
	return o.coordinator.Exhausted()
}
