package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polybot/exec"
	"github.com/web3guy0/polybot/internal/errkind"
	"github.com/web3guy0/polybot/storage"
	"github.com/web3guy0/polybot/types"
)

type fakeBroker struct {
	placeErrs []error
	placed    int
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, o types.Order) (string, error) {
	defer func() { f.placed++ }()
	if f.placed < len(f.placeErrs) && f.placeErrs[f.placed] != nil {
		return "", f.placeErrs[f.placed]
	}
	return "broker-" + o.ID, nil
}

func (f *fakeBroker) PlaceSlicedOrder(ctx context.Context, o types.Order) ([]string, error) {
	return []string{"broker-" + o.ID + "-1", "broker-" + o.ID + "-2"}, nil
}

func (f *fakeBroker) ModifyOrder(ctx context.Context, orderID string, price, qty, trigger decimal.Decimal) error {
	return nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) error {
	return nil
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDispatcher(t *testing.T, broker BrokerClient) *Dispatcher {
	return testDispatcherWithRetry(t, broker, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 1.5, MaxDelay: 20 * time.Millisecond})
}

func testDispatcherWithRetry(t *testing.T, broker BrokerClient, retry RetryConfig) *Dispatcher {
	cfg := Config{
		RateLimitPerSecond: 1000,
		Retry:              retry,
		CircuitThreshold:   2,
		CircuitSuccessNeed: 1,
		CircuitTimeout:     10 * time.Millisecond,
	}
	return NewDispatcher(broker, testStore(t), NewLocalLimiter(1000), cfg)
}

func TestPlaceSingleSucceeds(t *testing.T) {
	d := testDispatcher(t, &fakeBroker{})
	id, err := d.PlaceSingle(context.Background(), types.Order{ID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, "broker-o1", id)
}

func TestPlaceSingleRetriesTransientThenSucceeds(t *testing.T) {
	broker := &fakeBroker{placeErrs: []error{errkind.New(errkind.Transient, "timeout")}}
	d := testDispatcher(t, broker)
	id, err := d.PlaceSingle(context.Background(), types.Order{ID: "o2"})
	require.NoError(t, err)
	assert.Equal(t, "broker-o2", id)
	assert.Equal(t, 2, broker.placed)
}

func TestPlaceSingleDoesNotRetryNonRetryable(t *testing.T) {
	broker := &fakeBroker{placeErrs: []error{errkind.New(errkind.NonRetryable, "bad instrument")}}
	d := testDispatcher(t, broker)
	_, err := d.PlaceSingle(context.Background(), types.Order{ID: "o3"})
	require.Error(t, err)
	assert.Equal(t, 1, broker.placed)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	alwaysFail := &fakeBroker{placeErrs: []error{
		errkind.New(errkind.Transient, "x"), errkind.New(errkind.Transient, "x"),
	}}
	d := testDispatcherWithRetry(t, alwaysFail, RetryConfig{MaxAttempts: 1})

	_, err1 := d.PlaceSingle(context.Background(), types.Order{ID: "a"})
	require.Error(t, err1)
	_, err2 := d.PlaceSingle(context.Background(), types.Order{ID: "b"})
	require.Error(t, err2)

	assert.Equal(t, StateOpen, d.State())

	placedBefore := alwaysFail.placed
	_, err3 := d.PlaceSingle(context.Background(), types.Order{ID: "c"})
	require.Error(t, err3)
	assert.Equal(t, placedBefore, alwaysFail.placed) // breaker-rejected call, no broker hit
}

func TestCircuitBreakerIgnoresNonRetryableFailures(t *testing.T) {
	alwaysRejected := &fakeBroker{placeErrs: []error{
		errkind.New(errkind.NonRetryable, "rejected"),
		errkind.New(errkind.NonRetryable, "rejected"),
		errkind.New(errkind.NonRetryable, "rejected"),
	}}
	d := testDispatcherWithRetry(t, alwaysRejected, RetryConfig{MaxAttempts: 1})

	for i, id := range []string{"a", "b", "c"} {
		_, err := d.PlaceSingle(context.Background(), types.Order{ID: id})
		require.Error(t, err, "iteration %d", i)
	}

	assert.Equal(t, StateClosed, d.State()) // terminal rejections never trip the breaker
}

func TestCircuitBreakerHalfOpensAndCloses(t *testing.T) {
	broker := &fakeBroker{placeErrs: []error{
		errkind.New(errkind.Transient, "x"), errkind.New(errkind.Transient, "x"),
	}}
	d := testDispatcherWithRetry(t, broker, RetryConfig{MaxAttempts: 1})

	_, _ = d.PlaceSingle(context.Background(), types.Order{ID: "a"})
	_, _ = d.PlaceSingle(context.Background(), types.Order{ID: "b"})
	require.Equal(t, StateOpen, d.State())

	time.Sleep(15 * time.Millisecond)

	id, err := d.PlaceSingle(context.Background(), types.Order{ID: "c"})
	require.NoError(t, err)
	assert.Equal(t, "broker-c", id)
	assert.Equal(t, StateClosed, d.State())
}

func TestPlaceSlicedDelegatesToBrokerSideSlicing(t *testing.T) {
	broker := &fakeBroker{}
	d := testDispatcher(t, broker)

	ids, err := d.PlaceSliced(context.Background(), types.Order{ID: "parent", RequestedQty: decimal.NewFromInt(100)})
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

// These two exercise the real exec.Client -> Dispatcher path (not a fake
// BrokerClient that hands back an already-classified error), so the
// broker's HTTP status is what actually drives the retry decision.
func authedTestServer(t *testing.T, placeOrder http.HandlerFunc) *exec.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
	})
	mux.HandleFunc("/orders", placeOrder)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := exec.NewClient(srv.URL, types.RoleFollower, exec.Credentials{ClientID: "c"}, false)
	require.NoError(t, client.Authenticate(context.Background()))
	return client
}

func TestDispatcherDoesNotRetryRealNonRetryableStatus(t *testing.T) {
	calls := 0
	client := authedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"reason": "market-closed"})
	})
	d := testDispatcher(t, client)

	_, err := d.PlaceSingle(context.Background(), types.Order{ID: "o1"})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.NonRetryable))
	assert.Equal(t, 1, calls)
}

func TestDispatcherRetriesRealTransientStatus(t *testing.T) {
	calls := 0
	client := authedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"order_id": "broker-o1"})
	})
	d := testDispatcher(t, client)

	id, err := d.PlaceSingle(context.Background(), types.Order{ID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, "broker-o1", id)
	assert.Equal(t, 2, calls)
}

func TestLocalLimiterThrottles(t *testing.T) {
	limiter := NewLocalLimiter(2) // 2 tokens/sec burst 2
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx))
	require.NoError(t, limiter.Wait(ctx))

	start := time.Now()
	require.NoError(t, limiter.Wait(ctx))
	assert.True(t, time.Since(start) > 100*time.Millisecond)
}
