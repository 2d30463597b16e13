package exec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polybot/internal/errkind"
	"github.com/web3guy0/polybot/types"
)

func newTestClient(t *testing.T, orderHandler http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
	})
	mux.HandleFunc("/orders", orderHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, types.RoleFollower, Credentials{ClientID: "c"}, false)
	require.NoError(t, c.Authenticate(context.Background()))
	return c
}

func TestPlaceOrderClassifiesRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"reason": "throttled"})
	})

	_, err := c.PlaceOrder(context.Background(), types.Order{ID: "o1"})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.RateLimited))
	var ke *errkind.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, int64(7), ke.RetryAfter)
}

func TestPlaceOrderClassifiesInsufficientFunds(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"reason": "insufficient-funds"})
	})

	_, err := c.PlaceOrder(context.Background(), types.Order{ID: "o1"})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.InsufficientFund))
}

func TestPlaceOrderClassifiesValidation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"reason": "validation error: missing security_id"})
	})

	_, err := c.PlaceOrder(context.Background(), types.Order{ID: "o1"})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Validation))
}

func TestPlaceOrderClassifiesMarketClosedAsNonRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"reason": "market-closed"})
	})

	_, err := c.PlaceOrder(context.Background(), types.Order{ID: "o1"})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.NonRetryable))
}

func TestPlaceOrderClassifiesUnauthorizedAsAuthentication(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.PlaceOrder(context.Background(), types.Order{ID: "o1"})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Authentication))
}

func TestPlaceOrderClassifiesServerErrorAsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.PlaceOrder(context.Background(), types.Order{ID: "o1"})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Transient))
}

// TestDryRunShortCircuitsEveryMutatingCall pins dryRun's reach: it must
// no-op Modify and Cancel exactly as it already does Place, not just the
// placement paths, so a dry-run OCO cancel never fires a real HTTP call
// against a synthetic "dryrun-" order id.
func TestDryRunShortCircuitsEveryMutatingCall(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected HTTP call to /orders in dry-run mode: %s", r.Method)
	})
	mux.HandleFunc("/orders/", func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected HTTP call to %s in dry-run mode: %s", r.URL.Path, r.Method)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, types.RoleFollower, Credentials{ClientID: "c"}, true)
	require.NoError(t, c.Authenticate(context.Background()))

	id, err := c.PlaceOrder(context.Background(), types.Order{ID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, "dryrun-o1", id)

	require.NoError(t, c.ModifyOrder(context.Background(), id, decimal.Zero, decimal.Zero, decimal.Zero))
	require.NoError(t, c.CancelOrder(context.Background(), id))
}
