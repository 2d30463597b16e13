package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polybot/exec"
	"github.com/web3guy0/polybot/internal/config"
	"github.com/web3guy0/polybot/types"
)

// TestLeaderRecovererStampsLeaderRole exercises the one piece of wiring
// logic the composition root adds on top of exec.Client: orders coming
// back from ListOrders carry no Role, since the client is role-agnostic.
func TestLeaderRecovererStampsLeaderRole(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/token":
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
		case "/orders":
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"order_id": "lead-1", "security_id": "SEC1", "status": "open"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := exec.NewClient(srv.URL, types.RoleLeader, exec.Credentials{ClientID: "c"}, false)
	require.NoError(t, client.Authenticate(context.Background()))

	rec := &leaderRecoverer{client: client}
	orders, err := rec.ListOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, types.RoleLeader, orders[0].Role)
	assert.Equal(t, "lead-1", orders[0].ID)
}

func TestNewLimiterLocalBackendIsUsableImmediately(t *testing.T) {
	cfg := &config.Config{RateLimitBackend: "local", RateLimitPerSecond: 5}
	limiter := newLimiter(cfg)
	require.NotNil(t, limiter)
	assert.NoError(t, limiter.Wait(context.Background()))
}

func TestNewLimiterRedisBackendBuildsWithoutDialing(t *testing.T) {
	// go-redis dials lazily, so building the limiter must not itself
	// require a reachable Redis instance.
	cfg := &config.Config{RateLimitBackend: "redis", RateLimitPerSecond: 5, RedisAddr: "127.0.0.1:1"}
	limiter := newLimiter(cfg)
	assert.NotNil(t, limiter)
}
