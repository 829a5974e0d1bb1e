package authplus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
)

func TestFailingRouteIsSkippedDuringCooldown(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c, err := NewClient(ClientConfig{
		BaseURL:          server.URL,
		RateLimitQPS:     1000,
		RateLimitBurst:   1000,
		FailureThreshold: 2,
		FailureCooldown:  time.Minute,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.InitStatus(ctx)
		require.Error(t, err)
	}

	_, err = c.InitStatus(ctx)
	require.Error(t, err)
	assert.True(t, operrors.IsTransientConnection(err))
	assert.Contains(t, err.Error(), "is failing")
	assert.Equal(t, int32(2), calls.Load(), "a blocked route must not reach the server")
}

func TestGuardTrialAfterCooldown(t *testing.T) {
	g := &hostGuard{
		limiter:          rate.NewLimiter(rate.Inf, 0),
		routes:           map[string]*routeHealth{},
		failureThreshold: 1,
		cooldown:         time.Minute,
	}
	route := "GET /init"

	g.record(route, false)
	require.Error(t, g.wait(context.Background(), route))

	g.routes[route].blockedUntil = time.Now().Add(-time.Second)
	require.NoError(t, g.wait(context.Background(), route), "the route is tried again once the cooldown passes")

	g.record(route, false)
	assert.Error(t, g.wait(context.Background(), route), "a failed trial blocks the route again")

	g.record(route, true)
	assert.NoError(t, g.wait(context.Background(), route))
	assert.Zero(t, g.routes[route].failures)
}

func TestGuardIgnoresClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c, err := NewClient(ClientConfig{BaseURL: server.URL, RateLimitQPS: 1000, RateLimitBurst: 1000, FailureThreshold: 1})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.GetClient(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, operrors.IsBackendResponse(err))
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestGuardIsSharedPerHost(t *testing.T) {
	a := guardFor("auth-plus.test:1", ClientConfig{})
	b := guardFor("auth-plus.test:1", ClientConfig{})
	other := guardFor("auth-plus.test:2", ClientConfig{})

	assert.Same(t, a, b)
	assert.NotSame(t, a, other)
	assert.Nil(t, guardFor("", ClientConfig{}))
}
