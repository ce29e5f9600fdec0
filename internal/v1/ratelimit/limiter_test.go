package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flylive/msab/internal/v1/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		RateLimitWsConnectIP:   "5-M",
		RateLimitWsConnectUser: "5-M",
		RateLimitGiftSend:      "5-M",
	}

	rl, err := NewRateLimiter(cfg, rc)
	require.NoError(t, err)

	return rl, mr
}

func TestCheckWebSocketConnect_IP(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request, _ = http.NewRequest("GET", "/ws", nil)

	for i := 0; i < 5; i++ {
		allowed := rl.CheckWebSocketConnect(ctx)
		assert.True(t, allowed)
	}

	allowed := rl.CheckWebSocketConnect(ctx)
	assert.False(t, allowed)
}

func TestCheckWebSocketConnectUser(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := rl.CheckWebSocketConnectUser(ctx, "user1")
		assert.NoError(t, err)
	}

	err := rl.CheckWebSocketConnectUser(ctx, "user1")
	assert.Error(t, err)
}

func TestCheckGiftSend(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := rl.CheckGiftSend(ctx, "sender1")
		assert.NoError(t, err)
	}

	err := rl.CheckGiftSend(ctx, "sender1")
	assert.Error(t, err, "6th gift within the window should exceed the bucket")
}

func TestCheckGiftSend_DistinctSendersIndependent(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, rl.CheckGiftSend(ctx, "sender-a"))
	}
	assert.NoError(t, rl.CheckGiftSend(ctx, "sender-b"), "a different sender must have its own bucket")
}

func TestRedisFailure_FailsOpen(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close()

	err := rl.CheckGiftSend(context.Background(), "sender1")
	assert.NoError(t, err, "an unreachable store must fail open, not block sends")
}
