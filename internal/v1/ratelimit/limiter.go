// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/flylive/msab/internal/v1/config"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the rate limiter instances used across the control
// plane: WebSocket connection attempts (by IP and by user) and gift
// sends (by sender).
type RateLimiter struct {
	wsConnectIP   *limiter.Limiter
	wsConnectUser *limiter.Limiter
	giftSend      *limiter.Limiter
	store         limiter.Store
	redisClient   *redis.Client
}

// NewRateLimiter creates a new RateLimiter instance. If redisClient is nil
// the limiter falls back to an in-process memory store, suitable for a
// single-instance deployment or tests.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsConnectIP)
	if err != nil {
		return nil, fmt.Errorf("invalid ws connect ip rate: %w", err)
	}
	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsConnectUser)
	if err != nil {
		return nil, fmt.Errorf("invalid ws connect user rate: %w", err)
	}
	giftRate, err := limiter.NewRateFromFormatted(cfg.RateLimitGiftSend)
	if err != nil {
		return nil, fmt.Errorf("invalid gift send rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "msab:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (redis disabled)")
	}

	return &RateLimiter{
		wsConnectIP:   limiter.New(store, wsIPRate),
		wsConnectUser: limiter.New(store, wsUserRate),
		giftSend:      limiter.New(store, giftRate),
		store:         store,
		redisClient:   redisClient,
	}, nil
}

// CheckWebSocketConnect enforces the per-IP WebSocket connection rate limit.
// Returns true if the connection is allowed; writes a 429 response and
// returns false otherwise. Store failures fail open.
func (rl *RateLimiter) CheckWebSocketConnect(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	ipContext, err := rl.wsConnectIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws connect rate limiter store failed", zap.Error(err))
		return true
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(ipContext.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this ip"})
		return false
	}

	return true
}

// CheckWebSocketConnectUser enforces the per-user WebSocket connection rate
// limit. Call this after authenticating the connecting user.
func (rl *RateLimiter) CheckWebSocketConnectUser(ctx context.Context, userID string) error {
	userContext, err := rl.wsConnectUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "ws connect rate limiter store failed", zap.Error(err))
		return nil
	}

	if userContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user %s", userID)
	}

	return nil
}

// CheckGiftSend enforces the gift:send token bucket, keyed by the sending
// user's ID. Store failures fail open so a degraded Redis never blocks
// gift delivery outright.
func (rl *RateLimiter) CheckGiftSend(ctx context.Context, senderID string) error {
	giftContext, err := rl.giftSend.Get(ctx, senderID)
	if err != nil {
		logging.Error(ctx, "gift send rate limiter store failed", zap.Error(err))
		return nil
	}

	if giftContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("gift_send", "user").Inc()
		return fmt.Errorf("gift send rate limit exceeded for sender %s", senderID)
	}

	return nil
}
