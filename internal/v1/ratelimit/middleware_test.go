package ratelimit

import (
	"testing"

	"github.com/flylive/msab/internal/v1/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRateLimiter_Memory(t *testing.T) {
	cfg := &config.Config{
		RateLimitWsConnectIP:   "100-M",
		RateLimitWsConnectUser: "10-M",
		RateLimitGiftSend:      "330-M",
	}

	rl, err := NewRateLimiter(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, rl)
	assert.Nil(t, rl.redisClient)
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	cfg := &config.Config{
		RateLimitWsConnectIP:   "not-a-rate",
		RateLimitWsConnectUser: "10-M",
		RateLimitGiftSend:      "330-M",
	}

	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}
