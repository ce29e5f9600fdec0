package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevocationChecker_RevokeThenIsRevoked(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	rc := NewRevocationChecker(svc)
	ctx := context.Background()

	revoked, err := rc.IsRevoked(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, rc.Revoke(ctx, "abc123", time.Hour))

	revoked, err = rc.IsRevoked(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRevocationChecker_NilServiceIsNotRevoked(t *testing.T) {
	rc := NewRevocationChecker(nil)
	revoked, err := rc.IsRevoked(context.Background(), "anything")
	assert.NoError(t, err)
	assert.False(t, revoked)
}
