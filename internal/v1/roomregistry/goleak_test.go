package roomregistry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/mediaengine/mediaenginetest"
	"github.com/flylive/msab/internal/v1/seat"
	"github.com/flylive/msab/internal/v1/workerpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// Creating a room starts a dominant-speaker watch goroutine; closing the
// room must stop it, and canceling the auto-close loop's context must stop
// the sweep. Neither may survive past shutdown.
func TestRoomLifecycle_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer svc.Close()

	fake := mediaenginetest.New()
	pool, err := workerpool.New(context.Background(), fake, 2)
	require.NoError(t, err)

	r := New(svc, pool, fake, seat.NewRepository(svc), nil, 500, 3, 15)

	ctx, cancel := context.WithCancel(context.Background())
	autoCloseDone := make(chan struct{})
	go func() {
		r.RunAutoClose(ctx, 10*time.Millisecond, time.Hour, func(string) int { return 15 })
		close(autoCloseDone)
	}()

	_, _, err = r.GetOrCreate(context.Background(), "room-leak")
	require.NoError(t, err)

	r.CloseRoom(context.Background(), "room-leak", 15)
	cancel()

	select {
	case <-autoCloseDone:
	case <-time.After(2 * time.Second):
		t.Fatal("RunAutoClose did not return after context cancellation")
	}
}
