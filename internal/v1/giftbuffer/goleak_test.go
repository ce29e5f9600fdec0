package giftbuffer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// The flush loop must not leave its goroutine behind after ctx is canceled,
// even when the cancellation races a tick.
func TestRun_NoGoroutineLeakAfterCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(laravel.GiftBatchResponse{})
	}))
	defer srv.Close()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer svc.Close()

	buf := New(svc, laravel.New(srv.URL, "secret", time.Second), nil, 10*time.Millisecond, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		buf.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond) // let at least one tick fire
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
