package giftbuffer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (f *fakeNotifier) ToUser(ctx context.Context, userID string, msg protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestBuffer(t *testing.T, srv *httptest.Server, maxRetries int) (*Buffer, *miniredis.Miniredis, *fakeNotifier) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	client := laravel.New(srv.URL, "secret", time.Second)
	notifier := &fakeNotifier{}
	buf := New(svc, client, notifier, time.Hour, maxRetries)
	return buf, mr, notifier
}

func TestEnqueueThenFlush_Delivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(laravel.GiftBatchResponse{ProcessedCount: 1})
	}))
	defer srv.Close()

	buf, mr, _ := newTestBuffer(t, srv, 3)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, buf.Enqueue(ctx, GiftTransaction{TransactionID: "t1", SenderUserID: "u1", RecipientUserID: "u2"}))
	buf.flushOnce(ctx)

	assert.False(t, mr.Exists(pendingKey))
	deadLetter, err := buf.redis.Client().LRange(ctx, deadLetterKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, deadLetter)
}

func TestFlush_BackendRejectsEntry_NotifiesSender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(laravel.GiftBatchResponse{
			ProcessedCount: 0,
			Failed:         []laravel.GiftFailure{{TransactionID: "t1", Code: "INSUFFICIENT_BALANCE", Reason: "balance too low"}},
		})
	}))
	defer srv.Close()

	buf, mr, notifier := newTestBuffer(t, srv, 3)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, buf.Enqueue(ctx, GiftTransaction{TransactionID: "t1", SenderUserID: "u1", RecipientUserID: "u2"}))
	buf.flushOnce(ctx)

	assert.Equal(t, 1, notifier.count())
}

func TestFlush_CallFailure_RetriesThenDeadLetters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	buf, mr, notifier := newTestBuffer(t, srv, 2)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, buf.Enqueue(ctx, GiftTransaction{TransactionID: "t1", SenderUserID: "u1", RecipientUserID: "u2"}))

	buf.flushOnce(ctx) // retryCount -> 1, requeued to pending
	assert.Equal(t, 0, notifier.count())

	pending, err := mr.List(pendingKey)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	buf.flushOnce(ctx) // retryCount -> 2 == maxRetries, dead-lettered
	assert.Equal(t, 1, notifier.count())

	deadLetter, err := mr.List(deadLetterKey)
	require.NoError(t, err)
	require.Len(t, deadLetter, 1)
}

func TestFlush_MalformedEntry_DeadLetteredImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("backend should not be called for a malformed-only batch")
	}))
	defer srv.Close()

	buf, mr, _ := newTestBuffer(t, srv, 3)
	defer mr.Close()
	ctx := context.Background()

	_, err := mr.Lpush(pendingKey, "not json")
	require.NoError(t, err)

	buf.flushOnce(ctx)

	deadLetter, err := mr.List(deadLetterKey)
	require.NoError(t, err)
	require.Len(t, deadLetter, 1)
}

func TestFlush_NoPending_Skips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("backend should not be called when nothing is pending")
	}))
	defer srv.Close()

	buf, mr, _ := newTestBuffer(t, srv, 3)
	defer mr.Close()

	buf.flushOnce(context.Background())
}

func TestRun_FinalFlushOnShutdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(laravel.GiftBatchResponse{ProcessedCount: 1})
	}))
	defer srv.Close()

	buf, mr, _ := newTestBuffer(t, srv, 3)
	buf.flushInterval = time.Hour
	defer mr.Close()

	require.NoError(t, buf.Enqueue(context.Background(), GiftTransaction{TransactionID: "t1", SenderUserID: "u1"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		buf.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	exists := mr.Exists(pendingKey)
	assert.False(t, exists)
}
