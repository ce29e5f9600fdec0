package eventrelay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	mu        sync.Mutex
	toUser    []string
	toRoom    []string
	broadcast int
}

func (f *fakeRouter) ToUser(ctx context.Context, userID string, msg protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toUser = append(f.toUser, userID)
}

func (f *fakeRouter) BroadcastRoom(ctx context.Context, roomID string, msg protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toRoom = append(f.toRoom, roomID)
}

func (f *fakeRouter) BroadcastAll(ctx context.Context, msg protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast++
}

func newTestRelay(t *testing.T) (*Relay, *fakeRouter, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	router := &fakeRouter{}
	return New(client, "events", router), router, client
}

func publishAndWait(t *testing.T, r *Relay, client *redis.Client, evt any, assertFn func()) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let the subscription establish

	data, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, "events", data).Err())

	time.Sleep(100 * time.Millisecond)
	assertFn()
}

func TestRelay_RoutesToUser(t *testing.T) {
	r, router, client := newTestRelay(t)
	publishAndWait(t, r, client, ExternalEvent{EventName: "wallet:balance_updated", UserID: "user-1"}, func() {
		assert.Equal(t, []string{"user-1"}, router.toUser)
	})
}

func TestRelay_RoutesToRoom(t *testing.T) {
	r, router, client := newTestRelay(t)
	publishAndWait(t, r, client, ExternalEvent{EventName: "room:announcement", RoomID: "room-1"}, func() {
		assert.Equal(t, []string{"room-1"}, router.toRoom)
	})
}

func TestRelay_BroadcastsWhenNoTarget(t *testing.T) {
	r, router, client := newTestRelay(t)
	publishAndWait(t, r, client, ExternalEvent{EventName: "room:announcement"}, func() {
		assert.Equal(t, 1, router.broadcast)
	})
}

func TestRelay_RejectsUnknownEvent(t *testing.T) {
	r, router, client := newTestRelay(t)
	publishAndWait(t, r, client, ExternalEvent{EventName: "totally:unknown", UserID: "user-1"}, func() {
		assert.Empty(t, router.toUser)
	})
}

func TestRelay_RejectsMissingEventName(t *testing.T) {
	r, router, client := newTestRelay(t)
	publishAndWait(t, r, client, map[string]string{"user_id": "user-1"}, func() {
		assert.Empty(t, router.toUser)
	})
}
