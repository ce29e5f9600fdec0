package roomregistry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/mediaengine/mediaenginetest"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/seat"
	"github.com/flylive/msab/internal/v1/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *mediaenginetest.Fake) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	fake := mediaenginetest.New()
	pool, err := workerpool.New(context.Background(), fake, 2)
	require.NoError(t, err)

	seats := seat.NewRepository(svc)

	return New(svc, pool, fake, seats, nil, 500, 3, 15), fake
}

func TestGetOrCreate_CoalescesConcurrentCalls(t *testing.T) {
	r, fake := newTestRegistry(t)

	var wg sync.WaitGroup
	clusters := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, err := r.GetOrCreate(context.Background(), "room-1")
			require.NoError(t, err)
			clusters[i] = c.SourceRouterID()
		}(i)
	}
	wg.Wait()

	for _, id := range clusters {
		assert.Equal(t, clusters[0], id)
	}
	assert.Len(t, fake.Workers, 2)
}

func TestAdjustParticipantCount(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.GetOrCreate(ctx, "room-1")
	require.NoError(t, err)

	count, err := r.AdjustParticipantCount(ctx, "room-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = r.AdjustParticipantCount(ctx, "room-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCloseRoom_RemovesState(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.GetOrCreate(ctx, "room-1")
	require.NoError(t, err)

	r.CloseRoom(ctx, "room-1", 15)

	state, err := r.GetState(ctx, "room-1")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStaleRooms_FindsInactiveRoom(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.GetOrCreate(ctx, "room-1")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	stale := r.StaleRooms(ctx, 0)
	assert.Contains(t, stale, "room-1")

	notStale := r.StaleRooms(ctx, time.Hour)
	assert.Empty(t, notStale)
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []protocol.Message
}

func (b *recordingBroadcaster) BroadcastRoom(ctx context.Context, roomID string, msg protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

func TestGetOrCreate_DominantSpeakerWatchFeedsDetector(t *testing.T) {
	r, fake := newTestRegistry(t)
	broadcaster := &recordingBroadcaster{}
	r.SetBroadcaster(broadcaster)
	ctx := context.Background()

	cluster, detector, err := r.GetOrCreate(ctx, "room-1")
	require.NoError(t, err)

	producerID, err := cluster.AddProducer(ctx, "alice", "transport-1", "audio", map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, fake.ObservedProducers[cluster.SourceRouterID()], producerID)

	fake.FireDominantSpeaker(cluster.SourceRouterID(), producerID)

	assert.Eventually(t, func() bool {
		return len(detector.Active()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return broadcaster.count() > 0
	}, time.Second, 10*time.Millisecond)

	r.CloseRoom(ctx, "room-1", 15)
}

func TestRoomsUsingWorker(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	cluster, _, err := r.GetOrCreate(ctx, "room-1")
	require.NoError(t, err)

	workerIDs := cluster.WorkerIDs()
	require.NotEmpty(t, workerIDs)

	affected := r.RoomsUsingWorker(workerIDs[0])
	assert.Contains(t, affected, "room-1")
}

func TestRunOnWorkerDied_ClosesAffectedRoomsBeforeReturning(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	cluster, _, err := r.GetOrCreate(ctx, "room-1")
	require.NoError(t, err)
	_, _, err = r.GetOrCreate(ctx, "room-2")
	require.NoError(t, err)

	workerID := cluster.WorkerIDs()[0]
	affected := r.RoomsUsingWorker(workerID)
	require.NotEmpty(t, affected)

	// The callback must not return until every affected room has finished
	// closing; the pool installs the replacement worker right after.
	r.RunOnWorkerDied(func(string) int { return 15 })(workerID)

	for _, roomID := range affected {
		_, _, ok := r.Get(roomID)
		assert.False(t, ok, "room %s should be closed by the time the callback returns", roomID)
	}
}

func TestResolveOwner_FallsBackToBackendAndCaches(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	// Count only owner lookups; room creation also fires a fire-and-forget
	// status POST at this same server.
	var ownerLookups int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodGet && req.URL.Path == "/internal/rooms/room-1" {
			atomic.AddInt32(&ownerLookups, 1)
		}
		json.NewEncoder(w).Encode(laravel.RoomData{RoomID: "room-1", OwnerUserID: "owner-7"})
	}))
	t.Cleanup(srv.Close)

	fake := mediaenginetest.New()
	pool, err := workerpool.New(context.Background(), fake, 2)
	require.NoError(t, err)

	r := New(svc, pool, fake, seat.NewRepository(svc), laravel.New(srv.URL, "secret", time.Second), 500, 3, 15)
	ctx := context.Background()

	// The room was created by a join carrying no ownerId, so the cached
	// state has no owner recorded.
	_, _, err = r.GetOrCreate(ctx, "room-1")
	require.NoError(t, err)

	owner, err := r.ResolveOwner(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "owner-7", owner)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ownerLookups))

	// The backend's answer is cached; a second resolve stays local.
	owner, err = r.ResolveOwner(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "owner-7", owner)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ownerLookups))

	isOwner, err := r.IsOwner(ctx, "room-1", "owner-7")
	require.NoError(t, err)
	assert.True(t, isOwner)

	r.CloseRoom(ctx, "room-1", 15)
}
