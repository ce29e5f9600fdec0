// Package roomregistry owns the lifecycle of rooms on this instance: a
// race-safe singleton MediaCluster+ActiveSpeakerDetector per room, backed
// by a Redis-persisted room state record shared across the fleet.
package roomregistry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/mediacluster"
	"github.com/flylive/msab/internal/v1/mediaengine"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/seat"
	"github.com/flylive/msab/internal/v1/speaker"
	"github.com/flylive/msab/internal/v1/workerpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Broadcaster emits a message to every connection currently in roomID. The
// concrete implementation is fanout.Fanout, which delivers to local
// connections and publishes for sibling instances; Registry only needs this
// narrow view so it can drive the speaker:active broadcast without importing
// fanout.
type Broadcaster interface {
	BroadcastRoom(ctx context.Context, roomID string, msg protocol.Message)
}

const roomStateTTL = 24 * time.Hour

// initScript creates room:state:{roomId} exactly once; concurrent callers
// racing getOrCreate all see the same initial values.
var initScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("HSET", KEYS[1], "seatCount", ARGV[1], "status", "active", "participantCount", "0", "lastActivityAtMs", ARGV[2])
end
redis.call("EXPIRE", KEYS[1], ARGV[3])
return redis.call("HGETALL", KEYS[1])
`)

// adjustScript atomically updates participant count and activity time,
// returning the new count.
var adjustScript = redis.NewScript(`
local count = redis.call("HINCRBY", KEYS[1], "participantCount", ARGV[1])
redis.call("HSET", KEYS[1], "lastActivityAtMs", ARGV[2])
redis.call("EXPIRE", KEYS[1], ARGV[3])
return count
`)

func stateKey(roomID string) string { return fmt.Sprintf("room:state:%s", roomID) }

// State is the persisted, fleet-shared room record.
type State struct {
	SeatCount        int
	Status           string
	ParticipantCount int
	LastActivityAtMs int64
	OwnerUserID      string
}

// setOwnerScript records the first-seen owner of a room and never
// overwrites it afterward, so a reconnecting owner's room:join can't
// accidentally hand ownership to someone else's join payload.
var setOwnerScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "ownerUserId") == 0 then
	redis.call("HSET", KEYS[1], "ownerUserId", ARGV[1])
	redis.call("EXPIRE", KEYS[1], ARGV[2])
	return ARGV[1]
end
return redis.call("HGET", KEYS[1], "ownerUserId")
`)

// room is the in-memory record this instance holds for a room it created
// a MediaCluster for.
type room struct {
	ID        string
	Cluster   *mediacluster.Cluster
	Detector  *speaker.Detector
	cancel    context.CancelFunc // stops this room's dominant-speaker watch loop
	ready     chan struct{}      // closed once construction finishes (success or failure)
	createErr error
}

// Registry owns every room this instance has an active MediaCluster for.
type Registry struct {
	redis    *bus.Service
	pool     *workerpool.Pool
	engine   mediaengine.Engine
	seats    *seat.Repository
	laravel  *laravel.Client
	maxListenersPerRouter int
	maxActiveSpeakers     int
	defaultSeatCount      int
	broadcaster           Broadcaster

	mu    sync.Mutex
	rooms map[string]*room
}

// SetBroadcaster wires the room-broadcast sink used to emit speaker:active
// when the active-speaker set changes. Must be called before the first
// GetOrCreate if the caller wants that broadcast; left nil, the detector
// still drives consumer pause/resume, it just emits no broadcast (useful
// in tests that don't stand up a ClientRegistry).
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.broadcaster = b
}

// New builds a Registry. defaultSeatCount is used when a room is created
// without an explicit seatCount.
func New(redisSvc *bus.Service, pool *workerpool.Pool, engine mediaengine.Engine, seats *seat.Repository, laravelClient *laravel.Client, maxListenersPerRouter, maxActiveSpeakers, defaultSeatCount int) *Registry {
	return &Registry{
		redis:                 redisSvc,
		pool:                  pool,
		engine:                engine,
		seats:                 seats,
		laravel:               laravelClient,
		maxListenersPerRouter: maxListenersPerRouter,
		maxActiveSpeakers:     maxActiveSpeakers,
		defaultSeatCount:      defaultSeatCount,
		rooms:                 make(map[string]*room),
	}
}

// GetOrCreate returns the MediaCluster and detector for roomID, creating
// them on first use. Concurrent callers for the same roomId coalesce onto
// a single construction via the room's ready channel.
func (r *Registry) GetOrCreate(ctx context.Context, roomID string) (*mediacluster.Cluster, *speaker.Detector, error) {
	r.mu.Lock()
	if existing, ok := r.rooms[roomID]; ok {
		r.mu.Unlock()
		<-existing.ready
		if existing.createErr != nil {
			return nil, nil, existing.createErr
		}
		return existing.Cluster, existing.Detector, nil
	}

	rm := &room{ID: roomID, ready: make(chan struct{})}
	r.rooms[roomID] = rm
	r.mu.Unlock()

	cluster, err := mediacluster.New(ctx, roomID, r.pool, r.engine, r.maxListenersPerRouter)
	if err != nil {
		rm.createErr = fmt.Errorf("failed to create media cluster for room %s: %w", roomID, err)
		close(rm.ready)
		r.mu.Lock()
		delete(r.rooms, roomID)
		r.mu.Unlock()
		return nil, nil, rm.createErr
	}

	detector := speaker.New(r.maxActiveSpeakers, 10*time.Second)
	detector.OnSetChanged(func(active []string) {
		bgCtx := context.Background()
		cluster.UpdateActiveSpeakers(bgCtx, active)
		if r.broadcaster == nil {
			return
		}

		dominantProducerID := detector.Dominant()
		dominantUserID, _ := cluster.SpeakerForProducer(dominantProducerID)
		activeUserIDs := make([]string, 0, len(active))
		for _, producerID := range active {
			if userID, ok := cluster.SpeakerForProducer(producerID); ok {
				activeUserIDs = append(activeUserIDs, userID)
			}
		}

		msg, err := protocol.NewMessage("speaker:active", map[string]any{
			"dominantSpeakerUserId": dominantUserID,
			"activeUserIds":         activeUserIDs,
		})
		if err != nil {
			logging.Error(bgCtx, "failed to build speaker:active broadcast", zap.Error(err))
			return
		}
		r.broadcaster.BroadcastRoom(bgCtx, roomID, msg)
	})

	roomCtx, cancel := context.WithCancel(context.Background())
	go r.watchDominantSpeakers(roomCtx, roomID, cluster, detector)

	rm.Cluster = cluster
	rm.Detector = detector
	rm.cancel = cancel
	close(rm.ready)

	now := time.Now().UnixMilli()
	if client := r.redis.Client(); client != nil {
		if _, err := initScript.Run(ctx, client, []string{stateKey(roomID)},
			r.defaultSeatCount, now, int(roomStateTTL.Seconds())).Result(); err != nil {
			logging.Warn(ctx, "failed to persist initial room state", zap.Error(err))
		}
	}

	metrics.ActiveRooms.Inc()

	if r.laravel != nil {
		go r.laravel.UpdateRoomStatus(context.Background(), roomID, laravel.RoomStatus{IsLive: true})
	}

	return cluster, detector, nil
}

// watchDominantSpeakers subscribes to the room's source router's audio
// observer and feeds every "dominantspeaker" notification into detector
// until ctx is canceled (on room close) or the media engine ends the
// stream, in which case it reconnects after a short backoff rather than
// leaving the room's active-speaker set frozen.
func (r *Registry) watchDominantSpeakers(ctx context.Context, roomID string, cluster *mediacluster.Cluster, detector *speaker.Detector) {
	for {
		events, err := r.engine.WatchDominantSpeaker(ctx, cluster.SourceRouterID())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn(ctx, "failed to open dominant-speaker watch, retrying", zap.String("room_id", roomID), zap.Error(err))
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		for ev := range events {
			detector.Report(ev.ProducerID, time.Now())
		}

		if ctx.Err() != nil {
			return
		}
		// The stream ended without ctx being canceled; the room is still
		// open, so reconnect.
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// Get returns the MediaCluster and detector for an already-created roomID,
// without creating one. Used by handlers that must not stand up a new room
// for an event that implies one already exists (room:leave, transport
// operations, media operations).
func (r *Registry) Get(roomID string) (*mediacluster.Cluster, *speaker.Detector, bool) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	<-rm.ready
	if rm.createErr != nil {
		return nil, nil, false
	}
	return rm.Cluster, rm.Detector, true
}

// AdjustParticipantCount atomically changes roomId's participant count by
// delta (±1) and refreshes its activity timestamp, returning the new count.
func (r *Registry) AdjustParticipantCount(ctx context.Context, roomID string, delta int) (int, error) {
	client := r.redis.Client()
	if client == nil {
		return 0, nil
	}
	now := time.Now().UnixMilli()
	res, err := adjustScript.Run(ctx, client, []string{stateKey(roomID)}, delta, now, int(roomStateTTL.Seconds())).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to adjust participant count for room %s: %w", roomID, err)
	}
	count, err := toInt64(res)
	if err != nil {
		return 0, err
	}
	metrics.RoomParticipants.WithLabelValues(roomID).Set(float64(count))
	return int(count), nil
}

// GetState reads roomId's persisted state record.
func (r *Registry) GetState(ctx context.Context, roomID string) (*State, error) {
	client := r.redis.Client()
	if client == nil {
		return nil, nil
	}
	fields, err := client.HGetAll(ctx, stateKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read state for room %s: %w", roomID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	seatCount, _ := strconv.Atoi(fields["seatCount"])
	participantCount, _ := strconv.Atoi(fields["participantCount"])
	lastActivity, _ := strconv.ParseInt(fields["lastActivityAtMs"], 10, 64)

	return &State{
		SeatCount:        seatCount,
		Status:           fields["status"],
		ParticipantCount: participantCount,
		LastActivityAtMs: lastActivity,
		OwnerUserID:      fields["ownerUserId"],
	}, nil
}

// SetOwnerIfAbsent records ownerUserID as roomId's owner the first time it
// is called for that room and is a no-op afterward, returning whichever
// owner ended up recorded. Pass an empty ownerUserID when room:join carried
// none; the room simply has no recorded owner until someone does.
func (r *Registry) SetOwnerIfAbsent(ctx context.Context, roomID, ownerUserID string) (string, error) {
	if ownerUserID == "" {
		return "", nil
	}
	client := r.redis.Client()
	if client == nil {
		return ownerUserID, nil
	}
	res, err := setOwnerScript.Run(ctx, client, []string{stateKey(roomID)}, ownerUserID, int(roomStateTTL.Seconds())).Result()
	if err != nil {
		return "", fmt.Errorf("failed to set owner for room %s: %w", roomID, err)
	}
	owner, _ := res.(string)
	return owner, nil
}

// ResolveOwner returns roomId's owner. When the cached room state has none
// recorded — the state was created by a join that carried no ownerId, or
// it TTL-expired and was re-created while the business backend still knows
// the room — it falls back to the backend's room record and caches the
// answer so the next check stays local. Returns "" for a genuinely
// ownerless room; a backend error is treated the same way (and logged)
// rather than locking every seat-admin operation behind backend uptime.
func (r *Registry) ResolveOwner(ctx context.Context, roomID string) (string, error) {
	state, err := r.GetState(ctx, roomID)
	if err != nil {
		return "", err
	}
	if state != nil && state.OwnerUserID != "" {
		return state.OwnerUserID, nil
	}

	if r.laravel == nil {
		return "", nil
	}
	data, err := r.laravel.GetRoomData(ctx, roomID)
	if err != nil {
		logging.Warn(ctx, "owner lookup fell back to backend and failed, treating room as ownerless",
			zap.String("room_id", roomID), zap.Error(err))
		return "", nil
	}
	if data.OwnerUserID == "" {
		return "", nil
	}
	if _, err := r.SetOwnerIfAbsent(ctx, roomID, data.OwnerUserID); err != nil {
		logging.Warn(ctx, "failed to cache backend-resolved owner", zap.String("room_id", roomID), zap.Error(err))
	}
	return data.OwnerUserID, nil
}

// IsOwner reports whether userID is roomId's owner, resolving through the
// backend on a cache miss. A room with no owner anywhere has no owner, so
// this is always false for it — callers that need to treat an ownerless
// room as unrestricted handle that separately.
func (r *Registry) IsOwner(ctx context.Context, roomID, userID string) (bool, error) {
	owner, err := r.ResolveOwner(ctx, roomID)
	if err != nil {
		return false, err
	}
	if owner == "" {
		return false, nil
	}
	return owner == userID, nil
}

// PersistSeatCount overwrites the stored seatCount for roomId. Callers
// must only call this for a freshly created room, before any other joiner
// has observed the default — seatCount is frozen after the first join.
func (r *Registry) PersistSeatCount(ctx context.Context, roomID string, seatCount int) error {
	client := r.redis.Client()
	if client == nil {
		return nil
	}
	if err := client.HSet(ctx, stateKey(roomID), "seatCount", seatCount).Err(); err != nil {
		return fmt.Errorf("failed to persist seat count for room %s: %w", roomID, err)
	}
	return nil
}

// CloseRoom tears down roomId: closes its MediaCluster and detector,
// clears seat state, reports liveness to the business backend, and drops
// the in-memory entry. Broadcasting room:closed to connected clients is
// the caller's responsibility (it owns the client registry).
func (r *Registry) CloseRoom(ctx context.Context, roomID string, seatCount int) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	delete(r.rooms, roomID)
	r.mu.Unlock()
	if !ok {
		return
	}
	<-rm.ready

	if rm.cancel != nil {
		rm.cancel()
	}

	if rm.Cluster != nil {
		rm.Cluster.Close(ctx)
	}

	if r.seats != nil {
		if err := r.seats.ClearRoom(ctx, roomID, seatCount); err != nil {
			logging.Error(ctx, "failed to clear seat state on room close", zap.String("room_id", roomID), zap.Error(err))
		}
	}

	if client := r.redis.Client(); client != nil {
		if err := client.Del(ctx, stateKey(roomID)).Err(); err != nil {
			logging.Error(ctx, "failed to delete room state on close", zap.String("room_id", roomID), zap.Error(err))
		}
	}

	if r.laravel != nil {
		go r.laravel.UpdateRoomStatus(context.Background(), roomID, laravel.RoomStatus{IsLive: false})
	}

	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(roomID)
}

// RoomsUsingWorker returns the IDs of every locally-owned room whose
// cluster currently occupies workerID, for worker-death recovery.
func (r *Registry) RoomsUsingWorker(workerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var affected []string
	for id, rm := range r.rooms {
		select {
		case <-rm.ready:
		default:
			continue // still constructing; can't have touched any worker yet
		}
		if rm.Cluster == nil {
			continue
		}
		for _, w := range rm.Cluster.WorkerIDs() {
			if w == workerID {
				affected = append(affected, id)
				break
			}
		}
	}
	return affected
}

// StaleRooms returns the IDs of locally-owned rooms whose last recorded
// activity is older than threshold, for the auto-close job.
func (r *Registry) StaleRooms(ctx context.Context, threshold time.Duration) []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	cutoff := time.Now().Add(-threshold).UnixMilli()
	var stale []string
	for _, id := range ids {
		state, err := r.GetState(ctx, id)
		if err != nil || state == nil {
			continue
		}
		if state.LastActivityAtMs < cutoff {
			stale = append(stale, id)
		}
	}
	return stale
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected script result type %T", v)
	}
}
