// Package usersocket is the cross-instance userId->{socketIds} and
// userId->roomId directory. Every instance in the fleet reads and writes
// the same Redis-backed records so EventRelay and room handlers can find
// a user regardless of which instance accepted their connection.
package usersocket

import (
	"context"
	"fmt"
	"time"

	"github.com/flylive/msab/internal/v1/bus"
	"github.com/redis/go-redis/v9"
)

const ttl = 24 * time.Hour

// unregisterScript atomically removes a socket from a user's set and
// deletes the set entirely once it's empty, so no fleet-wide sweep is
// needed to clean up abandoned one-member sets.
var unregisterScript = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
if redis.call("SCARD", KEYS[1]) == 0 then
	redis.call("DEL", KEYS[1])
end
return "OK"
`)

// Registry is the Redis-backed user<->socket directory.
type Registry struct {
	redis *bus.Service
}

// New builds a Registry over an existing Redis-backed bus.Service.
func New(redisSvc *bus.Service) *Registry {
	return &Registry{redis: redisSvc}
}

func socketsKey(userID string) string { return fmt.Sprintf("user:%s:sockets", userID) }
func roomKey(userID string) string    { return fmt.Sprintf("user:%s:room", userID) }

// RegisterSocket records that socketID belongs to userID, refreshing the
// set's TTL so idle-but-connected users don't expire out of the directory.
func (r *Registry) RegisterSocket(ctx context.Context, userID, socketID string) error {
	client := r.redis.Client()
	if client == nil {
		return nil
	}
	pipe := client.TxPipeline()
	pipe.SAdd(ctx, socketsKey(userID), socketID)
	pipe.Expire(ctx, socketsKey(userID), ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to register socket for user %s: %w", userID, err)
	}
	return nil
}

// UnregisterSocket removes socketID from userID's set, deleting the set
// once it's the last member.
func (r *Registry) UnregisterSocket(ctx context.Context, userID, socketID string) error {
	client := r.redis.Client()
	if client == nil {
		return nil
	}
	if err := unregisterScript.Run(ctx, client, []string{socketsKey(userID)}, socketID).Err(); err != nil {
		return fmt.Errorf("failed to unregister socket for user %s: %w", userID, err)
	}
	return nil
}

// SocketsFor returns every socket ID currently registered for userID.
func (r *Registry) SocketsFor(ctx context.Context, userID string) ([]string, error) {
	client := r.redis.Client()
	if client == nil {
		return nil, nil
	}
	sockets, err := client.SMembers(ctx, socketsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sockets for user %s: %w", userID, err)
	}
	return sockets, nil
}

// SetUserRoom records which room userID is currently in.
func (r *Registry) SetUserRoom(ctx context.Context, userID, roomID string) error {
	client := r.redis.Client()
	if client == nil {
		return nil
	}
	if err := client.Set(ctx, roomKey(userID), roomID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set room for user %s: %w", userID, err)
	}
	return nil
}

// ClearUserRoom removes userID's current-room record.
func (r *Registry) ClearUserRoom(ctx context.Context, userID string) error {
	client := r.redis.Client()
	if client == nil {
		return nil
	}
	if err := client.Del(ctx, roomKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear room for user %s: %w", userID, err)
	}
	return nil
}

// GetUserRoom returns the room userID is currently in, or "" if none.
func (r *Registry) GetUserRoom(ctx context.Context, userID string) (string, error) {
	client := r.redis.Client()
	if client == nil {
		return "", nil
	}
	roomID, err := client.Get(ctx, roomKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get room for user %s: %w", userID, err)
	}
	return roomID, nil
}
