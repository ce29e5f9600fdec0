// Package fanout is the single delivery path every component uses to get a
// protocol.Message onto a websocket: direct-to-user, direct-to-room, or
// fleet-wide broadcast. A message always reaches connections held by this
// instance immediately; it is also published to Redis so sibling instances
// holding the rest of the audience can deliver their share.
package fanout

import (
	"context"

	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/clientregistry"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/usersocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// broadcastEvent names the synthetic PublishDirect channel fleet-wide
// announcements ride on (see BroadcastAll).
const broadcastEvent = "__fanout_broadcast__"

// Fanout routes messages to connections, locally when held by this
// instance and over Redis pub/sub otherwise. It satisfies
// roomregistry.Broadcaster via BroadcastRoom.
type Fanout struct {
	instanceID string
	clients    *clientregistry.Registry
	sockets    *usersocket.Registry
	bus        *bus.Service
}

// New builds a Fanout over the process-local client registry, the
// cross-instance user/socket directory, and the Redis pub/sub bus.
func New(clients *clientregistry.Registry, sockets *usersocket.Registry, busSvc *bus.Service) *Fanout {
	return &Fanout{
		instanceID: uuid.NewString(),
		clients:    clients,
		sockets:    sockets,
		bus:        busSvc,
	}
}

// ToUser delivers msg to every socket userID currently owns, locally for
// sockets this instance holds and via Redis direct-publish for the rest.
func (f *Fanout) ToUser(ctx context.Context, userID string, msg protocol.Message) {
	remote := false
	socketIDs, err := f.sockets.SocketsFor(ctx, userID)
	if err != nil {
		logging.Warn(ctx, "fanout: failed to list sockets for user", zap.String("user_id", userID), zap.Error(err))
	}
	for _, socketID := range socketIDs {
		if c, ok := f.clients.Get(socketID); ok {
			c.Send(msg, false)
		} else {
			remote = true
		}
	}
	if !remote {
		return
	}
	if err := f.bus.PublishDirect(ctx, userID, string(msg.Event), msg.Payload, f.instanceID); err != nil {
		logging.Warn(ctx, "fanout: direct publish failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// BroadcastRoom delivers msg to every connection in roomID on this
// instance, then publishes so sibling instances do the same for their
// share of the room. Satisfies roomregistry.Broadcaster.
func (f *Fanout) BroadcastRoom(ctx context.Context, roomID string, msg protocol.Message) {
	for _, c := range f.clients.InRoom(roomID) {
		c.Send(msg, false)
	}
	if err := f.bus.Publish(ctx, roomID, string(msg.Event), msg.Payload, f.instanceID, nil); err != nil {
		logging.Warn(ctx, "fanout: room publish failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// BroadcastRoomExcept behaves like BroadcastRoom but skips exceptClientID
// locally, for events a client shouldn't receive about its own action
// (room:userJoined, room:userLeft). Sibling instances still get the full
// publish since exceptClientID can only be held by this instance.
func (f *Fanout) BroadcastRoomExcept(ctx context.Context, roomID string, msg protocol.Message, exceptClientID string) {
	for _, c := range f.clients.InRoom(roomID) {
		if c.ID == exceptClientID {
			continue
		}
		c.Send(msg, false)
	}
	if err := f.bus.Publish(ctx, roomID, string(msg.Event), msg.Payload, f.instanceID, nil); err != nil {
		logging.Warn(ctx, "fanout: room publish failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// BroadcastAll delivers msg to every connection held by this instance and
// relays it to siblings over a dedicated broadcast channel. Used for
// fleet-wide announcements (spec EventRelay's userId=null, roomId=null
// case); there is no per-room or per-user scoping to rely on, so this
// piggybacks PublishDirect on a synthetic "broadcast" pseudo-user channel
// rather than adding a third Redis channel shape to bus.Service.
func (f *Fanout) BroadcastAll(ctx context.Context, msg protocol.Message) {
	f.clients.ForEach(func(c *clientregistry.Client) {
		c.Send(msg, false)
	})
	if err := f.bus.PublishDirect(ctx, broadcastEvent, string(msg.Event), msg.Payload, f.instanceID); err != nil {
		logging.Warn(ctx, "fanout: broadcast publish failed", zap.Error(err))
	}
}

// Relay subscribes to this instance's share of cross-instance traffic
// (every room channel and the synthetic broadcast channel) and redelivers
// to local connections, skipping messages this same instance originated.
// Per-user direct messages don't need a relay: PublishDirect's channel is
// named for the target user, and no instance subscribes to it except
// on-demand from StartUserRelay, called once a user connects locally.
func (f *Fanout) Relay(ctx context.Context) {
	f.bus.SubscribePattern(ctx, "msab:room:*", nil, func(channel string, p bus.PubSubPayload) {
		if p.SenderID == f.instanceID {
			return
		}
		msg := protocol.Message{Event: p.Event, Payload: p.Payload}
		for _, c := range f.clients.InRoom(p.RoomID) {
			c.Send(msg, false)
		}
	})
	f.bus.SubscribePattern(ctx, "msab:user:"+broadcastEvent, nil, func(channel string, p bus.PubSubPayload) {
		if p.SenderID == f.instanceID {
			return
		}
		msg := protocol.Message{Event: p.Event, Payload: p.Payload}
		f.clients.ForEach(func(c *clientregistry.Client) {
			c.Send(msg, false)
		})
	})
}

// StartUserRelay subscribes to userID's direct-message channel for as long
// as ctx is live, redelivering to whatever local sockets the user owns.
// The gateway calls this once per connection, right after registering the
// socket, and cancels ctx when the connection closes.
func (f *Fanout) StartUserRelay(ctx context.Context, userID string) {
	f.bus.SubscribePattern(ctx, "msab:user:"+userID, nil, func(channel string, p bus.PubSubPayload) {
		if p.SenderID == f.instanceID {
			return
		}
		msg := protocol.Message{Event: p.Event, Payload: p.Payload}
		socketIDs, err := f.sockets.SocketsFor(ctx, userID)
		if err != nil {
			return
		}
		for _, socketID := range socketIDs {
			if c, ok := f.clients.Get(socketID); ok {
				c.Send(msg, false)
			}
		}
	})
}
