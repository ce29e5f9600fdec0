// Package eventrelay subscribes to a single Redis pub/sub channel carrying
// business-backend events (wallet changes, moderation actions, room
// announcements) and routes each to the right sockets: a specific user,
// a room, or the whole fleet.
package eventrelay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// allowedEvents is the compile-time allowlist gating delivery. An event
// name absent here is rejected even if it parses and validates cleanly —
// relaying is explicit opt-in, not "whatever the backend happens to send."
var allowedEvents = map[string]struct{}{
	"wallet:balance_updated": {},
	"gift:settlement_failed": {},
	"user:banned":            {},
	"user:unbanned":          {},
	"room:announcement":      {},
	"room:force_closed":      {},
}

// ExternalEvent is the fixed schema every message on the relay channel is
// validated against. EventName is the only required field; UserID/RoomID
// are both optional and jointly determine the routing target. The
// correlation id is carried for tracing only and never affects routing.
type ExternalEvent struct {
	EventName     string          `json:"event" validate:"required"`
	UserID        string          `json:"user_id,omitempty"`
	RoomID        string          `json:"room_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Router delivers a routed message to its target. fanout.Fanout satisfies
// this directly.
type Router interface {
	ToUser(ctx context.Context, userID string, msg protocol.Message)
	BroadcastRoom(ctx context.Context, roomID string, msg protocol.Message)
	BroadcastAll(ctx context.Context, msg protocol.Message)
}

// Relay is the external-event subscriber.
type Relay struct {
	client    *redis.Client
	channel   string
	router    Router
	validator *validator.Validate
}

// New builds a Relay over channel (MSAB_EVENTS_CHANNEL) and router.
func New(client *redis.Client, channel string, router Router) *Relay {
	return &Relay{
		client:    client,
		channel:   channel,
		router:    router,
		validator: validator.New(),
	}
}

// Run subscribes to the relay channel and processes messages until ctx is
// canceled.
func (r *Relay) Run(ctx context.Context) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	logging.Info(ctx, "event relay subscribed", zap.String("channel", r.channel))
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				logging.Warn(ctx, "event relay channel closed", zap.String("channel", r.channel))
				return
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, raw string) {
	metrics.EventRelayInFlight.Inc()
	start := time.Now()
	defer func() {
		metrics.EventRelayInFlight.Dec()
		metrics.EventRelayProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	var evt ExternalEvent
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		metrics.EventRelayPublished.WithLabelValues("unknown", "rejected").Inc()
		logging.Error(ctx, "event relay: invalid JSON", zap.Error(err))
		return
	}
	if evt.Payload == nil {
		evt.Payload = json.RawMessage("{}")
	}

	if err := r.validator.Struct(evt); err != nil {
		metrics.EventRelayPublished.WithLabelValues(evt.EventName, "rejected").Inc()
		logging.Error(ctx, "event relay: schema validation failed",
			zap.String("event_name", evt.EventName), zap.String("correlation_id", evt.CorrelationID), zap.Error(err))
		return
	}

	if _, ok := allowedEvents[evt.EventName]; !ok {
		metrics.EventRelayPublished.WithLabelValues(evt.EventName, "rejected").Inc()
		logging.Error(ctx, "event relay: event not on allowlist",
			zap.String("event_name", evt.EventName), zap.String("correlation_id", evt.CorrelationID))
		return
	}

	msg := protocol.Message{Event: evt.EventName, Payload: evt.Payload}

	// Label values: "true" (routed), "error" (router panicked), "rejected"
	// (failed validation/allowlist, counted above). "false" is reserved for
	// a routed-but-undeliverable outcome; the fanout layer absorbs per-socket
	// delivery failures itself, so no current path produces it.
	status := "true"
	func() {
		defer func() {
			if p := recover(); p != nil {
				status = "error"
				logging.Error(ctx, "event relay: router panicked", zap.Any("recover", p))
			}
		}()
		switch {
		case evt.UserID != "":
			r.router.ToUser(ctx, evt.UserID, msg)
		case evt.RoomID != "":
			r.router.BroadcastRoom(ctx, evt.RoomID, msg)
		default:
			r.router.BroadcastAll(ctx, msg)
		}
	}()

	metrics.EventRelayPublished.WithLabelValues(evt.EventName, status).Inc()
}
