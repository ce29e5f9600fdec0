package handlers

import (
	"context"

	"github.com/flylive/msab/internal/v1/clientregistry"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/protocol"
	"go.uber.org/zap"
)

type audioProducePayload struct {
	TransportID   string         `json:"transportId" validate:"required"`
	Kind          string         `json:"kind" validate:"required"`
	RtpParameters map[string]any `json:"rtpParameters" validate:"required"`
}

// handleAudioProduce creates a producer on the connection's producer
// transport, registers it with the source router's audio observer so it
// starts contributing dominantspeaker events, and pipes it to every
// distribution router (all inside Cluster.AddProducer) before the
// new-producer broadcast goes out — the pipe-then-notify invariant.
func (h *Handlers) handleAudioProduce(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req audioProducePayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	role, ok := c.TransportRole(req.TransportID)
	if !ok || role != clientregistry.RoleProducer {
		return protocol.Fail(protocol.ErrTransportNotFound)
	}

	cluster, _, ok := h.deps.Rooms.Get(c.RoomID())
	if !ok {
		return protocol.Fail(protocol.ErrNotInRoom)
	}

	producerID, err := cluster.AddProducer(ctx, c.UserID, req.TransportID, req.Kind, req.RtpParameters)
	if err != nil {
		logging.Error(ctx, "audio:produce failed", zap.String("user_id", c.UserID), zap.Error(err))
		return protocol.Fail(protocol.ErrInternal)
	}
	c.AddProducer(req.Kind, producerID)

	h.broadcastRoomExcept(ctx, c.RoomID(), c.ID, "audio:newProducer", producerInfo{UserID: c.UserID, ProducerID: producerID})

	return protocol.OK(map[string]any{"producerId": producerID})
}

type audioConsumePayload struct {
	TransportID string `json:"transportId" validate:"required"`
	ProducerID  string `json:"producerId" validate:"required"`
}

// handleAudioConsume creates a paused consumer for producerId on the
// connection's consumer transport.
func (h *Handlers) handleAudioConsume(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req audioConsumePayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	role, ok := c.TransportRole(req.TransportID)
	if !ok || role != clientregistry.RoleConsumer {
		return protocol.Fail(protocol.ErrTransportNotFound)
	}
	routerID, _ := c.RouterForTransport(req.TransportID)

	cluster, _, ok := h.deps.Rooms.Get(c.RoomID())
	if !ok {
		return protocol.Fail(protocol.ErrNotInRoom)
	}

	consumerID, err := cluster.Consume(ctx, req.TransportID, routerID, req.ProducerID)
	if err != nil {
		logging.Warn(ctx, "audio:consume rejected", zap.String("producer_id", req.ProducerID), zap.Error(err))
		return protocol.Fail(protocol.ErrCannotConsume)
	}
	c.AddConsumer(req.ProducerID, consumerID)

	return protocol.OK(map[string]any{"consumerId": consumerID, "producerId": req.ProducerID})
}

type consumerResumePayload struct {
	ConsumerID string `json:"consumerId" validate:"required"`
}

// handleConsumerResume resumes consumerId only if its source producer is
// currently in the active-speaker set; otherwise it defers, since the
// detector will resume it itself the moment that producer becomes active.
func (h *Handlers) handleConsumerResume(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req consumerResumePayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	source, ok := c.SourceForConsumer(req.ConsumerID)
	if !ok {
		return protocol.Fail(protocol.ErrConsumerNotFound)
	}

	cluster, _, ok := h.deps.Rooms.Get(c.RoomID())
	if !ok {
		return protocol.Fail(protocol.ErrNotInRoom)
	}

	if !cluster.IsActiveSpeaker(source) {
		return protocol.OK(map[string]any{"deferred": true})
	}
	if err := cluster.ResumeConsumer(ctx, req.ConsumerID); err != nil {
		logging.Error(ctx, "consumer:resume failed", zap.String("consumer_id", req.ConsumerID), zap.Error(err))
		return protocol.Fail(protocol.ErrInternal)
	}
	return protocol.OK(map[string]any{"deferred": false})
}

// handleAudioSelfMute pauses the connection's own producer.
func (h *Handlers) handleAudioSelfMute(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	return h.setSelfMuted(ctx, c, true)
}

// handleAudioSelfUnmute resumes the connection's own producer.
func (h *Handlers) handleAudioSelfUnmute(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	return h.setSelfMuted(ctx, c, false)
}

func (h *Handlers) setSelfMuted(ctx context.Context, c *clientregistry.Client, muted bool) protocol.Ack {
	producerID, ok := c.ProducerID("audio")
	if !ok {
		return protocol.Fail(protocol.ErrProducerNotFound)
	}
	cluster, _, ok := h.deps.Rooms.Get(c.RoomID())
	if !ok {
		return protocol.Fail(protocol.ErrNotInRoom)
	}

	var err error
	if muted {
		err = cluster.PauseProducer(ctx, producerID)
	} else {
		err = cluster.ResumeProducer(ctx, producerID)
	}
	if err != nil {
		logging.Error(ctx, "self mute toggle failed", zap.String("user_id", c.UserID), zap.Bool("muted", muted), zap.Error(err))
		return protocol.Fail(protocol.ErrInternal)
	}

	h.broadcastRoom(ctx, c.RoomID(), "seat:userMuted", map[string]any{
		"userId":     c.UserID,
		"muted":      muted,
		"selfMuted":  true,
	})
	return protocol.OK(nil)
}
