package handlers

import (
	"context"

	"github.com/flylive/msab/internal/v1/clientregistry"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/protocol"
	"go.uber.org/zap"
)

type transportCreatePayload struct {
	RoomID string `json:"roomId" validate:"required"`
	Role   string `json:"role" validate:"required,oneof=producer consumer"`
}

// handleTransportCreate creates a WebRTC transport on the router
// appropriate for role, enforcing the per-connection transport limit
// before asking the media cluster for one.
func (h *Handlers) handleTransportCreate(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req transportCreatePayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	if c.RoomID() != req.RoomID {
		return protocol.Fail(protocol.ErrNotInRoom)
	}
	if c.TransportCount() >= 2 {
		return protocol.Fail(protocol.ErrTransportLimitReached)
	}

	cluster, _, ok := h.deps.Rooms.Get(req.RoomID)
	if !ok {
		return protocol.Fail(protocol.ErrRoomNotFound)
	}

	params, routerID, err := cluster.CreateTransport(ctx, c.UserID, req.Role)
	if err != nil {
		logging.Error(ctx, "transport:create failed", zap.String("room_id", req.RoomID), zap.Error(err))
		return protocol.Fail(protocol.ErrInternal)
	}

	role := clientregistry.RoleConsumer
	if req.Role == "producer" {
		role = clientregistry.RoleProducer
	}
	if !c.AddTransport(params.ID, routerID, role) {
		return protocol.Fail(protocol.ErrTransportLimitReached)
	}

	return protocol.OK(map[string]any{
		"transportId":    params.ID,
		"iceParameters":  params.ICEParameters,
		"iceCandidates":  params.ICECandidates,
		"dtlsParameters": params.DTLSParameters,
		"routerId":       routerID,
	})
}

type transportConnectPayload struct {
	TransportID    string         `json:"transportId" validate:"required"`
	DtlsParameters map[string]any `json:"dtlsParameters" validate:"required"`
}

// handleTransportConnect finalizes DTLS on a transport this connection
// already created.
func (h *Handlers) handleTransportConnect(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req transportConnectPayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	if !c.HasTransport(req.TransportID) {
		return protocol.Fail(protocol.ErrTransportNotFound)
	}

	cluster, _, ok := h.deps.Rooms.Get(c.RoomID())
	if !ok {
		return protocol.Fail(protocol.ErrNotInRoom)
	}

	if err := cluster.ConnectTransport(ctx, req.TransportID, req.DtlsParameters); err != nil {
		logging.Error(ctx, "transport:connect failed", zap.String("transport_id", req.TransportID), zap.Error(err))
		return protocol.Fail(protocol.ErrInternal)
	}

	return protocol.OK(nil)
}
