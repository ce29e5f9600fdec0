package handlers

import (
	"context"

	"github.com/flylive/msab/internal/v1/clientregistry"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/protocol"
	"go.uber.org/zap"
)

// HandleDisconnect runs the room:leave teardown for a connection that went
// away without sending room:leave itself (socket closed, network drop).
// A no-op for a connection that was never in a room.
func (h *Handlers) HandleDisconnect(ctx context.Context, c *clientregistry.Client) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	h.leaveRoom(ctx, c, roomID)
}

// seatCountFor returns roomID's persisted seat count, falling back to the
// configured default for a room whose state hasn't been read yet.
func (h *Handlers) seatCountFor(ctx context.Context, roomID string) int {
	state, err := h.deps.Rooms.GetState(ctx, roomID)
	if err != nil || state == nil || state.SeatCount <= 0 {
		return h.deps.DefaultSeatCount
	}
	return state.SeatCount
}

// isManager reports whether userID may perform seat-admin operations in
// roomID: the owner — resolved through the business backend when the
// cached room state has none recorded — or anyone at all if the room has
// no owner anywhere (an ownerless room is unrestricted — see DESIGN.md).
func (h *Handlers) isManager(ctx context.Context, roomID, userID string) bool {
	owner, err := h.deps.Rooms.ResolveOwner(ctx, roomID)
	if err != nil {
		return false
	}
	if owner == "" {
		return true
	}
	return owner == userID
}

// findClientByUserID scans roomID's connections for one belonging to
// userID. A user may hold only one seat per room, but may have several
// connections; the first speaking connection found is used since only a
// speaker's producer needs pausing/closing.
func (h *Handlers) findClientByUserID(roomID, userID string) *clientregistry.Client {
	for _, cl := range h.deps.Clients.InRoom(roomID) {
		if cl.UserID == userID && cl.IsSpeaker() {
			return cl
		}
	}
	return nil
}

// broadcastRoom builds and emits msg to every connection in roomID,
// logging (never failing the caller) if the payload can't be marshaled.
func (h *Handlers) broadcastRoom(ctx context.Context, roomID, event string, payload any) {
	msg, err := protocol.NewMessage(event, payload)
	if err != nil {
		logging.Error(ctx, "failed to build broadcast message", zap.String("event", event), zap.Error(err))
		return
	}
	h.deps.Fanout.BroadcastRoom(ctx, roomID, msg)
}

// broadcastRoomExcept is broadcastRoom, excluding one connection (the
// sender, which already knows the outcome via its own ack).
func (h *Handlers) broadcastRoomExcept(ctx context.Context, roomID, exceptClientID, event string, payload any) {
	msg, err := protocol.NewMessage(event, payload)
	if err != nil {
		logging.Error(ctx, "failed to build broadcast message", zap.String("event", event), zap.Error(err))
		return
	}
	h.deps.Fanout.BroadcastRoomExcept(ctx, roomID, msg, exceptClientID)
}

// sendToUser builds and delivers msg to every socket userID has open,
// across the fleet.
func (h *Handlers) sendToUser(ctx context.Context, userID, event string, payload any) {
	msg, err := protocol.NewMessage(event, payload)
	if err != nil {
		logging.Error(ctx, "failed to build user message", zap.String("event", event), zap.Error(err))
		return
	}
	h.deps.Fanout.ToUser(ctx, userID, msg)
}
