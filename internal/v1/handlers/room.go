package handlers

import (
	"context"

	"github.com/flylive/msab/internal/v1/clientregistry"
	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/seat"
	"go.uber.org/zap"
)

type roomJoinPayload struct {
	RoomID    string `json:"roomId" validate:"required"`
	SeatCount int    `json:"seatCount,omitempty" validate:"omitempty,min=1,max=500"`
	OwnerID   string `json:"ownerId,omitempty"`
}

// handleRoomJoin stands up (or attaches to) roomId's MediaCluster, records
// this connection as a member, and returns a snapshot a joining client
// needs to start producing/consuming: RTP capabilities, who else is here,
// seat state, and every currently-producing speaker.
func (h *Handlers) handleRoomJoin(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req roomJoinPayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}

	cluster, _, err := h.deps.Rooms.GetOrCreate(ctx, req.RoomID)
	if err != nil {
		logging.Error(ctx, "room:join failed to get or create room", zap.String("room_id", req.RoomID), zap.Error(err))
		return protocol.Fail(protocol.ErrInternal)
	}

	state, err := h.deps.Rooms.GetState(ctx, req.RoomID)
	if err != nil {
		logging.Error(ctx, "room:join failed to read room state", zap.Error(err))
		return protocol.Fail(protocol.ErrInternal)
	}
	// seatCount is frozen after the first joiner observes it: only persist
	// an override while the room is still empty.
	if req.SeatCount > 0 && state != nil && state.ParticipantCount == 0 && req.SeatCount != state.SeatCount {
		if err := h.deps.Rooms.PersistSeatCount(ctx, req.RoomID, req.SeatCount); err != nil {
			logging.Warn(ctx, "room:join failed to persist seat count", zap.Error(err))
		} else if state != nil {
			state.SeatCount = req.SeatCount
		}
	}

	if _, err := h.deps.Rooms.SetOwnerIfAbsent(ctx, req.RoomID, req.OwnerID); err != nil {
		logging.Warn(ctx, "room:join failed to record owner", zap.Error(err))
	}

	count, err := h.deps.Rooms.AdjustParticipantCount(ctx, req.RoomID, 1)
	if err != nil {
		logging.Error(ctx, "room:join failed to adjust participant count", zap.Error(err))
		return protocol.Fail(protocol.ErrInternal)
	}

	if h.deps.Sockets != nil {
		if err := h.deps.Sockets.SetUserRoom(ctx, c.UserID, req.RoomID); err != nil {
			logging.Warn(ctx, "room:join failed to record user room", zap.Error(err))
		}
	}
	h.deps.Clients.JoinRoom(c.ID, req.RoomID)

	seatCount := h.deps.DefaultSeatCount
	if state != nil && state.SeatCount > 0 {
		seatCount = state.SeatCount
	}
	if req.SeatCount > 0 && state != nil && state.ParticipantCount == 0 {
		seatCount = req.SeatCount
	}

	resp := roomJoinResponse{Participants: []participantInfo{}, Seats: []seatInfo{}, LockedSeats: []int{}, ExistingProducers: []producerInfo{}}

	if caps, err := cluster.RouterCapabilities(ctx); err == nil {
		resp.RtpCapabilities = caps
	} else {
		logging.Warn(ctx, "room:join failed to read router capabilities", zap.Error(err))
	}

	for _, other := range h.deps.Clients.InRoom(req.RoomID) {
		if other.ID == c.ID {
			continue
		}
		resp.Participants = append(resp.Participants, participantInfo{
			UserID:       other.UserID,
			ConnectionID: other.ID,
			IsSpeaker:    other.IsSpeaker(),
		})
	}

	if seats, err := h.deps.Seats.GetSeats(ctx, req.RoomID, seatCount); err == nil {
		for _, st := range seats {
			resp.Seats = append(resp.Seats, seatInfo{Index: st.Index, UserID: st.UserID, Muted: st.Muted, Locked: st.Locked, Occupied: st.Occupied})
			if st.Locked {
				resp.LockedSeats = append(resp.LockedSeats, st.Index)
			}
		}
	} else {
		logging.Warn(ctx, "room:join failed to list seats", zap.Error(err))
	}

	for _, p := range cluster.Producers() {
		resp.ExistingProducers = append(resp.ExistingProducers, producerInfo{UserID: p.UserID, ProducerID: p.ProducerID})
	}

	h.broadcastRoomExcept(ctx, req.RoomID, c.ID, "room:userJoined", map[string]any{
		"userId":       c.UserID,
		"connectionId": c.ID,
	})

	if h.deps.Laravel != nil {
		go h.deps.Laravel.UpdateRoomStatus(context.Background(), req.RoomID, laravel.RoomStatus{IsLive: true, ParticipantCount: count})
	}

	return protocol.OK(resp)
}

type roomLeavePayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

// handleRoomLeave vacates any seat the connection holds, tears down its
// media resources for the room, and clears every membership index so a
// later room:join starts clean.
func (h *Handlers) handleRoomLeave(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req roomLeavePayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	if c.RoomID() != req.RoomID || req.RoomID == "" {
		return protocol.Fail(protocol.ErrNotInRoom)
	}

	h.leaveRoom(ctx, c, req.RoomID)
	return protocol.OK(nil)
}

// leaveRoom is the shared teardown behind room:leave and an ungraceful
// disconnect: vacate any held seat, release media resources, and clear
// every membership index.
func (h *Handlers) leaveRoom(ctx context.Context, c *clientregistry.Client, roomID string) {
	if idx, err := h.deps.Seats.Leave(ctx, roomID, c.UserID); err == nil {
		h.broadcastRoom(ctx, roomID, "seat:cleared", map[string]any{"seatIndex": idx})
	} else if err != seat.ErrNotSeated {
		logging.Warn(ctx, "room:leave failed to clear seat", zap.Error(err))
	}

	if cluster, det, ok := h.deps.Rooms.Get(roomID); ok {
		if producerID, hasProducer := c.ProducerID("audio"); hasProducer {
			if err := cluster.RemoveProducer(ctx, c.UserID); err != nil {
				logging.Warn(ctx, "room:leave failed to remove producer", zap.Error(err))
			}
			if det != nil {
				det.Remove(producerID)
			}
		}
		cluster.ReleaseListener(c.UserID)
	}

	h.deps.Clients.LeaveRoom(c.ID)
	c.ResetSession()

	if h.deps.Sockets != nil {
		if err := h.deps.Sockets.ClearUserRoom(ctx, c.UserID); err != nil {
			logging.Warn(ctx, "room:leave failed to clear user room", zap.Error(err))
		}
	}

	if _, err := h.deps.Rooms.AdjustParticipantCount(ctx, roomID, -1); err != nil {
		logging.Warn(ctx, "room:leave failed to adjust participant count", zap.Error(err))
	}

	h.broadcastRoom(ctx, roomID, "room:userLeft", map[string]any{"userId": c.UserID, "connectionId": c.ID})
}
