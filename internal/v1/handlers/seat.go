package handlers

import (
	"context"

	"github.com/flylive/msab/internal/v1/clientregistry"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/seat"
	"go.uber.org/zap"
)

func seatError(err error) protocol.ErrorCode {
	switch err {
	case seat.ErrSeatOccupied:
		return protocol.ErrSeatTaken
	case seat.ErrSeatLocked:
		return protocol.ErrSeatLocked
	case seat.ErrSeatOutOfRange:
		return protocol.ErrSeatOutOfRange
	case seat.ErrAlreadySeated:
		return protocol.ErrAlreadySeated
	case seat.ErrNotSeated:
		return protocol.ErrUserNotSeated
	case seat.ErrAlreadyLocked:
		return protocol.ErrSeatAlreadyLocked
	case seat.ErrNotLocked:
		return protocol.ErrSeatNotLocked
	case seat.ErrInvitePending:
		return protocol.ErrInvitePending
	case seat.ErrNoInvite:
		return protocol.ErrNoInvite
	default:
		return protocol.ErrInternal
	}
}

type seatTakePayload struct {
	RoomID    string `json:"roomId" validate:"required"`
	SeatIndex int    `json:"seatIndex" validate:"gte=0"`
}

func (h *Handlers) handleSeatTake(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req seatTakePayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	if c.RoomID() != req.RoomID {
		return protocol.Fail(protocol.ErrNotInRoom)
	}
	if err := h.deps.Seats.Take(ctx, req.RoomID, req.SeatIndex, c.UserID, h.seatCountFor(ctx, req.RoomID)); err != nil {
		return protocol.Fail(seatError(err))
	}
	h.broadcastRoom(ctx, req.RoomID, "seat:updated", map[string]any{"seatIndex": req.SeatIndex, "userId": c.UserID, "isMuted": false})
	return protocol.OK(nil)
}

type seatLeavePayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

func (h *Handlers) handleSeatLeave(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req seatLeavePayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	idx, err := h.deps.Seats.Leave(ctx, req.RoomID, c.UserID)
	if err != nil {
		return protocol.Fail(seatError(err))
	}
	h.broadcastRoom(ctx, req.RoomID, "seat:cleared", map[string]any{"seatIndex": idx})
	return protocol.OK(nil)
}

type seatAssignPayload struct {
	RoomID    string `json:"roomId" validate:"required"`
	SeatIndex int    `json:"seatIndex" validate:"gte=0"`
	UserID    string `json:"userId" validate:"required"`
}

func (h *Handlers) handleSeatAssign(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req seatAssignPayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	if !h.isManager(ctx, req.RoomID, c.UserID) {
		return protocol.Fail(protocol.ErrNotAuthorized)
	}
	if err := h.deps.Seats.Assign(ctx, req.RoomID, req.SeatIndex, req.UserID, h.seatCountFor(ctx, req.RoomID)); err != nil {
		if err == seat.ErrSeatOccupied {
			return protocol.Fail(protocol.ErrSeatOccupied)
		}
		return protocol.Fail(seatError(err))
	}
	h.broadcastRoom(ctx, req.RoomID, "seat:updated", map[string]any{"seatIndex": req.SeatIndex, "userId": req.UserID, "isMuted": false})
	return protocol.OK(nil)
}

type seatRemovePayload struct {
	RoomID string `json:"roomId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

func (h *Handlers) handleSeatRemove(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req seatRemovePayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	if !h.isManager(ctx, req.RoomID, c.UserID) {
		return protocol.Fail(protocol.ErrNotAuthorized)
	}
	idx, err := h.deps.Seats.Remove(ctx, req.RoomID, req.UserID)
	if err != nil {
		return protocol.Fail(seatError(err))
	}
	h.broadcastRoom(ctx, req.RoomID, "seat:cleared", map[string]any{"seatIndex": idx})
	return protocol.OK(nil)
}

type seatMutePayload struct {
	RoomID    string `json:"roomId" validate:"required"`
	SeatIndex int    `json:"seatIndex" validate:"gte=0"`
	Muted     bool   `json:"muted"`
}

func (h *Handlers) handleSeatMute(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	return h.setSeatMuted(ctx, c, payload, true)
}

func (h *Handlers) handleSeatUnmute(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	return h.setSeatMuted(ctx, c, payload, false)
}

// setSeatMuted implements both seat:mute and seat:unmute: forceMuted pins
// the mute flag the handler is acting on, independent of whatever the
// payload's muted field happens to carry (seat:unmute always unmutes).
func (h *Handlers) setSeatMuted(ctx context.Context, c *clientregistry.Client, payload []byte, forceMuted bool) protocol.Ack {
	var req seatMutePayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	if !h.isManager(ctx, req.RoomID, c.UserID) {
		return protocol.Fail(protocol.ErrNotAuthorized)
	}
	if err := h.deps.Seats.SetMuted(ctx, req.RoomID, req.SeatIndex, forceMuted); err != nil {
		return protocol.Fail(seatError(err))
	}

	if st, err := h.deps.Seats.Get(ctx, req.RoomID, req.SeatIndex); err == nil && st.Occupied {
		if cluster, _, ok := h.deps.Rooms.Get(req.RoomID); ok {
			if target := h.findClientByUserID(req.RoomID, st.UserID); target != nil {
				if producerID, ok := target.ProducerID("audio"); ok {
					var pauseErr error
					if forceMuted {
						pauseErr = cluster.PauseProducer(ctx, producerID)
					} else {
						pauseErr = cluster.ResumeProducer(ctx, producerID)
					}
					if pauseErr != nil {
						logging.Error(ctx, "seat mute failed to toggle producer", zap.Error(pauseErr))
					}
				}
			}
		}
		h.broadcastRoom(ctx, req.RoomID, "seat:userMuted", map[string]any{
			"seatIndex": req.SeatIndex,
			"userId":    st.UserID,
			"muted":     forceMuted,
			"selfMuted": false,
		})
	}

	return protocol.OK(nil)
}

type seatLockPayload struct {
	RoomID    string `json:"roomId" validate:"required"`
	SeatIndex int    `json:"seatIndex" validate:"gte=0"`
}

func (h *Handlers) handleSeatLock(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req seatLockPayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	if !h.isManager(ctx, req.RoomID, c.UserID) {
		return protocol.Fail(protocol.ErrNotAuthorized)
	}
	kicked, err := h.deps.Seats.Lock(ctx, req.RoomID, req.SeatIndex)
	if err != nil {
		return protocol.Fail(seatError(err))
	}

	if kicked != "" {
		if cluster, det, ok := h.deps.Rooms.Get(req.RoomID); ok {
			if target := h.findClientByUserID(req.RoomID, kicked); target != nil {
				producerID, hadProducer := target.ProducerID("audio")
				if err := cluster.RemoveProducer(ctx, kicked); err != nil {
					logging.Error(ctx, "seat lock failed to close kicked occupant's producer", zap.Error(err))
				}
				if hadProducer && det != nil {
					det.Remove(producerID)
				}
				target.RemoveProducer("audio")
			}
		}
		h.broadcastRoom(ctx, req.RoomID, "seat:cleared", map[string]any{"seatIndex": req.SeatIndex})
	}

	h.broadcastRoom(ctx, req.RoomID, "seat:locked", map[string]any{"seatIndex": req.SeatIndex, "isLocked": true})
	return protocol.OK(nil)
}

type seatUnlockPayload struct {
	RoomID    string `json:"roomId" validate:"required"`
	SeatIndex int    `json:"seatIndex" validate:"gte=0"`
}

func (h *Handlers) handleSeatUnlock(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req seatUnlockPayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	if !h.isManager(ctx, req.RoomID, c.UserID) {
		return protocol.Fail(protocol.ErrNotAuthorized)
	}
	if err := h.deps.Seats.Unlock(ctx, req.RoomID, req.SeatIndex); err != nil {
		return protocol.Fail(seatError(err))
	}
	h.broadcastRoom(ctx, req.RoomID, "seat:locked", map[string]any{"seatIndex": req.SeatIndex, "isLocked": false})
	return protocol.OK(nil)
}

type seatInvitePayload struct {
	RoomID       string `json:"roomId" validate:"required"`
	SeatIndex    int    `json:"seatIndex" validate:"gte=0"`
	TargetUserID string `json:"targetUserId" validate:"required"`
}

func (h *Handlers) handleSeatInvite(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req seatInvitePayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	if req.TargetUserID == c.UserID {
		return protocol.Fail(protocol.ErrCannotInviteSelf)
	}
	if !h.isManager(ctx, req.RoomID, c.UserID) {
		return protocol.Fail(protocol.ErrNotAuthorized)
	}
	if err := h.deps.Seats.CreateInvite(ctx, req.RoomID, req.SeatIndex, req.TargetUserID, c.UserID, h.deps.InviteExpiry); err != nil {
		if err == seat.ErrInvitePending {
			return protocol.Fail(protocol.ErrInviteCreateFailed)
		}
		return protocol.Fail(seatError(err))
	}

	h.sendToUser(ctx, req.TargetUserID, "seat:invite:received", map[string]any{
		"roomId":        req.RoomID,
		"seatIndex":     req.SeatIndex,
		"inviterUserId": c.UserID,
	})
	return protocol.OK(nil)
}

type seatInviteAcceptPayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

// handleSeatInviteAccept atomically resolves the invite targeting this
// user, drops the lock (invited users bypass it), and seats them.
func (h *Handlers) handleSeatInviteAccept(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req seatInviteAcceptPayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	inv, err := h.deps.Seats.GetInviteByUser(ctx, req.RoomID, c.UserID)
	if err != nil {
		logging.Error(ctx, "seat:invite:accept failed to read invite", zap.Error(err))
		return protocol.Fail(protocol.ErrInternal)
	}
	if inv == nil {
		return protocol.Fail(protocol.ErrNoInvite)
	}

	if err := h.deps.Seats.DeleteInvite(ctx, req.RoomID, inv.SeatIndex); err != nil {
		logging.Warn(ctx, "seat:invite:accept failed to delete invite", zap.Error(err))
	}
	if err := h.deps.Seats.Unlock(ctx, req.RoomID, inv.SeatIndex); err != nil && err != seat.ErrNotLocked {
		logging.Warn(ctx, "seat:invite:accept failed to unlock seat", zap.Error(err))
	}
	if err := h.deps.Seats.Assign(ctx, req.RoomID, inv.SeatIndex, c.UserID, h.seatCountFor(ctx, req.RoomID)); err != nil {
		return protocol.Fail(seatError(err))
	}

	h.broadcastRoom(ctx, req.RoomID, "seat:invite:pending", map[string]any{"seatIndex": inv.SeatIndex, "isPending": false})
	h.broadcastRoom(ctx, req.RoomID, "seat:locked", map[string]any{"seatIndex": inv.SeatIndex, "isLocked": false})
	h.broadcastRoom(ctx, req.RoomID, "seat:updated", map[string]any{"seatIndex": inv.SeatIndex, "userId": c.UserID, "isMuted": false})
	return protocol.OK(nil)
}

type seatInviteDeclinePayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

func (h *Handlers) handleSeatInviteDecline(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req seatInviteDeclinePayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	inv, err := h.deps.Seats.GetInviteByUser(ctx, req.RoomID, c.UserID)
	if err != nil {
		logging.Error(ctx, "seat:invite:decline failed to read invite", zap.Error(err))
		return protocol.Fail(protocol.ErrInternal)
	}
	if inv == nil {
		return protocol.Fail(protocol.ErrNoInvite)
	}
	if err := h.deps.Seats.DeleteInvite(ctx, req.RoomID, inv.SeatIndex); err != nil {
		logging.Warn(ctx, "seat:invite:decline failed to delete invite", zap.Error(err))
	}
	h.broadcastRoom(ctx, req.RoomID, "seat:invite:pending", map[string]any{"seatIndex": inv.SeatIndex, "isPending": false})
	return protocol.OK(nil)
}
