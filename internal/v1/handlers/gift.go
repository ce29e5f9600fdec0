package handlers

import (
	"context"
	"time"

	"github.com/flylive/msab/internal/v1/clientregistry"
	"github.com/flylive/msab/internal/v1/giftbuffer"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type giftSendPayload struct {
	RoomID          string `json:"roomId" validate:"required"`
	RecipientUserID string `json:"recipientUserId" validate:"required"`
	GiftID          string `json:"giftId" validate:"required"`
	Quantity        int    `json:"quantity" validate:"required,min=1,max=9999"`
}

// handleGiftSend enqueues the gift transaction for asynchronous settlement
// against the business backend and immediately broadcasts it to the room;
// the buffer, not this handler, owns retry and dead-lettering on failure.
func (h *Handlers) handleGiftSend(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req giftSendPayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	if c.RoomID() != req.RoomID {
		return protocol.Fail(protocol.ErrNotInRoom)
	}
	if req.RecipientUserID == c.UserID {
		return protocol.Fail(protocol.ErrCannotGiftSelf)
	}
	if h.deps.RateLimiter != nil {
		if err := h.deps.RateLimiter.CheckGiftSend(ctx, c.UserID); err != nil {
			return protocol.Fail(protocol.ErrRateLimited)
		}
	}

	tx := giftbuffer.GiftTransaction{
		TransactionID:   uuid.NewString(),
		RoomID:          req.RoomID,
		SenderUserID:    c.UserID,
		RecipientUserID: req.RecipientUserID,
		GiftID:          req.GiftID,
		Quantity:        req.Quantity,
		TimestampMs:     time.Now().UnixMilli(),
	}
	if err := h.deps.Gifts.Enqueue(ctx, tx); err != nil {
		logging.Error(ctx, "gift:send failed to enqueue", zap.String("room_id", req.RoomID), zap.Error(err))
		return protocol.Fail(protocol.ErrInternal)
	}

	if _, err := h.deps.Rooms.AdjustParticipantCount(ctx, req.RoomID, 0); err != nil {
		logging.Warn(ctx, "gift:send failed to refresh room activity", zap.Error(err))
	}

	h.broadcastRoom(ctx, req.RoomID, "gift:received", map[string]any{
		"transactionId":   tx.TransactionID,
		"roomId":          tx.RoomID,
		"senderUserId":    tx.SenderUserID,
		"recipientUserId": tx.RecipientUserID,
		"giftId":          tx.GiftID,
		"quantity":        tx.Quantity,
	})

	return protocol.OK(nil)
}

type giftPreparePayload struct {
	RecipientUserID string `json:"recipientUserId" validate:"required"`
	GiftID          string `json:"giftId,omitempty"`
}

// handleGiftPrepare lets a client warm the recipient's UI (e.g. preload an
// animation) ahead of an actual gift:send, without touching room state.
func (h *Handlers) handleGiftPrepare(ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack {
	var req giftPreparePayload
	if !h.decode(payload, &req) {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}
	h.sendToUser(ctx, req.RecipientUserID, "gift:prepare", map[string]any{"giftId": req.GiftID})
	return protocol.OK(nil)
}
