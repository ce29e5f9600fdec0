package handlers

import (
	"context"
	"encoding/json"

	"github.com/flylive/msab/internal/v1/clientregistry"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/protocol"
	"go.uber.org/zap"
)

// Dispatch looks up event in the table and invokes it, recovering from any
// panic so one bad request never takes down the connection's read pump.
func (h *Handlers) Dispatch(ctx context.Context, c *clientregistry.Client, event string, payload []byte) (ack protocol.Ack) {
	fn, ok := h.table[event]
	if !ok {
		return protocol.Fail(protocol.ErrInvalidPayload)
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "handler panicked",
				zap.String("event", event), zap.String("client_id", c.ID), zap.Any("recover", r))
			ack = protocol.Fail(protocol.ErrInternal)
		}
	}()

	return fn(h, ctx, c, payload)
}

// decode unmarshals payload into dst and runs struct-tag validation,
// returning ok=false (and the caller should return INVALID_PAYLOAD) on
// either failure.
func (h *Handlers) decode(payload []byte, dst any) bool {
	if len(payload) == 0 {
		return false
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		return false
	}
	return true
}
