// Package handlers implements the request surface dispatched from a
// connection's read pump: room membership, WebRTC transport/media setup,
// seat administration, and gift sending. Every handler validates its
// payload, mutates state through the narrow package APIs (never Redis or
// the media engine directly), and returns a protocol.Ack; broadcasts are
// emitted through Deps.Fanout.
package handlers

import (
	"context"
	"time"

	"github.com/flylive/msab/internal/v1/clientregistry"
	"github.com/flylive/msab/internal/v1/fanout"
	"github.com/flylive/msab/internal/v1/giftbuffer"
	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/ratelimit"
	"github.com/flylive/msab/internal/v1/roomregistry"
	"github.com/flylive/msab/internal/v1/seat"
	"github.com/flylive/msab/internal/v1/usersocket"
	"github.com/go-playground/validator/v10"
)

// Deps is every capability the handler set needs, declared explicitly
// rather than threaded through a catch-all context so each handler's
// dependency surface stays visible at a glance.
type Deps struct {
	Clients     *clientregistry.Registry
	Rooms       *roomregistry.Registry
	Seats       *seat.Repository
	Gifts       *giftbuffer.Buffer
	Sockets     *usersocket.Registry
	Fanout      *fanout.Fanout
	Laravel     *laravel.Client
	RateLimiter *ratelimit.RateLimiter

	DefaultSeatCount int
	InviteExpiry     time.Duration
}

// Handlers is the dispatch table built over a fixed Deps.
type Handlers struct {
	deps     *Deps
	validate *validator.Validate
	table    map[string]HandlerFunc
}

// HandlerFunc handles one inbound event for the connection that sent it,
// returning the Ack to send back.
type HandlerFunc func(h *Handlers, ctx context.Context, c *clientregistry.Client, payload []byte) protocol.Ack

// New builds the dispatch table. The table is constructed once and reused
// across every connection.
func New(deps *Deps) *Handlers {
	h := &Handlers{deps: deps, validate: validator.New()}
	h.table = map[string]HandlerFunc{
		"room:join":            (*Handlers).handleRoomJoin,
		"room:leave":           (*Handlers).handleRoomLeave,
		"transport:create":     (*Handlers).handleTransportCreate,
		"transport:connect":    (*Handlers).handleTransportConnect,
		"audio:produce":        (*Handlers).handleAudioProduce,
		"audio:consume":        (*Handlers).handleAudioConsume,
		"consumer:resume":      (*Handlers).handleConsumerResume,
		"audio:selfMute":       (*Handlers).handleAudioSelfMute,
		"audio:selfUnmute":     (*Handlers).handleAudioSelfUnmute,
		"seat:take":            (*Handlers).handleSeatTake,
		"seat:leave":           (*Handlers).handleSeatLeave,
		"seat:assign":          (*Handlers).handleSeatAssign,
		"seat:remove":          (*Handlers).handleSeatRemove,
		"seat:mute":            (*Handlers).handleSeatMute,
		"seat:unmute":          (*Handlers).handleSeatUnmute,
		"seat:lock":            (*Handlers).handleSeatLock,
		"seat:unlock":          (*Handlers).handleSeatUnlock,
		"seat:invite":          (*Handlers).handleSeatInvite,
		"seat:invite:accept":   (*Handlers).handleSeatInviteAccept,
		"seat:invite:decline":  (*Handlers).handleSeatInviteDecline,
		"gift:send":            (*Handlers).handleGiftSend,
		"gift:prepare":         (*Handlers).handleGiftPrepare,
	}
	return h
}
