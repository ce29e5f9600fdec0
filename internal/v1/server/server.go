// Package server is the WebSocket gateway: it authenticates an inbound
// handshake against the CORS allowlist and JWT validator, upgrades the
// connection, registers it with ClientRegistry and UserSocketRegistry, and
// runs the per-connection read pump that dispatches each inbound event
// through handlers.Handlers. Everything it touches beyond the handshake
// itself is delegated — it owns no room, seat, or media state of its own.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/flylive/msab/internal/v1/auth"
	"github.com/flylive/msab/internal/v1/clientregistry"
	"github.com/flylive/msab/internal/v1/fanout"
	"github.com/flylive/msab/internal/v1/handlers"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/flylive/msab/internal/v1/ratelimit"
	"github.com/flylive/msab/internal/v1/usersocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenValidator is the subset of auth.Validator the gateway needs,
// narrowed so handshake tests can swap in a stub.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

const maxReadBytes = 1 << 16

// Gateway owns the WebSocket handshake and per-connection read pumps.
type Gateway struct {
	validator      TokenValidator
	rateLimiter    *ratelimit.RateLimiter
	clients        *clientregistry.Registry
	sockets        *usersocket.Registry
	fanout         *fanout.Fanout
	handlers       *handlers.Handlers
	allowedOrigins []string

	mu       sync.Mutex
	relayCxl map[string]context.CancelFunc
}

// New builds a Gateway. allowedOrigins is the CORS allowlist checked
// against the handshake's Origin header; a request with no Origin header
// is accepted (native, non-browser clients don't send one).
func New(validator TokenValidator, rateLimiter *ratelimit.RateLimiter, clients *clientregistry.Registry, sockets *usersocket.Registry, fanoutSvc *fanout.Fanout, h *handlers.Handlers, allowedOrigins []string) *Gateway {
	return &Gateway{
		validator:      validator,
		rateLimiter:    rateLimiter,
		clients:        clients,
		sockets:        sockets,
		fanout:         fanoutSvc,
		handlers:       h,
		allowedOrigins: allowedOrigins,
		relayCxl:       make(map[string]context.CancelFunc),
	}
}

// extractToken pulls the bearer token from the Authorization header, the
// "token" query parameter, or the Sec-WebSocket-Protocol header (native
// clients that can't set arbitrary headers on the upgrade request).
func extractToken(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); authz != "" {
		if tok, ok := strings.CutPrefix(authz, "Bearer "); ok {
			return tok
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		parts := strings.Split(proto, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	return ""
}

// validateOrigin checks the handshake's Origin header against the
// allowlist. A missing Origin header is accepted outright: native clients
// (mobile, desktop) never send one, and browsers always do.
func validateOrigin(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// ServeWs is the Gin handler for the WebSocket upgrade endpoint: auth gate,
// origin check, rate limit, upgrade, then hand off to the read pump.
func (g *Gateway) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	if g.rateLimiter != nil && !g.rateLimiter.CheckWebSocketConnect(c) {
		return
	}

	if !validateOrigin(c.Request, g.allowedOrigins) {
		c.JSON(http.StatusForbidden, gin.H{"error": protocol.ErrOriginNotAllowed})
		return
	}

	token := extractToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": protocol.ErrAuthRequired})
		return
	}
	// Structurally malformed credentials (not a three-part compact token)
	// are distinguished from tokens that fail verification.
	if strings.Count(token, ".") != 2 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": protocol.ErrInvalidCredentials})
		return
	}

	claims, err := g.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(ctx, "websocket handshake rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": protocol.ErrAuthFailed})
		return
	}

	if g.rateLimiter != nil {
		if err := g.rateLimiter.CheckWebSocketConnectUser(ctx, claims.Subject); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": protocol.ErrRateLimited})
			return
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return validateOrigin(r, g.allowedOrigins) },
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxReadBytes)

	g.handleConnection(conn, claims.Subject)
}

// handleConnection registers the accepted connection and runs its read
// pump to completion (i.e. until the socket closes).
func (g *Gateway) handleConnection(conn *websocket.Conn, userID string) {
	connID := uuid.NewString()
	client := clientregistry.New(connID, userID, conn)
	g.clients.Add(client)
	metrics.IncConnection()

	relayCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.relayCxl[connID] = cancel
	g.mu.Unlock()

	ctx := context.Background()
	if err := g.sockets.RegisterSocket(ctx, userID, connID); err != nil {
		logging.Warn(ctx, "failed to register socket", zap.String("user_id", userID), zap.Error(err))
	}
	go g.fanout.StartUserRelay(relayCtx, userID)

	g.readPump(conn, client)

	cancel()
	g.mu.Lock()
	delete(g.relayCxl, connID)
	g.mu.Unlock()

	g.handlers.HandleDisconnect(context.Background(), client)
	if err := g.sockets.UnregisterSocket(context.Background(), userID, connID); err != nil {
		logging.Warn(context.Background(), "failed to unregister socket", zap.String("user_id", userID), zap.Error(err))
	}
	g.clients.Remove(connID)
	client.Close()
	metrics.DecConnection()
}

// inbound is the request envelope a connection sends: an event name, its
// payload, and an optional requestId echoed back on the ack so the client
// can correlate a response to its request (fire-and-forget broadcasts from
// the server carry no requestId).
type inbound struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// outboundAck wraps a protocol.Ack with the requestId it answers.
type outboundAck struct {
	RequestID string `json:"requestId,omitempty"`
	protocol.Ack
}

// readPump processes messages from client in arrival order until the
// connection errors or closes, dispatching each through the handler table.
// Per-connection ordering is exactly this loop: one message is fully
// handled (including every Redis/media-engine round trip) before the next
// is read.
func (g *Gateway) readPump(conn *websocket.Conn, client *clientregistry.Client) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "read pump panicked", zap.String("client_id", client.ID), zap.Any("recover", r))
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req inbound
		if err := json.Unmarshal(data, &req); err != nil {
			client.Send(protocol.Message{Event: "error", Payload: mustMarshal(outboundAck{Ack: protocol.Fail(protocol.ErrInvalidPayload)})}, true)
			continue
		}

		ctx := context.Background()
		ack := g.handlers.Dispatch(ctx, client, req.Event, req.Payload)
		resp := outboundAck{RequestID: req.RequestID, Ack: ack}
		// Acks ride the priority queue so a response never waits behind a
		// burst of room broadcasts.
		client.Send(protocol.Message{Event: req.Event, Payload: mustMarshal(resp)}, true)
	}
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"success":false,"error":"INTERNAL_ERROR"}`)
	}
	return raw
}
