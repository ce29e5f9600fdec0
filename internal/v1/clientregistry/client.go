// Package clientregistry is the in-process map of connection->{user, room,
// owned transports/producers/consumers, speaker flag}. Every field here is
// exclusively owned by the instance that accepted the connection; nothing
// about a Client crosses the network except through UserSocketRegistry and
// room broadcasts.
package clientregistry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConnection is the subset of *websocket.Conn the Client needs, narrowed
// for testability.
type wsConnection interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const (
	sendBufferSize = 32
	writeWait      = 10 * time.Second
)

// TransportRole is producer or consumer, recorded per owned transport so
// the 2-transport limit can be enforced without a media-engine round trip.
type TransportRole string

const (
	RoleProducer TransportRole = "producer"
	RoleConsumer TransportRole = "consumer"
)

// Client represents one accepted connection. isSpeaker is derived, not
// stored: it holds iff len(ownedProducers) > 0.
type Client struct {
	ID          string
	UserID      string
	JoinedAt    time.Time

	conn           wsConnection
	sendPriority   chan []byte
	sendNormal     chan []byte
	closeOnce      sync.Once
	closed         chan struct{}

	mu              sync.RWMutex
	roomID          string
	ownedTransports map[string]TransportRole
	transportRouter map[string]string // transportId -> the router it lives on
	ownedProducers  map[string]string // kind -> producerId
	ownedConsumers  map[string]string // sourceProducerId -> consumerId
}

// New wraps conn in a Client and starts its write pump. Callers run the
// read pump themselves (it needs access to the handler dispatch table).
func New(id, userID string, conn wsConnection) *Client {
	c := &Client{
		ID:              id,
		UserID:          userID,
		JoinedAt:        time.Now(),
		conn:            conn,
		sendPriority:    make(chan []byte, sendBufferSize),
		sendNormal:      make(chan []byte, sendBufferSize),
		closed:          make(chan struct{}),
		ownedTransports: make(map[string]TransportRole),
		transportRouter: make(map[string]string),
		ownedProducers:  make(map[string]string),
		ownedConsumers:  make(map[string]string),
	}
	go c.writePump()
	return c
}

// writePump drains the priority channel (request acks) before the normal one
// (room broadcasts) so an ack never queues behind a burst of broadcasts.
func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		// Drain priority messages first, without blocking on normal traffic.
		select {
		case <-c.closed:
			return
		case data := <-c.sendPriority:
			if !c.write(data) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.closed:
			return
		case data := <-c.sendPriority:
			if !c.write(data) {
				return
			}
		case data := <-c.sendNormal:
			if !c.write(data) {
				return
			}
		}
	}
}

func (c *Client) write(data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	return true
}

// Send marshals msg and queues it for delivery, non-blocking: if the
// channel is full the message is dropped and logged rather than stalling
// the sender on a slow client.
func (c *Client) Send(msg protocol.Message, priority bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(nil, "failed to marshal outbound message", zap.String("event", msg.Event), zap.Error(err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(nil, "send on closed client", zap.String("client_id", c.ID))
		}
	}()

	ch := c.sendNormal
	if priority {
		ch = c.sendPriority
	}
	select {
	case <-c.closed:
	case ch <- data:
	default:
		logging.Warn(nil, "client send channel full, dropping message", zap.String("client_id", c.ID), zap.String("event", msg.Event))
	}
}

// Close stops the write pump and closes the underlying connection. Safe to
// call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// RoomID returns the room this client currently belongs to, or "".
func (c *Client) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

// SetRoomID assigns (or clears, with "") the client's current room.
func (c *Client) SetRoomID(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
}

// IsSpeaker reports whether the client currently owns at least one producer.
func (c *Client) IsSpeaker() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ownedProducers) > 0
}

// AddTransport records ownership of transportID on routerID, enforcing the
// ≤2 limit. Returns false if the limit is already reached.
func (c *Client) AddTransport(transportID, routerID string, role TransportRole) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ownedTransports) >= 2 {
		return false
	}
	c.ownedTransports[transportID] = role
	c.transportRouter[transportID] = routerID
	return true
}

// HasTransport reports whether transportID belongs to this client.
func (c *Client) HasTransport(transportID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ownedTransports[transportID]
	return ok
}

// TransportRole returns the role transportID was created with.
func (c *Client) TransportRole(transportID string) (TransportRole, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	role, ok := c.ownedTransports[transportID]
	return role, ok
}

// RouterForTransport returns the routerID transportID lives on.
func (c *Client) RouterForTransport(transportID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.transportRouter[transportID]
	return id, ok
}

// AddProducer records producerID for kind (e.g. "audio").
func (c *Client) AddProducer(kind, producerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownedProducers[kind] = producerID
}

// ProducerID returns the producer owned for kind, if any.
func (c *Client) ProducerID(kind string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ownedProducers[kind]
	return id, ok
}

// RemoveProducer drops kind from the owned-producers map.
func (c *Client) RemoveProducer(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ownedProducers, kind)
}

// TransportCount returns how many transports this client currently owns,
// for enforcing the ≤2 limit before a new one is created.
func (c *Client) TransportCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ownedTransports)
}

// AddConsumer records consumerID as consuming sourceProducerID.
func (c *Client) AddConsumer(sourceProducerID, consumerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownedConsumers[sourceProducerID] = consumerID
}

// SourceForConsumer resolves a consumerID this client owns back to the
// sourceProducerID it was created against, for consumer:resume.
func (c *Client) SourceForConsumer(consumerID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for src, cid := range c.ownedConsumers {
		if cid == consumerID {
			return src, true
		}
	}
	return "", false
}

// Consumers returns a snapshot of sourceProducerId->consumerId.
func (c *Client) Consumers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.ownedConsumers))
	for k, v := range c.ownedConsumers {
		out[k] = v
	}
	return out
}

// ResetSession clears every transport/producer/consumer owned by this
// client, used on room:leave so a later re-join starts with a clean
// transport-limit budget.
func (c *Client) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = ""
	c.ownedTransports = make(map[string]TransportRole)
	c.transportRouter = make(map[string]string)
	c.ownedProducers = make(map[string]string)
	c.ownedConsumers = make(map[string]string)
}
