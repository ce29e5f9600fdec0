// Package protocol defines the JSON wire envelope exchanged over the
// client message channel: an inbound Message carrying an event name and
// payload, and the Ack the server returns for request/response events.
// Broadcasts reuse Message with no Ack expected.
package protocol

import "encoding/json"

// Message is both the inbound request envelope and the outbound broadcast
// envelope.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack is the response envelope for request/response events. Error is set
// only when Success is false; Data is set only when Success is true, and
// may be absent even then.
type Ack struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   ErrorCode       `json:"error,omitempty"`
}

// ErrorCode enumerates every error the wire is allowed to see. Handlers
// never leak internal error strings to clients.
type ErrorCode string

const (
	// Transport-level: produced during handshake, close the connection.
	ErrOriginNotAllowed  ErrorCode = "ORIGIN_NOT_ALLOWED"
	ErrAuthRequired      ErrorCode = "AUTH_REQUIRED"
	ErrInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrAuthFailed        ErrorCode = "AUTH_FAILED"

	// Request-level.
	ErrInvalidPayload    ErrorCode = "INVALID_PAYLOAD"
	ErrNotInRoom         ErrorCode = "NOT_IN_ROOM"
	ErrRoomNotFound      ErrorCode = "ROOM_NOT_FOUND"
	ErrTransportNotFound ErrorCode = "TRANSPORT_NOT_FOUND"
	ErrProducerNotFound  ErrorCode = "PRODUCER_NOT_FOUND"
	ErrConsumerNotFound  ErrorCode = "CONSUMER_NOT_FOUND"
	ErrCannotConsume     ErrorCode = "CANNOT_CONSUME"
	ErrTransportLimitReached ErrorCode = "TRANSPORT_LIMIT_REACHED"

	ErrSeatTaken        ErrorCode = "SEAT_TAKEN"
	ErrSeatOccupied     ErrorCode = "SEAT_OCCUPIED"
	ErrSeatLocked       ErrorCode = "SEAT_LOCKED"
	ErrSeatAlreadyLocked ErrorCode = "SEAT_ALREADY_LOCKED"
	ErrSeatNotLocked    ErrorCode = "SEAT_NOT_LOCKED"
	ErrUserNotSeated    ErrorCode = "USER_NOT_SEATED"
	ErrAlreadySeated    ErrorCode = "ALREADY_SEATED"
	ErrSeatOutOfRange   ErrorCode = "SEAT_OUT_OF_RANGE"

	ErrInvitePending      ErrorCode = "INVITE_PENDING"
	ErrNoInvite           ErrorCode = "NO_INVITE"
	ErrInviteCreateFailed ErrorCode = "INVITE_CREATE_FAILED"
	ErrCannotInviteSelf   ErrorCode = "CANNOT_INVITE_SELF"

	ErrCannotGiftSelf ErrorCode = "CANNOT_GIFT_SELF"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"

	ErrNotAuthorized ErrorCode = "NOT_AUTHORIZED"
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
)

// OK builds a successful Ack, marshaling data into the Data field.
func OK(data any) Ack {
	if data == nil {
		return Ack{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Ack{Success: false, Error: ErrInternal}
	}
	return Ack{Success: true, Data: raw}
}

// Fail builds a failed Ack carrying a single error code.
func Fail(code ErrorCode) Ack {
	return Ack{Success: false, Error: code}
}

// NewMessage marshals payload into a Message for broadcast.
func NewMessage(event string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, Payload: raw}, nil
}
