// Package laravel is the HTTP client for the external business backend:
// gift batch submission, room status updates, and room data lookups. Every
// call is wrapped in a circuit breaker, mirroring how the control plane
// talks to the media engine and Redis.
package laravel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// GiftEntry is one transaction submitted in a batch.
type GiftEntry struct {
	TransactionID string `json:"transaction_id"`
	RoomID        string `json:"room_id"`
	SenderUserID  string `json:"sender_user_id"`
	RecipientUserID string `json:"recipient_user_id"`
	GiftID        string `json:"gift_id"`
	Quantity      int    `json:"quantity"`
	TimestampMs   int64  `json:"timestamp_ms"`
}

// GiftFailure describes one batch entry the backend rejected.
type GiftFailure struct {
	TransactionID string `json:"transaction_id"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
}

// GiftBatchResponse is the backend's response to a gift batch submission.
type GiftBatchResponse struct {
	ProcessedCount int           `json:"processed_count"`
	Failed         []GiftFailure `json:"failed"`
}

// RoomStatus is the payload for POST /internal/rooms/{id}/status.
type RoomStatus struct {
	IsLive           bool   `json:"is_live"`
	ParticipantCount int    `json:"participant_count"`
	StartedAt        string `json:"started_at,omitempty"`
	EndedAt          string `json:"ended_at,omitempty"`
}

// RoomData is the response to GET /internal/rooms/{id}.
type RoomData struct {
	RoomID      string `json:"room_id"`
	OwnerUserID string `json:"owner_user_id"`
	SeatCount   int    `json:"seat_count"`
}

// Client talks to the business backend over HTTPS with a shared-secret
// header, wrapped in a circuit breaker.
type Client struct {
	baseURL    string
	internalKey string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

// New builds a Client. timeout bounds every individual request.
func New(baseURL, internalKey string, timeout time.Duration) *Client {
	st := gobreaker.Settings{
		Name:        "laravel",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("laravel").Set(stateVal)
		},
	}

	return &Client{
		baseURL:     baseURL,
		internalKey: internalKey,
		httpClient:  &http.Client{Timeout: timeout},
		cb:          gobreaker.NewCircuitBreaker(st),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		var reader *bytes.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			reader = bytes.NewReader(data)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Internal-Key", c.internalKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request to %s failed: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%s returned status %d", path, resp.StatusCode)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode response from %s: %w", path, err)
			}
		}
		return nil, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("laravel").Inc()
		}
		logging.Error(ctx, "laravel request failed", zap.String("path", path), zap.Error(err))
		return err
	}
	return nil
}

// SubmitGiftBatch posts a batch of gift transactions. Idempotent by
// transaction_id on the backend side.
func (c *Client) SubmitGiftBatch(ctx context.Context, entries []GiftEntry) (*GiftBatchResponse, error) {
	var resp GiftBatchResponse
	if err := c.do(ctx, http.MethodPost, "/internal/gifts/batch", map[string]any{"transactions": entries}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateRoomStatus reports a room's liveness to the backend. Callers use
// this fire-and-forget: log and move on, never block the caller.
func (c *Client) UpdateRoomStatus(ctx context.Context, roomID string, status RoomStatus) {
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/internal/rooms/%s/status", roomID), status, nil); err != nil {
		logging.Warn(ctx, "failed to update room status", zap.String("room_id", roomID), zap.Error(err))
	}
}

// GetRoomData fetches room metadata, used on owner-cache misses.
func (c *Client) GetRoomData(ctx context.Context, roomID string) (*RoomData, error) {
	var data RoomData
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/internal/rooms/%s", roomID), nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
