package laravel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitGiftBatch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/gifts/batch", r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get("X-Internal-Key"))
		json.NewEncoder(w).Encode(GiftBatchResponse{ProcessedCount: 1})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-key", time.Second)
	resp, err := c.SubmitGiftBatch(context.Background(), []GiftEntry{{TransactionID: "t1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ProcessedCount)
}

func TestSubmitGiftBatch_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-key", time.Second)
	_, err := c.SubmitGiftBatch(context.Background(), []GiftEntry{{TransactionID: "t1"}})
	assert.Error(t, err)
}

func TestGetRoomData_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RoomData{RoomID: "42", SeatCount: 15})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-key", time.Second)
	data, err := c.GetRoomData(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, 15, data.SeatCount)
}

func TestUpdateRoomStatus_DoesNotPanicOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-key", time.Second)
	c.UpdateRoomStatus(context.Background(), "42", RoomStatus{IsLive: true})
}
