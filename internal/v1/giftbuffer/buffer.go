// Package giftbuffer durably queues gift transactions for at-least-once
// delivery to the business backend. A handler enqueues and returns
// immediately; a background flush loop batches entries to Laravel,
// retries transient failures, and dead-letters the rest, so a backend
// outage never drops a gift or blocks a sender's socket.
package giftbuffer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/protocol"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	pendingKey    = "gifts:pending"
	deadLetterKey = "gifts:dead_letter"
	deadLetterCap = 10000
)

// renameScript moves the shared pending list onto a flush-attempt-unique
// processing key in one atomic step, so two instances racing to flush
// never observe (or drop) the same entries. Returns 0 without renaming
// if pending doesn't exist.
var renameScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("RENAME", KEYS[1], KEYS[2])
return 1
`)

// GiftTransaction is one buffered gift send, persisted as JSON in Redis
// between enqueue and delivery.
type GiftTransaction struct {
	TransactionID    string `json:"transaction_id"`
	RoomID           string `json:"room_id"`
	SenderUserID     string `json:"sender_user_id"`
	RecipientUserID  string `json:"recipient_user_id"`
	GiftID           string `json:"gift_id"`
	Quantity         int    `json:"quantity"`
	TimestampMs      int64  `json:"timestamp_ms"`
	RetryCount       int    `json:"retry_count"`
}

// Notifier delivers a message to a specific user's sockets, used here to
// emit gift:error without the buffer needing to know how connections are
// tracked across the fleet.
type Notifier interface {
	ToUser(ctx context.Context, userID string, msg protocol.Message)
}

// Buffer is the durable gift transaction queue.
type Buffer struct {
	redis         *bus.Service
	laravel       *laravel.Client
	notifier      Notifier
	flushInterval time.Duration
	maxRetries    int
	flushCount    int
}

// New builds a Buffer. flushInterval and maxRetries come from
// GIFT_BUFFER_FLUSH_INTERVAL_MS / GIFT_MAX_RETRIES.
func New(redisSvc *bus.Service, laravelClient *laravel.Client, notifier Notifier, flushInterval time.Duration, maxRetries int) *Buffer {
	return &Buffer{
		redis:         redisSvc,
		laravel:       laravelClient,
		notifier:      notifier,
		flushInterval: flushInterval,
		maxRetries:    maxRetries,
	}
}

// Enqueue appends tx to the pending list. Handlers call this from
// gift:send and return success to the client immediately.
func (b *Buffer) Enqueue(ctx context.Context, tx GiftTransaction) error {
	client := b.redis.Client()
	if client == nil {
		return nil
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal gift transaction: %w", err)
	}
	if err := client.RPush(ctx, pendingKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue gift transaction: %w", err)
	}
	metrics.GiftBufferInFlight.Inc()
	return nil
}

// Run ticks the flush cycle every flushInterval until ctx is canceled,
// performing one final flush before returning so nothing buffered at
// shutdown is silently dropped.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			b.flushOnce(flushCtx)
			cancel()
			return
		case <-ticker.C:
			b.flushOnce(ctx)
		}
	}
}

func (b *Buffer) flushOnce(ctx context.Context) {
	client := b.redis.Client()
	if client == nil {
		return
	}

	start := time.Now()
	defer func() {
		metrics.GiftBufferFlushDuration.Observe(time.Since(start).Seconds())
	}()

	processingKey := fmt.Sprintf("gifts:processing:%d:%s", os.Getpid(), uuid.NewString())
	moved, err := renameScript.Run(ctx, client, []string{pendingKey, processingKey}).Int()
	if err != nil || moved == 0 {
		if err != nil {
			logging.Warn(ctx, "gift buffer: flush rename failed", zap.Error(err))
		}
		return
	}

	raw, err := client.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		logging.Error(ctx, "gift buffer: failed to read processing list", zap.Error(err))
		return
	}

	var valid []GiftTransaction
	var malformed []string
	for _, item := range raw {
		var tx GiftTransaction
		if err := json.Unmarshal([]byte(item), &tx); err != nil {
			malformed = append(malformed, item)
			continue
		}
		valid = append(valid, tx)
	}
	if len(malformed) > 0 {
		pipe := client.TxPipeline()
		for _, item := range malformed {
			pipe.RPush(ctx, deadLetterKey, item)
		}
		pipe.LTrim(ctx, deadLetterKey, -deadLetterCap, -1)
		if _, err := pipe.Exec(ctx); err != nil {
			logging.Error(ctx, "gift buffer: failed to dead-letter malformed entries", zap.Error(err))
		}
		metrics.GiftBufferInFlight.Sub(float64(len(malformed)))
	}

	if len(valid) > 0 {
		b.submitBatch(ctx, valid)
	}

	if err := client.Del(ctx, processingKey).Err(); err != nil {
		logging.Warn(ctx, "gift buffer: failed to delete processing key", zap.String("key", processingKey), zap.Error(err))
	}

	b.flushCount++
	if b.flushCount%10 == 0 {
		if n, err := client.LLen(ctx, deadLetterKey).Result(); err == nil {
			metrics.GiftBufferDeadLettered.Set(float64(n))
		}
	}
}

// submitBatch posts entries to the business backend and reconciles the
// per-entry outcome: delivered, backend-rejected (notify sender, drop),
// or call-level failure (retry or dead-letter, notify sender on the
// latter).
func (b *Buffer) submitBatch(ctx context.Context, entries []GiftTransaction) {
	laravelEntries := make([]laravel.GiftEntry, len(entries))
	for i, tx := range entries {
		laravelEntries[i] = laravel.GiftEntry{
			TransactionID:   tx.TransactionID,
			RoomID:          tx.RoomID,
			SenderUserID:    tx.SenderUserID,
			RecipientUserID: tx.RecipientUserID,
			GiftID:          tx.GiftID,
			Quantity:        tx.Quantity,
			TimestampMs:     tx.TimestampMs,
		}
	}

	resp, err := b.laravel.SubmitGiftBatch(ctx, laravelEntries)
	if err != nil {
		b.retryOrDeadLetter(ctx, entries)
		return
	}

	metrics.GiftBufferDelivered.Add(float64(resp.ProcessedCount))
	metrics.GiftBufferInFlight.Sub(float64(len(entries)))

	if len(resp.Failed) == 0 {
		return
	}
	bySenderAndFailure := map[string]laravel.GiftFailure{}
	for _, f := range resp.Failed {
		bySenderAndFailure[f.TransactionID] = f
	}
	for _, tx := range entries {
		failure, ok := bySenderAndFailure[tx.TransactionID]
		if !ok {
			continue
		}
		b.notifyError(ctx, tx.SenderUserID, tx.TransactionID, failure.Code, failure.Reason)
	}
}

// retryOrDeadLetter handles a call-level (non-2xx/network) failure: every
// entry's retry count is bumped; entries over the limit are dead-lettered
// and their sender notified, the rest go back to pending for the next
// flush cycle.
func (b *Buffer) retryOrDeadLetter(ctx context.Context, entries []GiftTransaction) {
	client := b.redis.Client()
	if client == nil {
		return
	}

	metrics.GiftBufferRetries.Inc()

	pipe := client.TxPipeline()
	var deadLettered int
	for _, tx := range entries {
		tx.RetryCount++
		data, err := json.Marshal(tx)
		if err != nil {
			continue
		}
		if tx.RetryCount >= b.maxRetries {
			pipe.RPush(ctx, deadLetterKey, data)
			deadLettered++
			b.notifyError(ctx, tx.SenderUserID, tx.TransactionID, "PROCESSING_FAILED", "gift could not be delivered after retries")
		} else {
			pipe.RPush(ctx, pendingKey, data)
		}
	}
	if deadLettered > 0 {
		pipe.LTrim(ctx, deadLetterKey, -deadLetterCap, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Error(ctx, "gift buffer: failed to requeue/dead-letter entries", zap.Error(err))
	}

	metrics.GiftBufferInFlight.Sub(float64(deadLettered))
}

func (b *Buffer) notifyError(ctx context.Context, senderUserID, transactionID, code, reason string) {
	if b.notifier == nil {
		return
	}
	msg, err := protocol.NewMessage("gift:error", map[string]any{
		"transactionId": transactionID,
		"code":          code,
		"reason":        reason,
	})
	if err != nil {
		logging.Error(ctx, "gift buffer: failed to build gift:error message", zap.Error(err))
		return
	}
	b.notifier.ToUser(ctx, senderUserID, msg)
}
