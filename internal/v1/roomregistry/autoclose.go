package roomregistry

import (
	"context"
	"sync"
	"time"

	"github.com/flylive/msab/internal/v1/logging"
	"go.uber.org/zap"
)

// RunAutoClose periodically scans locally-owned rooms for inactivity and
// closes the ones past threshold, until ctx is cancelled. seatCountFor
// resolves the seatCount CloseRoom needs to clear seat state correctly
// (GetState already knows it, but callers may prefer their own cache).
func (r *Registry) RunAutoClose(ctx context.Context, interval, threshold time.Duration, seatCountFor func(roomID string) int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, roomID := range r.StaleRooms(ctx, threshold) {
				logging.Info(ctx, "closing inactive room", zap.String("room_id", roomID))
				r.CloseRoom(ctx, roomID, seatCountFor(roomID))
			}
		}
	}
}

// RunOnWorkerDied returns a callback suitable for workerpool's worker-death
// hook: it closes every room touching the dead worker concurrently and
// returns only once every closure has settled, so the pool installs the
// replacement worker against a clean slate. Closures log their own
// failures; none aborts the rest.
func (r *Registry) RunOnWorkerDied(seatCountFor func(roomID string) int) func(workerID string) {
	return func(workerID string) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for _, roomID := range r.RoomsUsingWorker(workerID) {
			wg.Add(1)
			go func(roomID string) {
				defer wg.Done()
				logging.Warn(ctx, "closing room after worker death", zap.String("room_id", roomID), zap.String("worker_id", workerID))
				r.CloseRoom(ctx, roomID, seatCountFor(roomID))
			}(roomID)
		}
		wg.Wait()
	}
}
