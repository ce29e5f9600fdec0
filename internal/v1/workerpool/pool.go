// Package workerpool manages the fixed set of media engine workers this
// instance owns, and hands out routers from whichever worker currently
// carries the least load.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/mediaengine"
	"github.com/flylive/msab/internal/v1/metrics"
	"go.uber.org/zap"
)

// ErrNoWorkersAvailable is returned by NewRouter when the pool has no live
// workers left — every worker died and none could be replaced. Callers
// surface it to clients as INTERNAL_ERROR.
var ErrNoWorkersAvailable = errors.New("no workers available")

type worker struct {
	id          string
	routerCount int
}

// Pool owns a fixed set of media engine workers created at startup and
// load-balances router creation across them.
type Pool struct {
	engine mediaengine.Engine
	mu     sync.Mutex
	workers []*worker

	deathMu   sync.Mutex
	onDeath   []func(workerID string)
}

// New creates size workers up front via engine.
func New(ctx context.Context, engine mediaengine.Engine, size int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("worker pool size must be at least 1, got %d", size)
	}

	p := &Pool{engine: engine}
	for i := 0; i < size; i++ {
		id, err := engine.CreateWorker(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create worker %d/%d: %w", i+1, size, err)
		}
		p.workers = append(p.workers, &worker{id: id})
	}

	logging.Info(ctx, "worker pool initialized", zap.Int("size", size))
	return p, nil
}

// NewRouter creates a router on the least-loaded worker and returns both
// the worker and router IDs so the caller can track ownership.
func (p *Pool) NewRouter(ctx context.Context) (workerID, routerID string, err error) {
	p.mu.Lock()
	if len(p.workers) == 0 {
		p.mu.Unlock()
		return "", "", ErrNoWorkersAvailable
	}
	least := p.workers[0]
	for _, w := range p.workers[1:] {
		if w.routerCount < least.routerCount {
			least = w
		}
	}
	least.routerCount++
	p.mu.Unlock()

	routerID, err = p.engine.CreateRouter(ctx, least.id)
	if err != nil {
		p.mu.Lock()
		least.routerCount--
		p.mu.Unlock()
		return "", "", fmt.Errorf("failed to create router on worker %s: %w", least.id, err)
	}

	metrics.WebrtcConnectionAttempts.WithLabelValues("success").Inc()
	return least.id, routerID, nil
}

// ReleaseRouter decrements the load count for workerID after a router on
// it has been closed.
func (p *Pool) ReleaseRouter(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.id == workerID && w.routerCount > 0 {
			w.routerCount--
			return
		}
	}
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// OnDeath registers a callback invoked, synchronously and in registration
// order, whenever RunHealthChecks notices a worker has died. Callers use
// this to close every room that had a router on the dead worker before the
// pool replaces it.
func (p *Pool) OnDeath(fn func(workerID string)) {
	p.deathMu.Lock()
	defer p.deathMu.Unlock()
	p.onDeath = append(p.onDeath, fn)
}

// RunHealthChecks polls every worker's liveness every interval until ctx is
// canceled. A worker found dead has its death callbacks run first, then is
// replaced in place by a freshly created one with a zeroed router count —
// the dead worker's routers are gone with it, so whatever rooms owned them
// are expected to already be closing by the time the replacement lands.
func (p *Pool) RunHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkOnce(ctx)
		}
	}
}

func (p *Pool) checkOnce(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, len(p.workers))
	for i, w := range p.workers {
		ids[i] = w.id
	}
	p.mu.Unlock()

	for _, id := range ids {
		alive, err := p.engine.WorkerAlive(ctx, id)
		if err != nil {
			logging.Warn(ctx, "worker health check failed", zap.String("worker_id", id), zap.Error(err))
			continue
		}
		if alive {
			continue
		}
		p.handleDeath(ctx, id)
	}
}

func (p *Pool) handleDeath(ctx context.Context, workerID string) {
	logging.Error(ctx, "worker died, replacing", zap.String("worker_id", workerID))

	p.deathMu.Lock()
	callbacks := append([]func(string){}, p.onDeath...)
	p.deathMu.Unlock()
	for _, cb := range callbacks {
		cb(workerID)
	}

	newID, err := p.engine.CreateWorker(ctx)
	if err != nil {
		logging.Error(ctx, "failed to create replacement worker", zap.Error(err))
		p.mu.Lock()
		for i, w := range p.workers {
			if w.id == workerID {
				p.workers = append(p.workers[:i], p.workers[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	for _, w := range p.workers {
		if w.id == workerID {
			w.id = newID
			w.routerCount = 0
			break
		}
	}
	p.mu.Unlock()
}

// Close closes the underlying media engine connection. Call once, during
// shutdown, after every room's media cluster has been torn down.
func (p *Pool) Close() error {
	return p.engine.Close()
}
