// Package mediaenginetest provides an in-memory mediaengine.Engine for
// tests that exercise workerpool, mediacluster, and speaker logic without a
// real media engine process.
package mediaenginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/flylive/msab/internal/v1/mediaengine"
	"github.com/google/uuid"
)

// Fake is an in-memory mediaengine.Engine. Every Create* call returns a
// fresh UUID; routers track which producers have been piped into them so
// tests can assert on fan-out behavior.
type Fake struct {
	mu          sync.Mutex
	Workers     map[string]bool
	Routers     map[string]bool
	PipedInto   map[string][]string // routerID -> producerIDs piped into it
	PausedConsumers map[string]bool
	PausedProducers map[string]bool
	ClosedProducers map[string]bool
	ClosedConsumers map[string]bool
	ClosedRouters   map[string]bool
	DeadWorkers     map[string]bool
	ObservedProducers map[string][]string // routerID -> producerIDs added to its audio observer
	watchers          map[string][]chan mediaengine.DominantSpeakerEvent

	// CreateWorkerErr, when set, makes every subsequent CreateWorker call
	// fail with it, simulating a media engine that can't spawn replacements.
	CreateWorkerErr error
}

// New creates an empty Fake engine.
func New() *Fake {
	return &Fake{
		Workers:         map[string]bool{},
		Routers:         map[string]bool{},
		PipedInto:       map[string][]string{},
		PausedConsumers: map[string]bool{},
		PausedProducers: map[string]bool{},
		ClosedProducers: map[string]bool{},
		ClosedConsumers: map[string]bool{},
		ClosedRouters:   map[string]bool{},
		DeadWorkers:     map[string]bool{},
		ObservedProducers: map[string][]string{},
		watchers:          map[string][]chan mediaengine.DominantSpeakerEvent{},
	}
}

// KillWorker marks workerID dead; the next WorkerAlive call reports it as
// such, as if the worker process had crashed.
func (f *Fake) KillWorker(workerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeadWorkers[workerID] = true
}

func (f *Fake) WorkerAlive(ctx context.Context, workerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.DeadWorkers[workerID], nil
}

func (f *Fake) CreateWorker(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateWorkerErr != nil {
		return "", f.CreateWorkerErr
	}
	id := uuid.NewString()
	f.Workers[id] = true
	return id, nil
}

func (f *Fake) CreateRouter(ctx context.Context, workerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Workers[workerID] {
		return "", fmt.Errorf("unknown worker %s", workerID)
	}
	id := uuid.NewString()
	f.Routers[id] = true
	return id, nil
}

func (f *Fake) RouterCapabilities(ctx context.Context, routerID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Routers[routerID] {
		return nil, fmt.Errorf("unknown router %s", routerID)
	}
	return map[string]any{"codecs": []any{}}, nil
}

func (f *Fake) CreateWebRTCTransport(ctx context.Context, routerID string) (*mediaengine.TransportParams, error) {
	return &mediaengine.TransportParams{ID: uuid.NewString()}, nil
}

func (f *Fake) ConnectTransport(ctx context.Context, transportID string, dtlsParameters map[string]any) error {
	return nil
}

func (f *Fake) Produce(ctx context.Context, transportID string, kind string, rtpParameters map[string]any) (string, error) {
	return uuid.NewString(), nil
}

func (f *Fake) Consume(ctx context.Context, transportID string, producerID string) (string, error) {
	return uuid.NewString(), nil
}

func (f *Fake) PauseConsumer(ctx context.Context, consumerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PausedConsumers[consumerID] = true
	return nil
}

func (f *Fake) ResumeConsumer(ctx context.Context, consumerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.PausedConsumers, consumerID)
	return nil
}

func (f *Fake) PauseProducer(ctx context.Context, producerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PausedProducers[producerID] = true
	return nil
}

func (f *Fake) ResumeProducer(ctx context.Context, producerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.PausedProducers, producerID)
	return nil
}

func (f *Fake) CloseProducer(ctx context.Context, producerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClosedProducers[producerID] = true
	return nil
}

func (f *Fake) CloseConsumer(ctx context.Context, consumerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClosedConsumers[consumerID] = true
	return nil
}

func (f *Fake) PipeProducerToRouter(ctx context.Context, producerID string, targetRouterID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Routers[targetRouterID] {
		return "", fmt.Errorf("unknown router %s", targetRouterID)
	}
	f.PipedInto[targetRouterID] = append(f.PipedInto[targetRouterID], producerID)
	return uuid.NewString(), nil
}

func (f *Fake) CloseRouter(ctx context.Context, routerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClosedRouters[routerID] = true
	delete(f.Routers, routerID)
	return nil
}

// AddProducerToAudioObserver records producerID as registered with
// routerID's audio observer, for test assertions.
func (f *Fake) AddProducerToAudioObserver(ctx context.Context, routerID, producerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ObservedProducers[routerID] = append(f.ObservedProducers[routerID], producerID)
	return nil
}

// WatchDominantSpeaker returns a channel that FireDominantSpeaker
// delivers synthetic events onto; closed when ctx is canceled.
func (f *Fake) WatchDominantSpeaker(ctx context.Context, routerID string) (<-chan mediaengine.DominantSpeakerEvent, error) {
	ch := make(chan mediaengine.DominantSpeakerEvent, 16)
	f.mu.Lock()
	f.watchers[routerID] = append(f.watchers[routerID], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		close(ch)
		remaining := f.watchers[routerID][:0]
		for _, c := range f.watchers[routerID] {
			if c != ch {
				remaining = append(remaining, c)
			}
		}
		f.watchers[routerID] = remaining
	}()

	return ch, nil
}

// FireDominantSpeaker delivers a synthetic dominantspeaker event to every
// active WatchDominantSpeaker subscriber for routerID.
func (f *Fake) FireDominantSpeaker(routerID, producerID string) {
	f.mu.Lock()
	subs := append([]chan mediaengine.DominantSpeakerEvent(nil), f.watchers[routerID]...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- mediaengine.DominantSpeakerEvent{ProducerID: producerID}
	}
}

func (f *Fake) Close() error { return nil }
