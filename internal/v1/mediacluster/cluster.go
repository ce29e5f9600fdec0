// Package mediacluster manages the per-room router topology: a single
// source router that every speaking seat produces audio into, and a
// fan-out of distribution routers that listeners consume from. Audio is
// piped from the source router to every distribution router before any
// listener is notified it can consume — the pipe-then-notify invariant —
// so a listener never subscribes to a producer that hasn't arrived yet.
package mediacluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/mediaengine"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/workerpool"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

type distributionRouter struct {
	workerID      string
	routerID      string
	listenerCount int
	// pipedProducers maps speaking userID -> the piped producer ID that
	// exists on this distribution router.
	pipedProducers map[string]string
}

// Cluster owns the media topology for a single room.
type Cluster struct {
	roomID   string
	pool     *workerpool.Pool
	engine   mediaengine.Engine
	maxListenersPerRouter int

	// growMu serializes the create-new-distribution-router path so that
	// two listeners joining at the same moment, both finding every router
	// full, don't each allocate a router of their own.
	growMu sync.Mutex

	mu                  sync.Mutex
	sourceWorkerID      string
	sourceRouterID      string
	sourceProducerIDs   map[string]string // userID -> producerID on the source router
	distributionRouters []*distributionRouter
	listenerRouter      map[string]*distributionRouter // userID -> the distribution router they consume from

	consumerToSource map[string]string // consumerID -> sourceProducerID it was created against
	activeSpeakers   set.Set[string]   // sourceProducerIDs currently in the detector's top-N
	producerOwner    map[string]string // engine producerID -> owning userID, for resolving wire-level producer ids back to a speaker
}

// ProducerInfo pairs a speaking user with their engine-level producer id,
// the shape room:join's existingProducers list and audio:newProducer
// broadcasts need.
type ProducerInfo struct {
	UserID     string
	ProducerID string
}

// New creates a Cluster with a freshly allocated source router.
func New(ctx context.Context, roomID string, pool *workerpool.Pool, engine mediaengine.Engine, maxListenersPerRouter int) (*Cluster, error) {
	workerID, routerID, err := pool.NewRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create source router for room %s: %w", roomID, err)
	}

	c := &Cluster{
		roomID:                roomID,
		pool:                  pool,
		engine:                engine,
		maxListenersPerRouter: maxListenersPerRouter,
		sourceWorkerID:        workerID,
		sourceRouterID:        routerID,
		sourceProducerIDs:     map[string]string{},
		listenerRouter:        map[string]*distributionRouter{},
		consumerToSource:      map[string]string{},
		activeSpeakers:        set.New[string](),
		producerOwner:         map[string]string{},
	}

	metrics.DistributionRouters.WithLabelValues(roomID).Set(0)
	return c, nil
}

// AddProducer registers userID as a speaker: it creates a producer on the
// source router, then pipes it into every existing distribution router
// before returning, satisfying the pipe-then-notify invariant for
// listeners already attached to those routers.
func (c *Cluster) AddProducer(ctx context.Context, userID, transportID, kind string, rtpParameters map[string]any) (string, error) {
	producerID, err := c.engine.Produce(ctx, transportID, kind, rtpParameters)
	if err != nil {
		return "", fmt.Errorf("failed to produce for user %s: %w", userID, err)
	}

	if err := c.engine.AddProducerToAudioObserver(ctx, c.sourceRouterID, producerID); err != nil {
		logging.Warn(ctx, "failed to add producer to audio observer",
			zap.String("room_id", c.roomID), zap.String("user_id", userID), zap.Error(err))
	}

	c.mu.Lock()
	c.sourceProducerIDs[userID] = producerID
	c.producerOwner[producerID] = userID
	routers := append([]*distributionRouter(nil), c.distributionRouters...)
	c.mu.Unlock()

	for _, dr := range routers {
		if err := c.pipeInto(ctx, dr, userID, producerID); err != nil {
			logging.Error(ctx, "failed to pipe producer into distribution router",
				zap.String("room_id", c.roomID), zap.String("user_id", userID), zap.Error(err))
		}
	}

	return producerID, nil
}

// RemoveProducer closes userID's source producer and every piped copy of
// it across all distribution routers.
func (c *Cluster) RemoveProducer(ctx context.Context, userID string) error {
	c.mu.Lock()
	producerID, ok := c.sourceProducerIDs[userID]
	delete(c.sourceProducerIDs, userID)
	delete(c.producerOwner, producerID)
	routers := append([]*distributionRouter(nil), c.distributionRouters...)
	c.mu.Unlock()

	if !ok {
		return nil
	}

	for _, dr := range routers {
		c.mu.Lock()
		pipedID, exists := dr.pipedProducers[userID]
		delete(dr.pipedProducers, userID)
		c.mu.Unlock()
		if exists {
			if err := c.engine.CloseProducer(ctx, pipedID); err != nil {
				logging.Error(ctx, "failed to close piped producer", zap.Error(err))
			}
		}
	}

	return c.engine.CloseProducer(ctx, producerID)
}

// pipeInto pipes a single producer into a distribution router and records
// the resulting piped producer ID. Must be called without c.mu held.
func (c *Cluster) pipeInto(ctx context.Context, dr *distributionRouter, userID, producerID string) error {
	pipedID, err := c.engine.PipeProducerToRouter(ctx, producerID, dr.routerID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	dr.pipedProducers[userID] = pipedID
	c.mu.Unlock()
	return nil
}

// AssignListener places userID onto a distribution router with spare
// capacity, creating a new one if every existing router is full. Every
// current speaker's producer is piped into a newly created router before
// it is returned, so the listener can immediately consume all of them.
func (c *Cluster) AssignListener(ctx context.Context, userID string) (routerID string, err error) {
	target := c.routerWithSpareCapacity()

	if target == nil {
		// Every router was full. Only one caller at a time may act on
		// that observation by creating a new distribution router — the
		// rest wait here, then re-check: whichever router the winner
		// just created is very likely to have spare capacity for them
		// too, so at most one new router gets created per exhaustion
		// event instead of one per concurrent joiner.
		c.growMu.Lock()
		target = c.routerWithSpareCapacity()
		if target == nil {
			target, err = c.growDistributionRouters(ctx)
			if err != nil {
				c.growMu.Unlock()
				return "", err
			}
		}
		c.growMu.Unlock()
	}

	c.mu.Lock()
	target.listenerCount++
	c.listenerRouter[userID] = target
	c.mu.Unlock()

	return target.routerID, nil
}

// routerWithSpareCapacity returns the first distribution router with room
// for another listener, or nil if every router is full.
func (c *Cluster) routerWithSpareCapacity() *distributionRouter {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dr := range c.distributionRouters {
		if dr.listenerCount < c.maxListenersPerRouter {
			return dr
		}
	}
	return nil
}

// growDistributionRouters allocates a new distribution router, pipes every
// current speaker's producer into it, and appends it to the cluster.
// Callers must hold c.growMu so at most one new router is created per
// capacity-exhaustion event.
func (c *Cluster) growDistributionRouters(ctx context.Context) (*distributionRouter, error) {
	c.mu.Lock()
	speakers := make(map[string]string, len(c.sourceProducerIDs))
	for u, p := range c.sourceProducerIDs {
		speakers[u] = p
	}
	c.mu.Unlock()

	workerID, newRouterID, err := c.pool.NewRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create distribution router: %w", err)
	}
	target := &distributionRouter{
		workerID:       workerID,
		routerID:       newRouterID,
		pipedProducers: map[string]string{},
	}

	for u, p := range speakers {
		if err := c.pipeInto(ctx, target, u, p); err != nil {
			return nil, fmt.Errorf("failed to pipe existing speaker %s into new router: %w", u, err)
		}
	}

	c.mu.Lock()
	c.distributionRouters = append(c.distributionRouters, target)
	count := len(c.distributionRouters)
	c.mu.Unlock()
	metrics.DistributionRouters.WithLabelValues(c.roomID).Set(float64(count))

	return target, nil
}

// ReleaseListener removes userID from whichever distribution router it was
// assigned to.
func (c *Cluster) ReleaseListener(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dr, ok := c.listenerRouter[userID]
	if !ok {
		return
	}
	delete(c.listenerRouter, userID)
	if dr.listenerCount > 0 {
		dr.listenerCount--
	}
}

// PipedProducerFor returns the piped producer ID on routerID corresponding
// to speakerUserID, for a listener to consume.
func (c *Cluster) PipedProducerFor(routerID, speakerUserID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dr := range c.distributionRouters {
		if dr.routerID == routerID {
			id, ok := dr.pipedProducers[speakerUserID]
			return id, ok
		}
	}
	return "", false
}

// SpeakerForProducer resolves an engine producer ID — the id handed to
// clients in existingProducers and audio:newProducer — back to the userID
// that owns it, so Consume can find the right entry in a distribution
// router's userID-keyed pipedProducers map.
func (c *Cluster) SpeakerForProducer(producerID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	userID, ok := c.producerOwner[producerID]
	return userID, ok
}

// ProducerIDFor returns the current source producer ID for userID, if they
// are producing.
func (c *Cluster) ProducerIDFor(userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.sourceProducerIDs[userID]
	return id, ok
}

// Producers returns every currently-producing speaker, for room:join's
// existingProducers list.
func (c *Cluster) Producers() []ProducerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ProducerInfo, 0, len(c.sourceProducerIDs))
	for userID, producerID := range c.sourceProducerIDs {
		out = append(out, ProducerInfo{UserID: userID, ProducerID: producerID})
	}
	return out
}

// Consume creates a paused consumer on transportID (which must live on
// routerID) against the piped copy of sourceProducerID, the engine producer
// ID the listener received in existingProducers or audio:newProducer. It
// records consumerID -> sourceProducerID so UpdateActiveSpeakers can later
// resume or pause it.
func (c *Cluster) Consume(ctx context.Context, transportID, routerID, sourceProducerID string) (string, error) {
	speakerUserID, ok := c.SpeakerForProducer(sourceProducerID)
	if !ok {
		return "", fmt.Errorf("no speaker owns producer %s", sourceProducerID)
	}

	pipedID, ok := c.PipedProducerFor(routerID, speakerUserID)
	if !ok {
		return "", fmt.Errorf("no piped producer for %s on router %s", sourceProducerID, routerID)
	}

	consumerID, err := c.engine.Consume(ctx, transportID, pipedID)
	if err != nil {
		return "", fmt.Errorf("failed to create consumer: %w", err)
	}

	c.mu.Lock()
	c.consumerToSource[consumerID] = sourceProducerID
	c.mu.Unlock()

	return consumerID, nil
}

// CloseConsumer closes consumerID on the media engine and drops its
// bookkeeping entry.
func (c *Cluster) CloseConsumer(ctx context.Context, consumerID string) error {
	c.mu.Lock()
	delete(c.consumerToSource, consumerID)
	c.mu.Unlock()
	return c.engine.CloseConsumer(ctx, consumerID)
}

// IsActiveSpeaker reports whether sourceProducerID is in the current
// active-speaker set. Before the detector has fired once, the set is
// empty and every producer is treated as active.
func (c *Cluster) IsActiveSpeaker(sourceProducerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeSpeakers.Len() == 0 {
		return true
	}
	return c.activeSpeakers.Has(sourceProducerID)
}

// UpdateActiveSpeakers replaces the active-speaker set and resumes every
// consumer whose source newly became active while pausing every consumer
// whose source newly dropped out, concurrently. It returns only after
// every pause/resume call has completed.
func (c *Cluster) UpdateActiveSpeakers(ctx context.Context, newActive []string) {
	next := set.New[string]()
	for _, id := range newActive {
		next.Insert(id)
	}

	c.mu.Lock()
	prev := c.activeSpeakers
	c.activeSpeakers = next
	consumers := make(map[string]string, len(c.consumerToSource))
	for consumerID, sourceID := range c.consumerToSource {
		consumers[consumerID] = sourceID
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for consumerID, sourceID := range consumers {
		wasActive := prev.Len() == 0 || prev.Has(sourceID)
		isActive := next.Len() == 0 || next.Has(sourceID)
		if wasActive == isActive {
			continue
		}

		wg.Add(1)
		go func(consumerID string, isActive bool) {
			defer wg.Done()
			var err error
			if isActive {
				err = c.engine.ResumeConsumer(ctx, consumerID)
			} else {
				err = c.engine.PauseConsumer(ctx, consumerID)
			}
			if err != nil {
				logging.Error(ctx, "failed to update consumer speaker state",
					zap.String("room_id", c.roomID), zap.String("consumer_id", consumerID), zap.Error(err))
			}
		}(consumerID, isActive)
	}
	wg.Wait()

	metrics.ActiveSpeakers.WithLabelValues(c.roomID).Set(float64(next.Len()))
}

// SourceRouterID returns the room's single source (production) router.
func (c *Cluster) SourceRouterID() string {
	return c.sourceRouterID
}

// CreateTransport creates a WebRTC transport for userID: on the source
// router for a producer, or on whichever distribution router AssignListener
// picks for a consumer. Returns the transport params and the router it
// landed on.
func (c *Cluster) CreateTransport(ctx context.Context, userID, role string) (*mediaengine.TransportParams, string, error) {
	routerID := c.sourceRouterID
	if role != "producer" {
		var err error
		routerID, err = c.AssignListener(ctx, userID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to assign listener router: %w", err)
		}
	}

	params, err := c.engine.CreateWebRTCTransport(ctx, routerID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create transport on router %s: %w", routerID, err)
	}
	return params, routerID, nil
}

// ConnectTransport finalizes DTLS on a previously created transport.
func (c *Cluster) ConnectTransport(ctx context.Context, transportID string, dtlsParameters map[string]any) error {
	return c.engine.ConnectTransport(ctx, transportID, dtlsParameters)
}

// PauseProducer pauses userID's source producer, used for audio:selfMute.
func (c *Cluster) PauseProducer(ctx context.Context, producerID string) error {
	return c.engine.PauseProducer(ctx, producerID)
}

// ResumeProducer resumes a previously paused source producer.
func (c *Cluster) ResumeProducer(ctx context.Context, producerID string) error {
	return c.engine.ResumeProducer(ctx, producerID)
}

// ResumeConsumer resumes a paused consumer, used for consumer:resume after a
// client signals it is ready to receive media.
func (c *Cluster) ResumeConsumer(ctx context.Context, consumerID string) error {
	return c.engine.ResumeConsumer(ctx, consumerID)
}

// RouterCapabilities returns the source router's RTP capabilities, which a
// joining client needs before it can create any transport.
func (c *Cluster) RouterCapabilities(ctx context.Context) (map[string]any, error) {
	return c.engine.RouterCapabilities(ctx, c.sourceRouterID)
}

// WorkerIDs returns every worker this cluster currently occupies a router
// on, used by RoomRegistry to find rooms affected by a worker death.
func (c *Cluster) WorkerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.distributionRouters)+1)
	ids = append(ids, c.sourceWorkerID)
	for _, dr := range c.distributionRouters {
		ids = append(ids, dr.workerID)
	}
	return ids
}

// Close tears down every router this cluster created.
func (c *Cluster) Close(ctx context.Context) {
	c.mu.Lock()
	routers := append([]*distributionRouter(nil), c.distributionRouters...)
	sourceRouterID := c.sourceRouterID
	sourceWorkerID := c.sourceWorkerID
	c.mu.Unlock()

	for _, dr := range routers {
		if err := c.engine.CloseRouter(ctx, dr.routerID); err != nil {
			logging.Error(ctx, "failed to close distribution router", zap.Error(err))
		}
		c.pool.ReleaseRouter(dr.workerID)
	}
	if err := c.engine.CloseRouter(ctx, sourceRouterID); err != nil {
		logging.Error(ctx, "failed to close source router", zap.Error(err))
	}
	c.pool.ReleaseRouter(sourceWorkerID)

	metrics.DistributionRouters.WithLabelValues(c.roomID).Set(0)
}
