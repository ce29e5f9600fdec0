package mediacluster

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/flylive/msab/internal/v1/mediaengine/mediaenginetest"
	"github.com/flylive/msab/internal/v1/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCluster(t *testing.T, maxListeners int) (*Cluster, *mediaenginetest.Fake) {
	t.Helper()
	fake := mediaenginetest.New()
	pool, err := workerpool.New(context.Background(), fake, 4)
	require.NoError(t, err)
	c, err := New(context.Background(), "room-1", pool, fake, maxListeners)
	require.NoError(t, err)
	return c, fake
}

func TestAddProducer_PipesIntoExistingDistributionRouters(t *testing.T) {
	c, fake := newTestCluster(t, 10)
	ctx := context.Background()

	routerID, err := c.AssignListener(ctx, "listener-1")
	require.NoError(t, err)

	producerID, err := c.AddProducer(ctx, "speaker-1", "transport-1", "audio", map[string]any{})
	require.NoError(t, err)

	pipedID, ok := c.PipedProducerFor(routerID, "speaker-1")
	assert.True(t, ok)
	assert.NotEmpty(t, pipedID)
	assert.Contains(t, fake.PipedInto[routerID], producerID)
}

func TestAssignListener_PipesExistingSpeakersIntoNewRouter(t *testing.T) {
	c, _ := newTestCluster(t, 10)
	ctx := context.Background()

	_, err := c.AddProducer(ctx, "speaker-1", "transport-1", "audio", map[string]any{})
	require.NoError(t, err)

	routerID, err := c.AssignListener(ctx, "listener-1")
	require.NoError(t, err)

	pipedID, ok := c.PipedProducerFor(routerID, "speaker-1")
	assert.True(t, ok)
	assert.NotEmpty(t, pipedID)
}

func TestAssignListener_CreatesNewRouterWhenFull(t *testing.T) {
	c, _ := newTestCluster(t, 1)
	ctx := context.Background()

	r1, err := c.AssignListener(ctx, "listener-1")
	require.NoError(t, err)
	r2, err := c.AssignListener(ctx, "listener-2")
	require.NoError(t, err)

	assert.NotEqual(t, r1, r2)
}

func TestAssignListener_ConcurrentJoinsCreateOnlyOneRouter(t *testing.T) {
	c, fake := newTestCluster(t, 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	routerIDs := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			routerID, err := c.AssignListener(ctx, fmt.Sprintf("listener-%d", i))
			require.NoError(t, err)
			routerIDs[i] = routerID
		}(i)
	}
	wg.Wait()

	for _, id := range routerIDs {
		assert.Equal(t, routerIDs[0], id)
	}
	// One source router (from New) plus exactly one distribution router,
	// even though 5 listeners joined concurrently while every router was
	// still empty.
	assert.Len(t, fake.Routers, 2)
}

func TestRemoveProducer_ClosesPipedCopies(t *testing.T) {
	c, fake := newTestCluster(t, 10)
	ctx := context.Background()

	routerID, err := c.AssignListener(ctx, "listener-1")
	require.NoError(t, err)
	_, err = c.AddProducer(ctx, "speaker-1", "transport-1", "audio", map[string]any{})
	require.NoError(t, err)

	pipedID, ok := c.PipedProducerFor(routerID, "speaker-1")
	require.True(t, ok)

	require.NoError(t, c.RemoveProducer(ctx, "speaker-1"))

	assert.True(t, fake.ClosedProducers[pipedID])
	_, ok = c.PipedProducerFor(routerID, "speaker-1")
	assert.False(t, ok)
}

func TestConsume_CreatesPausedConsumer(t *testing.T) {
	c, _ := newTestCluster(t, 10)
	ctx := context.Background()

	routerID, err := c.AssignListener(ctx, "listener-1")
	require.NoError(t, err)
	producerID, err := c.AddProducer(ctx, "speaker-1", "transport-1", "audio", map[string]any{})
	require.NoError(t, err)

	consumerID, err := c.Consume(ctx, "listener-transport-1", routerID, producerID)
	require.NoError(t, err)
	assert.NotEmpty(t, consumerID)
}

func TestIsActiveSpeaker_EmptySetTreatsAllAsActive(t *testing.T) {
	c, _ := newTestCluster(t, 10)
	assert.True(t, c.IsActiveSpeaker("anyone"))
}

func TestUpdateActiveSpeakers_PausesAndResumesConsumers(t *testing.T) {
	c, fake := newTestCluster(t, 10)
	ctx := context.Background()

	routerID, err := c.AssignListener(ctx, "listener-1")
	require.NoError(t, err)
	producer1, err := c.AddProducer(ctx, "speaker-1", "transport-1", "audio", map[string]any{})
	require.NoError(t, err)
	producer2, err := c.AddProducer(ctx, "speaker-2", "transport-2", "audio", map[string]any{})
	require.NoError(t, err)

	consumer1, err := c.Consume(ctx, "lt-1", routerID, producer1)
	require.NoError(t, err)
	consumer2, err := c.Consume(ctx, "lt-2", routerID, producer2)
	require.NoError(t, err)

	c.UpdateActiveSpeakers(ctx, []string{producer1})
	assert.True(t, c.IsActiveSpeaker(producer1))
	assert.False(t, c.IsActiveSpeaker(producer2))
	assert.True(t, fake.PausedConsumers[consumer2])
	assert.False(t, fake.PausedConsumers[consumer1])

	c.UpdateActiveSpeakers(ctx, []string{producer2})
	assert.True(t, fake.PausedConsumers[consumer1])
	assert.False(t, fake.PausedConsumers[consumer2])
}

func TestConsume_UnknownProducerFails(t *testing.T) {
	c, _ := newTestCluster(t, 10)
	ctx := context.Background()

	routerID, err := c.AssignListener(ctx, "listener-1")
	require.NoError(t, err)

	_, err = c.Consume(ctx, "listener-transport-1", routerID, "not-a-real-producer")
	assert.Error(t, err)
}

func TestUpdateActiveSpeakers_PausesConsumersOfDroppedOutSpeakers(t *testing.T) {
	c, fake := newTestCluster(t, 10)
	ctx := context.Background()

	routerID, err := c.AssignListener(ctx, "listener-1")
	require.NoError(t, err)
	producer1, err := c.AddProducer(ctx, "speaker-1", "transport-1", "audio", map[string]any{})
	require.NoError(t, err)
	producer2, err := c.AddProducer(ctx, "speaker-2", "transport-2", "audio", map[string]any{})
	require.NoError(t, err)

	consumer1, err := c.Consume(ctx, "lt-1", routerID, producer1)
	require.NoError(t, err)
	consumer2, err := c.Consume(ctx, "lt-2", routerID, producer2)
	require.NoError(t, err)

	c.UpdateActiveSpeakers(ctx, []string{producer1})

	assert.False(t, fake.PausedConsumers[consumer1])
	assert.True(t, fake.PausedConsumers[consumer2])
}

func TestReleaseListener_FreesCapacity(t *testing.T) {
	c, _ := newTestCluster(t, 1)
	ctx := context.Background()

	r1, err := c.AssignListener(ctx, "listener-1")
	require.NoError(t, err)
	c.ReleaseListener("listener-1")

	r2, err := c.AssignListener(ctx, "listener-2")
	require.NoError(t, err)

	assert.Equal(t, r1, r2, "released capacity should be reused before creating a new router")
}
