package workerpool

import (
	"context"
	"errors"
	"testing"

	"github.com/flylive/msab/internal/v1/mediaengine/mediaenginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CreatesWorkers(t *testing.T) {
	fake := mediaenginetest.New()
	pool, err := New(context.Background(), fake, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, pool.Size())
	assert.Len(t, fake.Workers, 3)
}

func TestNewRouter_BalancesAcrossWorkers(t *testing.T) {
	fake := mediaenginetest.New()
	pool, err := New(context.Background(), fake, 2)
	require.NoError(t, err)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		workerID, routerID, err := pool.NewRouter(context.Background())
		require.NoError(t, err)
		assert.NotEmpty(t, routerID)
		seen[workerID]++
	}

	assert.Len(t, seen, 2, "routers should be spread across both workers")
	for _, count := range seen {
		assert.Equal(t, 2, count)
	}
}

func TestReleaseRouter_FreesCapacity(t *testing.T) {
	fake := mediaenginetest.New()
	pool, err := New(context.Background(), fake, 2)
	require.NoError(t, err)

	w1, _, err := pool.NewRouter(context.Background())
	require.NoError(t, err)
	_, _, err = pool.NewRouter(context.Background())
	require.NoError(t, err)

	pool.ReleaseRouter(w1)

	w3, _, err := pool.NewRouter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, w1, w3, "releasing a router should make that worker least-loaded again")
}

func TestCheckOnce_DeadWorkerTriggersCallbackAndReplacement(t *testing.T) {
	fake := mediaenginetest.New()
	pool, err := New(context.Background(), fake, 2)
	require.NoError(t, err)

	dead, _, err := pool.NewRouter(context.Background())
	require.NoError(t, err)

	var notified string
	pool.OnDeath(func(workerID string) { notified = workerID })

	fake.KillWorker(dead)
	pool.checkOnce(context.Background())

	assert.Equal(t, dead, notified)

	pool.mu.Lock()
	ids := make([]string, len(pool.workers))
	for i, w := range pool.workers {
		ids[i] = w.id
	}
	pool.mu.Unlock()
	assert.NotContains(t, ids, dead, "the dead worker id should have been replaced")
	assert.Len(t, ids, 2, "pool size should be unchanged after replacement")
}

func TestNewRouter_EmptyPoolAfterUnreplaceableDeaths(t *testing.T) {
	fake := mediaenginetest.New()
	pool, err := New(context.Background(), fake, 2)
	require.NoError(t, err)

	pool.mu.Lock()
	ids := make([]string, len(pool.workers))
	for i, w := range pool.workers {
		ids[i] = w.id
	}
	pool.mu.Unlock()

	// Every worker dies and the engine refuses to spawn replacements; the
	// pool drains to zero instead of panicking.
	fake.CreateWorkerErr = errors.New("engine out of capacity")
	for _, id := range ids {
		fake.KillWorker(id)
	}
	pool.checkOnce(context.Background())

	assert.Equal(t, 0, pool.Size())

	_, _, err = pool.NewRouter(context.Background())
	assert.ErrorIs(t, err, ErrNoWorkersAvailable)
}
