package quota

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xeon-774/parallel-coding-sub003/internal/store"
)

func testManager(t *testing.T, quotas map[int]int) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "core.db"), logger)
	require.NoError(t, err)
	return NewManager(st, quotas, logger)
}

func TestAllocateWithinQuota(t *testing.T) {
	m := testManager(t, map[int]int{0: 4})
	ctx := context.Background()

	a, err := m.Allocate(ctx, "job-1", 0, 3)
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)

	u, err := m.Usage(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, Usage{Allocated: 3, Quota: 4}, u)
}

func TestAllocateOverQuota(t *testing.T) {
	m := testManager(t, map[int]int{0: 4})
	ctx := context.Background()

	_, err := m.Allocate(ctx, "job-1", 0, 3)
	require.NoError(t, err)

	_, err = m.Allocate(ctx, "job-2", 0, 2)
	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 0, qe.Depth)
	assert.Equal(t, 2, qe.Requested)
	assert.Equal(t, 3, qe.Allocated)
	assert.Equal(t, 4, qe.Quota)

	// The failed attempt must not consume anything.
	u, err := m.Usage(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, u.Allocated)
}

func TestAllocateAtUnconfiguredDepth(t *testing.T) {
	m := testManager(t, map[int]int{0: 4})

	_, err := m.Allocate(context.Background(), "job-1", 7, 1)
	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 0, qe.Quota)
}

func TestReleaseFreesSlots(t *testing.T) {
	m := testManager(t, map[int]int{1: 2})
	ctx := context.Background()

	a, err := m.Allocate(ctx, "job-1", 1, 2)
	require.NoError(t, err)

	_, err = m.Allocate(ctx, "job-2", 1, 1)
	require.Error(t, err)

	require.NoError(t, m.Release(ctx, a.ID))

	_, err = m.Allocate(ctx, "job-2", 1, 2)
	require.NoError(t, err)
}

func TestReleaseIdempotent(t *testing.T) {
	m := testManager(t, map[int]int{0: 2})
	ctx := context.Background()

	a, err := m.Allocate(ctx, "job-1", 0, 1)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, a.ID))
	require.NoError(t, m.Release(ctx, a.ID))

	u, err := m.Usage(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, u.Allocated)
}

func TestReleaseUnknownAllocation(t *testing.T) {
	m := testManager(t, map[int]int{0: 2})
	err := m.Release(context.Background(), "no-such-allocation")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDepthsAreIndependent(t *testing.T) {
	m := testManager(t, map[int]int{0: 1, 1: 1})
	ctx := context.Background()

	_, err := m.Allocate(ctx, "job-1", 0, 1)
	require.NoError(t, err)

	// Depth 0 full; depth 1 still open.
	_, err = m.Allocate(ctx, "job-2", 1, 1)
	require.NoError(t, err)
}

// Randomized contention at a single depth: no interleaving of allocate
// and release may ever observe more live slots than the quota.
func TestConcurrentAllocationsNeverExceedQuota(t *testing.T) {
	const (
		depth   = 2
		limit   = 4
		workers = 12
		rounds  = 25
	)
	m := testManager(t, map[int]int{depth: limit})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for r := 0; r < rounds; r++ {
				count := 1 + rng.Intn(2)
				a, err := m.Allocate(ctx, "job-race", depth, count)
				if err != nil {
					var qe *QuotaExceededError
					if !assert.ErrorAs(t, err, &qe) {
						return
					}
					continue
				}
				u, err := m.Usage(ctx, depth)
				if !assert.NoError(t, err) {
					return
				}
				assert.LessOrEqual(t, u.Allocated, limit)
				if rng.Intn(4) == 0 {
					time.Sleep(time.Duration(rng.Intn(200)) * time.Microsecond)
				}
				if !assert.NoError(t, m.Release(ctx, a.ID)) {
					return
				}
			}
		}(int64(i) + 1)
	}
	wg.Wait()

	u, err := m.Usage(ctx, depth)
	require.NoError(t, err)
	assert.Equal(t, 0, u.Allocated)
}
