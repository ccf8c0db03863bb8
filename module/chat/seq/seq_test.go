package seq

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-chat/realtime/service/storage/memory"
	"github.com/nexus-chat/realtime/tools/errs"
)

func TestNextIsStrictlyIncreasing(t *testing.T) {
	g := NewGenerator(memory.New())
	ctx := context.Background()

	var last int64
	for i := 0; i < 100; i++ {
		n, err := g.Next(ctx, 42)
		require.NoError(t, err)
		require.Greater(t, n, last)
		last = n
	}
	require.EqualValues(t, 100, last)
}

func TestNextIsLazyPerChat(t *testing.T) {
	g := NewGenerator(memory.New())
	ctx := context.Background()

	a, err := g.Next(ctx, 1)
	require.NoError(t, err)
	b, err := g.Next(ctx, 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, a)
	require.EqualValues(t, 1, b) // counters are independent, created on first use
}

func TestNextConcurrentCallersNeverCollide(t *testing.T) {
	g := NewGenerator(memory.New())
	ctx := context.Background()

	const workers = 16
	const perWorker = 50

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)
	var failures int

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				n, err := g.Next(ctx, 7)
				mu.Lock()
				if err != nil {
					failures++
				} else {
					if _, dup := seen[n]; dup {
						failures++
					}
					seen[n] = struct{}{}
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Zero(t, failures)
	require.Len(t, seen, workers*perWorker)
}

type brokenStore struct{}

func (brokenStore) NextSeq(context.Context, int64) (int64, error) {
	return 0, errs.New("store down")
}

func TestNextAbortsOnStoreFailure(t *testing.T) {
	g := NewGenerator(brokenStore{})
	_, err := g.Next(context.Background(), 1)
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrDeliveryFailure)
}
