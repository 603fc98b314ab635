package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kv-shepherd.io/storjanitor/internal/pkg/logger"
)

func newTestPools(t *testing.T) *Pools {
	t.Helper()
	_ = logger.Init("error", "json")

	pools, err := NewPools(DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)
	return pools
}

func TestSubmit_RunsTask(t *testing.T) {
	pools := newTestPools(t)

	done := make(chan struct{})
	err := pools.General.Submit(context.Background(), func(ctx context.Context) {
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestSubmit_CancelledContext(t *testing.T) {
	pools := newTestPools(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pools.General.Submit(ctx, func(ctx context.Context) {
		t.Error("task should not run with cancelled context")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestGroup_WaitsForAll(t *testing.T) {
	pools := newTestPools(t)

	var ran int64
	group := pools.Array.NewGroup()
	for i := 0; i < 20; i++ {
		err := group.Go(context.Background(), func(ctx context.Context) {
			atomic.AddInt64(&ran, 1)
		})
		require.NoError(t, err)
	}
	group.Wait()

	require.EqualValues(t, 20, atomic.LoadInt64(&ran))
}

func TestMetrics(t *testing.T) {
	pools := newTestPools(t)

	m := pools.Metrics()
	require.Contains(t, m, "general")
	require.Contains(t, m, "array")
}
