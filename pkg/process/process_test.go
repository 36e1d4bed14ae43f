package process

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeepAliveReleaseIdempotent(t *testing.T) {
	t.Parallel()

	proc := newProcess(1, "web", nil)
	ka, ok := proc.TryAcquireKeepAlive()
	require.True(t, ok)
	require.EqualValues(t, 1, proc.KeepAliveCount())

	ka.Release()
	ka.Release()
	require.True(t, ka.Released())
	require.EqualValues(t, 0, proc.KeepAliveCount())

	var nilKeepAlive *KeepAlive
	nilKeepAlive.Release()
	require.True(t, nilKeepAlive.Released())
}

func TestTryAcquireFailsAfterShutdown(t *testing.T) {
	t.Parallel()

	proc := newProcess(1, "web", nil)
	ka, ok := proc.TryAcquireKeepAlive()
	require.True(t, ok)

	// A held keep-alive blocks graceful shutdown.
	require.False(t, proc.tryBeginShutdown())
	ka.Release()
	require.True(t, proc.tryBeginShutdown())
	require.True(t, proc.IsShuttingDown())

	_, ok = proc.TryAcquireKeepAlive()
	require.False(t, ok)
}

func TestTryAcquireRacesShutdown(t *testing.T) {
	t.Parallel()

	for round := 0; round < 100; round++ {
		proc := newProcess(1, "web", nil)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			acquired []*KeepAlive
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ka, ok := proc.TryAcquireKeepAlive(); ok {
					mu.Lock()
					acquired = append(acquired, ka)
					mu.Unlock()
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			proc.forceShutdown()
		}()
		wg.Wait()

		// Every successful acquisition is accounted for, and none succeeds
		// after shutdown has begun.
		require.EqualValues(t, len(acquired), proc.KeepAliveCount())
		_, ok := proc.TryAcquireKeepAlive()
		require.False(t, ok)
	}
}
