package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/zero/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Bounded(t *testing.T) {
	pool := NewWithParallelism(2)
	release := xsync.NewLatch()
	var count atomic.Int32
	for range 2 {
		pool.WaitToStart(func() {
			count.Add(1)
			release.Wait()
		})
	}
	assert.Equal(t, 2, pool.Running())
	assert.False(t, pool.StartIfAvailable(func() {}), "pool should be full")

	thirdStarted := xsync.NewLatch()
	go pool.WaitToStart(func() {
		count.Add(1)
		thirdStarted.Trigger()
	})
	select {
	case <-thirdStarted.WaitChan():
		t.Fatal("third task started while pool was full")
	case <-time.After(10 * time.Millisecond):
	}
	release.Trigger()
	select {
	case <-thirdStarted.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("third task never started")
	}
	pool.Wait()
	assert.Equal(t, int32(3), count.Load())
	assert.Equal(t, 0, pool.Running())
}

func TestPool_InlineAndUnlimited(t *testing.T) {
	// No parallelism: task runs inline.
	pool := NewWithParallelism(0)
	var ran bool
	pool.WaitToStart(func() { ran = true })
	require.True(t, ran)
	assert.False(t, pool.StartIfAvailable(func() {}))

	// Unlimited.
	pool = NewWithParallelism(-1)
	assert.True(t, pool.IsUnlimited())
	release := xsync.NewLatch()
	var count atomic.Int32
	for range 20 {
		require.True(t, pool.StartIfAvailable(func() {
			release.Wait()
			count.Add(1)
		}))
	}
	release.Trigger()
	pool.Wait()
	assert.Equal(t, int32(20), count.Load())
}
