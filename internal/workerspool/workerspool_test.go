// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_MaxParallelism(t *testing.T) {
	for _, parallelism := range []int{1, 3} {
		pool := New(parallelism)
		var running, maxRunning, count atomic.Int32
		for range 20 {
			pool.WaitToStart(func() {
				current := running.Add(1)
				for {
					old := maxRunning.Load()
					if current <= old || maxRunning.CompareAndSwap(old, current) {
						break
					}
				}
				runtime.Gosched()
				time.Sleep(time.Millisecond)
				running.Add(-1)
				count.Add(1)
			})
		}
		pool.Wait()
		assert.Equal(t, int32(20), count.Load())
		assert.LessOrEqual(t, int(maxRunning.Load()), parallelism)
	}
}

func TestPool_Defaults(t *testing.T) {
	require.Equal(t, runtime.NumCPU(), New(0).MaxParallelism())

	pool := New(-1)
	require.True(t, pool.IsUnlimited())
	var count atomic.Int32
	for range 10 {
		pool.WaitToStart(func() { count.Add(1) })
	}
	pool.Wait()
	require.Equal(t, int32(10), count.Load())
}
