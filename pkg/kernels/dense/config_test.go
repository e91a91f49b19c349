// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dense

import (
	"testing"

	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTilingFromConfig(t *testing.T) {
	args := []task.Arg{
		must.M1(task.NewArg([]int{32, 64}, "float32")),
		must.M1(task.NewArg([]int{16, 64}, "float32")),
	}
	tgt := must.M1(target.Micro("host"))
	nopack := must.M1(task.New(task.DenseNopack, args, "float32", tgt))
	pack := must.M1(task.New(task.DensePack, args, "float32", tgt))

	cfg := must.M1(nopack.Space.FromSplits(map[string][]int{
		task.KnobTileY: {4, 8},
		task.KnobTileX: {2, 8},
		task.KnobTileK: {16, 4},
	}))
	tiling, err := TilingFromConfig(task.DenseNopack, cfg)
	require.NoError(t, err)
	assert.Equal(t, Tiling{BlockY: 8, BlockX: 8, BlockK: 4}, tiling)

	cfg = must.M1(pack.Space.FromSplits(map[string][]int{
		task.KnobTileY: {8, 2, 2},
		task.KnobTileX: {2, 2, 4},
		task.KnobTileK: {4, 16},
	}))
	tiling, err = TilingFromConfig(task.DensePack, cfg)
	require.NoError(t, err)
	assert.Equal(t, Tiling{BlockY: 4, BlockX: 8, BlockK: 16, PackWidth: 4}, tiling)
	require.NoError(t, tiling.Check(32, 16, 64))

	// Every configuration of the spaces is a valid tiling.
	for _, tsk := range []*task.Task{nopack, pack} {
		for index := range tsk.Space.Len() {
			tiling, err := TilingFromConfig(tsk.Name, tsk.Space.Get(index))
			require.NoError(t, err)
			m, n, k := task.DenseDims(tsk.Args)
			require.NoError(t, tiling.Check(m, n, k), "%s config #%d", tsk.Name, index)
		}
	}

	_, err = TilingFromConfig("conv2d", cfg)
	require.ErrorContains(t, err, "unknown dense template")
}
