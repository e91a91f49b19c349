// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package micro

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/microtune/pkg/autotune/measure"
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/gomlx/microtune/pkg/core/transform"
	"github.com/gomlx/microtune/pkg/kernels/dense"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func denseTask(t *testing.T, templateName string, m, n, k int, dtypeName string) *task.Task {
	args := []task.Arg{
		must.M1(task.NewArg([]int{m, k}, dtypeName)),
		must.M1(task.NewArg([]int{n, k}, dtypeName)),
	}
	tsk, err := task.New(templateName, args, dtypeName, must.M1(target.Micro("host")))
	require.NoError(t, err)
	return tsk
}

func templateDir(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile"), []byte("all:\n"), 0o644))
	return dir
}

func TestAutotuneBuildFunc(t *testing.T) {
	ctx := context.Background()
	rt := must.M1(target.NewRuntime(target.RuntimeCRT, target.RuntimeOptions{SystemLib: true}))
	cfg := transform.DefaultConfig().WithOptLevel(3).WithDisableVectorize(true)
	for _, templateName := range []string{task.DenseNopack, task.DensePack} {
		tsk := denseTask(t, templateName, 16, 32, 64, "float32")
		input := &measure.Input{Target: tsk.Target, Task: tsk, Config: tsk.DefaultConfig()}
		outDir := t.TempDir()
		output, err := AutotuneBuildFunc(ctx, input, cfg, rt, outDir)
		require.NoError(t, err)
		require.Equal(t, filepath.Join(outDir, KernelSourceName), output.Filename)
		src := string(must.M1(os.ReadFile(output.Filename)))
		assert.Contains(t, src, "#include <stdint.h>")
		assert.Contains(t, src, "tvmgen_default_fused_nn_"+templateName)
		assert.NotContains(t, src, "pragma")

		kernel := output.Program.(*Kernel)
		assert.Equal(t, dtypes.Float32, kernel.DType)
		assert.Equal(t, templateName == task.DensePack, kernel.Tiling.Packed())
		assert.Equal(t, kernel.WorkspaceBytes(), output.WorkspaceBytes)
	}
}

func TestAutotuneBuildFunc_Errors(t *testing.T) {
	ctx := context.Background()
	cfg := transform.DefaultConfig()
	tsk := denseTask(t, task.DenseNopack, 8, 8, 8, "float32")
	input := &measure.Input{Target: tsk.Target, Task: tsk, Config: tsk.DefaultConfig()}
	_, err := AutotuneBuildFunc(ctx, input, cfg, nil, filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, measure.CompileHostError, measure.ErrorNoOf(err, measure.UnknownError))

	half := denseTask(t, task.DenseNopack, 8, 8, 8, "float16")
	input = &measure.Input{Target: half.Target, Task: half, Config: half.DefaultConfig()}
	_, err = AutotuneBuildFunc(ctx, input, cfg, nil, t.TempDir())
	assert.Equal(t, measure.CompileHostError, measure.ErrorNoOf(err, measure.UnknownError))
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	device := must.M1(NewDevice(must.M1(target.Micro("host"))))
	free := device.FreeBytes()
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16} {
		kernel := &Kernel{Name: "dense", M: 8, N: 16, K: 32, DType: dtype,
			Tiling: dense.Tiling{BlockY: 2, BlockX: 8, BlockK: 8, PackWidth: 4}}
		session, err := device.Open(kernel, 7)
		require.NoError(t, err)
		assert.Equal(t, free-kernel.MemoryBytes(), device.FreeBytes())
		require.NoError(t, session.Verify())

		costs, err := session.TimeEvaluate(ctx, 2, 3)
		require.NoError(t, err)
		require.Len(t, costs, 3)
		for _, c := range costs {
			assert.Greater(t, c, 0.0)
		}
		require.NoError(t, session.Close())
		require.NoError(t, session.Close())
		assert.Equal(t, free, device.FreeBytes())
		require.Error(t, session.Run())
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	session := must.M1(device.Open(&Kernel{Name: "dense", M: 4, N: 4, K: 4, DType: dtypes.Float32,
		Tiling: dense.Tiling{BlockY: 1, BlockX: 1, BlockK: 1}}, 0))
	_, err := session.TimeEvaluate(canceled, 1, 1)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, session.Close())
}

func TestDeviceMemory(t *testing.T) {
	device := must.M1(NewDevice(must.M1(target.Micro("stm32f746"))))
	big := &Kernel{Name: "dense", M: 128, N: 128, K: 256, DType: dtypes.Float32,
		Tiling: dense.Tiling{BlockY: 1, BlockX: 16, BlockK: 16, PackWidth: 16}}
	_, err := device.Open(big, 0)
	require.Error(t, err)
	assert.Equal(t, measure.RuntimeDeviceError, measure.ErrorNoOf(err, measure.UnknownError))

	_, err = NewDevice(nil)
	require.Error(t, err)
}

func TestHostModuleLoader(t *testing.T) {
	ctx := context.Background()
	_, err := NewHostModuleLoader(filepath.Join(t.TempDir(), "missing"), must.M1(target.Micro("host")), ProjectOptions{})
	require.ErrorContains(t, err, "not found")
	_, err = NewHostModuleLoader(t.TempDir(), must.M1(target.Micro("host")), ProjectOptions{})
	require.ErrorContains(t, err, "has no Makefile")

	loader, err := NewHostModuleLoader(templateDir(t), must.M1(target.Micro("host")), ProjectOptions{Seed: 3})
	require.NoError(t, err)

	tsk := denseTask(t, task.DensePack, 16, 16, 32, "float32")
	builder := &measure.LocalBuilder{BuildFunc: AutotuneBuildFunc, DoFork: true}
	defer func() { require.NoError(t, builder.Close()) }()
	runner := &measure.LocalRunner{Number: 1, Repeat: 2, ModuleLoader: loader, CheckCorrectness: true}
	opts := measure.Options{Builder: builder, Runner: runner}
	inputs := []*measure.Input{
		{Target: tsk.Target, Task: tsk, Config: tsk.DefaultConfig()},
		{Target: tsk.Target, Task: tsk, Config: tsk.Space.Get(tsk.Space.Len() - 1)},
	}
	for _, result := range opts.MeasureBatch(ctx, inputs) {
		require.True(t, result.Ok(), "trial failed: %v", result.Err)
		require.Len(t, result.Costs, 2)
		assert.Greater(t, result.FLOPS(tsk.FLOP), 0.0)
	}
	assert.Equal(t, must.M1(target.Micro("host")).MemoryBytes(), loader.Device().FreeBytes())

	_, err = loader.Load(ctx, &measure.BuildResult{Output: &measure.BuildOutput{Program: "not a kernel"}})
	require.Error(t, err)
}
