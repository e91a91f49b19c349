// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package measure

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/gomlx/microtune/pkg/core/transform"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInputs(t *testing.T, n int) []*Input {
	tgt := must.M1(target.Micro("host"))
	args := []task.Arg{
		must.M1(task.NewArg([]int{8, 16}, "float32")),
		must.M1(task.NewArg([]int{8, 16}, "float32")),
	}
	tsk, err := task.New(task.DenseNopack, args, "float32", tgt)
	require.NoError(t, err)
	inputs := make([]*Input, n)
	for ii := range inputs {
		inputs[ii] = &Input{Target: tgt, Task: tsk, Config: tsk.Space.Get(ii % tsk.Space.Len())}
	}
	return inputs
}

type fakeModule struct {
	cost      float64
	verifyErr error
	timeErr   error
	closed    *atomic.Int32
}

func (m *fakeModule) TimeEvaluate(ctx context.Context, number, repeat int) ([]float64, error) {
	if m.timeErr != nil {
		return nil, m.timeErr
	}
	costs := make([]float64, repeat)
	for ii := range costs {
		costs[ii] = m.cost
	}
	return costs, nil
}

func (m *fakeModule) Verify() error { return m.verifyErr }

func (m *fakeModule) Close() error {
	m.closed.Add(1)
	return nil
}

type fakeLoader struct {
	module *fakeModule
}

func (l *fakeLoader) Load(ctx context.Context, build *BuildResult) (Module, error) {
	return l.module, nil
}

func writingBuildFunc(ctx context.Context, input *Input, cfg transform.Config, rt *target.Runtime, outDir string) (*BuildOutput, error) {
	filename := filepath.Join(outDir, "kernel.c")
	if err := os.WriteFile(filename, []byte(input.String()), 0o644); err != nil {
		return nil, err
	}
	return &BuildOutput{Filename: filename, Program: input.Config.Index}, nil
}

func TestErrorNo(t *testing.T) {
	assert.Equal(t, "RunTimeoutError", RunTimeoutError.String())
	assert.Equal(t, "ErrorNo(42)", ErrorNo(42).String())

	err := errors.WithMessage(Errorf(WrongAnswerError, "bad value %d", 3), "context")
	assert.Equal(t, WrongAnswerError, ErrorNoOf(err, UnknownError))
	assert.Equal(t, UnknownError, ErrorNoOf(errors.New("untagged"), UnknownError))
	assert.Equal(t, NoError, ErrorNoOf(nil, UnknownError))
	assert.Nil(t, WithErrorNo(CompileHostError, nil))
}

func TestResult(t *testing.T) {
	r := &Result{Costs: []float64{1e-3, 3e-3}}
	assert.InDelta(t, 2e-3, r.MeanCost(), 1e-12)
	assert.InDelta(t, 1e6, r.FLOPS(2000), 1e-6)

	failed := &Result{ErrorNo: RuntimeDeviceError, Err: errors.New("boom")}
	assert.Equal(t, 0.0, failed.FLOPS(2000))
	assert.Contains(t, failed.String(), "RuntimeDeviceError")
}

func TestLocalBuilder(t *testing.T) {
	dir := t.TempDir()
	builder := &LocalBuilder{NumParallel: 2, BuildFunc: writingBuildFunc, Dir: dir, DoFork: true}
	inputs := testInputs(t, 5)
	results := builder.Build(context.Background(), inputs)
	require.Len(t, results, 5)
	for ii, result := range results {
		require.True(t, result.Ok(), "build %d failed: %v", ii, result.Err)
		require.FileExists(t, result.Output.Filename)
		assert.Equal(t, inputs[ii].Config.Index, result.Output.Program)
	}
	require.NoError(t, builder.Close())
	require.DirExists(t, dir)
}

func TestLocalBuilder_TempDir(t *testing.T) {
	builder := &LocalBuilder{BuildFunc: writingBuildFunc}
	results := builder.Build(context.Background(), testInputs(t, 1))
	require.True(t, results[0].Ok())
	tempDir := filepath.Dir(filepath.Dir(results[0].Output.Filename))
	require.DirExists(t, tempDir)
	require.NoError(t, builder.Close())
	require.NoDirExists(t, tempDir)
}

func TestLocalBuilder_Failures(t *testing.T) {
	ctx := context.Background()
	inputs := testInputs(t, 1)

	panicking := &LocalBuilder{DoFork: true, BuildFunc: func(context.Context, *Input, transform.Config, *target.Runtime, string) (*BuildOutput, error) {
		panic("template exploded")
	}}
	defer func() { _ = panicking.Close() }()
	result := panicking.Build(ctx, inputs)[0]
	assert.Equal(t, CompileHostError, result.ErrorNo)
	assert.ErrorContains(t, result.Err, "template exploded")

	slow := &LocalBuilder{DoFork: true, Timeout: 10 * time.Millisecond, BuildFunc: func(ctx context.Context, _ *Input, _ transform.Config, _ *target.Runtime, _ string) (*BuildOutput, error) {
		time.Sleep(time.Second)
		return &BuildOutput{}, nil
	}}
	defer func() { _ = slow.Close() }()
	result = slow.Build(ctx, inputs)[0]
	assert.Equal(t, BuildTimeoutError, result.ErrorNo)

	tagged := &LocalBuilder{BuildFunc: func(context.Context, *Input, transform.Config, *target.Runtime, string) (*BuildOutput, error) {
		return nil, Errorf(InstantiationError, "invalid tiling")
	}}
	defer func() { _ = tagged.Close() }()
	result = tagged.Build(ctx, inputs)[0]
	assert.Equal(t, InstantiationError, result.ErrorNo)

	missing := &LocalBuilder{}
	result = missing.Build(ctx, inputs)[0]
	assert.Equal(t, InstantiationError, result.ErrorNo)
}

func TestLocalRunner(t *testing.T) {
	ctx := context.Background()
	var closed atomic.Int32
	inputs := testInputs(t, 3)
	builds := []*BuildResult{
		{Output: &BuildOutput{}},
		{ErrorNo: CompileHostError, Err: errors.New("no compiler")},
		{Output: &BuildOutput{}},
	}
	runner := &LocalRunner{Repeat: 3, ModuleLoader: &fakeLoader{&fakeModule{cost: 1e-3, closed: &closed}}}
	results := runner.Run(ctx, inputs, builds)
	require.Len(t, results, 3)
	require.True(t, results[0].Ok())
	assert.Equal(t, []float64{1e-3, 1e-3, 1e-3}, results[0].Costs)
	assert.Equal(t, CompileHostError, results[1].ErrorNo)
	require.True(t, results[2].Ok())
	assert.Equal(t, int32(2), closed.Load())

	wrong := &LocalRunner{CheckCorrectness: true, ModuleLoader: &fakeLoader{&fakeModule{
		verifyErr: errors.New("mismatch"), closed: &closed}}}
	results = wrong.Run(ctx, inputs[:1], builds[:1])
	assert.Equal(t, WrongAnswerError, results[0].ErrorNo)
	assert.Empty(t, results[0].Costs)

	timedOut := &LocalRunner{ModuleLoader: &fakeLoader{&fakeModule{
		timeErr: context.DeadlineExceeded, closed: &closed}}}
	results = timedOut.Run(ctx, inputs[:1], builds[:1])
	assert.Equal(t, RunTimeoutError, results[0].ErrorNo)
}

func TestOptions(t *testing.T) {
	require.Error(t, Options{}.Validate())
	var closed atomic.Int32
	opts := Options{
		Builder: &LocalBuilder{BuildFunc: writingBuildFunc},
		Runner:  &LocalRunner{ModuleLoader: &fakeLoader{&fakeModule{cost: 2e-3, closed: &closed}}},
	}
	require.NoError(t, opts.Validate())
	results := opts.MeasureBatch(context.Background(), testInputs(t, 2))
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.Ok(), "trial failed: %v", r.Err)
		assert.Greater(t, r.FLOPS(1000), 0.0)
	}
	require.NoError(t, opts.Close())
}
