// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gomlx/microtune/pkg/autotune/callback"
	"github.com/gomlx/microtune/pkg/autotune/measure"
	"github.com/gomlx/microtune/pkg/autotune/record"
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/gomlx/microtune/pkg/core/compile"
	"github.com/gomlx/microtune/pkg/core/relay"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/gomlx/microtune/pkg/core/transform"
	"github.com/gomlx/microtune/pkg/micro"
	"github.com/gomlx/microtune/pkg/micro/project"
	"github.com/gomlx/microtune/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDenseModule(t *testing.T) {
	mod, yw := BuildDenseModule()
	mod, err := relay.InferType(mod)
	require.NoError(t, err)
	assert.Equal(t, map[string][]int{"data": {128, 256}, "weight": {128, 256}}, mod.ShapeDict())
	assert.Equal(t, map[string]string{"data": "float32", "weight": "float"}, mod.TypeDict())
	assert.Nil(t, yw.CheckedType())
	assert.Len(t, mod.Main().Params, 3)
}

func TestExtractTasks(t *testing.T) {
	mod, _ := BuildDenseModule()
	mod = must.M1(relay.InferType(mod))
	tgt := must.M1(target.Micro("host"))
	cfg := DefaultConfig().Compile

	tasks, err := task.ExtractFromProgram(mod.Main(), nil, tgt, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, tasks)
	names := make([]string, len(tasks))
	for ii, tsk := range tasks {
		names[ii] = tsk.Name
		assert.Greater(t, tsk.FLOP, int64(0))
	}
	assert.ElementsMatch(t, []string{task.DenseNopack, task.DensePack}, names)

	tasks, err = task.ExtractFromProgram(mod.Main(), nil, tgt, transform.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

// testConfig returns a workflow configuration writing to a temporary directory. The project is
// only built if make and a C compiler are available.
func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.OutDir = filepath.Join(t.TempDir(), "out")
	cfg.Seed = 42
	cfg.Output = io.Discard
	cfg.TemplateDir = filepath.Join(t.TempDir(), "crt")
	require.NoError(t, project.ExtractTemplate(target.RuntimeCRT, cfg.TemplateDir))
	cfg.Build = true
	for _, tool := range []string{"make", "cc"} {
		if _, err := exec.LookPath(tool); err != nil {
			cfg.Build = false
		}
	}
	return cfg
}

func TestRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plot = true
	logPath := filepath.Join(cfg.OutDir, cfg.LogFile)

	// A stale (and corrupted) log from a previous run.
	require.NoError(t, os.MkdirAll(cfg.OutDir, 0o755))
	require.NoError(t, os.WriteFile(logPath, []byte("stale record\n"), 0o644))

	// The log must be gone by the time the first trial is built.
	var once sync.Once
	var staleAtFirstBuild bool
	cfg.BuildFunc = func(ctx context.Context, input *measure.Input, c transform.Config, rt *target.Runtime, outDir string) (*measure.BuildOutput, error) {
		once.Do(func() { staleAtFirstBuild = must.M1(fsutil.FileExists(logPath)) })
		return micro.AutotuneBuildFunc(ctx, input, c, rt, outDir)
	}

	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, staleAtFirstBuild)
	assert.Equal(t, logPath, res.LogFile)

	require.NotEmpty(t, res.Tasks)
	for _, tr := range res.Tasks {
		assert.Greater(t, tr.BestFLOPS, 0.0, "task %s", tr.Task.WorkloadKey())
		assert.Equal(t, cfg.NumTrials, tr.NumTrials)
		require.NotNil(t, tr.BestConfig)
		assert.FileExists(t, filepath.Join(cfg.OutDir, "tuning_"+tr.Task.Name+".png"))
	}

	records, err := record.Load(logPath)
	require.NoError(t, err)
	assert.Len(t, records, cfg.NumTrials*len(res.Tasks))
	for _, r := range records {
		assert.Equal(t, callback.RunID().String(), r.RunID)
	}

	// Lowering used the tuning log.
	require.Len(t, res.Artifact.Kernels, 1)
	k := res.Artifact.Kernels[0]
	assert.True(t, k.FromHistory)
	history := record.ApplyHistoryBest(records)
	_, bestFLOPS, found := history.Query(k.Task.WorkloadKey())
	require.True(t, found)
	for _, tr := range res.Tasks {
		assert.LessOrEqual(t, tr.BestFLOPS, bestFLOPS+1e-6)
	}

	// Generated project.
	projectDir := filepath.Join(cfg.OutDir, ProjectDirName)
	assert.Equal(t, projectDir, res.Project.Dir())
	assert.FileExists(t, filepath.Join(projectDir, project.ModelTarName))
	assert.FileExists(t, filepath.Join(projectDir, project.ModelDirName, "codegen", "host", "src", compile.LibSourceName))
	assert.Equal(t, cfg.Build, res.Built)
	if res.Built {
		assert.FileExists(t, res.Project.BinaryPath())
		output, err := res.Project.Run(context.Background())
		require.NoError(t, err)
		assert.Contains(t, output, "passed")
	}

	// Running again starts from a fresh log and replaces the project.
	cfg.BuildFunc = nil
	cfg.Plot = false
	res2, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	records, err = record.Load(logPath)
	require.NoError(t, err)
	assert.Len(t, records, cfg.NumTrials*len(res2.Tasks))
	assert.NotEqual(t, res.Project.Info().ID, res2.Project.Info().ID)
}

func TestRunWithoutHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.ApplyHistory = false
	cfg.Build = false
	cfg.NumTrials = 2
	cfg.Compile = cfg.Compile.WithOptLevel(2)
	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	require.Len(t, res.Artifact.Kernels, 1)
	assert.False(t, res.Artifact.Kernels[0].FromHistory)
	assert.False(t, res.Built)
}

func TestRunBrokenBuild(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumTrials = 3
	cfg.BuildFunc = func(context.Context, *measure.Input, transform.Config, *target.Runtime, string) (*measure.BuildOutput, error) {
		return nil, errors.New("broken build function")
	}
	_, err := Run(context.Background(), cfg)
	require.ErrorContains(t, err, "no successful trial")
	assert.NoDirExists(t, filepath.Join(cfg.OutDir, ProjectDirName))

	// Failed trials are still logged.
	records, err := record.Load(filepath.Join(cfg.OutDir, cfg.LogFile))
	require.NoError(t, err)
	require.Len(t, records, cfg.NumTrials)
	assert.Equal(t, measure.CompileHostError, records[0].Result.ErrorNo)
}

func TestRunConfigErrors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.OutDir = ""
	_, err := Run(ctx, cfg)
	require.ErrorContains(t, err, "output directory")

	cfg = testConfig(t)
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	cfg.OutDir = file
	_, err = Run(ctx, cfg)
	require.ErrorContains(t, err, "not a directory")

	cfg = testConfig(t)
	cfg.NumTrials = 0
	_, err = Run(ctx, cfg)
	require.ErrorContains(t, err, "NumTrials")

	cfg = testConfig(t)
	cfg.Tuner = "annealing"
	_, err = Run(ctx, cfg)
	require.ErrorContains(t, err, "unknown tuner")

	cfg = testConfig(t)
	cfg.Model = "esp32"
	_, err = Run(ctx, cfg)
	require.ErrorContains(t, err, "unknown micro model")

	cfg = testConfig(t)
	cfg.Compile = transform.Config{OptLevel: 7}
	_, err = Run(ctx, cfg)
	require.ErrorContains(t, err, "opt_level")

	cfg = testConfig(t)
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Run(canceled, cfg)
	require.ErrorIs(t, err, context.Canceled)
}
