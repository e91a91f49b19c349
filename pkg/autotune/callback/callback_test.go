// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callback

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/microtune/pkg/autotune/measure"
	"github.com/gomlx/microtune/pkg/autotune/record"
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/gomlx/microtune/pkg/autotune/tuner"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuilder struct{}

func (fakeBuilder) Build(_ context.Context, inputs []*measure.Input) []*measure.BuildResult {
	results := make([]*measure.BuildResult, len(inputs))
	for ii := range inputs {
		results[ii] = &measure.BuildResult{Output: &measure.BuildOutput{}}
	}
	return results
}

func (fakeBuilder) NParallel() int { return 2 }
func (fakeBuilder) Close() error   { return nil }

type fakeRunner struct{}

func (fakeRunner) Run(_ context.Context, inputs []*measure.Input, _ []*measure.BuildResult) []*measure.Result {
	results := make([]*measure.Result, len(inputs))
	for ii, input := range inputs {
		results[ii] = &measure.Result{Costs: []float64{1e-3 / float64(1+input.Config.Index%7)}}
	}
	return results
}

func tune(t *testing.T, numTrials int, callbacks ...tuner.Callback) *tuner.GATuner {
	args := []task.Arg{
		must.M1(task.NewArg([]int{32, 64}, "float32")),
		must.M1(task.NewArg([]int{32, 64}, "float")),
	}
	tsk := must.M1(task.New(task.DenseNopack, args, "float32", must.M1(target.Micro("host"))))
	gaTuner := tuner.NewGATuner(tsk, tuner.GAOptions{Seed: 11})
	err := gaTuner.Tune(context.Background(), tuner.TuneOptions{
		NumTrials: numTrials,
		Measure:   measure.Options{Builder: fakeBuilder{}, Runner: fakeRunner{}},
		Callbacks: callbacks,
		SIPrefix:  "M",
	})
	require.NoError(t, err)
	return gaTuner
}

func TestLogToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crt_autotune.log")
	first := tune(t, 5, LogToFile(path))
	second := tune(t, 4, LogToFile(path))

	records, err := record.Load(path)
	require.NoError(t, err)
	require.Len(t, records, 9)
	for _, r := range records {
		assert.Equal(t, RunID().String(), r.RunID)
		assert.Equal(t, first.Task().WorkloadKey(), r.WorkloadKey())
		assert.Equal(t, record.Version, r.Version)
	}
	history := record.ApplyHistoryBest(records)
	_, flops, found := history.Query(second.Task().WorkloadKey())
	require.True(t, found)
	assert.InDelta(t, max(first.BestFLOPS(), second.BestFLOPS()), flops, 1e-3)

	err = tuner.NewGridSearchTuner(first.Task()).Tune(context.Background(), tuner.TuneOptions{
		NumTrials: 1,
		Measure:   measure.Options{Builder: fakeBuilder{}, Runner: fakeRunner{}},
		Callbacks: []tuner.Callback{LogToFile(filepath.Join(t.TempDir(), "missing", "x.log"))},
	})
	require.ErrorContains(t, err, LogToFileName)
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	gaTuner := tune(t, 6, ProgressBarTo(&buf, 6, "M"))
	out := buf.String()
	assert.Contains(t, out, "[Task dense_nopack]")
	assert.Contains(t, out, "MFLOPS")
	assert.Contains(t, out, "Best config")
	assert.Contains(t, out, gaTuner.BestConfig().String())
}

func TestPlotHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.png")
	tune(t, 8, PlotHistory(path, "M"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
