// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workflow runs the micro autotuning workflow end to end:
//
//  1. Build the two-stage dense graph and infer its types.
//  2. Extract the tuning tasks under an explicit compilation configuration.
//  3. Tune every task on the simulated host device, logging every trial to the tuning log,
//     and abort if any task has no successful trial.
//  4. Lower the graph, using the best records of the tuning log.
//  5. Generate the "crt" project for the lowered artifact in the output directory, and build it.
package workflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/microtune/pkg/autotune/callback"
	"github.com/gomlx/microtune/pkg/autotune/measure"
	"github.com/gomlx/microtune/pkg/autotune/record"
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/gomlx/microtune/pkg/autotune/tuner"
	"github.com/gomlx/microtune/pkg/core/compile"
	"github.com/gomlx/microtune/pkg/core/relay"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/gomlx/microtune/pkg/core/transform"
	"github.com/gomlx/microtune/pkg/micro"
	"github.com/gomlx/microtune/pkg/micro/project"
	"github.com/gomlx/microtune/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BuildDenseModule builds the workflow graph:
//
//	data:   (128, 256) "float32"
//	weight: (128, 256) "float"
//	w2:     (10, 128)  "float"
//	y  = dense(data, weight, out_dtype="float32")
//	yw = dense(y, w2, out_dtype="float32")
//	main(data, weight, w2) = y
//
// The output of the function is y: yw and w2 are not reachable from it, so they are never
// annotated, tuned or lowered. yw is returned so callers can verify that.
func BuildDenseModule() (mod *relay.Module, yw *relay.Call) {
	data := relay.Var("data", []int{128, 256}, "float32")
	weight := relay.Var("weight", []int{128, 256}, "float")
	w2 := relay.Var("w2", []int{10, 128}, "float")
	y := relay.Dense(data, weight, "float32")
	yw = relay.Dense(y, w2, "float32")
	klog.Warningf("workflow graph: %s is computed but main returns y, so it and %%w2 are dead code", yw)
	return relay.NewModule(relay.NewFunction([]*relay.Variable{data, weight, w2}, y)), yw
}

// Default values of Config.
const (
	DefaultLogFile   = "crt_autotune.log"
	DefaultNumTrials = 10
	DefaultSIPrefix  = "M"
	ProjectDirName   = "project"
)

// Config of the workflow.
type Config struct {
	// OutDir where the tuning log, plots and generated project are written. It is created if
	// it doesn't exist. Required.
	OutDir string

	// LogFile is the tuning log. Relative paths are relative to OutDir. Any previous log in the
	// same path is removed before tuning starts.
	LogFile string

	// NumTrials per task.
	NumTrials int

	// Tuner name, see tuner.New.
	Tuner string

	// Seed for the tuners and the simulated device. 0 means random.
	Seed uint64

	// Model of the micro target, see target.MicroModels.
	Model string

	// Compile configuration, used both for task extraction and lowering.
	Compile transform.Config

	// SystemLib links the generated operators in a static system library.
	SystemLib bool

	// ApplyHistory makes lowering use the best records of the tuning log. Otherwise,
	// every kernel uses its default configuration.
	ApplyHistory bool

	// Build the generated project.
	Build bool

	// BuildCommand overrides the build command of the project, see project.Options.
	BuildCommand []string

	// Plot the tuning history of each task to OutDir.
	Plot bool

	// ProgressBar displays the progress of the tuning on Output.
	ProgressBar bool

	// Output used by the progress bar. Defaults to os.Stdout.
	Output io.Writer

	// TemplateDir of the project template. If empty, the embedded "crt" template is used.
	TemplateDir string

	// BuildFunc used by the tuning builder. Defaults to micro.AutotuneBuildFunc.
	BuildFunc measure.BuildFunc
}

// DefaultConfig returns the configuration of the workflow: 10 trials per task with the GA tuner,
// on the "host" micro model, at opt_level 3 with vectorization disabled.
// OutDir must still be set.
func DefaultConfig() Config {
	return Config{
		LogFile:      DefaultLogFile,
		NumTrials:    DefaultNumTrials,
		Tuner:        tuner.NameGA,
		Model:        "host",
		Compile:      transform.Config{OptLevel: 3, DisableVectorize: true},
		SystemLib:    true,
		ApplyHistory: true,
		Build:        true,
		ProgressBar:  true,
	}
}

// TaskResult summarizes the tuning of one task.
type TaskResult struct {
	Task       *task.Task
	NumTrials  int
	BestFLOPS  float64
	BestConfig *task.ConfigEntity
}

// Result of a workflow run.
type Result struct {
	OutDir  string
	LogFile string
	Module  *relay.Module
	Tasks   []TaskResult

	Artifact *compile.Artifact
	Project  *project.Project

	// Built is true if the project was built.
	Built bool
}

// Run executes the workflow. It stops at the first error.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	outDir, err := fsutil.ValidateOutputDir(cfg.OutDir)
	if err != nil {
		return nil, errors.WithMessage(err, "workflow.Run")
	}
	if err = os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "workflow.Run: failed to create output directory %q", outDir)
	}
	if cfg.NumTrials <= 0 {
		return nil, errors.Errorf("workflow.Run: NumTrials must be > 0, got %d", cfg.NumTrials)
	}
	logFile := cfg.LogFile
	if logFile == "" {
		logFile = DefaultLogFile
	}
	if logFile, err = fsutil.ReplaceTildeInDir(logFile); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(logFile) {
		logFile = filepath.Join(outDir, logFile)
	}
	res := &Result{OutDir: outDir, LogFile: logFile}

	// Graph.
	mod, _ := BuildDenseModule()
	if mod, err = relay.InferType(mod); err != nil {
		return nil, err
	}
	res.Module = mod
	klog.Infof("shapes: %v, dtypes: %v", mod.ShapeDict(), mod.TypeDict())

	tgt, err := target.Micro(cfg.Model)
	if err != nil {
		return nil, err
	}
	rt, err := target.NewRuntime(target.RuntimeCRT, target.RuntimeOptions{SystemLib: cfg.SystemLib})
	if err != nil {
		return nil, err
	}

	// Tasks.
	tasks, err := task.ExtractFromProgram(mod.Main(), nil, tgt, cfg.Compile)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, errors.New("workflow.Run: no tuning tasks extracted")
	}
	klog.Infof("%d tuning tasks extracted for %s under %s", len(tasks), tgt, cfg.Compile)

	templateDir := cfg.TemplateDir
	if templateDir == "" {
		if templateDir, err = project.TemplateDir(target.RuntimeCRT); err != nil {
			return nil, err
		}
	}

	// Tuning.
	if err = tuneTasks(ctx, cfg, res, tasks, tgt, rt, templateDir); err != nil {
		return nil, err
	}

	// Lowering.
	var dispatch compile.Dispatcher
	if cfg.ApplyHistory {
		keys := make([]string, len(tasks))
		for ii, tsk := range tasks {
			keys[ii] = tsk.WorkloadKey()
		}
		history, err := record.CheckLog(logFile, keys...)
		if err != nil {
			return nil, errors.WithMessage(err, "workflow.Run")
		}
		dispatch = history
	} else {
		klog.Warningf("lowering without the tuning log %q: kernels use their default configurations", logFile)
	}
	res.Artifact, err = compile.Build(mod, nil, tgt, rt, cfg.Compile, dispatch)
	if err != nil {
		return nil, err
	}
	for _, k := range res.Artifact.Kernels {
		klog.Infof("lowered %s as %s [%s], from history: %v", k.Name, k.Task.Name, k.Config, k.FromHistory)
	}

	// Project.
	res.Project, err = project.Generate(templateDir, res.Artifact, filepath.Join(outDir, ProjectDirName), project.Options{
		Overwrite:    true,
		Verbose:      klog.V(1).Enabled(),
		BuildCommand: cfg.BuildCommand,
	})
	if err != nil {
		return nil, err
	}
	klog.Infof("generated project in %q", res.Project.Dir())
	if cfg.Build {
		if err = res.Project.Build(ctx); err != nil {
			return nil, err
		}
		res.Built = true
		klog.Infof("built project in %q", res.Project.Dir())
	}
	return res, nil
}

// tuneTasks tunes each task in turn, failing if any has no successful trial.
func tuneTasks(ctx context.Context, cfg Config, res *Result, tasks []*task.Task, tgt *target.Target, rt *target.Runtime, templateDir string) error {
	removed, err := fsutil.RemoveIfExists(res.LogFile)
	if err != nil {
		return err
	}
	if removed {
		klog.Infof("removed previous tuning log %q", res.LogFile)
	}

	loader, err := micro.NewHostModuleLoader(templateDir, tgt, micro.ProjectOptions{Seed: cfg.Seed})
	if err != nil {
		return err
	}
	buildFunc := cfg.BuildFunc
	if buildFunc == nil {
		buildFunc = micro.AutotuneBuildFunc
	}
	measureOptions := measure.Options{
		Builder: &measure.LocalBuilder{
			NumParallel: 1,
			Config:      cfg.Compile,
			DoFork:      true,
			BuildFunc:   buildFunc,
			Runtime:     rt,
		},
		Runner: &measure.LocalRunner{
			Number:           1,
			Repeat:           1,
			CheckCorrectness: true,
			ModuleLoader:     loader,
		},
	}
	defer func() {
		if closeErr := measureOptions.Close(); closeErr != nil {
			klog.Warningf("failed to release build outputs: %v", closeErr)
		}
	}()

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	for ii, tsk := range tasks {
		seed := cfg.Seed
		if seed != 0 {
			seed += uint64(ii)
		}
		t, err := tuner.New(cfg.Tuner, tsk, seed)
		if err != nil {
			return err
		}
		callbacks := []tuner.Callback{callback.LogToFile(res.LogFile)}
		if cfg.ProgressBar {
			callbacks = append(callbacks, callback.ProgressBarTo(output, cfg.NumTrials, DefaultSIPrefix))
		}
		if cfg.Plot {
			plotPath := filepath.Join(res.OutDir, fmt.Sprintf("tuning_%s.png", tsk.Name))
			callbacks = append(callbacks, callback.PlotHistory(plotPath, DefaultSIPrefix))
		}
		err = t.Tune(ctx, tuner.TuneOptions{
			NumTrials: cfg.NumTrials,
			Measure:   measureOptions,
			Callbacks: callbacks,
			SIPrefix:  DefaultSIPrefix,
		})
		if err != nil {
			return errors.WithMessagef(err, "workflow.Run: tuning %s", tsk.WorkloadKey())
		}
		if t.BestFLOPS() <= 0 {
			return errors.Errorf("workflow.Run: tuning %s had no successful trial, best FLOPS is %g", tsk.WorkloadKey(), t.BestFLOPS())
		}
		res.Tasks = append(res.Tasks, TaskResult{Task: tsk, NumTrials: t.NumMeasured(), BestFLOPS: t.BestFLOPS(), BestConfig: t.BestConfig()})
	}
	return nil
}
