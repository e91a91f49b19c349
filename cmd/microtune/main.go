// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// microtune tunes the dense operators of a small two-stage graph for a micro device, lowers
// the graph with the best configurations found, and generates (and builds) a standalone
// C runtime project in the output directory.
//
// Usage:
//
//	microtune -out_dir=~/microtune_out [-trials=10] [-tuner=ga] [-build=false]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/microtune/pkg/autotune/tuner"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/gomlx/microtune/pkg/support/xslices"
	"github.com/gomlx/microtune/pkg/workflow"
	"k8s.io/klog/v2"
)

var (
	defaults = workflow.DefaultConfig()

	flagOutDir = flag.String("out_dir", "", "Output directory for the tuning log, plots and the generated project. "+
		"It is created if it doesn't exist. Required.")
	flagLog = flag.String("log", defaults.LogFile, "Tuning log file. Relative paths are relative to -out_dir. "+
		"A previous log in the same path is removed before tuning.")
	flagTrials   = flag.Int("trials", defaults.NumTrials, "Number of tuning trials per task.")
	flagTuner    = flag.String("tuner", defaults.Tuner, fmt.Sprintf("Tuner to use: %q, %q or %q.", tuner.NameGA, tuner.NameRandom, tuner.NameGridSearch))
	flagSeed     = flag.Uint64("seed", 0, "Seed for the tuners and the simulated device. 0 picks a random seed.")
	flagModel    = flag.String("model", defaults.Model, fmt.Sprintf("Micro device model, one of %v.", target.MicroModels()))
	flagOptLevel = flag.Int("opt_level", defaults.Compile.OptLevel, "Optimization level, from 0 to 3. "+
		"Level 3 enables the packed dense strategy.")
	flagDisableVectorize = flag.Bool("disable_vectorize", defaults.Compile.DisableVectorize, "Disable vectorization of the generated loops.")
	flagSystemLib        = flag.Bool("system_lib", defaults.SystemLib, "Link the generated operators in a static system library.")
	flagApplyHistory     = flag.Bool("apply_history", defaults.ApplyHistory, "Lower the graph with the best configurations of the tuning log. "+
		"If false, kernels use their default configurations.")
	flagBuild       = flag.Bool("build", defaults.Build, "Build the generated project.")
	flagBuildCmd    = xslices.Flag("build_cmd", nil, "Comma-separated command used to build the project. Defaults to \"make\".", parseString)
	flagPlot        = flag.Bool("plot", false, "Save a plot of the tuning of each task to -out_dir.")
	flagProgressBar = flag.Bool("progress", defaults.ProgressBar, "Display a progress bar while tuning.")
	flagTemplateDir = flag.String("template_dir", "", "Template project directory. If empty, the embedded \"crt\" template is used.")
)

func parseString(value string) (string, error) { return strings.TrimSpace(value), nil }

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
)

func configFromFlags() workflow.Config {
	cfg := workflow.DefaultConfig()
	cfg.OutDir = *flagOutDir
	cfg.LogFile = *flagLog
	cfg.NumTrials = *flagTrials
	cfg.Tuner = *flagTuner
	cfg.Seed = *flagSeed
	cfg.Model = *flagModel
	cfg.Compile = cfg.Compile.WithOptLevel(*flagOptLevel).WithDisableVectorize(*flagDisableVectorize)
	cfg.SystemLib = *flagSystemLib
	cfg.ApplyHistory = *flagApplyHistory
	cfg.Build = *flagBuild
	cfg.BuildCommand = *flagBuildCmd
	cfg.Plot = *flagPlot
	cfg.ProgressBar = *flagProgressBar
	cfg.TemplateDir = *flagTemplateDir
	return cfg
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagOutDir == "" {
		klog.Errorf("Missing -out_dir. See 'microtune -help'.")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	res, err := workflow.Run(ctx, configFromFlags())
	if err != nil {
		klog.Errorf("microtune failed: %+v", err)
		stop()
		os.Exit(1)
	}
	fmt.Println(titleStyle.Render("Tuning"))
	fmt.Println(tasksTable(res).Render())
	fmt.Println(titleStyle.Render("Output"))
	fmt.Println(outputTable(res).Render())
}

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

// tasksTable lists the result of the tuning of each task.
func tasksTable(res *workflow.Result) *lgtable.Table {
	table := newPlainTable(true)
	table.Row("Task", "Trials", "Best", "Best config")
	for _, tr := range res.Tasks {
		bestConfig := "-"
		if tr.BestConfig != nil {
			bestConfig = tr.BestConfig.String()
		}
		table.Row(tr.Task.WorkloadKey(), humanize.Comma(int64(tr.NumTrials)),
			humanize.SIWithDigits(tr.BestFLOPS, 2, "FLOPS"), bestConfig)
	}
	return table
}

// outputTable lists the files generated by the workflow.
func outputTable(res *workflow.Result) *lgtable.Table {
	table := newPlainTable(false)
	table.Row("output dir", res.OutDir)
	table.Row("tuning log", res.LogFile)
	if res.Artifact != nil {
		for _, k := range res.Artifact.Kernels {
			source := "default"
			if k.FromHistory {
				source = "tuning log"
			}
			table.Row(k.Name, fmt.Sprintf("%s [%s] (%s)", k.Task.Name, k.Config, source))
		}
		table.Row("workspace", humanize.Bytes(uint64(res.Artifact.WorkspaceBytes())))
	}
	if res.Project != nil {
		table.Row("project", res.Project.Dir())
		if res.Built {
			table.Row("binary", res.Project.BinaryPath())
		}
	}
	return table
}
