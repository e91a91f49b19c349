// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package callback implements tuner callbacks: logging trials to a tuning log, displaying
// progress on the terminal and plotting the tuning curve.
package callback

import (
	"path/filepath"
	"sync"

	"github.com/gomlx/microtune/pkg/autotune/measure"
	"github.com/gomlx/microtune/pkg/autotune/record"
	"github.com/gomlx/microtune/pkg/autotune/tuner"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// LogToFileName is the name of the LogToFile callback.
const LogToFileName = "microtune.autotune.callback.LogToFile"

// RunID identifies the records written by this process.
var RunID = sync.OnceValue(uuid.New)

// LogToFile returns a callback that appends a record of every trial to the tuning log in path.
//
// The file is opened in append mode at every batch, so records from several tasks (and several
// callbacks with the same path) accumulate in the same log.
func LogToFile(path string) tuner.Callback {
	return tuner.Callback{
		Name: LogToFileName,
		OnBatch: func(t *tuner.Base, inputs []*measure.Input, results []*measure.Result) error {
			fw, err := record.OpenFileWriter(path)
			if err != nil {
				return err
			}
			records := make([]*record.Record, len(inputs))
			for ii, input := range inputs {
				records[ii] = record.New(input, results[ii], RunID())
			}
			if err = fw.Write(records...); err != nil {
				_ = fw.Close()
				return err
			}
			return fw.Close()
		},
	}
}

// PlotHistoryName is the name of the PlotHistory callback.
const PlotHistoryName = "microtune.autotune.callback.PlotHistory"

// PlotHistory returns a callback that, at the end of the tuning, saves to path a plot with the
// throughput of every trial and the best throughput so far. The image format is taken from
// the extension of path (e.g.: ".png", ".svg").
func PlotHistory(path string, siPrefix string) tuner.Callback {
	return tuner.Callback{
		Name: PlotHistoryName,
		OnEnd: func(t *tuner.Base) error {
			history := t.History()
			if len(history) == 0 {
				klog.Warningf("no trials measured for %s, not plotting %q", t.Task().WorkloadKey(), path)
				return nil
			}
			trials := make(plotter.XYs, len(history))
			best := make(plotter.XYs, len(history))
			var bestSoFar float64
			for ii, flops := range history {
				scaled, err := tuner.ScaleSI(flops, siPrefix)
				if err != nil {
					return err
				}
				bestSoFar = max(bestSoFar, scaled)
				trials[ii] = plotter.XY{X: float64(ii + 1), Y: scaled}
				best[ii] = plotter.XY{X: float64(ii + 1), Y: bestSoFar}
			}

			p := plot.New()
			p.Title.Text = t.Task().WorkloadKey()
			p.X.Label.Text = "trial"
			p.Y.Label.Text = siPrefix + "FLOPS"
			p.Y.Min = 0
			points, err := plotter.NewScatter(trials)
			if err != nil {
				return errors.Wrap(err, "failed to plot trials")
			}
			line, err := plotter.NewLine(best)
			if err != nil {
				return errors.Wrap(err, "failed to plot best trials")
			}
			p.Add(points, line)
			p.Legend.Add("trial", points)
			p.Legend.Add("best", line)
			p.Legend.Top = false
			if err = p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
				return errors.Wrapf(err, "failed to save tuning plot to %q", path)
			}
			klog.V(1).Infof("saved tuning plot of %s to %q", t.Task().WorkloadKey(), filepath.Clean(path))
			return nil
		},
	}
}
