// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tuner searches the configuration space of tuning tasks for their fastest configuration.
//
// All tuners share the same measurement loop, implemented by Base: a Strategy proposes batches
// of configurations, which are built and measured with the measure.Options given, and the
// results are fed back to the Strategy and to the registered callbacks.
//
// Available tuners: GATuner (genetic algorithm), RandomTuner and GridSearchTuner.
package tuner

import (
	"context"
	"fmt"
	"math"

	"github.com/gomlx/microtune/pkg/autotune/measure"
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tuner is implemented by all tuners.
type Tuner interface {
	// Task being tuned.
	Task() *task.Task

	// Tune measures up to options.NumTrials configurations.
	Tune(ctx context.Context, options TuneOptions) error

	// State of the tuning.
	State() State

	// BestFLOPS is the best throughput measured so far, or 0 if no trial succeeded.
	BestFLOPS() float64

	// BestConfig is the configuration that achieved BestFLOPS, or nil.
	BestConfig() *task.ConfigEntity

	// NumMeasured is the number of trials measured so far.
	NumMeasured() int
}

// Strategy proposes the configurations to measure, and learns from their results.
type Strategy interface {
	// HasNext returns whether there are configurations left to propose.
	HasNext() bool

	// NextBatch returns up to batchSize configurations to measure.
	NextBatch(batchSize int) []*task.ConfigEntity

	// Update feeds back the results of the last batch.
	Update(inputs []*measure.Input, results []*measure.Result)
}

// State of a tuner.
type State int

const (
	NotStarted State = iota
	Running
	Completed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// OnStartFn is the type of OnStart callbacks.
type OnStartFn func(tuner *Base, numTrials int) error

// OnBatchFn is the type of OnBatch callbacks. They are called with the inputs and results of
// each measured batch.
type OnBatchFn func(tuner *Base, inputs []*measure.Input, results []*measure.Result) error

// OnEndFn is the type of OnEnd callbacks.
type OnEndFn func(tuner *Base) error

// Callback observes a tuning. Any of its functions can be nil.
//
// Callbacks are called in the order they are given in TuneOptions, and an error returned
// by any of them interrupts the tuning.
type Callback struct {
	// Name is used for error reporting.
	Name string

	OnStart OnStartFn
	OnBatch OnBatchFn
	OnEnd   OnEndFn
}

// TuneOptions configure Tuner.Tune.
type TuneOptions struct {
	// NumTrials is the maximum number of configurations measured.
	NumTrials int

	// Measure configures how trials are built and run.
	Measure measure.Options

	Callbacks []Callback

	// EarlyStopping stops the tuning if the best result hasn't improved in that many trials.
	// Disabled if 0.
	EarlyStopping int

	// SIPrefix used when logging throughputs: one of "", "k", "M", "G", "T".
	SIPrefix string
}

var siPrefixes = map[string]float64{"": 1, "k": 1e3, "M": 1e6, "G": 1e9, "T": 1e12}

// ScaleSI returns value in the unit of the SI prefix (e.g.: "M" divides by 1e6).
// It returns an error for an unknown prefix.
func ScaleSI(value float64, prefix string) (float64, error) {
	scale, found := siPrefixes[prefix]
	if !found {
		return 0, errors.Errorf("unknown SI prefix %q, valid values are \"\", \"k\", \"M\", \"G\" and \"T\"", prefix)
	}
	return value / scale, nil
}

// Base implements the measurement loop shared by all tuners, over a Strategy.
type Base struct {
	task     *task.Task
	strategy Strategy
	state    State

	numTrials     int
	bestFLOPS     float64
	bestConfig    *task.ConfigEntity
	bestResult    *measure.Result
	bestIteration int

	// history of the throughput of every trial, failed ones count as 0.
	history []float64
}

// NewBase creates the Base of a tuner for tsk that uses strategy to propose configurations.
func NewBase(tsk *task.Task, strategy Strategy) *Base {
	return &Base{task: tsk, strategy: strategy, bestIteration: -1}
}

// Task implements Tuner.
func (b *Base) Task() *task.Task { return b.task }

// State implements Tuner.
func (b *Base) State() State { return b.state }

// BestFLOPS implements Tuner.
func (b *Base) BestFLOPS() float64 { return b.bestFLOPS }

// BestConfig implements Tuner.
func (b *Base) BestConfig() *task.ConfigEntity { return b.bestConfig }

// BestResult is the measurement of BestConfig, or nil.
func (b *Base) BestResult() *measure.Result { return b.bestResult }

// BestIteration is the index of the trial that achieved BestFLOPS, or -1.
func (b *Base) BestIteration() int { return b.bestIteration }

// NumMeasured returns the number of trials measured so far.
func (b *Base) NumMeasured() int { return len(b.history) }

// NumTrials is the number of trials requested in the current (or last) tuning.
func (b *Base) NumTrials() int { return b.numTrials }

// History returns the throughput of each trial measured so far, with 0 for failed trials.
func (b *Base) History() []float64 { return b.history }

// Tune implements Tuner.
//
// The number of trials is capped by the size of the configuration space. Tuning can be
// called again to measure more trials, and it accumulates the best results.
func (b *Base) Tune(ctx context.Context, options TuneOptions) (err error) {
	if options.NumTrials <= 0 {
		return errors.Errorf("tuner.Tune(%s): NumTrials must be > 0, got %d", b.task.Name, options.NumTrials)
	}
	if err = options.Measure.Validate(); err != nil {
		return err
	}
	if _, err = ScaleSI(1, options.SIPrefix); err != nil {
		return err
	}
	earlyStopping := options.EarlyStopping
	if earlyStopping <= 0 {
		earlyStopping = math.MaxInt
	}

	b.state = Running
	defer func() { b.state = Completed }()
	b.numTrials = min(options.NumTrials, b.task.Space.Len())
	for _, cb := range options.Callbacks {
		if cb.OnStart == nil {
			continue
		}
		if err = cb.OnStart(b, b.numTrials); err != nil {
			return errors.WithMessagef(err, "OnStart(callback %q)", cb.Name)
		}
	}

	batchSize := options.Measure.Builder.NParallel()
	firstTrial := len(b.history)
	for measured := 0; measured < b.numTrials; {
		if err = ctx.Err(); err != nil {
			return errors.Wrapf(err, "tuning of %s interrupted after %d trials", b.task.WorkloadKey(), measured)
		}
		if !b.strategy.HasNext() {
			klog.V(1).Infof("tuning of %s exhausted its configuration space", b.task.WorkloadKey())
			break
		}
		configs := b.strategy.NextBatch(min(batchSize, b.numTrials-measured))
		if len(configs) == 0 {
			break
		}
		inputs := make([]*measure.Input, len(configs))
		for ii, cfg := range configs {
			inputs[ii] = &measure.Input{Target: b.task.Target, Task: b.task, Config: cfg}
		}
		results := options.Measure.MeasureBatch(ctx, inputs)
		for ii, result := range results {
			flops := result.FLOPS(b.task.FLOP)
			iteration := len(b.history)
			b.history = append(b.history, flops)
			if flops > b.bestFLOPS {
				b.bestFLOPS = flops
				b.bestConfig = inputs[ii].Config
				b.bestResult = result
				b.bestIteration = iteration
			}
			if klog.V(1).Enabled() {
				current, _ := ScaleSI(flops, options.SIPrefix)
				best, _ := ScaleSI(b.bestFLOPS, options.SIPrefix)
				klog.Infof("No: %d\t%sFLOPS: %.2f/%.2f\tresult: %s\t%s", iteration+1, options.SIPrefix,
					current, best, result, inputs[ii].Config)
			}
		}
		measured += len(results)
		b.strategy.Update(inputs, results)

		for _, cb := range options.Callbacks {
			if cb.OnBatch == nil {
				continue
			}
			if err = cb.OnBatch(b, inputs, results); err != nil {
				return errors.WithMessagef(err, "OnBatch(callback %q)", cb.Name)
			}
		}

		lastImprovement := max(b.bestIteration, firstTrial-1)
		if len(b.history)-1-lastImprovement >= earlyStopping {
			klog.V(1).Infof("early stopped tuning of %s: best result at trial %d", b.task.WorkloadKey(), b.bestIteration+1)
			break
		}
	}

	for _, cb := range options.Callbacks {
		if cb.OnEnd == nil {
			continue
		}
		if err = cb.OnEnd(b); err != nil {
			return errors.WithMessagef(err, "OnEnd(callback %q)", cb.Name)
		}
	}
	return nil
}
