// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package measure builds and measures candidate configurations (trials) of tuning tasks.
//
// A measurement goes through two stages, each configured by the Options given to the tuner:
//
//   - Builder: instantiates the task template with the configuration and compiles it.
//     LocalBuilder does that through a BuildFunc, with bounded parallelism and optional isolation.
//   - Runner: loads the build on a device through a ModuleLoader, optionally checks its result
//     and times it. LocalRunner repeats the timing Repeat times, each averaging Number runs.
//
// Failures are not returned as errors: they are recorded in the Result of each trial, with an ErrorNo
// describing the stage that failed.
package measure

import (
	"context"
	"fmt"
	"time"

	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/pkg/errors"
)

// ErrorNo classifies the outcome of a trial.
type ErrorNo int

const (
	NoError ErrorNo = iota
	InstantiationError
	CompileHostError
	CompileDeviceError
	RuntimeDeviceError
	WrongAnswerError
	BuildTimeoutError
	RunTimeoutError
	UnknownError
)

var errorNoNames = []string{
	"NoError", "InstantiationError", "CompileHostError", "CompileDeviceError", "RuntimeDeviceError",
	"WrongAnswerError", "BuildTimeoutError", "RunTimeoutError", "UnknownError",
}

// String implements fmt.Stringer.
func (e ErrorNo) String() string {
	if e < 0 || int(e) >= len(errorNoNames) {
		return fmt.Sprintf("ErrorNo(%d)", int(e))
	}
	return errorNoNames[e]
}

// Error is an error tagged with the ErrorNo it should be reported as.
type Error struct {
	No  ErrorNo
	Err error
}

// Error implements error.
func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.No, e.Err) }

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Errorf creates an error tagged with the ErrorNo no.
func Errorf(no ErrorNo, format string, args ...any) error {
	return &Error{No: no, Err: errors.Errorf(format, args...)}
}

// WithErrorNo tags err with the ErrorNo no. It returns nil if err is nil.
func WithErrorNo(no ErrorNo, err error) error {
	if err == nil {
		return nil
	}
	return &Error{No: no, Err: err}
}

// ErrorNoOf returns the ErrorNo err was tagged with, or defaultNo if it was not tagged.
func ErrorNoOf(err error, defaultNo ErrorNo) ErrorNo {
	if err == nil {
		return NoError
	}
	var measureErr *Error
	if errors.As(err, &measureErr) {
		return measureErr.No
	}
	return defaultNo
}

// Input is one trial: a configuration of a task to be measured on a target.
type Input struct {
	Target *target.Target
	Task   *task.Task
	Config *task.ConfigEntity
}

// String implements fmt.Stringer.
func (in *Input) String() string {
	return fmt.Sprintf("%s [%s]", in.Task.WorkloadKey(), in.Config)
}

// Result of a trial.
type Result struct {
	// Costs in seconds of each repeated measurement. Only set if ErrorNo is NoError.
	Costs []float64

	ErrorNo ErrorNo

	// Err holds the details of the failure, if ErrorNo is not NoError.
	Err error

	// AllCost is the total time spent on the trial, including building.
	AllCost time.Duration

	Timestamp time.Time
}

// Ok returns whether the trial was successfully measured.
func (r *Result) Ok() bool { return r.ErrorNo == NoError }

// MeanCost returns the mean of the costs, in seconds, or 0 if there are none.
func (r *Result) MeanCost() float64 {
	if len(r.Costs) == 0 {
		return 0
	}
	var sum float64
	for _, c := range r.Costs {
		sum += c
	}
	return sum / float64(len(r.Costs))
}

// FLOPS returns the number of floating point operations per second achieved by the trial,
// for a task with the given flop count. It returns 0 for failed trials.
func (r *Result) FLOPS(flop int64) float64 {
	mean := r.MeanCost()
	if !r.Ok() || mean <= 0 {
		return 0
	}
	return float64(flop) / mean
}

// String implements fmt.Stringer.
func (r *Result) String() string {
	if r.Ok() {
		return fmt.Sprintf("Result{costs=%v, all_cost=%s}", r.Costs, r.AllCost)
	}
	return fmt.Sprintf("Result{%s: %v, all_cost=%s}", r.ErrorNo, r.Err, r.AllCost)
}

// Builder compiles trials.
type Builder interface {
	// Build all inputs. It always returns one BuildResult per input, failed builds included.
	Build(ctx context.Context, inputs []*Input) []*BuildResult

	// NParallel is the number of builds that can run in parallel. The tuners propose batches of this size.
	NParallel() int

	// Close releases the build outputs.
	Close() error
}

// Runner measures built trials.
type Runner interface {
	// Run measures each successful build. It returns one Result per input.
	Run(ctx context.Context, inputs []*Input, builds []*BuildResult) []*Result
}

// Options pairs the Builder and Runner used for every trial.
type Options struct {
	Builder Builder
	Runner  Runner
}

// Validate returns an error if the options are incomplete.
func (o Options) Validate() error {
	if o.Builder == nil || o.Runner == nil {
		return errors.New("measure.Options requires both a Builder and a Runner")
	}
	return nil
}

// MeasureBatch builds and runs the inputs, returning one Result per input.
func (o Options) MeasureBatch(ctx context.Context, inputs []*Input) []*Result {
	builds := o.Builder.Build(ctx, inputs)
	return o.Runner.Run(ctx, inputs, builds)
}

// Close releases resources held by the builder.
func (o Options) Close() error {
	return o.Builder.Close()
}
