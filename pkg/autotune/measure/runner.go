// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package measure

import (
	"context"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Module is a build loaded on a device, ready to be timed.
type Module interface {
	// TimeEvaluate runs the module repeat times, and returns for each repetition the mean cost in
	// seconds of number consecutive runs.
	TimeEvaluate(ctx context.Context, number, repeat int) ([]float64, error)

	// Verify runs the module once and compares its output with a reference.
	Verify() error

	// Close releases the device resources of the module.
	Close() error
}

// ModuleLoader loads builds onto a device.
type ModuleLoader interface {
	Load(ctx context.Context, build *BuildResult) (Module, error)
}

// DefaultRunTimeout is used by LocalRunner if no Timeout is given.
const DefaultRunTimeout = 10 * time.Second

// LocalRunner measures builds on a device reachable from this process, loaded by ModuleLoader.
type LocalRunner struct {
	// Number of runs averaged in each measurement. Defaults to 1.
	Number int

	// Repeat is the number of measurements. Defaults to 1.
	Repeat int

	// Timeout for each trial (loading, verifying and timing). Defaults to DefaultRunTimeout.
	Timeout time.Duration

	// CheckCorrectness verifies the output of each build before timing it.
	CheckCorrectness bool

	ModuleLoader ModuleLoader
}

var _ Runner = (*LocalRunner)(nil)

func orDefault[T int | time.Duration](value, defaultValue T) T {
	if value <= 0 {
		return defaultValue
	}
	return value
}

// Run implements Runner. Trials are measured sequentially, so they don't disturb each other.
func (r *LocalRunner) Run(ctx context.Context, inputs []*Input, builds []*BuildResult) []*Result {
	results := make([]*Result, len(inputs))
	for ii, input := range inputs {
		var build *BuildResult
		if ii < len(builds) {
			build = builds[ii]
		}
		results[ii] = r.runOne(ctx, input, build)
	}
	return results
}

func (r *LocalRunner) runOne(ctx context.Context, input *Input, build *BuildResult) *Result {
	start := time.Now()
	result := &Result{Timestamp: start}
	switch {
	case build == nil:
		result.ErrorNo, result.Err = UnknownError, errors.Errorf("no build result for %s", input)
		return result
	case !build.Ok():
		result.ErrorNo, result.Err = build.ErrorNo, build.Err
		result.AllCost = build.TimeCost
		return result
	case r.ModuleLoader == nil:
		result.ErrorNo, result.Err = UnknownError, errors.New("LocalRunner has no ModuleLoader")
		return result
	}

	var err error
	exception := exceptions.Try(func() {
		result.Costs, err = r.measure(ctx, build)
	})
	if exception != nil {
		err = Errorf(RuntimeDeviceError, "run panicked: %v", exception)
	}
	result.AllCost = build.TimeCost + time.Since(start)
	if err != nil {
		result.Costs = nil
		result.ErrorNo = ErrorNoOf(err, RuntimeDeviceError)
		result.Err = err
		klog.V(2).Infof("run of %s failed: %v", input, err)
	}
	return result
}

func (r *LocalRunner) measure(ctx context.Context, build *BuildResult) ([]float64, error) {
	timeout := orDefault(r.Timeout, DefaultRunTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	module, err := r.ModuleLoader.Load(ctx, build)
	if err != nil {
		return nil, WithErrorNo(RuntimeDeviceError, errors.WithMessage(err, "failed to load module"))
	}
	defer func() {
		if closeErr := module.Close(); closeErr != nil {
			klog.Warningf("failed to close module: %v", closeErr)
		}
	}()

	if r.CheckCorrectness {
		if err = module.Verify(); err != nil {
			return nil, WithErrorNo(ErrorNoOf(err, WrongAnswerError), err)
		}
	}
	costs, err := module.TimeEvaluate(ctx, orDefault(r.Number, 1), orDefault(r.Repeat, 1))
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, Errorf(RunTimeoutError, "run did not finish within %s", timeout)
		}
		return nil, WithErrorNo(ErrorNoOf(err, RuntimeDeviceError), err)
	}
	return costs, nil
}
