// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package measure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/microtune/internal/workerspool"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/gomlx/microtune/pkg/core/transform"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BuildOutput is what a BuildFunc produces for one trial.
type BuildOutput struct {
	// Filename of the main build product (e.g.: the generated source).
	Filename string

	// Program is the built kernel, in the form expected by the ModuleLoader of the Runner.
	Program any

	// WorkspaceBytes is the scratch memory the program needs on the device.
	WorkspaceBytes int
}

// BuildFunc instantiates the task template of input with its configuration and compiles it,
// writing its outputs to outDir.
//
// Errors should be tagged with the appropriate ErrorNo (see WithErrorNo), otherwise they are
// reported as CompileHostError.
type BuildFunc func(ctx context.Context, input *Input, cfg transform.Config, rt *target.Runtime, outDir string) (*BuildOutput, error)

// BuildResult is the outcome of building one trial.
type BuildResult struct {
	Output   *BuildOutput
	ErrorNo  ErrorNo
	Err      error
	TimeCost time.Duration
}

// Ok returns whether the build succeeded.
func (b *BuildResult) Ok() bool { return b.ErrorNo == NoError }

// DefaultBuildTimeout is used by LocalBuilder if no Timeout is given.
const DefaultBuildTimeout = 10 * time.Second

// LocalBuilder builds trials in the local machine, through BuildFunc.
type LocalBuilder struct {
	// NumParallel is the maximum number of concurrent builds. Defaults to 1.
	NumParallel int

	// Timeout of each build. Defaults to DefaultBuildTimeout.
	Timeout time.Duration

	// Config holds the compilation options of the builds.
	Config transform.Config

	// DoFork isolates each build: it runs in its own goroutine, with panics recovered and reported
	// as CompileHostError, and builds running over the timeout are abandoned as BuildTimeoutError.
	// Without it, a panicking BuildFunc crashes the program.
	DoFork bool

	BuildFunc BuildFunc
	Runtime   *target.Runtime

	// Dir where build outputs are written. If empty, a temporary directory is created, and it is
	// removed by Close.
	Dir string

	mu      sync.Mutex
	tempDir string
	count   int
}

var _ Builder = (*LocalBuilder)(nil)

// NParallel implements Builder.
func (b *LocalBuilder) NParallel() int {
	if b.NumParallel <= 0 {
		return 1
	}
	return b.NumParallel
}

func (b *LocalBuilder) timeout() time.Duration {
	if b.Timeout <= 0 {
		return DefaultBuildTimeout
	}
	return b.Timeout
}

// buildDir returns the directory for the next build, creating it if needed.
func (b *LocalBuilder) buildDir() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	base := b.Dir
	if base == "" {
		if b.tempDir == "" {
			tempDir, err := os.MkdirTemp("", "microtune-build-")
			if err != nil {
				return "", errors.Wrap(err, "failed to create temporary build directory")
			}
			b.tempDir = tempDir
		}
		base = b.tempDir
	}
	dir := filepath.Join(base, fmt.Sprintf("trial-%05d", b.count))
	b.count++
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create build directory %q", dir)
	}
	return dir, nil
}

// Build implements Builder.
func (b *LocalBuilder) Build(ctx context.Context, inputs []*Input) []*BuildResult {
	results := make([]*BuildResult, len(inputs))
	pool := workerspool.New(b.NParallel())
	for ii, input := range inputs {
		pool.WaitToStart(func() {
			results[ii] = b.buildOne(ctx, input)
		})
	}
	pool.Wait()
	return results
}

func (b *LocalBuilder) buildOne(ctx context.Context, input *Input) *BuildResult {
	start := time.Now()
	result := &BuildResult{}
	if b.BuildFunc == nil {
		result.ErrorNo, result.Err = InstantiationError, errors.New("LocalBuilder has no BuildFunc")
		return result
	}
	dir, err := b.buildDir()
	if err != nil {
		result.ErrorNo, result.Err = UnknownError, err
		return result
	}

	if b.DoFork {
		result.Output, err = b.isolatedBuild(ctx, input, dir)
	} else {
		result.Output, err = b.BuildFunc(ctx, input, b.Config, b.Runtime, dir)
	}
	result.TimeCost = time.Since(start)
	if err != nil {
		result.ErrorNo = ErrorNoOf(err, CompileHostError)
		result.Err = err
		klog.V(2).Infof("build of %s failed: %v", input, err)
	}
	return result
}

// isolatedBuild runs BuildFunc in its own goroutine, converting panics to errors and abandoning
// it after the timeout.
func (b *LocalBuilder) isolatedBuild(ctx context.Context, input *Input, dir string) (*BuildOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	type buildReturn struct {
		output *BuildOutput
		err    error
	}
	done := make(chan buildReturn, 1)
	go func() {
		var ret buildReturn
		exception := exceptions.Try(func() {
			ret.output, ret.err = b.BuildFunc(ctx, input, b.Config, b.Runtime, dir)
		})
		if exception != nil {
			if err, ok := exception.(error); ok {
				ret.err = WithErrorNo(CompileHostError, errors.WithMessage(err, "build panicked"))
			} else {
				ret.err = Errorf(CompileHostError, "build panicked: %v", exception)
			}
		}
		done <- ret
	}()

	select {
	case ret := <-done:
		return ret.output, ret.err
	case <-ctx.Done():
		return nil, Errorf(BuildTimeoutError, "build did not finish within %s: %v", b.timeout(), ctx.Err())
	}
}

// Close removes the temporary build directory, if one was created.
func (b *LocalBuilder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tempDir == "" {
		return nil
	}
	err := os.RemoveAll(b.tempDir)
	b.tempDir = ""
	if err != nil {
		return errors.Wrap(err, "failed to remove temporary build directory")
	}
	return nil
}
