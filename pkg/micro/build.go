// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package micro

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/microtune/pkg/autotune/measure"
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/gomlx/microtune/pkg/core/shapes"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/gomlx/microtune/pkg/core/transform"
	"github.com/gomlx/microtune/pkg/kernels/dense"
	"github.com/pkg/errors"
)

// KernelSourceName is the name of the C source written by AutotuneBuildFunc in each build directory.
const KernelSourceName = "kernel.c"

// AutotuneBuildFunc instantiates the dense template of the trial with its configuration, writes
// the C source of the kernel to outDir and returns the Kernel to be loaded by HostModuleLoader.
//
// It implements measure.BuildFunc.
func AutotuneBuildFunc(ctx context.Context, input *measure.Input, cfg transform.Config, rt *target.Runtime, outDir string) (*measure.BuildOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runtimeName := target.RuntimeCRT
	if rt != nil {
		if rt.Name() != target.RuntimeCRT {
			return nil, measure.Errorf(measure.CompileHostError, "micro builds require the %q runtime, got %s", target.RuntimeCRT, rt)
		}
		runtimeName = rt.String()
	}
	tsk := input.Task
	tiling, err := dense.TilingFromConfig(tsk.Name, input.Config)
	if err != nil {
		return nil, measure.WithErrorNo(measure.InstantiationError, err)
	}
	m, n, k := task.DenseDims(tsk.Args)
	if err = tiling.Check(m, n, k); err != nil {
		return nil, measure.WithErrorNo(measure.InstantiationError, err)
	}
	shape, err := tsk.Args[0].Shape()
	if err != nil {
		return nil, measure.WithErrorNo(measure.InstantiationError, err)
	}
	var cType string
	err = exceptions.TryCatch[error](func() { cType = shapes.CType(shape.DType) })
	if err != nil {
		return nil, measure.WithErrorNo(measure.CompileHostError, err)
	}

	kernel := &Kernel{
		Name:   "tvmgen_default_fused_nn_" + tsk.Name,
		M:      m,
		N:      n,
		K:      k,
		Tiling: tiling,
		DType:  shape.DType,
		Source: filepath.Join(outDir, KernelSourceName),
	}
	var src bytes.Buffer
	fmt.Fprintf(&src, "// %s, runtime %s, %s\n#include <stdint.h>\n\n", input.Target, runtimeName, cfg)
	err = dense.EmitC(&src, &dense.CFunction{
		Name:      kernel.Name,
		M:         m,
		N:         n,
		K:         k,
		Tiling:    tiling,
		CType:     cType,
		Vectorize: !cfg.DisableVectorize && input.Target.VectorWidth() > 1,
		Comment:   input.String(),
	})
	if err != nil {
		return nil, measure.WithErrorNo(measure.CompileHostError, err)
	}
	if err = os.WriteFile(kernel.Source, src.Bytes(), 0o644); err != nil {
		return nil, measure.WithErrorNo(measure.CompileHostError, errors.Wrapf(err, "failed to write %q", kernel.Source))
	}
	return &measure.BuildOutput{Filename: kernel.Source, Program: kernel, WorkspaceBytes: kernel.WorkspaceBytes()}, nil
}
