// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compile lowers a relay Module to C sources for the standalone C runtime ("crt").
//
// Every dense operator reachable from the output of the "main" function becomes one kernel.
// Its implementation (template and configuration) is chosen by a Dispatcher, usually the
// best records of a tuning log (see record.ApplyHistoryBest). Kernels without tuning history
// fall back to the "dense_nopack" template with its default configuration.
//
// The Artifact holds the generated sources, a graph description in the format of the graph
// executor, and the metadata needed to package it (see package mlf).
package compile

import (
	"fmt"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/gomlx/microtune/pkg/core/relay"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/gomlx/microtune/pkg/core/transform"
	"github.com/gomlx/microtune/pkg/kernels/dense"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dispatcher provides the best known configuration of a workload.
type Dispatcher interface {
	// Query returns the configuration entities and throughput of the best known configuration
	// of the workload, if any.
	Query(workloadKey string) (entities []task.Entity, flops float64, found bool)
}

// ModelName is the name used as prefix of all generated symbols.
const ModelName = "default"

// Kernel is one lowered operator.
type Kernel struct {
	// Name of the generated C function.
	Name string

	Call   *relay.Call
	Task   *task.Task
	Config *task.ConfigEntity
	Tiling dense.Tiling

	// FromHistory is true if the configuration was given by the Dispatcher.
	FromHistory bool
}

// WorkspaceBytes used by the kernel.
func (k *Kernel) WorkspaceBytes(elementSize int) int {
	_, n, kk := task.DenseDims(k.Task.Args)
	return k.Tiling.WorkspaceElements(n, kk) * elementSize
}

// Artifact is the result of Build.
type Artifact struct {
	Module  *relay.Module
	Target  *target.Target
	Runtime *target.Runtime
	Config  transform.Config
	Params  relay.Params
	Kernels []*Kernel

	// Sources maps file names (e.g. "default_lib0.c") to their contents.
	Sources map[string][]byte

	// GraphJSON describes the graph of kernels, in the format of the graph executor.
	GraphJSON []byte

	Metadata *Metadata
}

// Build lowers mod for the target and runtime, under the compilation configuration cfg.
//
// dispatch may be nil, in which case every kernel uses its default configuration. params binds
// constant values to parameters of the main function: they are embedded in the generated code
// and removed from the runtime inputs.
func Build(mod *relay.Module, params relay.Params, tgt *target.Target, rt *target.Runtime, cfg transform.Config, dispatch Dispatcher) (*Artifact, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tgt == nil || rt == nil {
		return nil, errors.New("compile.Build requires a target and a runtime")
	}
	if rt.Name() != target.RuntimeCRT {
		return nil, errors.Errorf("compile.Build: unsupported runtime %s", rt)
	}
	mod, err := relay.InferType(mod)
	if err != nil {
		return nil, err
	}
	fn := mod.Main()
	if err = params.Validate(fn); err != nil {
		return nil, errors.WithMessage(err, "compile.Build")
	}

	artifact := &Artifact{
		Module:  mod,
		Target:  tgt,
		Runtime: rt,
		Config:  cfg,
		Params:  params,
		Sources: make(map[string][]byte),
	}
	calls := fn.Calls(relay.OpDense)
	if len(calls) == 0 {
		return nil, errors.Errorf("compile.Build: %s has no operators to lower", relay.MainFunctionName)
	}
	for ii, call := range calls {
		name := fmt.Sprintf("tvmgen_%s_fused_nn_dense", ModelName)
		if ii > 0 {
			name = fmt.Sprintf("%s_%d", name, ii)
		}
		kernel, err := lowerDense(name, call, tgt, cfg, dispatch)
		if err != nil {
			return nil, errors.WithMessagef(err, "compile.Build(%s)", call)
		}
		artifact.Kernels = append(artifact.Kernels, kernel)
	}

	err = exceptions.TryCatch[error](func() {
		emitSources(artifact)
		artifact.GraphJSON = buildGraphJSON(artifact)
		artifact.Metadata = buildMetadata(artifact, time.Now())
	})
	if err != nil {
		return nil, errors.WithMessage(err, "compile.Build")
	}
	return artifact, nil
}

// lowerDense chooses the template and configuration of a dense call.
func lowerDense(name string, call *relay.Call, tgt *target.Target, cfg transform.Config, dispatch Dispatcher) (*Kernel, error) {
	args, outDType, err := task.ArgsOfCall(call)
	if err != nil {
		return nil, err
	}
	var best *Kernel
	var bestFLOPS float64
	for _, tmpl := range task.CandidateTemplates(call, cfg) {
		tsk, err := task.New(tmpl.Name(), args, outDType, tgt)
		if err != nil {
			return nil, err
		}
		if dispatch == nil {
			continue
		}
		entities, flops, found := dispatch.Query(tsk.WorkloadKey())
		if !found || flops <= bestFLOPS {
			continue
		}
		config, err := tsk.Space.FromEntities(entities)
		if err != nil {
			klog.Warningf("ignoring tuning history for %s: %v", tsk.WorkloadKey(), err)
			continue
		}
		best = &Kernel{Name: name, Call: call, Task: tsk, Config: config, FromHistory: true}
		bestFLOPS = flops
	}
	if best == nil {
		tsk, err := task.New(task.DenseNopack, args, outDType, tgt)
		if err != nil {
			return nil, err
		}
		if dispatch != nil {
			klog.Warningf("no tuning history for %s, using its default configuration", tsk.WorkloadKey())
		}
		best = &Kernel{Name: name, Call: call, Task: tsk, Config: tsk.DefaultConfig()}
	}
	best.Tiling, err = dense.TilingFromConfig(best.Task.Name, best.Config)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("lowered %s to %s [%s]", call, best.Task.Name, best.Config)
	return best, nil
}
