// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package task

import (
	"github.com/gomlx/microtune/pkg/core/relay"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/gomlx/microtune/pkg/core/transform"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ArgsOfCall returns the task arguments and output dtype of a type-annotated call.
func ArgsOfCall(call *relay.Call) (args []Arg, outDType string, err error) {
	if call.CheckedType() == nil {
		return nil, "", errors.Errorf("call %s has no checked type, run relay.InferType first", call)
	}
	args = make([]Arg, len(call.Args))
	for ii, input := range call.Args {
		t := input.CheckedType()
		if t == nil {
			return nil, "", errors.Errorf("argument #%d of %s has no checked type", ii, call)
		}
		args[ii], err = NewArg(t.Dimensions, t.DTypeName)
		if err != nil {
			return nil, "", errors.WithMessagef(err, "argument #%d of %s", ii, call)
		}
	}
	out, err := NewArg(nil, call.CheckedType().DTypeName)
	if err != nil {
		return nil, "", err
	}
	return args, out.DType, nil
}

// CandidateTemplates returns the templates that can implement call under the given configuration.
func CandidateTemplates(call *relay.Call, cfg transform.Config) []Template {
	if call.Op != relay.OpDense {
		return nil
	}
	var candidates []Template
	for _, tmpl := range DenseTemplates() {
		if tmpl.AltersLayout() && !cfg.AlterLayout() {
			continue
		}
		candidates = append(candidates, tmpl)
	}
	return candidates
}

// ExtractFromProgram returns the tuning tasks of the type-annotated function fn, for the target tgt
// under the compilation configuration cfg.
//
// Only operators reachable from the output of fn generate tasks. One task is created for each candidate
// template of each operator, and tasks with the same workload are only included once.
//
// The returned slice is fully materialized, but its order is not part of the contract: it may change
// with the set of registered templates.
func ExtractFromProgram(fn *relay.Function, params relay.Params, tgt *target.Target, cfg transform.Config) ([]*Task, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tgt == nil {
		return nil, errors.New("task.ExtractFromProgram requires a target")
	}
	if fn.Body.CheckedType() == nil {
		return nil, errors.New("task.ExtractFromProgram requires a type-inferred function, run relay.InferType first")
	}
	if err := params.Validate(fn); err != nil {
		return nil, errors.WithMessage(err, "task.ExtractFromProgram")
	}

	var tasks []*Task
	seen := make(map[string]bool)
	for _, call := range fn.Calls(relay.OpDense) {
		args, outDType, err := ArgsOfCall(call)
		if err != nil {
			return nil, err
		}
		for _, tmpl := range CandidateTemplates(call, cfg) {
			tsk, err := New(tmpl.Name(), args, outDType, tgt)
			if err != nil {
				return nil, errors.WithMessagef(err, "while extracting tasks from %s", call)
			}
			key := tsk.WorkloadKey()
			if seen[key] {
				continue
			}
			seen[key] = true
			klog.V(1).Infof("extracted %s", tsk)
			tasks = append(tasks, tsk)
		}
	}
	return tasks, nil
}
