// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package task defines tuning tasks: independently tunable kernels extracted from a
// relay program for a target, each with its ConfigSpace of schedules.
//
// A task is identified by its workload key (the template name plus the shapes and dtypes
// of its arguments), which is also how tuning records are matched back to the kernels
// being compiled.
package task

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/microtune/pkg/core/shapes"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/pkg/errors"
)

// Arg describes one tensor argument of a task.
type Arg struct {
	Dimensions []int  `json:"shape"`
	DType      string `json:"dtype"`
}

// String implements fmt.Stringer.
func (a Arg) String() string {
	return fmt.Sprintf("%s%v", a.DType, a.Dimensions)
}

// Shape returns the concrete shape of the argument.
func (a Arg) Shape() (shapes.Shape, error) {
	dtype, err := shapes.ParseDType(a.DType)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(dtype, a.Dimensions...), nil
}

// NewArg creates an Arg, normalizing the dtype name to its canonical form (e.g.: "float" -> "float32").
func NewArg(dimensions []int, dtypeName string) (Arg, error) {
	dtype, err := shapes.ParseDType(dtypeName)
	if err != nil {
		return Arg{}, err
	}
	return Arg{Dimensions: slices.Clone(dimensions), DType: shapes.DTypeName(dtype)}, nil
}

// Task is one tunable kernel.
type Task struct {
	// Name of the template implementing the kernel, e.g.: "dense_nopack".
	Name string

	// Args are the tensor inputs of the kernel.
	Args []Arg

	// OutDType is the canonical dtype name of the kernel output.
	OutDType string

	Target *target.Target
	Space  *ConfigSpace

	// FLOP is the number of floating point operations of one execution of the kernel.
	FLOP int64

	template Template
}

// New creates a task for the named template.
func New(templateName string, args []Arg, outDType string, tgt *target.Target) (*Task, error) {
	tmpl, found := GetTemplate(templateName)
	if !found {
		return nil, errors.Errorf("unknown task template %q", templateName)
	}
	if err := tmpl.CheckArgs(args); err != nil {
		return nil, errors.WithMessagef(err, "task %q", templateName)
	}
	outArg, err := NewArg(nil, outDType)
	if err != nil {
		return nil, errors.WithMessagef(err, "task %q out_dtype", templateName)
	}
	return &Task{
		Name:     templateName,
		Args:     slices.Clone(args),
		OutDType: outArg.DType,
		Target:   tgt,
		Space:    tmpl.DefineSpace(args),
		FLOP:     tmpl.FLOP(args),
		template: tmpl,
	}, nil
}

// Template implementing the task.
func (t *Task) Template() Template { return t.template }

// DefaultConfig is the configuration used when no tuning history is available.
func (t *Task) DefaultConfig() *ConfigEntity { return t.template.DefaultConfig(t.Space) }

// WorkloadKey identifies the workload of the task, independent of the target.
func (t *Task) WorkloadKey() string {
	return WorkloadKey(t.Name, t.Args, t.OutDType)
}

// WorkloadKey builds the key of a workload, e.g.: `dense_nopack(float32[128 256], float32[128 256]) -> float32`.
func WorkloadKey(name string, args []Arg, outDType string) string {
	parts := make([]string, len(args))
	for ii, arg := range args {
		parts[ii] = arg.String()
	}
	return fmt.Sprintf("%s(%s) -> %s", name, strings.Join(parts, ", "), outDType)
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("Task(%s, space=%d)", t.WorkloadKey(), t.Space.Len())
}
