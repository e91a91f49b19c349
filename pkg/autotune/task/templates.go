// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package task

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Template defines a tunable implementation of an operator: how its configuration space
// is built from the arguments of the operator, and its default configuration.
type Template interface {
	// Name of the template, used as the task name.
	Name() string

	// CheckArgs returns an error if the template can't implement the given arguments.
	CheckArgs(args []Arg) error

	// DefineSpace creates the configuration space for the arguments.
	DefineSpace(args []Arg) *ConfigSpace

	// DefaultConfig is the configuration used when there is no tuning history.
	DefaultConfig(space *ConfigSpace) *ConfigEntity

	// FLOP is the number of floating point operations for the arguments.
	FLOP(args []Arg) int64

	// AltersLayout returns whether the template changes the layout of its inputs, and hence
	// can only be used if layout alteration is enabled.
	AltersLayout() bool
}

// Names of the dense templates.
const (
	DenseNopack = "dense_nopack"
	DensePack   = "dense_pack"
)

// Knob names used by the dense templates.
const (
	KnobTileY = "tile_y"
	KnobTileX = "tile_x"
	KnobTileK = "tile_k"
)

var (
	templatesMu sync.Mutex
	templates   = make(map[string]Template)

	// denseTemplates in order of preference.
	denseTemplates = []string{DenseNopack, DensePack}
)

// RegisterTemplate registers a template by its name. It panics if a template with the same name
// is already registered.
func RegisterTemplate(tmpl Template) {
	templatesMu.Lock()
	defer templatesMu.Unlock()
	if _, found := templates[tmpl.Name()]; found {
		exceptions.Panicf("task template %q registered twice", tmpl.Name())
	}
	templates[tmpl.Name()] = tmpl
}

// GetTemplate returns the registered template with the given name.
func GetTemplate(name string) (Template, bool) {
	templatesMu.Lock()
	defer templatesMu.Unlock()
	tmpl, found := templates[name]
	return tmpl, found
}

// DenseTemplates returns the templates that implement "nn.dense", in order of preference.
func DenseTemplates() []Template {
	var result []Template
	for _, name := range denseTemplates {
		if tmpl, found := GetTemplate(name); found {
			result = append(result, tmpl)
		}
	}
	return result
}

func init() {
	RegisterTemplate(denseNopackTemplate{})
	RegisterTemplate(densePackTemplate{})
}

// DenseDims returns M, N and K for dense arguments `data[M, K]` and `weight[N, K]`.
func DenseDims(args []Arg) (m, n, k int) {
	return args[0].Dimensions[0], args[1].Dimensions[0], args[0].Dimensions[1]
}

func checkDenseArgs(args []Arg) error {
	if len(args) != 2 {
		return errors.Errorf("dense takes 2 arguments, got %d", len(args))
	}
	if len(args[0].Dimensions) != 2 || len(args[1].Dimensions) != 2 {
		return errors.Errorf("dense takes rank 2 arguments, got %s and %s", args[0], args[1])
	}
	if args[0].Dimensions[1] != args[1].Dimensions[1] {
		return errors.Errorf("dense reduction axis mismatch for %s and %s", args[0], args[1])
	}
	if args[0].DType != args[1].DType {
		return errors.Errorf("dense dtype mismatch for %s and %s", args[0], args[1])
	}
	return nil
}

func denseFLOP(args []Arg) int64 {
	m, n, k := DenseDims(args)
	return 2 * int64(m) * int64(n) * int64(k)
}

// denseNopackTemplate tiles the M, N and K loops, and reads the weights in their original layout.
type denseNopackTemplate struct{}

func (denseNopackTemplate) Name() string               { return DenseNopack }
func (denseNopackTemplate) CheckArgs(args []Arg) error { return checkDenseArgs(args) }
func (denseNopackTemplate) FLOP(args []Arg) int64      { return denseFLOP(args) }
func (denseNopackTemplate) AltersLayout() bool         { return false }

func (denseNopackTemplate) DefineSpace(args []Arg) *ConfigSpace {
	m, n, k := DenseDims(args)
	return &ConfigSpace{Knobs: []*SplitKnob{
		NewSplitKnob(KnobTileY, m, 2),
		NewSplitKnob(KnobTileX, n, 2),
		NewSplitKnob(KnobTileK, k, 2),
	}}
}

func (denseNopackTemplate) DefaultConfig(space *ConfigSpace) *ConfigEntity {
	m, n, k := space.Knob(KnobTileY).Extent, space.Knob(KnobTileX).Extent, space.Knob(KnobTileK).Extent
	tx := largestDivisorUpTo(n, 8)
	tk := largestDivisorUpTo(k, 16)
	config, err := space.FromSplits(map[string][]int{
		KnobTileY: {m, 1},
		KnobTileX: {n / tx, tx},
		KnobTileK: {k / tk, tk},
	})
	if err != nil {
		panic(err)
	}
	return config
}

// densePackTemplate pre-packs the weights in blocks of the innermost N tile, so the inner
// loop reads contiguous memory.
type densePackTemplate struct{}

func (densePackTemplate) Name() string               { return DensePack }
func (densePackTemplate) CheckArgs(args []Arg) error { return checkDenseArgs(args) }
func (densePackTemplate) FLOP(args []Arg) int64      { return denseFLOP(args) }
func (densePackTemplate) AltersLayout() bool         { return true }

func (densePackTemplate) DefineSpace(args []Arg) *ConfigSpace {
	m, n, k := DenseDims(args)
	return &ConfigSpace{Knobs: []*SplitKnob{
		NewSplitKnob(KnobTileY, m, 3),
		NewSplitKnob(KnobTileX, n, 3),
		NewSplitKnob(KnobTileK, k, 2),
	}}
}

func (densePackTemplate) DefaultConfig(space *ConfigSpace) *ConfigEntity {
	m, n, k := space.Knob(KnobTileY).Extent, space.Knob(KnobTileX).Extent, space.Knob(KnobTileK).Extent
	ty := largestDivisorUpTo(m, 4)
	tx := largestDivisorUpTo(n, 16)
	tk := largestDivisorUpTo(k, 16)
	config, err := space.FromSplits(map[string][]int{
		KnobTileY: {m / ty, 1, ty},
		KnobTileX: {n / tx, 1, tx},
		KnobTileK: {k / tk, tk},
	})
	if err != nil {
		panic(err)
	}
	return config
}
