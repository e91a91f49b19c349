// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package task

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// KnobKindSplit is the kind of SplitKnob, as stored in tuning records.
const KnobKindSplit = "sp"

// SplitKnob is a tunable choice of how to split a loop of a given extent into
// NumOutputs nested loops. Each candidate lists the extents of the nested loops from the
// outermost to the innermost, and their product is always Extent.
type SplitKnob struct {
	Name       string
	Extent     int
	NumOutputs int
	Candidates [][]int
}

// NewSplitKnob creates a SplitKnob with all exact factorizations of extent into numOutputs factors.
//
// Candidates are ordered by the innermost factor first, so candidate 0 is always `[extent, 1, ..., 1]`.
func NewSplitKnob(name string, extent, numOutputs int) *SplitKnob {
	if extent <= 0 || numOutputs <= 0 {
		exceptions.Panicf("NewSplitKnob(%q, %d, %d): extent and numOutputs must be positive", name, extent, numOutputs)
	}
	return &SplitKnob{
		Name:       name,
		Extent:     extent,
		NumOutputs: numOutputs,
		Candidates: factorizations(extent, numOutputs),
	}
}

// factorizations returns all ordered tuples of numOutputs positive integers whose product is extent.
func factorizations(extent, numOutputs int) [][]int {
	if numOutputs == 1 {
		return [][]int{{extent}}
	}
	var results [][]int
	for _, inner := range divisors(extent) {
		for _, outer := range factorizations(extent/inner, numOutputs-1) {
			results = append(results, append(slices.Clone(outer), inner))
		}
	}
	return results
}

// divisors of n, in ascending order.
func divisors(n int) []int {
	var divs []int
	for d := 1; d <= n; d++ {
		if n%d == 0 {
			divs = append(divs, d)
		}
	}
	return divs
}

// largestDivisorUpTo returns the largest divisor of n that is <= limit.
func largestDivisorUpTo(n, limit int) int {
	best := 1
	for _, d := range divisors(n) {
		if d <= limit {
			best = d
		}
	}
	return best
}

// IndexOf returns the index of the candidate with the given factors, or -1 if not found.
func (k *SplitKnob) IndexOf(factors []int) int {
	return slices.IndexFunc(k.Candidates, func(c []int) bool { return slices.Equal(c, factors) })
}

// ConfigSpace is the space of configurations of a task: the cartesian product of its knobs.
type ConfigSpace struct {
	Knobs []*SplitKnob
}

// Len returns the number of configurations in the space.
func (s *ConfigSpace) Len() int {
	size := 1
	for _, knob := range s.Knobs {
		size *= len(knob.Candidates)
	}
	return size
}

// Dims returns the number of candidates of each knob.
func (s *ConfigSpace) Dims() []int {
	dims := make([]int, len(s.Knobs))
	for ii, knob := range s.Knobs {
		dims[ii] = len(knob.Candidates)
	}
	return dims
}

// Knob returns the knob with the given name, or nil.
func (s *ConfigSpace) Knob(name string) *SplitKnob {
	for _, knob := range s.Knobs {
		if knob.Name == name {
			return knob
		}
	}
	return nil
}

// Get returns the configuration for the given flat index.
// The first knob is the least significant one.
//
// It panics if index is out of range.
func (s *ConfigSpace) Get(index int) *ConfigEntity {
	if index < 0 || index >= s.Len() {
		exceptions.Panicf("ConfigSpace.Get(%d): index out of range [0, %d)", index, s.Len())
	}
	choices := make([]int, len(s.Knobs))
	remaining := index
	for ii, knob := range s.Knobs {
		choices[ii] = remaining % len(knob.Candidates)
		remaining /= len(knob.Candidates)
	}
	return &ConfigEntity{Index: index, space: s, choices: choices}
}

// IndexOfChoices returns the flat index of a configuration given the candidate choice of each knob.
func (s *ConfigSpace) IndexOfChoices(choices []int) int {
	index, stride := 0, 1
	for ii, knob := range s.Knobs {
		index += choices[ii] * stride
		stride *= len(knob.Candidates)
	}
	return index
}

// FromSplits returns the configuration with the given factors for each knob, by name.
func (s *ConfigSpace) FromSplits(splits map[string][]int) (*ConfigEntity, error) {
	choices := make([]int, len(s.Knobs))
	for ii, knob := range s.Knobs {
		factors, found := splits[knob.Name]
		if !found {
			return nil, errors.Errorf("missing split for knob %q", knob.Name)
		}
		choices[ii] = knob.IndexOf(factors)
		if choices[ii] < 0 {
			return nil, errors.Errorf("split %v is not a valid candidate for knob %q (extent %d)", factors, knob.Name, knob.Extent)
		}
	}
	return s.Get(s.IndexOfChoices(choices)), nil
}

// FromEntities returns the configuration matching the given entities, as stored in tuning records.
func (s *ConfigSpace) FromEntities(entities []Entity) (*ConfigEntity, error) {
	splits := make(map[string][]int, len(entities))
	for _, e := range entities {
		if e.Kind != KnobKindSplit {
			return nil, errors.Errorf("unsupported knob kind %q for knob %q", e.Kind, e.Name)
		}
		splits[e.Name] = e.Size
	}
	return s.FromSplits(splits)
}

// Entity is the value of one knob in a configuration.
type Entity struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Size []int  `json:"size"`
}

// ConfigEntity is one point of a ConfigSpace.
type ConfigEntity struct {
	Index   int
	space   *ConfigSpace
	choices []int
}

// Space the configuration belongs to.
func (c *ConfigEntity) Space() *ConfigSpace { return c.space }

// Choices returns the index of the chosen candidate for each knob.
func (c *ConfigEntity) Choices() []int { return slices.Clone(c.choices) }

// Split returns the factors chosen for the named knob, from outermost to innermost.
// It panics if there is no such knob.
func (c *ConfigEntity) Split(name string) []int {
	for ii, knob := range c.space.Knobs {
		if knob.Name == name {
			return slices.Clone(knob.Candidates[c.choices[ii]])
		}
	}
	exceptions.Panicf("ConfigEntity.Split(%q): unknown knob", name)
	return nil
}

// Entities returns the value of each knob.
func (c *ConfigEntity) Entities() []Entity {
	entities := make([]Entity, len(c.space.Knobs))
	for ii, knob := range c.space.Knobs {
		entities[ii] = Entity{Name: knob.Name, Kind: KnobKindSplit, Size: slices.Clone(knob.Candidates[c.choices[ii]])}
	}
	return entities
}

// String implements fmt.Stringer.
func (c *ConfigEntity) String() string {
	parts := make([]string, 0, len(c.space.Knobs)+1)
	for _, e := range c.Entities() {
		parts = append(parts, fmt.Sprintf("%s=%v", e.Name, e.Size))
	}
	parts = append(parts, fmt.Sprintf("#%d", c.Index))
	return strings.Join(parts, " ")
}
