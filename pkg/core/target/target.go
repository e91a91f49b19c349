// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package target describes where compiled code runs: the Target (kind, keys, device model
// and its constraints) and the Runtime the generated code is linked against.
//
// Targets and runtimes are immutable values once created.
package target

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Target describes a compilation and execution environment.
type Target struct {
	kind  string
	keys  []string
	model string

	// memoryBytes is the amount of working memory available on the device.
	memoryBytes int

	// vectorWidth is the number of float32 lanes the device supports.
	vectorWidth int
}

// microModels lists the micro device models known, with their memory budget and vector width.
var microModels = map[string]struct {
	memoryBytes, vectorWidth int
}{
	// host simulates a microcontroller on the machine running microtune.
	"host":      {memoryBytes: 4 << 20, vectorWidth: 4},
	"stm32f746": {memoryBytes: 320 << 10, vectorWidth: 1},
	"nrf5340":   {memoryBytes: 512 << 10, vectorWidth: 1},
}

// MicroModels returns the names of the supported micro device models, sorted.
func MicroModels() []string {
	names := make([]string, 0, len(microModels))
	for name := range microModels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Micro returns the Target for a micro device model, e.g.: "host".
func Micro(model string) (*Target, error) {
	info, found := microModels[model]
	if !found {
		return nil, errors.Errorf("unknown micro model %q, known models are %v", model, MicroModels())
	}
	return &Target{
		kind:        "c",
		keys:        []string{"micro", "cpu"},
		model:       model,
		memoryBytes: info.memoryBytes,
		vectorWidth: info.vectorWidth,
	}, nil
}

// Kind of code generated for the target, e.g.: "c".
func (t *Target) Kind() string { return t.kind }

// Keys used to select operator strategies for the target.
func (t *Target) Keys() []string { return slices.Clone(t.keys) }

// HasKey returns whether the target is tagged with key.
func (t *Target) HasKey(key string) bool { return slices.Contains(t.keys, key) }

// Model is the device model, e.g.: "host".
func (t *Target) Model() string { return t.model }

// MemoryBytes is the working memory available on the device.
func (t *Target) MemoryBytes() int { return t.memoryBytes }

// VectorWidth is the number of float32 lanes in the device's vector unit.
func (t *Target) VectorWidth() int { return t.vectorWidth }

// String returns the canonical target string, e.g.: "c -keys=micro,cpu -model=host".
// It is used to identify the target in tuning records.
func (t *Target) String() string {
	return fmt.Sprintf("%s -keys=%s -model=%s", t.kind, strings.Join(t.keys, ","), t.model)
}

// Parse parses a canonical target string, as generated by Target.String.
func Parse(str string) (*Target, error) {
	fields := strings.Fields(str)
	if len(fields) == 0 || fields[0] != "c" {
		return nil, errors.Errorf("target.Parse(%q): only \"c\" targets are supported", str)
	}
	for _, field := range fields[1:] {
		if model, found := strings.CutPrefix(field, "-model="); found {
			return Micro(model)
		}
	}
	return nil, errors.Errorf("target.Parse(%q): missing -model", str)
}

// RuntimeOptions configure a Runtime.
type RuntimeOptions struct {
	// SystemLib registers the generated operators in a static system library, instead of
	// loading them dynamically.
	SystemLib bool
}

// Runtime is the device runtime generated code is linked with.
type Runtime struct {
	name    string
	options RuntimeOptions
}

// RuntimeCRT is the name of the standalone C runtime.
const RuntimeCRT = "crt"

// NewRuntime returns the named runtime. Only "crt" is supported.
func NewRuntime(name string, options RuntimeOptions) (*Runtime, error) {
	if name != RuntimeCRT {
		return nil, errors.Errorf("unknown runtime %q, only %q is supported", name, RuntimeCRT)
	}
	return &Runtime{name: name, options: options}, nil
}

// Name of the runtime.
func (r *Runtime) Name() string { return r.name }

// Options of the runtime.
func (r *Runtime) Options() RuntimeOptions { return r.options }

// String implements fmt.Stringer.
func (r *Runtime) String() string {
	return fmt.Sprintf("%s{system-lib=%v}", r.name, r.options.SystemLib)
}
