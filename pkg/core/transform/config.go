// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transform holds Config, the compilation configuration shared by task extraction
// and compilation.
//
// Config is a plain immutable value: it is passed explicitly to every call that needs it,
// and the With* methods return modified copies.
package transform

import (
	"fmt"

	"github.com/pkg/errors"
)

// MaxOptLevel is the highest optimization level.
const MaxOptLevel = 3

// Option keys reported by Config.Options.
const (
	OptionDisableVectorize = "tir.disable_vectorize"
)

// Config configures extraction of tuning tasks and compilation.
type Config struct {
	// OptLevel goes from 0 (no optimizations) to MaxOptLevel.
	// At level 3 layout alteration is enabled, which allows strategies that pre-pack their weights.
	OptLevel int

	// DisableVectorize prevents the generation of vectorized inner loops.
	DisableVectorize bool
}

// DefaultConfig returns the default compilation configuration: optimization level 2, vectorization enabled.
func DefaultConfig() Config {
	return Config{OptLevel: 2}
}

// WithOptLevel returns a copy of the configuration with the given optimization level.
func (c Config) WithOptLevel(level int) Config {
	c.OptLevel = level
	return c
}

// WithDisableVectorize returns a copy of the configuration with vectorization disabled or enabled.
func (c Config) WithDisableVectorize(disable bool) Config {
	c.DisableVectorize = disable
	return c
}

// Validate returns an error if the configuration is invalid.
func (c Config) Validate() error {
	if c.OptLevel < 0 || c.OptLevel > MaxOptLevel {
		return errors.Errorf("invalid opt_level %d, it must be between 0 and %d", c.OptLevel, MaxOptLevel)
	}
	return nil
}

// AlterLayout returns whether operators are allowed to alter the layout of their inputs.
func (c Config) AlterLayout() bool { return c.OptLevel >= 3 }

// Options returns the configuration options as a map, in the format stored along with build results.
func (c Config) Options() map[string]any {
	return map[string]any{
		OptionDisableVectorize: c.DisableVectorize,
	}
}

// String implements fmt.Stringer.
func (c Config) String() string {
	return fmt.Sprintf("Config{opt_level=%d, %s=%v}", c.OptLevel, OptionDisableVectorize, c.DisableVectorize)
}
