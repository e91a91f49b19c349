// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package relay

import (
	"github.com/pkg/errors"
)

// Params are constant values bound to parameters of a function, by parameter name.
// Values are stored flat, in row-major order, as float32.
//
// Bound parameters are embedded in the compiled artifact. A nil or empty Params means
// all parameters are inputs at runtime.
type Params map[string][]float32

// Validate checks that every bound value refers to a parameter of fn and has the
// number of elements of the parameter's declared type.
func (p Params) Validate(fn *Function) error {
	for name, values := range p {
		v := fn.Param(name)
		if v == nil {
			return errors.Errorf("bound parameter %q is not a parameter of the function", name)
		}
		shape, err := v.DeclaredType().Shape()
		if err != nil {
			return errors.WithMessagef(err, "bound parameter %q", name)
		}
		if shape.Size() != len(values) {
			return errors.Errorf("bound parameter %q has %d values, but its type %s requires %d",
				name, len(values), v.DeclaredType(), shape.Size())
		}
	}
	return nil
}
