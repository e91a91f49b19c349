// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and the dtype name conventions used by microtune.
//
// Shape represents the concrete shape (dimensions and DType) of a tensor type in a relay
// program, of a tuning task argument or of a buffer on the simulated device.
//
// DTypes are the ones defined in github.com/gomlx/gopjrt/dtypes. Programs, however, declare
// their element types with lower-case names ("float32", "float", "int8", ...), which are
// resolved with ParseDType.
//
// Example: a variable declared as `relay.Var("data", []int{128, 256}, "float32")` has shape
// `(Float32)[128 256]`: rank 2, axis 0 has dimension 128 and axis 1 has dimension 256.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape represents the shape of a tensor: its DType and dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// It panics if any of the dimensions is <= 0.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes needed to store an array with the given shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// namesToDType maps the program-level dtype names to DType.
// "float" is an alias to "float32".
var namesToDType = map[string]dtypes.DType{
	"bool":     dtypes.Bool,
	"int8":     dtypes.Int8,
	"int32":    dtypes.Int32,
	"int64":    dtypes.Int64,
	"float":    dtypes.Float32,
	"float16":  dtypes.Float16,
	"float32":  dtypes.Float32,
	"float64":  dtypes.Float64,
	"bfloat16": dtypes.BFloat16,
}

// ParseDType converts a program-level dtype name (e.g.: "float32", "float", "int8") to a DType.
func ParseDType(name string) (dtypes.DType, error) {
	dtype, found := namesToDType[strings.ToLower(name)]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("unknown dtype name %q", name)
	}
	return dtype, nil
}

// DTypeName returns the canonical program-level name of the DType (e.g.: "float32").
// It returns "" for dtypes without a program-level name.
func DTypeName(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Bool:
		return "bool"
	case dtypes.Int8:
		return "int8"
	case dtypes.Int32:
		return "int32"
	case dtypes.Int64:
		return "int64"
	case dtypes.Float16:
		return "float16"
	case dtypes.Float32:
		return "float32"
	case dtypes.Float64:
		return "float64"
	case dtypes.BFloat16:
		return "bfloat16"
	}
	return ""
}

// CType returns the C element type used by generated code for the DType.
// Half precision types are stored as uint16_t and converted by the runtime.
func CType(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Bool:
		return "bool"
	case dtypes.Int8:
		return "int8_t"
	case dtypes.Int32:
		return "int32_t"
	case dtypes.Int64:
		return "int64_t"
	case dtypes.Float16, dtypes.BFloat16:
		return "uint16_t"
	case dtypes.Float32:
		return "float"
	case dtypes.Float64:
		return "double"
	}
	exceptions.Panicf("no C type for dtype %s", dtype)
	return ""
}
