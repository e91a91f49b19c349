// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 128, 256)
	require.False(t, shape1.IsScalar())
	require.Equal(t, 2, shape1.Rank())
	require.Equal(t, 128*256, shape1.Size())
	require.Equal(t, 4*128*256, int(shape1.Memory()))

	require.True(t, shape1.Equal(shape1.Clone()))
	require.False(t, shape1.Equal(Make(dtypes.Float32, 256, 128)))
	require.Panics(t, func() { _ = Make(dtypes.Float32, 0, 3) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(-1))
	require.Equal(t, 4, shape.Dim(-3))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestParseDType(t *testing.T) {
	for name, want := range map[string]dtypes.DType{
		"float32":  dtypes.Float32,
		"float":    dtypes.Float32,
		"Float32":  dtypes.Float32,
		"float16":  dtypes.Float16,
		"int8":     dtypes.Int8,
		"bfloat16": dtypes.BFloat16,
	} {
		got, err := ParseDType(name)
		require.NoError(t, err, "dtype name %q", name)
		require.Equal(t, want, got, "dtype name %q", name)
	}
	_, err := ParseDType("float8")
	require.Error(t, err)

	require.Equal(t, "float32", DTypeName(dtypes.Float32))
	require.Equal(t, "float", CType(dtypes.Float32))
	require.Equal(t, "uint16_t", CType(dtypes.Float16))
}
