// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package relay is the small high-level program representation compiled by microtune.
//
// A program is a Module holding a single "main" Function. A Function has a list of
// Variable parameters and a body Expr, built out of operator Call nodes. So far only
// "nn.dense" is supported.
//
// Variables are declared with a TensorType, whose dtype name is kept exactly as declared
// ("float" stays "float"). InferType annotates every expression reachable from the body of
// the function with its checked type: only then a Module can be used for task extraction
// or compilation.
//
// # Error Handling
//
// Like the graph package of GoMLX, the building functions (Var, Dense, NewFunction, ...)
// "throw" errors with panic(), since they are only invalid when the code calling them is wrong.
// The passes (InferType) return errors.
package relay

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/microtune/pkg/core/shapes"
	"github.com/pkg/errors"
)

// TensorType is the type of tensor: its dimensions and the name of its element type.
type TensorType struct {
	Dimensions []int
	DTypeName  string
}

// NewTensorType creates a TensorType. The dtype name is validated later, by InferType.
func NewTensorType(dimensions []int, dtypeName string) *TensorType {
	return &TensorType{Dimensions: slices.Clone(dimensions), DTypeName: dtypeName}
}

// DType returns the resolved dtypes.DType of the tensor type.
func (t *TensorType) DType() (dtypes.DType, error) {
	return shapes.ParseDType(t.DTypeName)
}

// Shape returns the concrete shape of the tensor type.
func (t *TensorType) Shape() (shapes.Shape, error) {
	dtype, err := t.DType()
	if err != nil {
		return shapes.Invalid(), err
	}
	for _, dim := range t.Dimensions {
		if dim <= 0 {
			return shapes.Invalid(), errors.Errorf("tensor type %s has a non-positive dimension", t)
		}
	}
	return shapes.Make(dtype, t.Dimensions...), nil
}

// String implements fmt.Stringer, in the format "Tensor[(128, 256), float32]".
func (t *TensorType) String() string {
	if t == nil {
		return "<untyped>"
	}
	dims := make([]string, len(t.Dimensions))
	for ii, dim := range t.Dimensions {
		dims[ii] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("Tensor[(%s), %s]", strings.Join(dims, ", "), t.DTypeName)
}

// Expr is any expression of a program: a Variable or a Call.
type Expr interface {
	// CheckedType is the type annotated by InferType. It is nil before inference, or if the
	// expression is not reachable from the output of its function.
	CheckedType() *TensorType

	// String returns the expression in the text format.
	String() string

	setCheckedType(t *TensorType)
}

// Variable is a named input of a Function.
type Variable struct {
	name        string
	declared    *TensorType
	checkedType *TensorType
}

// Var declares a new variable with the given name and tensor type.
// It panics if name is empty.
func Var(name string, dimensions []int, dtypeName string) *Variable {
	if name == "" {
		exceptions.Panicf("relay.Var requires a non-empty name")
	}
	return &Variable{name: name, declared: NewTensorType(dimensions, dtypeName)}
}

// Name of the variable.
func (v *Variable) Name() string { return v.name }

// DeclaredType is the type the variable was declared with.
func (v *Variable) DeclaredType() *TensorType { return v.declared }

// CheckedType implements Expr.
func (v *Variable) CheckedType() *TensorType { return v.checkedType }

func (v *Variable) setCheckedType(t *TensorType) { v.checkedType = t }

// String implements Expr.
func (v *Variable) String() string { return "%" + v.name }

// Op names supported by Call.
const (
	OpDense = "nn.dense"
)

// DenseAttrs are the attributes of a "nn.dense" call.
type DenseAttrs struct {
	// OutDType is the dtype name of the result. If empty, it takes the dtype of the data.
	OutDType string
}

// Call is an operator application.
type Call struct {
	Op          string
	Args        []Expr
	Attrs       DenseAttrs
	checkedType *TensorType
}

// Dense computes `data · weightᵀ`: for data shaped `[M, K]` and weight shaped `[N, K]`
// the result is shaped `[M, N]`, with the dtype outDType.
//
// It panics if any of the inputs is nil. Shapes and dtypes are only checked by InferType.
func Dense(data, weight Expr, outDType string) *Call {
	if data == nil || weight == nil {
		exceptions.Panicf("relay.Dense requires non-nil data and weight")
	}
	return &Call{Op: OpDense, Args: []Expr{data, weight}, Attrs: DenseAttrs{OutDType: outDType}}
}

// CheckedType implements Expr.
func (c *Call) CheckedType() *TensorType { return c.checkedType }

func (c *Call) setCheckedType(t *TensorType) { c.checkedType = t }

// String implements Expr.
func (c *Call) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	for _, arg := range c.Args {
		parts = append(parts, arg.String())
	}
	if c.Attrs.OutDType != "" {
		parts = append(parts, fmt.Sprintf("out_dtype=%q", c.Attrs.OutDType))
	}
	return fmt.Sprintf("%s(%s)", c.Op, strings.Join(parts, ", "))
}

// Function is a program function: a list of parameters and a body.
type Function struct {
	Params []*Variable
	Body   Expr
}

// NewFunction creates a Function. Parameters not used by the body are accepted, but they are
// not annotated by InferType.
//
// It panics if body is nil, or if two parameters share the same name.
func NewFunction(params []*Variable, body Expr) *Function {
	if body == nil {
		exceptions.Panicf("relay.NewFunction requires a non-nil body")
	}
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if seen[p.name] {
			exceptions.Panicf("relay.NewFunction: parameter %q declared more than once", p.name)
		}
		seen[p.name] = true
	}
	return &Function{Params: slices.Clone(params), Body: body}
}

// Param returns the parameter with the given name, or nil if not found.
func (fn *Function) Param(name string) *Variable {
	for _, p := range fn.Params {
		if p.name == name {
			return p
		}
	}
	return nil
}

// String returns the function in the text format.
func (fn *Function) String() string {
	var sb strings.Builder
	params := make([]string, len(fn.Params))
	for ii, p := range fn.Params {
		params[ii] = fmt.Sprintf("%%%s: %s", p.name, p.declared)
	}
	fmt.Fprintf(&sb, "fn (%s)", strings.Join(params, ", "))
	if t := fn.Body.CheckedType(); t != nil {
		fmt.Fprintf(&sb, " -> %s", t)
	}
	fmt.Fprintf(&sb, " {\n  %s\n}", fn.Body)
	return sb.String()
}

// PostOrder visits every expression reachable from root, each exactly once, with the
// arguments of a call visited before the call.
func PostOrder(root Expr, visit func(e Expr)) {
	visited := make(map[Expr]bool)
	var recursive func(e Expr)
	recursive = func(e Expr) {
		if visited[e] {
			return
		}
		visited[e] = true
		if call, ok := e.(*Call); ok {
			for _, arg := range call.Args {
				recursive(arg)
			}
		}
		visit(e)
	}
	recursive(root)
}

// Calls returns all the calls to op reachable from the body of fn, in post-order.
func (fn *Function) Calls(op string) []*Call {
	var calls []*Call
	PostOrder(fn.Body, func(e Expr) {
		if call, ok := e.(*Call); ok && call.Op == op {
			calls = append(calls, call)
		}
	})
	return calls
}

// MainFunctionName is the name of the function created by NewModule.
const MainFunctionName = "main"

// Module holds the functions of a program.
type Module struct {
	functions map[string]*Function
	inferred  bool
}

// NewModule creates a module with fn as its "main" function.
func NewModule(fn *Function) *Module {
	if fn == nil {
		exceptions.Panicf("relay.NewModule requires a non-nil function")
	}
	return &Module{functions: map[string]*Function{MainFunctionName: fn}}
}

// Main returns the "main" function.
func (m *Module) Main() *Function { return m.functions[MainFunctionName] }

// IsTypeInferred returns whether InferType was successfully run on the module.
func (m *Module) IsTypeInferred() bool { return m.inferred }

// String returns the module in the text format.
func (m *Module) String() string {
	return fmt.Sprintf("def @%s%s", MainFunctionName, strings.TrimPrefix(m.Main().String(), "fn "))
}

// ShapeDict returns the concrete dimensions of every parameter annotated by InferType.
// Parameters not reachable from the output are not included.
func (m *Module) ShapeDict() map[string][]int {
	dict := make(map[string][]int)
	for _, p := range m.Main().Params {
		if p.checkedType != nil {
			dict[p.name] = slices.Clone(p.checkedType.Dimensions)
		}
	}
	return dict
}

// TypeDict returns the dtype name of every parameter annotated by InferType, as declared.
// Parameters not reachable from the output are not included.
func (m *Module) TypeDict() map[string]string {
	dict := make(map[string]string)
	for _, p := range m.Main().Params {
		if p.checkedType != nil {
			dict[p.name] = p.checkedType.DTypeName
		}
	}
	return dict
}
