// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package relay

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InferType annotates every expression reachable from the body of the "main" function
// with its checked type, and returns the same module, so it can be used as
// `mod, err = relay.InferType(mod)`.
//
// It is an annotation pass only: expressions are not added or removed. Parameters that
// are not reachable from the output are left without a checked type, and they are not
// included in Module.ShapeDict or Module.TypeDict.
//
// It returns an error for type-inconsistent programs (wrong ranks, mismatching reduction
// axis or dtypes, unknown dtype names or variables that are not parameters of the function).
func InferType(mod *Module) (*Module, error) {
	fn := mod.Main()
	err := exceptions.TryCatch[error](func() { inferFunction(fn) })
	if err != nil {
		mod.inferred = false
		return mod, errors.WithMessagef(err, "relay.InferType failed")
	}
	mod.inferred = true
	for _, p := range fn.Params {
		if p.checkedType == nil {
			klog.Warningf("relay.InferType: parameter %%%s is not used by the output of @%s", p.name, MainFunctionName)
		}
	}
	return mod, nil
}

func inferFunction(fn *Function) {
	isParam := make(map[*Variable]bool, len(fn.Params))
	for _, p := range fn.Params {
		isParam[p] = true
		p.setCheckedType(nil)
	}
	PostOrder(fn.Body, func(e Expr) {
		switch node := e.(type) {
		case *Variable:
			if !isParam[node] {
				exceptions.Panicf("variable %s is not a parameter of the function", node)
			}
			if _, err := node.declared.Shape(); err != nil {
				panic(errors.WithMessagef(err, "invalid type for variable %s", node))
			}
			node.setCheckedType(NewTensorType(node.declared.Dimensions, node.declared.DTypeName))
		case *Call:
			node.setCheckedType(inferCall(node))
		default:
			exceptions.Panicf("unknown expression type %T", e)
		}
	})
}

func inferCall(call *Call) *TensorType {
	switch call.Op {
	case OpDense:
		return inferDense(call)
	}
	exceptions.Panicf("type relation for op %q not defined", call.Op)
	return nil
}

// inferDense implements the type relation `[M, K] x [N, K] -> [M, N]`.
func inferDense(call *Call) *TensorType {
	if len(call.Args) != 2 {
		exceptions.Panicf("%s expects 2 arguments, got %d", call.Op, len(call.Args))
	}
	data, weight := call.Args[0].CheckedType(), call.Args[1].CheckedType()
	if len(data.Dimensions) != 2 || len(weight.Dimensions) != 2 {
		exceptions.Panicf("%s: data and weight must be rank 2, got data %s and weight %s", call, data, weight)
	}
	if data.Dimensions[1] != weight.Dimensions[1] {
		exceptions.Panicf("%s: reduction axis mismatch, data %s and weight %s", call, data, weight)
	}
	dataDType, err := data.DType()
	if err != nil {
		panic(err)
	}
	weightDType, err := weight.DType()
	if err != nil {
		panic(err)
	}
	if dataDType != weightDType {
		exceptions.Panicf("%s: data dtype %q and weight dtype %q differ", call, data.DTypeName, weight.DTypeName)
	}
	outDType := call.Attrs.OutDType
	if outDType == "" {
		outDType = data.DTypeName
	}
	out := NewTensorType([]int{data.Dimensions[0], weight.Dimensions[0]}, outDType)
	if _, err := out.Shape(); err != nil {
		panic(errors.WithMessagef(err, "%s: invalid out_dtype", call))
	}
	return out
}
