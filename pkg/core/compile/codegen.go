// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compile

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/gomlx/microtune/pkg/core/relay"
	"github.com/gomlx/microtune/pkg/core/shapes"
	"github.com/gomlx/microtune/pkg/kernels/dense"
)

// Names of the generated sources.
const (
	LibSourceName = "default_lib0.c"
	HeaderName    = "tvmgen_" + ModelName + ".h"
)

// Names of the generated entry points.
const (
	RunFunctionName      = "tvmgen_" + ModelName + "_run"
	SelfTestFunctionName = "tvmgen_" + ModelName + "_self_test"
)

// OutputName is the name of the single output of the generated entry point.
const OutputName = "output"

// Tensor describes an input or output of the generated entry point.
type Tensor struct {
	Name       string `json:"name"`
	Dimensions []int  `json:"shape"`
	DType      string `json:"dtype"`
	Size       int    `json:"size"`
	Bytes      int    `json:"bytes"`
}

// cName returns a valid C identifier for a parameter name.
func cName(name string) string {
	var sb strings.Builder
	for ii, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			if ii == 0 {
				sb.WriteRune('_')
			}
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

// tensorOf returns the Tensor description of an annotated expression.
func tensorOf(name string, t *relay.TensorType) Tensor {
	shape, err := t.Shape()
	if err != nil {
		panic(err)
	}
	return Tensor{
		Name:       name,
		Dimensions: shape.Dimensions,
		DType:      shapes.DTypeName(shape.DType),
		Size:       shape.Size(),
		Bytes:      int(shape.Memory()),
	}
}

// Inputs returns the runtime inputs of the artifact: the parameters of the main function
// reachable from its output and not bound to constants, in declaration order.
func (a *Artifact) Inputs() []Tensor {
	var inputs []Tensor
	for _, p := range a.Module.Main().Params {
		if p.CheckedType() == nil {
			continue
		}
		if _, bound := a.Params[p.Name()]; bound {
			continue
		}
		inputs = append(inputs, tensorOf(p.Name(), p.CheckedType()))
	}
	return inputs
}

// Output returns the description of the output of the artifact.
func (a *Artifact) Output() Tensor {
	return tensorOf(OutputName, a.Module.Main().Body.CheckedType())
}

// elementDType returns the single dtype used by all tensors of the artifact.
func (a *Artifact) elementDType() dtypes.DType {
	var dtype dtypes.DType
	relay.PostOrder(a.Module.Main().Body, func(e relay.Expr) {
		exprDType, err := e.CheckedType().DType()
		if err != nil {
			panic(err)
		}
		if dtype == dtypes.InvalidDType {
			dtype = exprDType
		} else if dtype != exprDType {
			exceptions.Panicf("%s mixes dtypes %s and %s, which is not supported by the C code generator", relay.MainFunctionName, dtype, exprDType)
		}
	})
	return dtype
}

// WorkspaceBytes is the size of the workspace shared by all kernels: the largest used by any of them.
func (a *Artifact) WorkspaceBytes() int {
	elementSize := int(a.elementDType().Memory())
	var maxBytes int
	for _, k := range a.Kernels {
		maxBytes = max(maxBytes, k.WorkspaceBytes(elementSize))
	}
	return maxBytes
}

// emitSources generates the C library and its header into artifact.Sources.
// It panics with an error on failure.
func emitSources(a *Artifact) {
	dtype := a.elementDType()
	cType := shapes.CType(dtype)
	fn := a.Module.Main()
	vectorize := !a.Config.DisableVectorize && a.Target.VectorWidth() > 1
	workspaceBytes := a.WorkspaceBytes()
	elementSize := int(dtype.Memory())

	var lib bytes.Buffer
	fmt.Fprintf(&lib, "// Generated by microtune for %s, runtime %s, %s.\n", a.Target, a.Runtime, a.Config)
	fmt.Fprintf(&lib, "#include <stdint.h>\n#include \"%s\"\n\n", HeaderName)

	// Kernels.
	for _, k := range a.Kernels {
		m, n, kk := task.DenseDims(k.Task.Args)
		err := dense.EmitC(&lib, &dense.CFunction{
			Name:      k.Name,
			M:         m,
			N:         n,
			K:         kk,
			Tiling:    k.Tiling,
			CType:     cType,
			Vectorize: vectorize,
			Comment:   fmt.Sprintf("%s [%s]", k.Task, k.Config),
		})
		if err != nil {
			panic(err)
		}
		lib.WriteString("\n")
	}

	// Constants and buffers.
	for _, p := range fn.Params {
		values, bound := a.Params[p.Name()]
		if !bound || p.CheckedType() == nil {
			continue
		}
		fmt.Fprintf(&lib, "static const %s %s[%d] = {%s};\n", cType, paramSymbol(p.Name()), len(values), formatValues(values))
	}
	buffers := make(map[relay.Expr]string)
	var intermediates int
	for _, k := range a.Kernels {
		if relay.Expr(k.Call) == fn.Body {
			buffers[k.Call] = "outputs->" + OutputName
			continue
		}
		name := fmt.Sprintf("tvmgen_%s_intermediate_%d", ModelName, intermediates)
		intermediates++
		fmt.Fprintf(&lib, "static %s %s[%d];\n", cType, name, tensorOf(name, k.Call.CheckedType()).Size)
		buffers[k.Call] = name
	}
	workspace := "0"
	if workspaceBytes > 0 {
		workspace = fmt.Sprintf("tvmgen_%s_workspace", ModelName)
		fmt.Fprintf(&lib, "static %s %s[%d];\n", cType, workspace, workspaceBytes/elementSize)
	}
	lib.WriteString("\n")

	// Entry point.
	argument := func(e relay.Expr) string {
		switch v := e.(type) {
		case *relay.Variable:
			if _, bound := a.Params[v.Name()]; bound {
				return paramSymbol(v.Name())
			}
			return "inputs->" + cName(v.Name())
		case *relay.Call:
			return buffers[v]
		}
		exceptions.Panicf("unsupported expression %s", e)
		return ""
	}
	fmt.Fprintf(&lib, "%s {\n", runSignature())
	lib.WriteString("  int32_t status;\n")
	for _, k := range a.Kernels {
		fmt.Fprintf(&lib, "  status = %s(%s, %s, %s, %s);\n", k.Name,
			argument(k.Call.Args[0]), argument(k.Call.Args[1]), buffers[k.Call], workspace)
		lib.WriteString("  if (status != 0) return status;\n")
	}
	lib.WriteString("  return 0;\n}\n\n")

	// Self test: runs the model on deterministic inputs and checks the outputs are finite.
	inputs := a.Inputs()
	for _, input := range inputs {
		fmt.Fprintf(&lib, "static %s tvmgen_%s_test_in_%s[%d];\n", cType, ModelName, cName(input.Name), input.Size)
	}
	fmt.Fprintf(&lib, "static %s tvmgen_%s_test_%s[%d];\n\n", cType, ModelName, OutputName, a.Output().Size)
	fmt.Fprintf(&lib, "int32_t %s(void) {\n", SelfTestFunctionName)
	fmt.Fprintf(&lib, "  struct tvmgen_%s_inputs inputs;\n  struct tvmgen_%s_outputs outputs;\n", ModelName, ModelName)
	for ii, input := range inputs {
		name := fmt.Sprintf("tvmgen_%s_test_in_%s", ModelName, cName(input.Name))
		fmt.Fprintf(&lib, "  for (int32_t i = 0; i < %d; ++i) %s[i] = (%s)((i * %d + %d) %% 17) / 17;\n",
			input.Size, name, cType, 2*ii+3, ii+1)
		fmt.Fprintf(&lib, "  inputs.%s = %s;\n", cName(input.Name), name)
	}
	fmt.Fprintf(&lib, "  outputs.%s = tvmgen_%s_test_%s;\n", OutputName, ModelName, OutputName)
	fmt.Fprintf(&lib, "  int32_t status = %s(&inputs, &outputs);\n", RunFunctionName)
	lib.WriteString("  if (status != 0) return status;\n")
	fmt.Fprintf(&lib, "  for (int32_t i = 0; i < %d; ++i) {\n", a.Output().Size)
	fmt.Fprintf(&lib, "    %s v = tvmgen_%s_test_%s[i];\n", cType, ModelName, OutputName)
	lib.WriteString("    if (v != v) return -1;\n  }\n  return 0;\n}\n")
	a.Sources[LibSourceName] = lib.Bytes()
	a.Sources[HeaderName] = emitHeader(a, cType, inputs)
}

func paramSymbol(name string) string {
	return fmt.Sprintf("tvmgen_%s_param_%s", ModelName, cName(name))
}

func runSignature() string {
	return fmt.Sprintf("int32_t %s(struct tvmgen_%s_inputs* inputs, struct tvmgen_%s_outputs* outputs)",
		RunFunctionName, ModelName, ModelName)
}

// formatValues formats constants as a C initializer list, 8 values per line.
func formatValues(values []float32) string {
	var sb strings.Builder
	for ii, v := range values {
		if ii > 0 {
			sb.WriteString(",")
			if ii%8 == 0 {
				sb.WriteString("\n  ")
			} else {
				sb.WriteString(" ")
			}
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	return sb.String()
}

// emitHeader generates the header declaring the inputs, outputs and entry points.
func emitHeader(a *Artifact, cType string, inputs []Tensor) []byte {
	guard := strings.ToUpper(strings.ReplaceAll(HeaderName, ".", "_")) + "_"
	var h bytes.Buffer
	fmt.Fprintf(&h, "#ifndef %[1]s\n#define %[1]s\n\n#include <stdint.h>\n\n", guard)
	h.WriteString("#ifdef __cplusplus\nextern \"C\" {\n#endif\n\n")
	prefix := strings.ToUpper("tvmgen_" + ModelName)
	for _, input := range inputs {
		fmt.Fprintf(&h, "#define %s_%s_SIZE %d\n", prefix, strings.ToUpper(cName(input.Name)), input.Size)
	}
	fmt.Fprintf(&h, "#define %s_%s_SIZE %d\n", prefix, strings.ToUpper(OutputName), a.Output().Size)
	fmt.Fprintf(&h, "#define %s_WORKSPACE_SIZE %d\n\n", prefix, a.WorkspaceBytes())

	fmt.Fprintf(&h, "struct tvmgen_%s_inputs {\n", ModelName)
	if len(inputs) == 0 {
		h.WriteString("  void* unused;\n")
	}
	for _, input := range inputs {
		fmt.Fprintf(&h, "  %s* %s;\n", cType, cName(input.Name))
	}
	h.WriteString("};\n\n")
	fmt.Fprintf(&h, "struct tvmgen_%s_outputs {\n  %s* %s;\n};\n\n", ModelName, cType, OutputName)
	fmt.Fprintf(&h, "%s;\n", runSignature())
	fmt.Fprintf(&h, "int32_t %s(void);\n\n", SelfTestFunctionName)
	h.WriteString("#ifdef __cplusplus\n}\n#endif\n\n")
	fmt.Fprintf(&h, "#endif  // %s\n", guard)
	return h.Bytes()
}
