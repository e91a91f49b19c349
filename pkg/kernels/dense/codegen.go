// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dense

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// CFunction describes a dense kernel to be emitted as C code.
type CFunction struct {
	// Name of the C function.
	Name string

	M, N, K int
	Tiling  Tiling

	// CType of the elements, "float" or "double".
	CType string

	// Vectorize adds vectorization hints to the innermost loops.
	Vectorize bool

	// Comment is written right before the function, if not empty.
	Comment string
}

// Signature returns the C prototype of the function.
func (f *CFunction) Signature() string {
	return fmt.Sprintf("int32_t %s(const %[2]s* data, const %[2]s* weight, %[2]s* out, %[2]s* workspace)", f.Name, f.CType)
}

// cWriter writes indented C code, and keeps the first error.
type cWriter struct {
	w     io.Writer
	depth int
	err   error
}

func (cw *cWriter) line(format string, args ...any) {
	if cw.err != nil {
		return
	}
	_, cw.err = fmt.Fprintf(cw.w, "%s%s\n", strings.Repeat("  ", cw.depth), fmt.Sprintf(format, args...))
}

func (cw *cWriter) open(format string, args ...any) {
	cw.line(format+" {", args...)
	cw.depth++
}

func (cw *cWriter) close() {
	cw.depth--
	cw.line("}")
}

func (cw *cWriter) vectorizeHint(enabled bool) {
	if enabled {
		cw.line("#pragma GCC ivdep")
	}
}

// EmitC writes the C definition of the kernel to w.
func EmitC(w io.Writer, f *CFunction) error {
	if f.CType != "float" && f.CType != "double" {
		return errors.Errorf("dense.EmitC(%s): unsupported C type %q", f.Name, f.CType)
	}
	if err := f.Tiling.Check(f.M, f.N, f.K); err != nil {
		return errors.WithMessagef(err, "dense.EmitC(%s)", f.Name)
	}
	t := f.Tiling
	cw := &cWriter{w: w}
	if f.Comment != "" {
		cw.line("// %s", f.Comment)
	}
	cw.open("%s", f.Signature())
	cw.open("for (int32_t i = 0; i < %d; ++i)", f.M*f.N)
	cw.line("out[i] = 0;")
	cw.close()
	if t.Packed() {
		cw.open("for (int32_t x = 0; x < %d; ++x)", f.N)
		cw.open("for (int32_t kk = 0; kk < %d; ++kk)", f.K)
		cw.line("workspace[(x / %[1]d) * %[2]d + kk * %[1]d + x %% %[1]d] = weight[x * %[3]d + kk];", t.PackWidth, f.K*t.PackWidth, f.K)
		cw.close()
		cw.close()
	}
	cw.open("for (int32_t y0 = 0; y0 < %d; y0 += %d)", f.M, t.BlockY)
	cw.open("for (int32_t x0 = 0; x0 < %d; x0 += %d)", f.N, t.BlockX)
	cw.open("for (int32_t k0 = 0; k0 < %d; k0 += %d)", f.K, t.BlockK)
	cw.open("for (int32_t y = y0; y < y0 + %d; ++y)", t.BlockY)
	if t.Packed() {
		cw.open("for (int32_t xp = x0; xp < x0 + %d; xp += %d)", t.BlockX, t.PackWidth)
		cw.line("const %s* panel = workspace + (xp / %d) * %d;", f.CType, t.PackWidth, f.K*t.PackWidth)
		cw.open("for (int32_t kk = k0; kk < k0 + %d; ++kk)", t.BlockK)
		cw.line("const %s d = data[y * %d + kk];", f.CType, f.K)
		cw.vectorizeHint(f.Vectorize)
		cw.open("for (int32_t lane = 0; lane < %d; ++lane)", t.PackWidth)
		cw.line("out[y * %d + xp + lane] += d * panel[kk * %d + lane];", f.N, t.PackWidth)
		cw.close()
		cw.close()
		cw.close()
	} else {
		cw.open("for (int32_t x = x0; x < x0 + %d; ++x)", t.BlockX)
		cw.line("%s acc = out[y * %d + x];", f.CType, f.N)
		cw.vectorizeHint(f.Vectorize)
		cw.open("for (int32_t kk = k0; kk < k0 + %d; ++kk)", t.BlockK)
		cw.line("acc += data[y * %d + kk] * weight[x * %d + kk];", f.K, f.K)
		cw.close()
		cw.line("out[y * %d + x] = acc;", f.N)
		cw.close()
	}
	cw.close() // y
	cw.close() // k0
	cw.close() // x0
	cw.close() // y0
	cw.line("return 0;")
	cw.close()
	return cw.err
}
