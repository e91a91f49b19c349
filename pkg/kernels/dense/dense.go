// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dense implements the dense (`out[M, N] = data[M, K] · weight[N, K]ᵀ`) kernels
// used by the tuning tasks, in two forms: as Go functions that run on the simulated
// device, and as C source emitted for the generated projects.
//
// Both forms follow the same loop nest, parameterized by a Tiling.
package dense

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Tiling describes the loop nest of a dense kernel.
//
// All block sizes must divide their respective loop extents.
type Tiling struct {
	// BlockY, BlockX and BlockK are the sizes of the blocks the M, N and K loops are split into.
	BlockY, BlockX, BlockK int

	// PackWidth, if > 0, means the weights are pre-packed in panels of PackWidth rows of N,
	// stored contiguously along K. It must divide BlockX.
	PackWidth int
}

// Packed returns whether the tiling pre-packs the weights.
func (t Tiling) Packed() bool { return t.PackWidth > 0 }

// String implements fmt.Stringer.
func (t Tiling) String() string {
	if t.Packed() {
		return fmt.Sprintf("Tiling{y=%d, x=%d, k=%d, pack=%d}", t.BlockY, t.BlockX, t.BlockK, t.PackWidth)
	}
	return fmt.Sprintf("Tiling{y=%d, x=%d, k=%d}", t.BlockY, t.BlockX, t.BlockK)
}

// Check returns an error if the tiling is not valid for the given dimensions.
func (t Tiling) Check(m, n, k int) error {
	if t.BlockY <= 0 || t.BlockX <= 0 || t.BlockK <= 0 {
		return errors.Errorf("%s: block sizes must be positive", t)
	}
	if m%t.BlockY != 0 || n%t.BlockX != 0 || k%t.BlockK != 0 {
		return errors.Errorf("%s does not divide dimensions M=%d, N=%d, K=%d", t, m, n, k)
	}
	if t.Packed() && t.BlockX%t.PackWidth != 0 {
		return errors.Errorf("%s: pack width must divide the x block", t)
	}
	return nil
}

// WorkspaceElements returns the number of extra elements the kernel needs as scratch memory,
// for weights with n rows of k elements.
func (t Tiling) WorkspaceElements(n, k int) int {
	if !t.Packed() {
		return 0
	}
	return n * k
}

// Reference is a straightforward dense, used to validate the tiled kernels.
func Reference(out, data, weight []float32, m, n, k int) {
	for y := range m {
		for x := range n {
			var acc float32
			for kk := range k {
				acc += data[y*k+kk] * weight[x*k+kk]
			}
			out[y*n+x] = acc
		}
	}
}

// Run executes the tiled kernel. workspace must have at least t.WorkspaceElements(n, k) elements.
func Run(t Tiling, out, data, weight, workspace []float32, m, n, k int) {
	clear(out[:m*n])
	if t.Packed() {
		pack(t.PackWidth, workspace, weight, n, k)
		runPacked(t, out, data, workspace, m, n, k)
		return
	}
	runNopack(t, out, data, weight, m, n, k)
}

func runNopack(t Tiling, out, data, weight []float32, m, n, k int) {
	for y0 := 0; y0 < m; y0 += t.BlockY {
		for x0 := 0; x0 < n; x0 += t.BlockX {
			for k0 := 0; k0 < k; k0 += t.BlockK {
				for y := y0; y < y0+t.BlockY; y++ {
					dataRow := data[y*k+k0 : y*k+k0+t.BlockK]
					for x := x0; x < x0+t.BlockX; x++ {
						weightRow := weight[x*k+k0 : x*k+k0+t.BlockK]
						acc := out[y*n+x]
						for kk, d := range dataRow {
							acc += d * weightRow[kk]
						}
						out[y*n+x] = acc
					}
				}
			}
		}
	}
}

// pack copies weight[n, k] into panels of `width` rows: packed[x/width][k][x%width].
func pack(width int, packed, weight []float32, n, k int) {
	for x := range n {
		panel := (x / width) * k * width
		lane := x % width
		for kk := range k {
			packed[panel+kk*width+lane] = weight[x*k+kk]
		}
	}
}

func runPacked(t Tiling, out, data, packed []float32, m, n, k int) {
	width := t.PackWidth
	for y0 := 0; y0 < m; y0 += t.BlockY {
		for x0 := 0; x0 < n; x0 += t.BlockX {
			for k0 := 0; k0 < k; k0 += t.BlockK {
				for y := y0; y < y0+t.BlockY; y++ {
					outRow := out[y*n : (y+1)*n]
					for xp := x0; xp < x0+t.BlockX; xp += width {
						panel := (xp / width) * k * width
						lanes := outRow[xp : xp+width]
						for kk := k0; kk < k0+t.BlockK; kk++ {
							d := data[y*k+kk]
							row := packed[panel+kk*width : panel+(kk+1)*width]
							for lane, w := range row {
								lanes[lane] += d * w
							}
						}
					}
				}
			}
		}
	}
}

// MaxRelativeError returns the largest relative difference between got and want, using
// max(1, |want|) as the scale of each element.
func MaxRelativeError(got, want []float32) float64 {
	var maxErr float64
	for ii := range want {
		scale := math.Max(1, math.Abs(float64(want[ii])))
		diff := math.Abs(float64(got[ii])-float64(want[ii])) / scale
		if diff > maxErr || math.IsNaN(diff) {
			maxErr = diff
		}
	}
	return maxErr
}
