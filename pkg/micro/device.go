// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package micro simulates the embedded device trials are measured on, and implements the
// build function and module loader that connect the tuner to it.
//
// A Device has the memory budget of its target model. Built kernels are opened in a Session,
// which holds the kernel inputs, output and workspace in device memory, and can run, verify
// and time the kernel.
package micro

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/microtune/pkg/autotune/measure"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/gomlx/microtune/pkg/kernels/dense"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Kernel is a built dense kernel, as returned in measure.BuildOutput.Program by AutotuneBuildFunc.
type Kernel struct {
	// Name of the generated C function.
	Name string

	M, N, K int
	Tiling  dense.Tiling

	// DType of the inputs and output.
	DType dtypes.DType

	// Source is the path of the generated C source.
	Source string
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	return fmt.Sprintf("%s(M=%d, N=%d, K=%d, %s)", k.Name, k.M, k.N, k.K, k.Tiling)
}

// WorkspaceBytes returns the scratch memory used by the kernel.
func (k *Kernel) WorkspaceBytes() int {
	return k.Tiling.WorkspaceElements(k.N, k.K) * int(k.DType.Memory())
}

// MemoryBytes returns the device memory needed to run the kernel: inputs, output and workspace.
func (k *Kernel) MemoryBytes() int {
	elements := k.M*k.K + k.N*k.K + k.M*k.N
	return elements*int(k.DType.Memory()) + k.WorkspaceBytes()
}

// Device is a simulated micro device.
type Device struct {
	target *target.Target

	mu        sync.Mutex
	allocated int
}

// NewDevice creates a device for the given micro target.
func NewDevice(tgt *target.Target) (*Device, error) {
	if tgt == nil || !tgt.HasKey("micro") {
		return nil, errors.Errorf("micro.NewDevice requires a micro target, got %v", tgt)
	}
	return &Device{target: tgt}, nil
}

// Target of the device.
func (d *Device) Target() *target.Target { return d.target }

// FreeBytes returns the device memory not used by open sessions.
func (d *Device) FreeBytes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target.MemoryBytes() - d.allocated
}

// Open reserves the device memory for the kernel and initializes its inputs with random values
// drawn from seed.
//
// It fails with a RuntimeDeviceError if the device doesn't have enough free memory.
func (d *Device) Open(kernel *Kernel, seed uint64) (*Session, error) {
	if err := kernel.Tiling.Check(kernel.M, kernel.N, kernel.K); err != nil {
		return nil, measure.WithErrorNo(measure.RuntimeDeviceError, err)
	}
	needed := kernel.MemoryBytes()
	d.mu.Lock()
	if d.allocated+needed > d.target.MemoryBytes() {
		free := d.target.MemoryBytes() - d.allocated
		d.mu.Unlock()
		return nil, measure.Errorf(measure.RuntimeDeviceError, "%s needs %d bytes, device %q has %d free",
			kernel, needed, d.target.Model(), free)
	}
	d.allocated += needed
	d.mu.Unlock()

	rng := rand.New(rand.NewPCG(seed, uint64(kernel.K)))
	s := &Session{
		device:    d,
		kernel:    kernel,
		reserved:  needed,
		data:      randomValues(rng, kernel.M*kernel.K, kernel.DType),
		weight:    randomValues(rng, kernel.N*kernel.K, kernel.DType),
		out:       make([]float32, kernel.M*kernel.N),
		workspace: make([]float32, kernel.Tiling.WorkspaceElements(kernel.N, kernel.K)),
	}
	return s, nil
}

func (d *Device) release(bytes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allocated -= bytes
}

// randomValues in [-1, 1), rounded to the precision of dtype.
func randomValues(rng *rand.Rand, size int, dtype dtypes.DType) []float32 {
	values := make([]float32, size)
	for ii := range values {
		v := rng.Float32()*2 - 1
		switch dtype {
		case dtypes.Float16:
			v = float16.Fromfloat32(v).Float32()
		case dtypes.BFloat16:
			v = math.Float32frombits(math.Float32bits(v) &^ 0xFFFF)
		}
		values[ii] = v
	}
	return values
}

// Session is a kernel loaded on a Device. It implements measure.Module.
type Session struct {
	device   *Device
	kernel   *Kernel
	reserved int
	closed   bool

	data, weight, out, workspace []float32
}

var _ measure.Module = (*Session)(nil)

// Kernel loaded in the session.
func (s *Session) Kernel() *Kernel { return s.kernel }

// Output of the last run.
func (s *Session) Output() []float32 { return s.out }

// Run executes the kernel once.
func (s *Session) Run() error {
	if s.closed {
		return measure.Errorf(measure.RuntimeDeviceError, "session of %s is closed", s.kernel)
	}
	k := s.kernel
	dense.Run(k.Tiling, s.out, s.data, s.weight, s.workspace, k.M, k.N, k.K)
	return nil
}

// VerifyTolerance is the largest relative error accepted by Session.Verify.
const VerifyTolerance = 1e-4

// Verify implements measure.Module.
func (s *Session) Verify() error {
	if err := s.Run(); err != nil {
		return err
	}
	k := s.kernel
	want := make([]float32, k.M*k.N)
	dense.Reference(want, s.data, s.weight, k.M, k.N, k.K)
	if maxErr := dense.MaxRelativeError(s.out, want); maxErr > VerifyTolerance || math.IsNaN(maxErr) {
		return measure.Errorf(measure.WrongAnswerError, "%s: relative error %g above tolerance %g", k, maxErr, VerifyTolerance)
	}
	return nil
}

// TimeEvaluate implements measure.Module.
func (s *Session) TimeEvaluate(ctx context.Context, number, repeat int) ([]float64, error) {
	costs := make([]float64, repeat)
	for r := range costs {
		start := time.Now()
		for range number {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := s.Run(); err != nil {
				return nil, err
			}
		}
		elapsed := time.Since(start)
		// Clock resolution.
		elapsed = max(elapsed, time.Nanosecond)
		costs[r] = elapsed.Seconds() / float64(number)
	}
	return costs, nil
}

// Close releases the device memory of the session. It can be called more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.device.release(s.reserved)
	return nil
}
