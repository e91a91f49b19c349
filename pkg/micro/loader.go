// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package micro

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/gomlx/microtune/pkg/autotune/measure"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/gomlx/microtune/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProjectOptions configure the module loader.
type ProjectOptions struct {
	// Verbose logs every kernel loaded.
	Verbose bool

	// Seed for the random inputs of the kernels. Each load uses a different seed derived from it.
	Seed uint64
}

// HostModuleLoader loads built kernels on a simulated Device. It implements measure.ModuleLoader.
type HostModuleLoader struct {
	templateDir string
	options     ProjectOptions
	device      *Device
	loads       atomic.Uint64
}

var _ measure.ModuleLoader = (*HostModuleLoader)(nil)

// NewHostModuleLoader creates a loader for the device of tgt, using the project template in
// templateDir, which must exist and hold a Makefile.
func NewHostModuleLoader(templateDir string, tgt *target.Target, options ProjectOptions) (*HostModuleLoader, error) {
	templateDir, err := fsutil.ReplaceTildeInDir(templateDir)
	if err != nil {
		return nil, err
	}
	isDir, err := fsutil.IsDir(templateDir)
	if err != nil {
		return nil, err
	}
	if !isDir {
		return nil, errors.Errorf("micro.NewHostModuleLoader: template project directory %q not found", templateDir)
	}
	if hasMakefile, _ := fsutil.FileExists(filepath.Join(templateDir, "Makefile")); !hasMakefile {
		return nil, errors.Errorf("micro.NewHostModuleLoader: %q is not a template project, it has no Makefile", templateDir)
	}
	device, err := NewDevice(tgt)
	if err != nil {
		return nil, err
	}
	return &HostModuleLoader{templateDir: templateDir, options: options, device: device}, nil
}

// TemplateDir returns the project template used by the loader.
func (l *HostModuleLoader) TemplateDir() string { return l.templateDir }

// Device kernels are loaded on.
func (l *HostModuleLoader) Device() *Device { return l.device }

// Load implements measure.ModuleLoader.
func (l *HostModuleLoader) Load(ctx context.Context, build *measure.BuildResult) (measure.Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if build == nil || build.Output == nil {
		return nil, errors.New("micro.HostModuleLoader: nothing to load")
	}
	kernel, ok := build.Output.Program.(*Kernel)
	if !ok {
		return nil, errors.Errorf("micro.HostModuleLoader: can't load program of type %T", build.Output.Program)
	}
	seed := l.options.Seed + l.loads.Add(1)
	session, err := l.device.Open(kernel, seed)
	if err != nil {
		return nil, err
	}
	if l.options.Verbose {
		klog.Infof("loaded %s on %s (%d bytes free)", kernel, l.device.Target(), l.device.FreeBytes())
	}
	return session, nil
}
