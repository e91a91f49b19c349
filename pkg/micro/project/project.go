// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package project generates and builds device projects for a compiled artifact.
//
// A project is created from a template project directory: the template is copied, the
// artifact is exported in the model library format ("model.tar") and extracted under
// "model/", and the project is built with its Makefile.
//
// The "crt" template, for the standalone C runtime on the host, is embedded in the binary
// and materialized on disk by TemplateDir.
package project

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/microtune/pkg/core/compile"
	"github.com/gomlx/microtune/pkg/micro/mlf"
	"github.com/gomlx/microtune/pkg/support/fsutil"
	"github.com/gomlx/microtune/pkg/support/xslices"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

//go:embed template
var templates embed.FS

// Files created in a generated project.
const (
	ModelTarName = "model.tar"
	ModelDirName = "model"
	InfoFileName = "microtune.json"
	MakefileName = "Makefile"
	BuildDirName = "build"
	BinaryName   = "main"
)

// TemplateNames returns the names of the embedded template projects, sorted.
func TemplateNames() []string {
	entries, err := templates.ReadDir("template")
	if err != nil {
		panic(err)
	}
	return xslices.Map(entries, func(e fs.DirEntry) string { return e.Name() })
}

// ExtractTemplate writes the embedded template project name into dir, overwriting existing files.
func ExtractTemplate(name, dir string) error {
	if !slices.Contains(TemplateNames(), name) {
		return errors.Errorf("unknown template project %q, known templates are %v", name, TemplateNames())
	}
	sub, err := fs.Sub(templates, "template/"+name)
	if err != nil {
		return errors.Wrapf(err, "template project %q", name)
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create template project directory %q", dir)
	}
	return errors.WithMessagef(fsutil.CopyFS(dir, sub), "failed to extract template project %q", name)
}

// TemplateDir returns the directory of the named template project (e.g.: "crt"), materialized in
// the user cache directory.
func TemplateDir(name string) (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to find the user cache directory for template projects")
	}
	dir := filepath.Join(cacheDir, "microtune", "template_projects", name)
	if err = ExtractTemplate(name, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// Options for Generate.
type Options struct {
	// Overwrite removes an existing project directory before generating the project.
	// Otherwise, generating into an existing non-empty directory is an error.
	Overwrite bool

	// Verbose logs the output of the build commands.
	Verbose bool

	// BuildCommand used by Project.Build. Defaults to `make`.
	BuildCommand []string
}

// Info is stored in the InfoFileName file of the generated project.
type Info struct {
	ID          string    `json:"id"`
	TemplateDir string    `json:"template_dir"`
	ModelName   string    `json:"model_name"`
	Target      string    `json:"target"`
	Runtime     string    `json:"runtime"`
	Generated   time.Time `json:"generated"`
}

// Project is a generated project.
type Project struct {
	dir     string
	info    Info
	options Options
}

// Generate creates a project in projectDir from the template project in templateDir, with the
// model library of artifact.
func Generate(templateDir string, artifact *compile.Artifact, projectDir string, options Options) (*Project, error) {
	if artifact == nil {
		return nil, errors.New("project.Generate requires a built artifact")
	}
	templateDir, err := fsutil.ReplaceTildeInDir(templateDir)
	if err != nil {
		return nil, err
	}
	if isDir, err := fsutil.IsDir(templateDir); err != nil || !isDir {
		return nil, errors.Errorf("project.Generate: template project directory %q does not exist", templateDir)
	}
	if exists, _ := fsutil.FileExists(filepath.Join(templateDir, MakefileName)); !exists {
		return nil, errors.Errorf("project.Generate: %q is not a template project, it has no %s", templateDir, MakefileName)
	}
	projectDir, err = filepath.Abs(projectDir)
	if err != nil {
		return nil, errors.Wrapf(err, "project.Generate: invalid project directory %q", projectDir)
	}
	if err = prepareProjectDir(projectDir, options.Overwrite); err != nil {
		return nil, err
	}
	if err = fsutil.CopyFS(projectDir, os.DirFS(templateDir)); err != nil {
		return nil, errors.WithMessagef(err, "project.Generate: failed to copy template project %q", templateDir)
	}

	tarPath := filepath.Join(projectDir, ModelTarName)
	if err = mlf.ExportFile(artifact, tarPath); err != nil {
		return nil, errors.WithMessage(err, "project.Generate")
	}
	if err = mlf.ExtractFile(tarPath, filepath.Join(projectDir, ModelDirName)); err != nil {
		return nil, errors.WithMessage(err, "project.Generate")
	}

	p := &Project{
		dir: projectDir,
		info: Info{
			ID:          uuid.NewString(),
			TemplateDir: templateDir,
			ModelName:   compile.ModelName,
			Target:      artifact.Target.String(),
			Runtime:     artifact.Runtime.String(),
			Generated:   time.Now().UTC(),
		},
		options: options,
	}
	infoJSON, err := json.MarshalIndent(p.info, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "project.Generate: failed to encode project info")
	}
	if err = os.WriteFile(filepath.Join(projectDir, InfoFileName), infoJSON, 0o644); err != nil {
		return nil, errors.Wrapf(err, "project.Generate: failed to write %s", InfoFileName)
	}
	klog.V(1).Infof("generated project %s in %q", p.info.ID, projectDir)
	return p, nil
}

func prepareProjectDir(projectDir string, overwrite bool) error {
	isDir, err := fsutil.IsDir(projectDir)
	if err != nil {
		return err
	}
	if isDir {
		entries, err := os.ReadDir(projectDir)
		if err != nil {
			return errors.Wrapf(err, "failed to read project directory %q", projectDir)
		}
		if len(entries) > 0 {
			if !overwrite {
				return errors.Errorf("project.Generate: project directory %q already exists and is not empty", projectDir)
			}
			klog.V(1).Infof("removing previous project in %q", projectDir)
			if err = os.RemoveAll(projectDir); err != nil {
				return errors.Wrapf(err, "failed to remove previous project %q", projectDir)
			}
		}
	}
	return errors.Wrapf(os.MkdirAll(projectDir, 0o755), "failed to create project directory %q", projectDir)
}

// Dir of the project.
func (p *Project) Dir() string { return p.dir }

// Info of the project.
func (p *Project) Info() Info { return p.info }

// BinaryPath is the path of the binary created by Build.
func (p *Project) BinaryPath() string { return filepath.Join(p.dir, BuildDirName, BinaryName) }

// Build runs the build command of the project in its directory.
func (p *Project) Build(ctx context.Context) error {
	command := p.options.BuildCommand
	if len(command) == 0 {
		command = []string{"make"}
	}
	if _, err := exec.LookPath(command[0]); err != nil {
		return errors.Wrapf(err, "project.Build: %q not found", command[0])
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = p.dir
	output, err := cmd.CombinedOutput()
	if p.options.Verbose && len(output) > 0 {
		klog.Infof("%s:\n%s", strings.Join(command, " "), output)
	}
	if err != nil {
		return errors.Wrapf(err, "project.Build: failed to run %q in %q:\n%s", strings.Join(command, " "), p.dir, output)
	}
	klog.V(1).Infof("built project in %q", p.dir)
	return nil
}

// Run executes the binary built by Build and returns its output.
func (p *Project) Run(ctx context.Context) (string, error) {
	binary := p.BinaryPath()
	if exists, _ := fsutil.FileExists(binary); !exists {
		return "", errors.Errorf("project.Run: %q not found, build the project first", binary)
	}
	output, err := exec.CommandContext(ctx, binary).CombinedOutput()
	if err != nil {
		return string(output), errors.Wrapf(err, "project.Run: %q failed:\n%s", binary, output)
	}
	return string(output), nil
}
