// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package project

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/gomlx/microtune/pkg/core/compile"
	"github.com/gomlx/microtune/pkg/core/relay"
	"github.com/gomlx/microtune/pkg/core/target"
	"github.com/gomlx/microtune/pkg/core/transform"
	"github.com/gomlx/microtune/pkg/micro/mlf"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArtifact(t *testing.T) *compile.Artifact {
	data := relay.Var("data", []int{8, 16}, "float32")
	weight := relay.Var("weight", []int{4, 16}, "float")
	mod := relay.NewModule(relay.NewFunction([]*relay.Variable{data, weight}, relay.Dense(data, weight, "float32")))
	tgt := must.M1(target.Micro("host"))
	rt := must.M1(target.NewRuntime(target.RuntimeCRT, target.RuntimeOptions{SystemLib: true}))
	artifact, err := compile.Build(mod, nil, tgt, rt, transform.Config{OptLevel: 3, DisableVectorize: true}, nil)
	require.NoError(t, err)
	return artifact
}

func crtTemplate(t *testing.T) string {
	dir := filepath.Join(t.TempDir(), "crt")
	require.NoError(t, ExtractTemplate("crt", dir))
	return dir
}

func TestTemplates(t *testing.T) {
	assert.Equal(t, []string{"crt"}, TemplateNames())
	dir := crtTemplate(t)
	assert.FileExists(t, filepath.Join(dir, MakefileName))
	assert.FileExists(t, filepath.Join(dir, "src", "main.c"))
	require.ErrorContains(t, ExtractTemplate("zephyr", t.TempDir()), "unknown template project")

	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	cached, err := TemplateDir("crt")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cached, MakefileName))
}

func TestGenerate(t *testing.T) {
	artifact := buildArtifact(t)
	templateDir := crtTemplate(t)
	projectDir := filepath.Join(t.TempDir(), "project")

	p, err := Generate(templateDir, artifact, projectDir, Options{})
	require.NoError(t, err)
	assert.Equal(t, projectDir, p.Dir())
	assert.FileExists(t, filepath.Join(projectDir, MakefileName))
	assert.FileExists(t, filepath.Join(projectDir, ModelTarName))
	assert.FileExists(t, filepath.Join(projectDir, ModelDirName, mlf.MetadataPath))
	assert.FileExists(t, filepath.Join(projectDir, ModelDirName, "codegen", "host", "src", compile.LibSourceName))
	assert.FileExists(t, filepath.Join(projectDir, ModelDirName, "codegen", "host", "include", compile.HeaderName))

	var info Info
	require.NoError(t, json.Unmarshal(must.M1(os.ReadFile(filepath.Join(projectDir, InfoFileName))), &info))
	assert.Equal(t, p.Info().ID, info.ID)
	assert.Equal(t, artifact.Target.String(), info.Target)
	assert.Equal(t, compile.ModelName, info.ModelName)

	// Existing projects are only replaced with Overwrite.
	_, err = Generate(templateDir, artifact, projectDir, Options{})
	require.ErrorContains(t, err, "not empty")
	p2, err := Generate(templateDir, artifact, projectDir, Options{Overwrite: true})
	require.NoError(t, err)
	assert.NotEqual(t, p.Info().ID, p2.Info().ID)

	// Invalid template projects.
	_, err = Generate(filepath.Join(t.TempDir(), "missing"), artifact, projectDir, Options{Overwrite: true})
	require.ErrorContains(t, err, "does not exist")
	_, err = Generate(t.TempDir(), artifact, projectDir, Options{Overwrite: true})
	require.ErrorContains(t, err, "is not a template project")
	_, err = Generate(templateDir, nil, projectDir, Options{Overwrite: true})
	require.Error(t, err)
}

func TestBuildCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	p, err := Generate(crtTemplate(t), buildArtifact(t), filepath.Join(t.TempDir(), "project"), Options{
		BuildCommand: []string{"sh", "-c", "mkdir -p build && printf '#!/bin/sh\\necho fake\\n' > build/main && chmod +x build/main"},
	})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.ErrorContains(t, err, "build the project first")

	require.NoError(t, p.Build(context.Background()))
	output, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake\n", output)

	p.options.BuildCommand = []string{"sh", "-c", "echo broken >&2; exit 3"}
	require.ErrorContains(t, p.Build(context.Background()), "broken")
	p.options.BuildCommand = []string{"no-such-build-tool-xyz"}
	require.ErrorContains(t, p.Build(context.Background()), "not found")
}

func TestBuildWithMake(t *testing.T) {
	for _, tool := range []string{"make", "cc"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
	p, err := Generate(crtTemplate(t), buildArtifact(t), filepath.Join(t.TempDir(), "project"), Options{Verbose: true})
	require.NoError(t, err)
	require.NoError(t, p.Build(context.Background()))
	assert.FileExists(t, p.BinaryPath())
	output, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, output, "passed")
}
