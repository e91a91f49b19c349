// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "crt_autotune.log")
	require.False(t, must.M1(FileExists(file)))
	require.NoError(t, os.WriteFile(file, []byte("{}\n"), 0o644))
	require.True(t, must.M1(FileExists(file)))
	require.False(t, must.M1(IsDir(file)))
	require.True(t, must.M1(IsDir(dir)))

	require.True(t, must.M1(RemoveIfExists(file)))
	require.False(t, must.M1(RemoveIfExists(file)))
	require.False(t, must.M1(FileExists(file)))
}

func TestReplaceTildeInDir(t *testing.T) {
	home := must.M1(user.Current()).HomeDir
	assert.Equal(t, filepath.Join(home, "out"), must.M1(ReplaceTildeInDir("~/out")))
	assert.Equal(t, "/tmp/out", must.M1(ReplaceTildeInDir("/tmp/out")))
	assert.Equal(t, "", must.M1(ReplaceTildeInDir("")))
}

func TestValidateOutputDir(t *testing.T) {
	dir := t.TempDir()
	got, err := ValidateOutputDir(filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = ValidateOutputDir(file)
	require.ErrorContains(t, err, "not a directory")

	_, err = ValidateOutputDir("")
	require.Error(t, err)
}

func TestCopyFS(t *testing.T) {
	dir := t.TempDir()
	fsys := fstest.MapFS{
		"Makefile":   {Data: []byte("all:\n")},
		"src/main.c": {Data: []byte("int main() { return 0; }\n")},
	}
	require.NoError(t, CopyFS(dir, fsys))
	assert.Equal(t, "all:\n", string(must.M1(os.ReadFile(filepath.Join(dir, "Makefile")))))
	assert.FileExists(t, filepath.Join(dir, "src", "main.c"))
}
