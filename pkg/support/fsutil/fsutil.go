// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"io/fs"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// IsDir returns whether path exists and is a directory.
func IsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to IsDir(%q)", path)
	}
	return info.IsDir(), nil
}

// RemoveIfExists removes the file at path. It is not an error if it doesn't exist.
// It returns whether a file was removed.
func RemoveIfExists(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to remove %q", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 {
		return dir, nil
	}
	if dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	homeDir := usr.HomeDir
	return path.Join(homeDir, dir[1+len(userName):]), nil
}

// ValidateOutputDir expands "~" in dir and makes it absolute. It fails if dir is empty, or if it
// exists and is not a directory.
func ValidateOutputDir(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("output directory not given")
	}
	dir, err := ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to make %q absolute", dir)
	}
	exists, err := FileExists(dir)
	if err != nil {
		return "", err
	}
	if exists {
		isDir, err := IsDir(dir)
		if err != nil {
			return "", err
		}
		if !isDir {
			return "", errors.Errorf("output directory %q exists and is not a directory", dir)
		}
	}
	return dir, nil
}

// CopyFS copies the contents of fsys into dir, creating it if needed. Existing files are overwritten.
func CopyFS(dir string, fsys fs.FS) error {
	return fs.WalkDir(fsys, ".", func(name string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(name))
		if entry.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		contents, err := fs.ReadFile(fsys, name)
		if err != nil {
			return errors.Wrapf(err, "failed to read %q", name)
		}
		if err = os.WriteFile(target, contents, 0o644); err != nil {
			return errors.Wrapf(err, "failed to write %q", target)
		}
		return nil
	})
}
