// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mlf packages a compiled artifact in the model library format: a tar archive with
// the generated C sources, the graph of kernels, the program and the metadata of the build.
//
// Layout of the archive:
//
//	metadata.json
//	codegen/host/src/default_lib0.c
//	codegen/host/include/tvmgen_default.h
//	executor-config/graph/default.graph
//	parameters/default.params.json   (only if there are bound parameters)
//	src/relay.txt
package mlf

import (
	"archive/tar"
	"encoding/json"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/microtune/pkg/core/compile"
	"github.com/gomlx/microtune/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Paths of the entries of the archive.
const (
	MetadataPath  = "metadata.json"
	SourcesDir    = "codegen/host/src"
	IncludeDir    = "codegen/host/include"
	GraphPath     = "executor-config/graph/" + compile.ModelName + ".graph"
	ParamsPath    = "parameters/" + compile.ModelName + ".params.json"
	RelayTextPath = "src/relay.txt"
)

// Entries returns the contents of the archive for the artifact, by path.
func Entries(artifact *compile.Artifact) (map[string][]byte, error) {
	if artifact == nil || artifact.Metadata == nil {
		return nil, errors.New("mlf.Entries requires a built artifact")
	}
	entries := make(map[string][]byte)
	md, err := artifact.Metadata.JSON()
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode metadata")
	}
	entries[MetadataPath] = md
	for name, contents := range artifact.Sources {
		dir := SourcesDir
		if strings.HasSuffix(name, ".h") {
			dir = IncludeDir
		}
		entries[path.Join(dir, name)] = contents
	}
	entries[GraphPath] = artifact.GraphJSON
	if len(artifact.Params) > 0 {
		params, err := json.MarshalIndent(artifact.Params, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode bound parameters")
		}
		entries[ParamsPath] = params
	}
	entries[RelayTextPath] = []byte(artifact.Module.String() + "\n")
	return entries, nil
}

// Export writes the artifact to w as a tar archive in the model library format.
// Entries are written in sorted order, with the modification time of the export.
func Export(artifact *compile.Artifact, w io.Writer) error {
	entries, err := Entries(artifact)
	if err != nil {
		return err
	}
	modTime := time.Now()
	tw := tar.NewWriter(w)
	writtenDirs := make(map[string]bool)
	for _, name := range xslices.SortedKeys(entries) {
		// Parent directories first.
		var parents []string
		for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
			parents = append(parents, dir)
		}
		slices.Reverse(parents)
		for _, dir := range parents {
			if writtenDirs[dir] {
				continue
			}
			writtenDirs[dir] = true
			err = tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: dir + "/", Mode: 0o755, ModTime: modTime})
			if err != nil {
				return errors.Wrapf(err, "mlf.Export: failed to write directory %q", dir)
			}
		}
		contents := entries[name]
		err = tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: 0o644, Size: int64(len(contents)), ModTime: modTime})
		if err != nil {
			return errors.Wrapf(err, "mlf.Export: failed to write header of %q", name)
		}
		if _, err = tw.Write(contents); err != nil {
			return errors.Wrapf(err, "mlf.Export: failed to write %q", name)
		}
	}
	if err = tw.Close(); err != nil {
		return errors.Wrap(err, "mlf.Export: failed to close archive")
	}
	return nil
}

// ExportFile is like Export, but writes to a file at filePath.
func ExportFile(artifact *compile.Artifact, filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = Export(artifact, f); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", filePath)
	}
	klog.V(1).Infof("exported model library format to %q", filePath)
	return nil
}

// Extract reads a model library format archive from r into dir, which is created if needed.
// Entries with absolute paths or pointing outside of dir are rejected.
func Extract(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "mlf.Extract: failed to read archive")
		}
		name := filepath.FromSlash(header.Name)
		if !filepath.IsLocal(name) {
			return errors.Errorf("mlf.Extract: invalid entry %q", header.Name)
		}
		dest := filepath.Join(dir, name)
		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(dest, 0o755); err != nil {
				return errors.Wrapf(err, "mlf.Extract: failed to create %q", dest)
			}
		case tar.TypeReg:
			if err = os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return errors.Wrapf(err, "mlf.Extract: failed to create %q", filepath.Dir(dest))
			}
			if err = extractFile(tr, dest, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		default:
			klog.Warningf("mlf.Extract: skipping %q of unsupported type %q", header.Name, header.Typeflag)
		}
	}
}

func extractFile(r io.Reader, dest string, perm os.FileMode) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return errors.Wrapf(err, "mlf.Extract: failed to create %q", dest)
	}
	if _, err = io.Copy(f, r); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "mlf.Extract: failed to write %q", dest)
	}
	return errors.Wrapf(f.Close(), "mlf.Extract: failed to close %q", dest)
}

// ExtractFile is like Extract, reading the archive from filePath.
func ExtractFile(filePath, dir string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	return Extract(f, dir)
}
