// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package record reads and writes tuning logs: files with one JSON Record per line, one for
// each measured trial.
//
// History indexes the best successful record of each workload, and is used by the compiler
// to pick the configuration of each kernel.
package record

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/gomlx/microtune/pkg/autotune/measure"
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Version of the record format.
const Version = "0.2"

// Record of one trial.
type Record struct {
	Input   Input  `json:"input"`
	Config  Config `json:"config"`
	Result  Result `json:"result"`
	Version string `json:"version"`

	// RunID identifies the tuning run that produced the record.
	RunID string `json:"run_id,omitempty"`
}

// Input identifies the task of the trial.
type Input struct {
	Target   string     `json:"target"`
	Task     string     `json:"task"`
	Args     []task.Arg `json:"args"`
	OutDType string     `json:"out_dtype"`
}

// Config of the trial.
type Config struct {
	Index    int           `json:"index"`
	Entities []task.Entity `json:"entity"`
}

// Result of the trial.
type Result struct {
	Costs   []float64       `json:"costs"`
	ErrorNo measure.ErrorNo `json:"error_no"`

	// AllCost in seconds.
	AllCost float64 `json:"all_cost"`

	// Timestamp in seconds since the Unix epoch.
	Timestamp float64 `json:"timestamp"`

	Error string `json:"error,omitempty"`
}

// New creates the record of a measured trial.
func New(input *measure.Input, result *measure.Result, runID uuid.UUID) *Record {
	r := &Record{
		Input: Input{
			Target:   input.Target.String(),
			Task:     input.Task.Name,
			Args:     input.Task.Args,
			OutDType: input.Task.OutDType,
		},
		Config: Config{
			Index:    input.Config.Index,
			Entities: input.Config.Entities(),
		},
		Result: Result{
			Costs:     result.Costs,
			ErrorNo:   result.ErrorNo,
			AllCost:   result.AllCost.Seconds(),
			Timestamp: float64(result.Timestamp.UnixNano()) / 1e9,
		},
		Version: Version,
	}
	if runID != uuid.Nil {
		r.RunID = runID.String()
	}
	if result.Err != nil {
		r.Result.Error = result.Err.Error()
	}
	if r.Result.Costs == nil {
		r.Result.Costs = []float64{}
	}
	return r
}

// WorkloadKey of the task of the record.
func (r *Record) WorkloadKey() string {
	return task.WorkloadKey(r.Input.Task, r.Input.Args, r.Input.OutDType)
}

// Time the trial was measured.
func (r *Record) Time() time.Time {
	sec := int64(r.Result.Timestamp)
	nsec := int64((r.Result.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// MeanCost in seconds, or 0 for failed trials.
func (r *Record) MeanCost() float64 {
	result := measure.Result{Costs: r.Result.Costs, ErrorNo: r.Result.ErrorNo}
	if !result.Ok() {
		return 0
	}
	return result.MeanCost()
}

// FLOPS achieved by the trial. It returns 0 for failed trials or if the task template is unknown.
func (r *Record) FLOPS() float64 {
	tmpl, found := task.GetTemplate(r.Input.Task)
	if !found || tmpl.CheckArgs(r.Input.Args) != nil {
		return 0
	}
	result := measure.Result{Costs: r.Result.Costs, ErrorNo: r.Result.ErrorNo}
	return result.FLOPS(tmpl.FLOP(r.Input.Args))
}

// Encode writes the record as one line of JSON.
func Encode(w io.Writer, r *Record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "failed to encode tuning record")
	}
	line = append(line, '\n')
	_, err = w.Write(line)
	return errors.Wrap(err, "failed to write tuning record")
}

// Decode parses one line of a tuning log.
func Decode(line []byte) (*Record, error) {
	r := &Record{}
	if err := json.Unmarshal(line, r); err != nil {
		return nil, errors.Wrap(err, "failed to decode tuning record")
	}
	if r.Input.Task == "" {
		return nil, errors.New("tuning record without a task")
	}
	return r, nil
}

// maxLineSize of a tuning log.
const maxLineSize = 1 << 20

// Read all records from r. Empty lines are skipped.
func Read(reader io.Reader) ([]*Record, error) {
	var records []*Record
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		r, err := Decode(line)
		if err != nil {
			return nil, errors.WithMessagef(err, "line %d", lineNum)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read tuning log")
	}
	return records, nil
}

// Load all records of the tuning log in path.
func Load(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open tuning log %q", path)
	}
	defer func() { _ = f.Close() }()
	records, err := Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "tuning log %q", path)
	}
	return records, nil
}

// FileWriter appends records to a tuning log.
type FileWriter struct {
	path string
	file *os.File
	w    *bufio.Writer
}

// OpenFileWriter opens the tuning log in path for appending, creating it if needed.
func OpenFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open tuning log %q for appending", path)
	}
	return &FileWriter{path: path, file: f, w: bufio.NewWriter(f)}, nil
}

// Path of the tuning log.
func (fw *FileWriter) Path() string { return fw.path }

// Write appends the records and flushes them to the file.
func (fw *FileWriter) Write(records ...*Record) error {
	for _, r := range records {
		if err := Encode(fw.w, r); err != nil {
			return err
		}
	}
	return errors.Wrapf(fw.w.Flush(), "failed to write to tuning log %q", fw.path)
}

// Close the tuning log.
func (fw *FileWriter) Close() error {
	if err := fw.w.Flush(); err != nil {
		_ = fw.file.Close()
		return errors.Wrapf(err, "failed to write to tuning log %q", fw.path)
	}
	return errors.Wrapf(fw.file.Close(), "failed to close tuning log %q", fw.path)
}
