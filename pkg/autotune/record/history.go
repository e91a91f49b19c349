// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package record

import (
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/gomlx/microtune/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// History holds the best successful record of each workload. It implements compile.Dispatcher.
type History struct {
	best  map[string]*Record
	flops map[string]float64
}

// ApplyHistoryBest indexes the best successful record of each workload.
// Failed records, and records of unknown templates, are ignored.
func ApplyHistoryBest(records []*Record) *History {
	h := &History{best: make(map[string]*Record), flops: make(map[string]float64)}
	for _, r := range records {
		h.Add(r)
	}
	return h
}

// LoadHistoryBest loads the tuning log in path and indexes its best records.
func LoadHistoryBest(path string) (*History, error) {
	records, err := Load(path)
	if err != nil {
		return nil, err
	}
	h := ApplyHistoryBest(records)
	klog.V(1).Infof("loaded %d tuning records for %d workloads from %q", len(records), h.Len(), path)
	return h, nil
}

// Add a record, keeping it if it is the best of its workload so far.
func (h *History) Add(r *Record) {
	flops := r.FLOPS()
	if flops <= 0 {
		return
	}
	key := r.WorkloadKey()
	if flops > h.flops[key] {
		h.best[key] = r
		h.flops[key] = flops
	}
}

// Len returns the number of workloads with a successful record.
func (h *History) Len() int { return len(h.best) }

// Workloads returns the sorted workload keys with a successful record.
func (h *History) Workloads() []string { return xslices.SortedKeys(h.best) }

// Best returns the best record of the workload.
func (h *History) Best(workloadKey string) (*Record, bool) {
	r, found := h.best[workloadKey]
	return r, found
}

// Query returns the configuration entities and throughput of the best record of the workload.
func (h *History) Query(workloadKey string) (entities []task.Entity, flops float64, found bool) {
	r, found := h.best[workloadKey]
	if !found {
		return nil, 0, false
	}
	return r.Config.Entities, h.flops[workloadKey], true
}

// CheckLog verifies the tuning log in path: it must hold at least one record, and every one of the
// given workloads must have a successful record. It returns the best records of the log.
func CheckLog(path string, workloads ...string) (*History, error) {
	records, err := Load(path)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.Errorf("tuning log %q has no records", path)
	}
	h := ApplyHistoryBest(records)
	for _, key := range workloads {
		if _, found := h.best[key]; !found {
			return nil, errors.Errorf("tuning log %q has no successful record for %s", path, key)
		}
	}
	return h, nil
}
