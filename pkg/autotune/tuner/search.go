// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tuner

import (
	"math/rand/v2"

	"github.com/gomlx/microtune/pkg/autotune/measure"
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/pkg/errors"
)

// RandomTuner measures configurations drawn uniformly at random, without repetition.
type RandomTuner struct {
	*Base
}

var _ Tuner = (*RandomTuner)(nil)

// NewRandomTuner creates a RandomTuner for tsk. If seed is 0 a random seed is used.
func NewRandomTuner(tsk *task.Task, seed uint64) *RandomTuner {
	return &RandomTuner{Base: NewBase(tsk, &randomStrategy{
		space:   tsk.Space,
		rng:     newRNG(seed),
		visited: make(map[int]bool),
	})}
}

type randomStrategy struct {
	space   *task.ConfigSpace
	rng     *rand.Rand
	visited map[int]bool
}

// HasNext implements Strategy.
func (s *randomStrategy) HasNext() bool { return len(s.visited) < s.space.Len() }

// NextBatch implements Strategy.
func (s *randomStrategy) NextBatch(batchSize int) []*task.ConfigEntity {
	batch := make([]*task.ConfigEntity, 0, batchSize)
	for len(batch) < batchSize && s.HasNext() {
		index := s.rng.IntN(s.space.Len())
		if s.visited[index] {
			continue
		}
		s.visited[index] = true
		batch = append(batch, s.space.Get(index))
	}
	return batch
}

// Update implements Strategy.
func (s *randomStrategy) Update([]*measure.Input, []*measure.Result) {}

// GridSearchTuner measures configurations in the order of their index.
type GridSearchTuner struct {
	*Base
}

var _ Tuner = (*GridSearchTuner)(nil)

// NewGridSearchTuner creates a GridSearchTuner for tsk.
func NewGridSearchTuner(tsk *task.Task) *GridSearchTuner {
	return &GridSearchTuner{Base: NewBase(tsk, &gridStrategy{space: tsk.Space})}
}

type gridStrategy struct {
	space   *task.ConfigSpace
	counter int
}

// HasNext implements Strategy.
func (s *gridStrategy) HasNext() bool { return s.counter < s.space.Len() }

// NextBatch implements Strategy.
func (s *gridStrategy) NextBatch(batchSize int) []*task.ConfigEntity {
	batch := make([]*task.ConfigEntity, 0, batchSize)
	for len(batch) < batchSize && s.HasNext() {
		batch = append(batch, s.space.Get(s.counter))
		s.counter++
	}
	return batch
}

// Update implements Strategy.
func (s *gridStrategy) Update([]*measure.Input, []*measure.Result) {}

// Names of the tuners accepted by New.
const (
	NameGA         = "ga"
	NameRandom     = "random"
	NameGridSearch = "gridsearch"
)

// New creates the tuner with the given name for tsk. seed is used by the randomized tuners.
func New(name string, tsk *task.Task, seed uint64) (Tuner, error) {
	switch name {
	case NameGA:
		options := DefaultGAOptions()
		options.Seed = seed
		return NewGATuner(tsk, options), nil
	case NameRandom:
		return NewRandomTuner(tsk, seed), nil
	case NameGridSearch:
		return NewGridSearchTuner(tsk), nil
	}
	return nil, errors.Errorf("unknown tuner %q, valid values are %q, %q and %q", name, NameGA, NameRandom, NameGridSearch)
}
