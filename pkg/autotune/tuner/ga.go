// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tuner

import (
	"math/rand/v2"
	"slices"

	"github.com/gomlx/microtune/pkg/autotune/measure"
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/gomlx/microtune/pkg/support/xslices"
)

// GAOptions configure the genetic algorithm of GATuner.
type GAOptions struct {
	// PopSize is the number of genes of each generation. It is capped by the size of the space.
	PopSize int

	// EliteNum is the number of best genes kept as parents for the following generations.
	EliteNum int

	// MutationProb is the probability of each knob of a new gene being mutated.
	MutationProb float64

	// Seed of the random number generator. If 0, a random seed is used.
	Seed uint64
}

// DefaultGAOptions returns the default options of GATuner.
func DefaultGAOptions() GAOptions {
	return GAOptions{PopSize: 100, EliteNum: 3, MutationProb: 0.1}
}

// GATuner searches the configuration space with a genetic algorithm.
//
// A gene is the list of candidate choices of each knob. Each generation is measured in full.
// The best genes measured so far are kept as elites: they are not measured again, but take
// part in the selection of the parents of the next generation, proportionally to their
// throughput. Children get a single-point crossover of their parents' genes followed by
// per-knob mutation, and configurations already visited are never proposed again.
type GATuner struct {
	*Base
	ga *gaStrategy
}

var _ Tuner = (*GATuner)(nil)

// NewGATuner creates a GATuner for tsk. Non-positive options fall back to DefaultGAOptions.
func NewGATuner(tsk *task.Task, options GAOptions) *GATuner {
	defaults := DefaultGAOptions()
	if options.PopSize <= 0 {
		options.PopSize = defaults.PopSize
	}
	if options.EliteNum <= 0 {
		options.EliteNum = defaults.EliteNum
	}
	if options.MutationProb <= 0 {
		options.MutationProb = defaults.MutationProb
	}
	ga := newGAStrategy(tsk.Space, options)
	return &GATuner{Base: NewBase(tsk, ga), ga: ga}
}

// Generation returns the number of generations evolved so far.
func (t *GATuner) Generation() int { return t.ga.generation }

func newRNG(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

type gaStrategy struct {
	space        *task.ConfigSpace
	dims         []int
	popSize      int
	eliteNum     int
	mutationProb float64
	rng          *rand.Rand

	genes       [][]int
	scores      []float64
	elites      [][]int
	eliteScores []float64
	trialPt     int
	visited     map[int]bool
	generation  int
}

func newGAStrategy(space *task.ConfigSpace, options GAOptions) *gaStrategy {
	ga := &gaStrategy{
		space:        space,
		dims:         space.Dims(),
		popSize:      min(options.PopSize, space.Len()),
		mutationProb: options.MutationProb,
		rng:          newRNG(options.Seed),
		visited:      make(map[int]bool),
	}
	ga.eliteNum = min(options.EliteNum, ga.popSize)

	// Initial population: random unique genes.
	for len(ga.genes) < ga.popSize {
		gene := ga.randomGene()
		index := space.IndexOfChoices(gene)
		if ga.visited[index] {
			continue
		}
		ga.visited[index] = true
		ga.genes = append(ga.genes, gene)
	}
	return ga
}

func (ga *gaStrategy) randomGene() []int {
	gene := make([]int, len(ga.dims))
	for ii, dim := range ga.dims {
		gene[ii] = ga.rng.IntN(dim)
	}
	return gene
}

// HasNext implements Strategy.
func (ga *gaStrategy) HasNext() bool {
	return ga.trialPt < len(ga.genes) || len(ga.visited) < ga.space.Len()
}

// NextBatch implements Strategy.
func (ga *gaStrategy) NextBatch(batchSize int) []*task.ConfigEntity {
	batch := make([]*task.ConfigEntity, 0, batchSize)
	for range batchSize {
		if ga.trialPt >= len(ga.genes) {
			break
		}
		gene := ga.genes[ga.trialPt]
		ga.trialPt++
		batch = append(batch, ga.space.Get(ga.space.IndexOfChoices(gene)))
	}
	return batch
}

// Update implements Strategy.
func (ga *gaStrategy) Update(inputs []*measure.Input, results []*measure.Result) {
	for ii, result := range results {
		ga.scores = append(ga.scores, result.FLOPS(inputs[ii].Task.FLOP))
	}
	if len(ga.scores) >= len(ga.genes) && len(ga.visited) < ga.space.Len() {
		ga.evolve()
	}
}

// evolve creates the next generation from the scores of the current one and of the elites.
// The next generation only holds children not visited before.
func (ga *gaStrategy) evolve() {
	genes := slices.Concat(ga.genes, ga.elites)
	scores := slices.Concat(ga.scores[:len(ga.genes)], ga.eliteScores)

	order := xslices.Iota(0, len(genes))
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		}
		return 0
	})
	ga.elites = ga.elites[:0:0]
	ga.eliteScores = ga.eliteScores[:0:0]
	for _, idx := range order[:min(ga.eliteNum, len(order))] {
		ga.elites = append(ga.elites, genes[idx])
		ga.eliteScores = append(ga.eliteScores, scores[idx])
	}

	weights := make([]float64, len(scores))
	for ii, score := range scores {
		weights[ii] = score + 1e-8
	}
	nextGenes := make([][]int, 0, ga.popSize)
	for len(nextGenes) < ga.popSize && len(ga.visited) < ga.space.Len() {
		p1, p2 := ga.selectParents(weights)
		point := ga.rng.IntN(len(ga.dims))
		child := slices.Concat(genes[p1][:point], genes[p2][point:])
		for jj, dim := range ga.dims {
			if ga.rng.Float64() < ga.mutationProb {
				child[jj] = ga.rng.IntN(dim)
			}
		}
		for ga.visited[ga.space.IndexOfChoices(child)] {
			jj := ga.rng.IntN(len(ga.dims))
			child[jj] = ga.rng.IntN(ga.dims[jj])
		}
		ga.visited[ga.space.IndexOfChoices(child)] = true
		nextGenes = append(nextGenes, child)
	}
	ga.genes = nextGenes
	ga.scores = ga.scores[:0]
	ga.trialPt = 0
	ga.generation++
}

// selectParents picks two distinct genes (if there is more than one), with probability
// proportional to their weights.
func (ga *gaStrategy) selectParents(weights []float64) (p1, p2 int) {
	p1 = ga.roulette(weights, -1)
	if len(weights) < 2 {
		return p1, p1
	}
	p2 = ga.roulette(weights, p1)
	return
}

// roulette samples an index with probability proportional to weights, excluding the index exclude.
func (ga *gaStrategy) roulette(weights []float64, exclude int) int {
	var total float64
	for ii, w := range weights {
		if ii != exclude {
			total += w
		}
	}
	pick := ga.rng.Float64() * total
	last := -1
	for ii, w := range weights {
		if ii == exclude {
			continue
		}
		last = ii
		pick -= w
		if pick < 0 {
			return ii
		}
	}
	return last
}
