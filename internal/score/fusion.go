package score

import (
	"sort"

	"github.com/google/uuid"
)

// RRFConstant is the default k in w/(k+rank).
const RRFConstant = 60

// Candidate is one (memory, raw score) pair produced by a strategy.
type Candidate struct {
	ID    uuid.UUID
	Score float64
}

// StrategyResult is one strategy's ordered output plus its fusion weight.
type StrategyResult struct {
	Strategy   string
	Weight     float64
	Candidates []Candidate
}

// fusedEntry keeps first-seen order so ties break toward earlier insertion.
type fusedEntry struct {
	id    uuid.UUID
	score float64
	order int
}

func sortFused(entries map[uuid.UUID]*fusedEntry) []Candidate {
	out := make([]*fusedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].order < out[j].order
	})
	ranked := make([]Candidate, len(out))
	for i, e := range out {
		ranked[i] = Candidate{ID: e.id, Score: e.score}
	}
	return ranked
}

// FuseRRF performs reciprocal-rank fusion: each result at rank r (1-based)
// contributes weight/(k+r).
func FuseRRF(results []StrategyResult, k int) []Candidate {
	if k <= 0 {
		k = RRFConstant
	}
	entries := make(map[uuid.UUID]*fusedEntry)
	order := 0
	for _, res := range results {
		w := res.Weight
		if w == 0 {
			w = 1
		}
		for rank, c := range res.Candidates {
			contrib := w / float64(k+rank+1)
			if e, ok := entries[c.ID]; ok {
				e.score += contrib
			} else {
				entries[c.ID] = &fusedEntry{id: c.ID, score: contrib, order: order}
				order++
			}
		}
	}
	return sortFused(entries)
}

// FuseWeightedSum min-max normalizes each strategy's scores to [0,1] and
// sums them weighted.
func FuseWeightedSum(results []StrategyResult) []Candidate {
	entries := make(map[uuid.UUID]*fusedEntry)
	order := 0
	for _, res := range results {
		w := res.Weight
		if w == 0 {
			w = 1
		}
		normalized := MinMaxNormalize(res.Candidates)
		for _, c := range normalized {
			contrib := w * c.Score
			if e, ok := entries[c.ID]; ok {
				e.score += contrib
			} else {
				entries[c.ID] = &fusedEntry{id: c.ID, score: contrib, order: order}
				order++
			}
		}
	}
	return sortFused(entries)
}

// FuseMax keeps the per-id maximum weighted score across strategies.
func FuseMax(results []StrategyResult) []Candidate {
	entries := make(map[uuid.UUID]*fusedEntry)
	order := 0
	for _, res := range results {
		w := res.Weight
		if w == 0 {
			w = 1
		}
		normalized := MinMaxNormalize(res.Candidates)
		for _, c := range normalized {
			contrib := w * c.Score
			if e, ok := entries[c.ID]; ok {
				if contrib > e.score {
					e.score = contrib
				}
			} else {
				entries[c.ID] = &fusedEntry{id: c.ID, score: contrib, order: order}
				order++
			}
		}
	}
	return sortFused(entries)
}

// MinMaxNormalize rescales scores to [0,1]. A constant list maps to all 1s
// so a single-strategy call preserves its own order.
func MinMaxNormalize(cs []Candidate) []Candidate {
	if len(cs) == 0 {
		return nil
	}
	min, max := cs[0].Score, cs[0].Score
	for _, c := range cs[1:] {
		if c.Score < min {
			min = c.Score
		}
		if c.Score > max {
			max = c.Score
		}
	}
	out := make([]Candidate, len(cs))
	span := max - min
	for i, c := range cs {
		norm := 1.0
		if span > 0 {
			norm = (c.Score - min) / span
		}
		out[i] = Candidate{ID: c.ID, Score: norm}
	}
	return out
}
