package score

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func TestFuseRRF_SingleListPreservesOrder(t *testing.T) {
	memIDs := ids(4)
	in := []StrategyResult{{
		Strategy: "fulltext",
		Weight:   1,
		Candidates: []Candidate{
			{ID: memIDs[0], Score: 9},
			{ID: memIDs[1], Score: 5},
			{ID: memIDs[2], Score: 2},
			{ID: memIDs[3], Score: 1},
		},
	}}

	fused := FuseRRF(in, RRFConstant)
	require.Len(t, fused, 4)
	for i, c := range fused {
		assert.Equal(t, memIDs[i], c.ID, "rank %d", i)
	}
}

func TestFuseRRF_SharedHitRanksFirst(t *testing.T) {
	memIDs := ids(3)
	in := []StrategyResult{
		{
			Strategy: "fulltext",
			Weight:   1,
			Candidates: []Candidate{
				{ID: memIDs[0], Score: 3},
				{ID: memIDs[1], Score: 2},
			},
		},
		{
			Strategy: "vector",
			Weight:   1,
			Candidates: []Candidate{
				{ID: memIDs[2], Score: 0.99},
				{ID: memIDs[1], Score: 0.5},
			},
		},
	}

	fused := FuseRRF(in, RRFConstant)
	require.Len(t, fused, 3)
	// memIDs[1] appears in both lists; RRF rewards consensus.
	assert.Equal(t, memIDs[1], fused[0].ID)
}

func TestFuseRRF_TieBreaksByInsertion(t *testing.T) {
	memIDs := ids(2)
	in := []StrategyResult{{
		Strategy: "fulltext",
		Weight:   1,
		Candidates: []Candidate{
			{ID: memIDs[0], Score: 1},
		},
	}, {
		Strategy: "vector",
		Weight:   1,
		Candidates: []Candidate{
			{ID: memIDs[1], Score: 1},
		},
	}}

	// Both at rank 1 with equal weight: identical scores.
	fused := FuseRRF(in, RRFConstant)
	require.Len(t, fused, 2)
	assert.Equal(t, memIDs[0], fused[0].ID, "earlier-inserted id wins the tie")
}

func TestFuseWeightedSum_NormalizesPerStrategy(t *testing.T) {
	memIDs := ids(2)
	in := []StrategyResult{
		{
			Strategy: "fulltext",
			Weight:   1,
			Candidates: []Candidate{
				{ID: memIDs[0], Score: 1000}, // raw scales differ wildly
				{ID: memIDs[1], Score: 0},
			},
		},
		{
			Strategy: "vector",
			Weight:   1,
			Candidates: []Candidate{
				{ID: memIDs[1], Score: 0.9},
				{ID: memIDs[0], Score: 0.1},
			},
		},
	}

	fused := FuseWeightedSum(in)
	require.Len(t, fused, 2)
	// Each id gets 1.0 from one strategy and 0.0 from the other.
	assert.InDelta(t, 1.0, fused[0].Score, 1e-9)
	assert.InDelta(t, 1.0, fused[1].Score, 1e-9)
	assert.Equal(t, memIDs[0], fused[0].ID, "tie resolves to first inserted")
}

func TestFuseMax_TakesPerIDMaximum(t *testing.T) {
	memIDs := ids(2)
	in := []StrategyResult{
		{
			Strategy: "fulltext",
			Weight:   1,
			Candidates: []Candidate{
				{ID: memIDs[0], Score: 0.2},
				{ID: memIDs[1], Score: 0.8},
			},
		},
		{
			Strategy: "vector",
			Weight:   1,
			Candidates: []Candidate{
				{ID: memIDs[0], Score: 0.7},
				{ID: memIDs[1], Score: 0.1},
			},
		},
	}

	fused := FuseMax(in)
	require.Len(t, fused, 2)
	for _, c := range fused {
		assert.InDelta(t, 1.0, c.Score, 1e-9)
	}
}

func TestMinMaxNormalize(t *testing.T) {
	memIDs := ids(3)
	in := []Candidate{
		{ID: memIDs[0], Score: 10},
		{ID: memIDs[1], Score: 20},
		{ID: memIDs[2], Score: 30},
	}
	out := MinMaxNormalize(in)
	require.Len(t, out, 3)
	assert.InDelta(t, 0.0, out[0].Score, 1e-9)
	assert.InDelta(t, 0.5, out[1].Score, 1e-9)
	assert.InDelta(t, 1.0, out[2].Score, 1e-9)

	// Constant list maps to all ones, not zeros.
	flat := MinMaxNormalize([]Candidate{{ID: memIDs[0], Score: 5}, {ID: memIDs[1], Score: 5}})
	for _, c := range flat {
		assert.InDelta(t, 1.0, c.Score, 1e-9)
	}

	assert.Nil(t, MinMaxNormalize(nil))
}

func TestFuseRRF_EmptyInput(t *testing.T) {
	assert.Empty(t, FuseRRF(nil, RRFConstant))
	assert.Empty(t, FuseWeightedSum(nil))
	assert.Empty(t, FuseMax(nil))
}
