// Package score holds the pure scoring kernel: cosine similarity,
// access-modulated exponential decay, and the unified memory score.
// Everything here is deterministic and side-effect free.
package score

import (
	"math"
	"time"
)

// DecayParams bound the effective decay rate, in s⁻¹.
type DecayParams struct {
	Base float64
	Min  float64
	Max  float64
}

// DefaultDecayParams gives a half-life of roughly 693 s for untouched
// memories (ln 2 / 0.001).
func DefaultDecayParams() DecayParams {
	return DecayParams{Base: 0.001, Min: 0.0001, Max: 0.01}
}

// Weights combine similarity, importance and recency into one score.
type Weights struct {
	Alpha float64 `json:"alpha"` // similarity
	Beta  float64 `json:"beta"`  // importance
	Gamma float64 `json:"gamma"` // recency
}

// DefaultWeights gives a balanced profile.
func DefaultWeights() Weights {
	return Weights{Alpha: 0.5, Beta: 0.3, Gamma: 0.2}
}

// Normalized reports whether the weights sum to 1 within 1e-5.
func (w Weights) Normalized() bool {
	return math.Abs(w.Alpha+w.Beta+w.Gamma-1) <= 1e-5
}

// CosineSimilarity returns dot(a,b)/(|a||b|), or 0 when the lengths
// differ or either magnitude is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EffectiveDecayRate slows decay as access count grows:
// base / (ln(1+count)+1), clamped to [min, max].
func EffectiveDecayRate(accessCount int64, p DecayParams) float64 {
	if accessCount < 0 {
		accessCount = 0
	}
	rate := p.Base / (math.Log(1+float64(accessCount)) + 1)
	if rate < p.Min {
		return p.Min
	}
	if rate > p.Max {
		return p.Max
	}
	return rate
}

// Recency returns exp(-λ_eff · age) where age is measured from the later
// of lastAccessed and created. A future anchor clamps to age 0.
func Recency(lastAccessed, created time.Time, accessCount int64, now time.Time, p DecayParams) float64 {
	anchor := created
	if lastAccessed.After(anchor) {
		anchor = lastAccessed
	}
	age := now.Sub(anchor).Seconds()
	if age < 0 {
		age = 0
	}
	return math.Exp(-EffectiveDecayRate(accessCount, p) * age)
}

// Unified combines the three clamped components:
// S = α·similarity + β·importance + γ·recency.
// Callers are expected to check Weights.Normalized and warn; computation
// proceeds regardless.
func Unified(similarity, importance, recency float64, w Weights) float64 {
	return w.Alpha*Clamp01(similarity) + w.Beta*Clamp01(importance) + w.Gamma*Clamp01(recency)
}

// Clamp01 clips v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
