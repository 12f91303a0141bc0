package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/domain"
)

// Bandit tuning defaults.
const (
	DefaultEpsilon      = 0.1
	DefaultRewardWindow = 100
	DefaultDriftEvery   = 20
	DriftDropFraction   = 0.5

	ucbExplorationC = math.Sqrt2
)

// Optimization levels and named weight presets. The arm set is their
// Cartesian product.
var (
	OptimizationLevels = []string{"fast", "balanced", "thorough"}

	WeightPresets = map[string]FusionWeights{
		"lexical":  {StrategyFulltext: 2, StrategyBM25: 2, StrategyVector: 1},
		"semantic": {StrategyFulltext: 1, StrategyBM25: 1, StrategyVector: 2},
		"hybrid":   {StrategyFulltext: 1, StrategyBM25: 1, StrategyVector: 1},
	}
)

// FusionWeights maps strategy name to its fusion weight.
type FusionWeights map[string]float64

// ArmChoice is one bandit decision.
type ArmChoice struct {
	Level    string        `json:"level"`
	Name     string        `json:"name"`
	Weights  FusionWeights `json:"weights"`
	Explored bool          `json:"explored"`
}

type armState struct {
	Level   string    `json:"level"`
	Name    string    `json:"name"`
	Rewards []float64 `json:"rewards"`
	Pulls   int64     `json:"pulls"`
}

func (a *armState) mean() float64 {
	if len(a.Rewards) == 0 {
		return 0
	}
	var sum float64
	for _, r := range a.Rewards {
		sum += r
	}
	return sum / float64(len(a.Rewards))
}

// PolicyBandit picks fusion weights per query with epsilon-greedy
// exploration and a UCB exploitation bonus. State is per engine instance,
// guarded by a mutex, and survives restarts through Snapshot/Restore.
type PolicyBandit struct {
	mu sync.Mutex

	arms       []*armState
	totalPulls int64

	epsilon    float64
	window     int
	driftEvery int

	// Drift detection over the bandit-wide reward stream.
	recent          []float64
	updatesSinceChk int
	baseline        float64

	rng    *rand.Rand
	logger *zap.Logger
}

func NewPolicyBandit(logger *zap.Logger) *PolicyBandit {
	b := &PolicyBandit{
		epsilon:    DefaultEpsilon,
		window:     DefaultRewardWindow,
		driftEvery: DefaultDriftEvery,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger,
	}
	for _, level := range OptimizationLevels {
		for name := range WeightPresets {
			b.arms = append(b.arms, &armState{Level: level, Name: name})
		}
	}
	return b
}

// SetRandSeed makes selection deterministic, for tests.
func (b *PolicyBandit) SetRandSeed(seed int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rng = rand.New(rand.NewSource(seed))
}

// Select picks an arm: uniform random with probability epsilon, otherwise
// argmax of window mean plus UCB bonus. Unpulled arms are tried first.
func (b *PolicyBandit) Select() ArmChoice {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rng.Float64() < b.epsilon {
		arm := b.arms[b.rng.Intn(len(b.arms))]
		return b.choice(arm, true)
	}

	var best *armState
	bestScore := math.Inf(-1)
	for _, arm := range b.arms {
		if arm.Pulls == 0 {
			best = arm
			break
		}
		bonus := ucbExplorationC * math.Sqrt(math.Log(float64(b.totalPulls+1))/float64(arm.Pulls))
		if s := arm.mean() + bonus; s > bestScore {
			bestScore = s
			best = arm
		}
	}
	return b.choice(best, false)
}

func (b *PolicyBandit) choice(arm *armState, explored bool) ArmChoice {
	arm.Pulls++
	b.totalPulls++
	weights := make(FusionWeights, len(WeightPresets[arm.Name]))
	for k, v := range WeightPresets[arm.Name] {
		weights[k] = v
	}
	return ArmChoice{Level: arm.Level, Name: arm.Name, Weights: weights, Explored: explored}
}

// Update records a reward in [0,1] against an arm and runs drift detection
// every driftEvery updates.
func (b *PolicyBandit) Update(level, name string, reward float64) {
	reward = clamp01(reward)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, arm := range b.arms {
		if arm.Level == level && arm.Name == name {
			arm.Rewards = append(arm.Rewards, reward)
			if len(arm.Rewards) > b.window {
				arm.Rewards = arm.Rewards[len(arm.Rewards)-b.window:]
			}
			break
		}
	}

	b.recent = append(b.recent, reward)
	if len(b.recent) > DefaultRewardWindow {
		b.recent = b.recent[len(b.recent)-DefaultRewardWindow:]
	}

	b.updatesSinceChk++
	if b.updatesSinceChk >= b.driftEvery {
		b.updatesSinceChk = 0
		b.checkDrift()
	}
}

// checkDrift compares the recent reward mean against the stored baseline.
// A drop past DriftDropFraction resets every arm's window so the policy
// re-learns instead of exploiting a stale winner.
func (b *PolicyBandit) checkDrift() {
	if len(b.recent) == 0 {
		return
	}
	var sum float64
	for _, r := range b.recent {
		sum += r
	}
	mean := sum / float64(len(b.recent))

	if b.baseline > 0 && mean < b.baseline*(1-DriftDropFraction) {
		b.logger.Warn("reward drift detected, resetting bandit windows",
			zap.Float64("baseline", b.baseline),
			zap.Float64("recent_mean", mean))
		for _, arm := range b.arms {
			arm.Rewards = nil
		}
		b.recent = nil
		b.baseline = 0
		return
	}
	b.baseline = mean
}

// ArmStats is one arm's summary for status reporting.
type ArmStats struct {
	Level      string  `json:"level"`
	Name       string  `json:"name"`
	Pulls      int64   `json:"pulls"`
	MeanReward float64 `json:"mean_reward"`
}

// Stats reports per-arm pull counts and window means.
func (b *PolicyBandit) Stats() []ArmStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ArmStats, len(b.arms))
	for i, arm := range b.arms {
		out[i] = ArmStats{Level: arm.Level, Name: arm.Name, Pulls: arm.Pulls, MeanReward: arm.mean()}
	}
	return out
}

// banditSnapshot is the persisted document shape.
type banditSnapshot struct {
	Arms       []*armState `json:"arms"`
	TotalPulls int64       `json:"total_pulls"`
	Recent     []float64   `json:"recent"`
	Baseline   float64     `json:"baseline"`
}

// Snapshot serializes the bandit state to one JSON document.
func (b *PolicyBandit) Snapshot() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return json.Marshal(banditSnapshot{
		Arms:       b.arms,
		TotalPulls: b.totalPulls,
		Recent:     b.recent,
		Baseline:   b.baseline,
	})
}

// Restore replaces the bandit state from a snapshot. Arms present in the
// snapshot but no longer configured are dropped; new arms start cold.
func (b *PolicyBandit) Restore(data []byte) error {
	var snap banditSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode bandit snapshot: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	byKey := make(map[string]*armState, len(snap.Arms))
	for _, arm := range snap.Arms {
		byKey[arm.Level+"/"+arm.Name] = arm
	}
	for i, arm := range b.arms {
		if saved, ok := byKey[arm.Level+"/"+arm.Name]; ok {
			b.arms[i] = saved
		}
	}
	b.totalPulls = snap.TotalPulls
	b.recent = snap.Recent
	b.baseline = snap.Baseline
	return nil
}

// LoadFrom restores persisted state if the store has any.
func (b *PolicyBandit) LoadFrom(ctx context.Context, store domain.BanditStore, instanceID string) error {
	data, err := store.Load(ctx, instanceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load bandit state: %w", err)
	}
	return b.Restore(data)
}

// SaveTo persists the current state.
func (b *PolicyBandit) SaveTo(ctx context.Context, store domain.BanditStore, instanceID string) error {
	data, err := b.Snapshot()
	if err != nil {
		return err
	}
	return store.Save(ctx, instanceID, data)
}
