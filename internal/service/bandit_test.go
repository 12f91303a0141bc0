package service

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/store"
)

func banditArm(t *testing.T, b *PolicyBandit, level, name string) *armState {
	t.Helper()
	for _, arm := range b.arms {
		if arm.Level == level && arm.Name == name {
			return arm
		}
	}
	t.Fatalf("arm %s/%s not found", level, name)
	return nil
}

func TestBanditArmSetIsLevelsTimesPresets(t *testing.T) {
	b := NewPolicyBandit(zap.NewNop())
	want := len(OptimizationLevels) * len(WeightPresets)
	if len(b.arms) != want {
		t.Fatalf("arms = %d, want %d", len(b.arms), want)
	}
}

func TestBanditUpdateTrimsRewardWindow(t *testing.T) {
	b := NewPolicyBandit(zap.NewNop())
	for i := 0; i < DefaultRewardWindow+50; i++ {
		b.Update("fast", "hybrid", 0.8)
	}
	arm := banditArm(t, b, "fast", "hybrid")
	if len(arm.Rewards) != DefaultRewardWindow {
		t.Errorf("window length = %d, want %d", len(arm.Rewards), DefaultRewardWindow)
	}
	if m := arm.mean(); math.Abs(m-0.8) > 1e-9 {
		t.Errorf("window mean = %v, want 0.8", m)
	}
}

func TestBanditUpdateClampsReward(t *testing.T) {
	b := NewPolicyBandit(zap.NewNop())
	b.Update("fast", "hybrid", 4.2)
	b.Update("fast", "hybrid", -1)
	arm := banditArm(t, b, "fast", "hybrid")
	if arm.Rewards[0] != 1 || arm.Rewards[1] != 0 {
		t.Errorf("rewards = %v, want [1 0]", arm.Rewards)
	}
}

func TestBanditDriftResetsWindows(t *testing.T) {
	b := NewPolicyBandit(zap.NewNop())

	// Establish a high baseline, then collapse the reward stream.
	for i := 0; i < DefaultDriftEvery; i++ {
		b.Update("fast", "hybrid", 0.9)
	}
	for i := 0; i < DefaultRewardWindow; i++ {
		b.Update("fast", "hybrid", 0.1)
	}

	// The final check sees a recent window of pure 0.1 against a baseline
	// above 0.2, which crosses the 50% drop line and wipes the windows.
	arm := banditArm(t, b, "fast", "hybrid")
	if len(arm.Rewards) != 0 {
		t.Errorf("expected drift to reset the reward window, have %d entries", len(arm.Rewards))
	}
	if b.baseline != 0 {
		t.Errorf("baseline = %v, want 0 after reset", b.baseline)
	}
}

func TestBanditSelectPrefersRewardedArm(t *testing.T) {
	b := NewPolicyBandit(zap.NewNop())
	b.SetRandSeed(1)

	// Pull every arm once so UCB has something to work with, then reward
	// one arm heavily.
	for _, arm := range b.arms {
		arm.Pulls = 10
		b.totalPulls += 10
		for i := 0; i < 10; i++ {
			arm.Rewards = append(arm.Rewards, 0.1)
		}
	}
	best := banditArm(t, b, "balanced", "semantic")
	best.Rewards = nil
	for i := 0; i < 10; i++ {
		best.Rewards = append(best.Rewards, 0.95)
	}

	wins := 0
	for i := 0; i < 200; i++ {
		c := b.Select()
		if c.Level == "balanced" && c.Name == "semantic" {
			wins++
		}
	}
	// Epsilon exploration keeps this under 100%, but the rewarded arm must
	// dominate.
	if wins < 120 {
		t.Errorf("rewarded arm selected %d/200 times, want a clear majority", wins)
	}
}

func TestBanditSelectReturnsPresetWeights(t *testing.T) {
	b := NewPolicyBandit(zap.NewNop())
	b.SetRandSeed(7)
	c := b.Select()
	want := WeightPresets[c.Name]
	if len(c.Weights) != len(want) {
		t.Fatalf("weights = %v, want preset %v", c.Weights, want)
	}
	for k, v := range want {
		if c.Weights[k] != v {
			t.Errorf("weight[%s] = %v, want %v", k, c.Weights[k], v)
		}
	}
}

func TestBanditSnapshotRoundTrip(t *testing.T) {
	b := NewPolicyBandit(zap.NewNop())
	b.Update("thorough", "lexical", 0.7)
	b.Update("thorough", "lexical", 0.9)
	b.Update("fast", "hybrid", 0.2)

	data, err := b.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	restored := NewPolicyBandit(zap.NewNop())
	if err := restored.Restore(data); err != nil {
		t.Fatalf("restore: %v", err)
	}

	arm := banditArm(t, restored, "thorough", "lexical")
	if len(arm.Rewards) != 2 || math.Abs(arm.mean()-0.8) > 1e-9 {
		t.Errorf("restored arm rewards = %v, want [0.7 0.9]", arm.Rewards)
	}
	if restored.totalPulls != b.totalPulls {
		t.Errorf("total pulls = %d, want %d", restored.totalPulls, b.totalPulls)
	}
}

func TestBanditSnapshotIsValidJSON(t *testing.T) {
	b := NewPolicyBandit(zap.NewNop())
	b.Update("fast", "semantic", 0.5)
	data, err := b.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
}

func TestBanditPersistenceThroughStore(t *testing.T) {
	ctx := context.Background()
	banditStore := store.NewInMemoryBanditStore()

	b := NewPolicyBandit(zap.NewNop())
	b.Update("balanced", "hybrid", 0.6)
	if err := b.SaveTo(ctx, banditStore, "node-1"); err != nil {
		t.Fatalf("save: %v", err)
	}

	fresh := NewPolicyBandit(zap.NewNop())
	if err := fresh.LoadFrom(ctx, banditStore, "node-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	arm := banditArm(t, fresh, "balanced", "hybrid")
	if len(arm.Rewards) != 1 || arm.Rewards[0] != 0.6 {
		t.Errorf("restored rewards = %v, want [0.6]", arm.Rewards)
	}

	// Loading an unknown instance is a clean no-op.
	cold := NewPolicyBandit(zap.NewNop())
	if err := cold.LoadFrom(ctx, banditStore, "node-2"); err != nil {
		t.Fatalf("load missing instance: %v", err)
	}
}
