package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mnemos-io/mnemos/internal/cache"
	"github.com/mnemos-io/mnemos/internal/domain"
	"github.com/mnemos-io/mnemos/internal/score"
	"github.com/mnemos-io/mnemos/internal/store"
)

type engineFixture struct {
	engine   *RetrievalEngine
	store    *store.InMemoryStore
	feedback *store.InMemoryFeedbackStore
	bandits  *store.InMemoryBanditStore
	tenantID uuid.UUID
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	clk := newTestClock()
	st := newSeededStore(t, clk)
	c := cache.NewInProcess()
	c.SetNowFunc(clk.Now)

	feedback := store.NewInMemoryFeedbackStore()
	bandits := store.NewInMemoryBanditStore()

	bandit := NewPolicyBandit(zap.NewNop())
	bandit.SetRandSeed(42)
	guard := NewIsolationGuard(zap.NewNop(), false)

	strategies := []RetrievalStrategy{
		NewFulltextStrategy(st),
		NewBM25Strategy(st),
	}
	engine := NewRetrievalEngine(st, strategies, c, bandit, guard, clk, zap.NewNop(),
		WithFeedbackJournal(feedback),
		WithBanditPersistence(bandits, "test-node"),
	)

	return &engineFixture{
		engine:   engine,
		store:    st,
		feedback: feedback,
		bandits:  bandits,
		tenantID: uuid.New(),
	}
}

func (f *engineFixture) seed(t *testing.T, content string) domain.Memory {
	t.Helper()
	return seedMemory(t, f.store, domain.Memory{
		TenantID: f.tenantID,
		AgentID:  uuid.New(),
		Content:  content,
	})
}

func TestSearchRejectsNonPositiveLimit(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Search(context.Background(), SearchRequest{
		Scope: Scope{TenantID: f.tenantID},
		Query: "anything",
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSearchReturnsMatchingMemories(t *testing.T) {
	f := newEngineFixture(t)
	want := f.seed(t, "rollback plan for the billing release")
	f.seed(t, "notes about lunch options")

	res, err := f.engine.Search(context.Background(), SearchRequest{
		Scope: Scope{TenantID: f.tenantID},
		Query: "billing rollback",
		Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, res.Memories, 1)
	require.Equal(t, want.ID, res.Memories[0].Memory.ID)
	require.False(t, res.Trace.CacheHit)
	require.NotEmpty(t, res.Trace.StrategyHits)
}

func TestSearchNoHitsIsEmptyNotError(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "rollback plan for the billing release")

	res, err := f.engine.Search(context.Background(), SearchRequest{
		Scope: Scope{TenantID: f.tenantID},
		Query: "quasar",
		Limit: 5,
	})
	require.NoError(t, err)
	require.Empty(t, res.Memories)
}

func TestSearchSecondCallHitsCache(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "postgres failover runbook")

	req := SearchRequest{
		Scope: Scope{TenantID: f.tenantID},
		Query: "postgres failover",
		Limit: 5,
	}
	first, err := f.engine.Search(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Trace.CacheHit)

	second, err := f.engine.Search(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Trace.CacheHit)
	require.Equal(t, len(first.Memories), len(second.Memories))
	for i := range first.Memories {
		require.Equal(t, first.Memories[i].Memory.ID, second.Memories[i].Memory.ID)
	}
}

func TestSearchOverrideFiresOnQuestions(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "the deployment process starts with a canary stage")

	res, err := f.engine.Search(context.Background(), SearchRequest{
		Scope: Scope{TenantID: f.tenantID},
		Query: "what is the deployment process",
		Limit: 5,
	})
	require.NoError(t, err)
	require.True(t, res.Trace.Override)
	require.Equal(t, float64(20), res.Trace.Weights[StrategyFulltext])
	// The override zeroes BM25, so it never runs.
	_, ranBM25 := res.Trace.StrategyHits[StrategyBM25]
	require.False(t, ranBM25)
}

func TestSearchOverrideFiresOnLongQueries(t *testing.T) {
	f := newEngineFixture(t)
	res, err := f.engine.Search(context.Background(), SearchRequest{
		Scope: Scope{TenantID: f.tenantID},
		Query: "one two three four five six seven eight nine ten eleven",
		Limit: 3,
	})
	require.NoError(t, err)
	require.True(t, res.Trace.Override)
}

func TestSearchRanksImportantMemoriesFirst(t *testing.T) {
	f := newEngineFixture(t)
	heavy := seedMemory(t, f.store, domain.Memory{
		TenantID:   f.tenantID,
		AgentID:    uuid.New(),
		Content:    "incident postmortem for the checkout outage",
		Importance: 0.9,
	})
	seedMemory(t, f.store, domain.Memory{
		TenantID:   f.tenantID,
		AgentID:    uuid.New(),
		Content:    "incident postmortem for the checkout outage",
		Importance: 0.1,
	})

	res, err := f.engine.Search(context.Background(), SearchRequest{
		Scope: Scope{TenantID: f.tenantID},
		Query: "checkout incident postmortem",
		Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, res.Memories, 2)
	require.Equal(t, heavy.ID, res.Memories[0].Memory.ID)
	require.Greater(t, res.Memories[0].Score, res.Memories[1].Score)
}

func TestSearchFavorsRecentlyAccessedAtEqualRelevance(t *testing.T) {
	f := newEngineFixture(t)
	at := testEpoch.Add(-time.Minute)
	fresh := seedMemory(t, f.store, domain.Memory{
		TenantID:       f.tenantID,
		AgentID:        uuid.New(),
		Content:        "quarterly revenue figures by region",
		Importance:     0.5,
		LastAccessedAt: &at,
	})
	seedMemory(t, f.store, domain.Memory{
		TenantID:   f.tenantID,
		AgentID:    uuid.New(),
		Content:    "quarterly revenue figures by region",
		Importance: 0.5,
	})

	res, err := f.engine.Search(context.Background(), SearchRequest{
		Scope: Scope{TenantID: f.tenantID},
		Query: "quarterly revenue figures",
		Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, res.Memories, 2)
	require.Equal(t, fresh.ID, res.Memories[0].Memory.ID)
}

func TestNonNormalizedScoreWeightsLogAWarning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	clk := newTestClock()
	st := store.NewInMemoryStore()

	NewRetrievalEngine(st, nil, cache.NewInProcess(), NewPolicyBandit(zap.NewNop()),
		NewIsolationGuard(zap.NewNop(), false), clk, zap.New(core),
		WithScoreWeights(score.Weights{Alpha: 1, Beta: 1, Gamma: 1}))

	require.Equal(t, 1, logs.FilterMessage("memory score weights do not sum to 1").Len())
}

func TestSearchNeverReturnsExpiredMemories(t *testing.T) {
	f := newEngineFixture(t)
	past := testEpoch.Add(-time.Minute)
	seedMemory(t, f.store, domain.Memory{
		TenantID:  f.tenantID,
		AgentID:   uuid.New(),
		Content:   "stale sensory flash about the outage",
		Layer:     domain.LayerSensory,
		ExpiresAt: &past,
	})

	res, err := f.engine.Search(context.Background(), SearchRequest{
		Scope: Scope{TenantID: f.tenantID},
		Query: "outage",
		Limit: 5,
	})
	require.NoError(t, err)
	require.Empty(t, res.Memories)
}

func TestSearchStaysInsideTenant(t *testing.T) {
	f := newEngineFixture(t)
	mine := f.seed(t, "shared phrase about deploy keys")
	seedMemory(t, f.store, domain.Memory{
		TenantID: uuid.New(),
		AgentID:  uuid.New(),
		Content:  "shared phrase about deploy keys",
	})

	res, err := f.engine.Search(context.Background(), SearchRequest{
		Scope: Scope{TenantID: f.tenantID},
		Query: "deploy keys",
		Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, res.Memories, 1)
	require.Equal(t, mine.ID, res.Memories[0].Memory.ID)
}

func TestUpdatePolicyRequiresADecision(t *testing.T) {
	f := newEngineFixture(t)
	err := f.engine.UpdatePolicy(context.Background(), f.tenantID, true, 0.9)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestUpdatePolicyJournalsAndPersists(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "billing rollback notes")

	// A non-question query routes through the bandit and records a choice.
	_, err := f.engine.Search(context.Background(), SearchRequest{
		Scope: Scope{TenantID: f.tenantID},
		Query: "billing rollback",
		Limit: 5,
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.UpdatePolicy(context.Background(), f.tenantID, true, 0.9))

	entries, err := f.feedback.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, f.tenantID, entries[0].TenantID)
	require.Equal(t, 0.9, entries[0].Reward)
	require.True(t, entries[0].Success)

	_, err = f.bandits.Load(context.Background(), "test-node")
	require.NoError(t, err, "bandit state should be persisted after an update")
}
