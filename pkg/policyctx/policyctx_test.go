package policyctx_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/canon/canontest"
	"github.com/tbutler1132/omnilith/pkg/policyctx"
)

func TestBuildPrefetchesNodeAndObservations(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()

	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)

	obs, err := store.Observations().Append(ctx, canon.Observation{
		NodeID:    node.ID,
		Type:      "health.sleep",
		Timestamp: time.Now(),
		Payload:   map[string]any{"hours": 8.0},
	})
	require.NoError(t, err)

	policy := canon.Policy{ID: "p1", NodeID: node.ID, Priority: 10}

	pctx, err := policyctx.Build(ctx, store, obs, policy, nil, time.Now())
	require.NoError(t, err)

	assert.Equal(t, node.ID, pctx.Node.ID)
	assert.Equal(t, "p1", pctx.PolicyID)
	assert.Equal(t, 10, pctx.Priority)

	results := pctx.Canon.QueryObservations(canon.ObservationFilter{})
	require.Len(t, results, 1)
	assert.Equal(t, obs.ID, results[0].ID)
}

func TestQueryObservationsDefaultsToTwentyFourHourWindow(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()

	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)

	old, err := store.Observations().Append(ctx, canon.Observation{
		NodeID:    node.ID,
		Type:      "health.sleep",
		Timestamp: time.Now().Add(-48 * time.Hour),
	})
	require.NoError(t, err)
	_ = old

	recent, err := store.Observations().Append(ctx, canon.Observation{
		NodeID:    node.ID,
		Type:      "health.sleep",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	policy := canon.Policy{ID: "p1", NodeID: node.ID}
	pctx, err := policyctx.Build(ctx, store, recent, policy, nil, time.Now())
	require.NoError(t, err)

	results := pctx.Canon.QueryObservations(canon.ObservationFilter{})
	require.Len(t, results, 1)
	assert.Equal(t, recent.ID, results[0].ID)
}

func TestEstimateReturnsNilForUnknownVariable(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()

	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)

	obs, err := store.Observations().Append(ctx, canon.Observation{NodeID: node.ID, Type: "health.sleep", Timestamp: time.Now()})
	require.NoError(t, err)

	pctx, err := policyctx.Build(ctx, store, obs, canon.Policy{ID: "p1", NodeID: node.ID}, nil, time.Now())
	require.NoError(t, err)

	assert.Nil(t, pctx.Estimates.Estimate("does-not-exist"))
}

// countingEpisodeRepo wraps canon.EpisodeRepository, panicking if
// ListActive is called more than once.
type countingEpisodeRepo struct {
	canon.EpisodeRepository
	calls *int
}

func (r countingEpisodeRepo) ListActive(ctx context.Context, nodeID string) ([]canon.Episode, error) {
	*r.calls++
	if *r.calls > 1 {
		panic("policyctx: ListActive called again after Build; GetActiveEpisodes must serve the prefetched snapshot")
	}
	return r.EpisodeRepository.ListActive(ctx, nodeID)
}

// countingRepos wraps canon.Repositories, substituting a
// countingEpisodeRepo for Episodes() while delegating everything else.
type countingRepos struct {
	canon.Repositories
	calls *int
}

func (r countingRepos) Episodes() canon.EpisodeRepository {
	return countingEpisodeRepo{r.Repositories.Episodes(), r.calls}
}

func TestGetActiveEpisodesServesPrefetchedSnapshotNotALiveRead(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	calls := 0
	repos := countingRepos{store, &calls}

	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)

	ep, err := store.Episodes().Create(ctx, canon.Episode{NodeID: node.ID, Status: canon.EpisodeActive})
	require.NoError(t, err)

	obs, err := store.Observations().Append(ctx, canon.Observation{NodeID: node.ID, Type: "health.sleep", Timestamp: time.Now()})
	require.NoError(t, err)

	pctx, err := policyctx.Build(ctx, repos, obs, canon.Policy{ID: "p1", NodeID: node.ID}, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "Build must fetch active episodes exactly once")

	// Reading the snapshot repeatedly must never touch the repository
	// again, even if the underlying episode's status later changes.
	for i := 0; i < 3; i++ {
		active := pctx.Canon.GetActiveEpisodes()
		require.Len(t, active, 1)
		assert.Equal(t, ep.ID, active[0].ID)
	}
	assert.Equal(t, 1, calls, "GetActiveEpisodes must not re-read the repository")
}

func TestEstimateComputesMovingAverage(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()

	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)

	now := time.Now()
	for _, hours := range []float64{6, 8, 10} {
		_, err := store.Observations().Append(ctx, canon.Observation{
			NodeID:    node.ID,
			Type:      "health.sleep",
			Timestamp: now,
			Payload:   map[string]any{"hours": hours},
		})
		require.NoError(t, err)
	}

	v, err := store.Variables().Create(ctx, canon.Variable{
		NodeID: node.ID,
		Name:   "sleep_avg",
		Kind:   canon.VariableContinuous,
		ComputeSpecs: []canon.ComputeSpec{
			{Method: "moving_average", ObservationType: "health.sleep", Field: "hours", WindowHours: 24},
		},
	})
	require.NoError(t, err)

	obs, err := store.Observations().Append(ctx, canon.Observation{NodeID: node.ID, Type: "health.sleep", Timestamp: now})
	require.NoError(t, err)

	pctx, err := policyctx.Build(ctx, store, obs, canon.Policy{ID: "p1", NodeID: node.ID}, nil, now)
	require.NoError(t, err)

	est := pctx.Estimates.Estimate(v.ID)
	require.NotNil(t, est)
	assert.InDelta(t, 8.0, est.Value, 0.001)
}
