package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/canon/canontest"
	"github.com/tbutler1132/omnilith/pkg/effectreg"
	"github.com/tbutler1132/omnilith/pkg/policy"
	"github.com/tbutler1132/omnilith/pkg/policyctx"
)

func newCompiler(t *testing.T) *policy.Compiler {
	t.Helper()
	c, err := policy.NewCompiler(effectreg.New())
	require.NoError(t, err)
	return c
}

func buildContext(t *testing.T, store *canontest.Store, payload map[string]any) *policyctx.Context {
	t.Helper()
	ctx := context.Background()
	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)

	obs, err := store.Observations().Append(ctx, canon.Observation{
		NodeID:    node.ID,
		Type:      "health.sleep",
		Timestamp: time.Now(),
		Payload:   payload,
	})
	require.NoError(t, err)

	pctx, err := policyctx.Build(ctx, store, obs, canon.Policy{ID: "p1", NodeID: node.ID, Priority: 10}, nil, time.Now())
	require.NoError(t, err)
	return pctx
}

func TestCompileRejectsBlankSource(t *testing.T) {
	c := newCompiler(t)
	_, err := c.Compile("p1", "hash1", "   \n\t")
	require.Error(t, err)
}

func TestCompileAndInvokeProducesEffects(t *testing.T) {
	c := newCompiler(t)
	store := canontest.New()
	pctx := buildContext(t, store, map[string]any{"hours": 8.0})

	source := `[
		{"type": "tag_observation", "tags": ["reviewed"]},
		{"type": "log", "message": "slept " + string(ctx.observation.payload.hours) + "h"}
	]`

	prog, err := c.Compile("p1", "hash1", source)
	require.NoError(t, err)

	effects, err := policy.Invoke(context.Background(), prog, pctx, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, effects, 2)
	assert.Equal(t, "tag_observation", effects[0]["type"])
	assert.Equal(t, "log", effects[1]["type"])

	require.NoError(t, c.ValidateEffects("p1", effects))
}

func TestCompileCachesByPolicyIDAndSourceHash(t *testing.T) {
	c := newCompiler(t)
	p1, err := c.Compile("p1", "hashA", `[]`)
	require.NoError(t, err)
	p2, err := c.Compile("p1", "hashA", `[]`)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestInvalidEffectShapeFailsValidation(t *testing.T) {
	c := newCompiler(t)
	err := c.ValidateEffects("p1", []map[string]any{
		{"type": "route_observation"}, // missing toNodeId
	})
	require.Error(t, err)
}

func TestInvokeExposesCanonAndEstimatesInContext(t *testing.T) {
	c := newCompiler(t)
	store := canontest.New()
	ctx := context.Background()

	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)

	v, err := store.Variables().Create(ctx, canon.Variable{
		NodeID: node.ID,
		Name:   "sleep_avg",
		Kind:   canon.VariableContinuous,
		ComputeSpecs: []canon.ComputeSpec{
			{Method: "moving_average", ObservationType: "health.sleep", Field: "hours", WindowHours: 24},
		},
	})
	require.NoError(t, err)

	_, err = store.Episodes().Create(ctx, canon.Episode{NodeID: node.ID, Status: canon.EpisodeActive})
	require.NoError(t, err)

	obs, err := store.Observations().Append(ctx, canon.Observation{
		NodeID:    node.ID,
		Type:      "health.sleep",
		Timestamp: time.Now(),
		Payload:   map[string]any{"hours": 8.0},
	})
	require.NoError(t, err)

	pctx, err := policyctx.Build(ctx, store, obs, canon.Policy{ID: "p1", NodeID: node.ID}, nil, time.Now())
	require.NoError(t, err)

	source := `[
		{"type": "log", "message": "episodes=" + string(ctx.canon.activeEpisodes.size()) +
			" observations=" + string(ctx.canon.observations.size()) +
			" hasEstimate=" + string(ctx.estimates["` + v.ID + `"].value > 0.0)}
	]`
	prog, err := c.Compile("p1", "hash-canon", source)
	require.NoError(t, err)

	effects, err := policy.Invoke(context.Background(), prog, pctx, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, effects, 1)
	msg, _ := effects[0]["message"].(string)
	assert.Equal(t, "episodes=1 observations=1 hasEstimate=true", msg)
}

func TestInvokeTimesOutOnSlowPolicy(t *testing.T) {
	c := newCompiler(t)
	store := canontest.New()
	pctx := buildContext(t, store, nil)

	// A cheap expression; the timeout path is exercised by the zero
	// duration passed to Invoke below.
	source := `ctx.priorEffects.map(x, x)` // not a list literal of effects, but compiles and runs fast; timeout exercised via zero duration below
	prog, err := c.Compile("p1", "hashSlow", source)
	require.NoError(t, err)

	_, err = policy.Invoke(context.Background(), prog, pctx, 0)
	require.Error(t, err)
}
