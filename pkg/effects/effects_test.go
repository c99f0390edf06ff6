package effects_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbutler1132/omnilith/pkg/actionreg"
	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/canon/canontest"
	"github.com/tbutler1132/omnilith/pkg/effectreg"
	"github.com/tbutler1132/omnilith/pkg/effects"
)

func effectregContext(nodeID, observationID, policyID string) effectreg.Context {
	return effectreg.Context{NodeID: nodeID, ObservationID: observationID, PolicyID: policyID}
}

func newFixture(t *testing.T) (*canontest.Store, *effects.Executor, canon.Node, canon.Observation) {
	t.Helper()
	store := canontest.New()
	ctx := context.Background()

	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)

	obs, err := store.Observations().Append(ctx, canon.Observation{
		NodeID: node.ID, Type: "health.sleep", Timestamp: time.Now(), Payload: map[string]any{"hours": 8.0},
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(new(bytes.Buffer), nil))
	executor := effects.NewExecutor(store, effectreg.New(), actionreg.New(), logger, effects.RouteRetain)
	return store, executor, node, obs
}

func TestExecuteAllAppliesTagObservation(t *testing.T) {
	store, executor, node, obs := newFixture(t)
	ectx := effectregContext(node.ID, obs.ID, "p1")

	results := executor.ExecuteAll(context.Background(), []map[string]any{
		{"type": "tag_observation", "tags": []any{"reviewed"}},
	}, ectx, true)

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	updated, err := store.Observations().Get(context.Background(), obs.ID)
	require.NoError(t, err)
	assert.Contains(t, updated.Tags, "reviewed")
}

func TestExecuteAllRoutesObservationRetainingProvenance(t *testing.T) {
	store, executor, node, obs := newFixture(t)
	other, err := store.Nodes().Create(context.Background(), canon.Node{Kind: canon.NodeKindSubject, Name: "other"})
	require.NoError(t, err)

	ectx := effectregContext(node.ID, obs.ID, "p1")
	results := executor.ExecuteAll(context.Background(), []map[string]any{
		{"type": "route_observation", "toNodeId": other.ID},
	}, ectx, true)

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	routed, err := store.Observations().List(context.Background(), canon.ObservationFilter{NodeID: other.ID})
	require.NoError(t, err)
	require.Len(t, routed, 1)
	assert.Equal(t, obs.Type, routed[0].Type)
	assert.Equal(t, obs.Provenance, routed[0].Provenance)
}

func TestExecuteAllContinuesPastFailingEffect(t *testing.T) {
	_, executor, node, obs := newFixture(t)
	ectx := effectregContext(node.ID, obs.ID, "p1")

	results := executor.ExecuteAll(context.Background(), []map[string]any{
		{"type": "create_entity_event", "entityId": "e1", "event": map[string]any{"kind": "noted"}},
		{"type": "log", "message": "still logged"},
	}, ectx, true)

	require.Len(t, results, 2)
	require.Error(t, results[0].Err)
	require.NoError(t, results[1].Err)
}

func TestExecuteAllStopsOnFailureWhenContinueOnErrorFalse(t *testing.T) {
	_, executor, node, obs := newFixture(t)
	ectx := effectregContext(node.ID, obs.ID, "p1")

	results := executor.ExecuteAll(context.Background(), []map[string]any{
		{"type": "create_entity_event", "entityId": "e1", "event": map[string]any{"kind": "noted"}},
		{"type": "log", "message": "should not run"},
	}, ectx, false)

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}

func TestExecuteAllProposesAction(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)
	obs, err := store.Observations().Append(ctx, canon.Observation{NodeID: node.ID, Type: "health.sleep", Timestamp: time.Now()})
	require.NoError(t, err)

	actions := actionreg.New()
	require.NoError(t, actions.Register("send_reminder", canon.RiskLow, func(ctx context.Context, params map[string]any, actx actionreg.Context) (any, error) {
		return nil, nil
	}, ""))

	logger := slog.New(slog.NewTextHandler(new(bytes.Buffer), nil))
	executor := effects.NewExecutor(store, effectreg.New(), actions, logger, effects.RouteRetain)

	ectx := effectregContext(node.ID, obs.ID, "p1")
	results := executor.ExecuteAll(ctx, []map[string]any{
		{"type": "propose_action", "action": map[string]any{"actionType": "send_reminder"}},
	}, ectx, true)

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
}
