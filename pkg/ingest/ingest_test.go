package ingest_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/canon/canontest"
	"github.com/tbutler1132/omnilith/pkg/ingest"
	"github.com/tbutler1132/omnilith/pkg/kernelerr"
)

func TestIngestAppendsObservationForExistingNode(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)

	obs, err := ingest.Ingest(ctx, store, ingest.Input{
		NodeID:  node.ID,
		Type:    "health.sleep",
		Payload: map[string]any{"hours": 7.5},
	}, ingest.Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, obs.ID)
	assert.Equal(t, node.ID, obs.NodeID)
	assert.Equal(t, "health.sleep", obs.Type)

	stored, err := store.Observations().Get(ctx, obs.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestIngestRejectsMissingNode(t *testing.T) {
	store := canontest.New()
	_, err := ingest.Ingest(context.Background(), store, ingest.Input{
		NodeID: "does-not-exist",
		Type:   "health.sleep",
	}, ingest.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kernelerr.ErrNotFound))
}

func TestIngestRejectsMalformedType(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)

	cases := []string{"", "health..sleep", ".health", "health.", "health sleep"}
	for _, typ := range cases {
		_, err := ingest.Ingest(ctx, store, ingest.Input{NodeID: node.ID, Type: typ}, ingest.Options{})
		require.Error(t, err, "type %q should be rejected", typ)
		assert.True(t, errors.Is(err, kernelerr.ErrValidation))
	}
}

func TestIngestValidatesProvenanceSourceWhenEnabled(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)

	_, err = ingest.Ingest(ctx, store, ingest.Input{
		NodeID:     node.ID,
		Type:       "health.sleep",
		Provenance: canon.Provenance{SourceID: "ghost-node"},
	}, ingest.Options{ValidateSource: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kernelerr.ErrNotFound))
}

func TestIngestSkipsProvenanceCheckWhenDisabled(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)

	obs, err := ingest.Ingest(ctx, store, ingest.Input{
		NodeID:     node.ID,
		Type:       "health.sleep",
		Provenance: canon.Provenance{SourceID: "ghost-node"},
	}, ingest.Options{ValidateSource: false})
	require.NoError(t, err)
	assert.Equal(t, "ghost-node", obs.Provenance.SourceID)
}

func TestIngestAcceptsValidProvenanceSource(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	node, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)
	sensor, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindObject, Name: "sensor"})
	require.NoError(t, err)

	obs, err := ingest.Ingest(ctx, store, ingest.Input{
		NodeID:     node.ID,
		Type:       "health.sleep",
		Provenance: canon.Provenance{SourceID: sensor.ID, Origin: canon.OriginOrganic},
	}, ingest.Options{ValidateSource: true})
	require.NoError(t, err)
	assert.Equal(t, sensor.ID, obs.Provenance.SourceID)
}
