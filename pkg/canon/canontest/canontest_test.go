package canontest_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/canon/canontest"
)

func TestTransactionRollsBackOnError(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()

	n, err := store.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.Transaction(ctx, func(ctx context.Context, tx canon.Repositories) error {
		_, err := tx.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindObject, Name: "O"})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	all, err := store.Nodes().List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, n.ID, all[0].ID)
}

func TestTransactionCommitsOnSuccess(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()

	err := store.Transaction(ctx, func(ctx context.Context, tx canon.Repositories) error {
		_, err := tx.Nodes().Create(ctx, canon.Node{Kind: canon.NodeKindSubject, Name: "S"})
		return err
	})
	require.NoError(t, err)

	all, err := store.Nodes().List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestTriggerMatchLaw(t *testing.T) {
	cases := []struct {
		trigger, obsType string
		want             bool
	}{
		{"health.sleep", "health.sleep", true},
		{"health.sleep", "health.steps", false},
		{"*", "anything.at.all", true},
		{"health.*", "health.sleep", true},
		{"health.*", "healthy.sleep", false}, // prefix is "health." (with dot), "healthy.sleep" has no dot there
		{"health.", "health.sleep", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, canontest.Matches(c.trigger, c.obsType), "trigger=%s type=%s", c.trigger, c.obsType)
	}
}

func TestArtifactRevisionsAreGapFreeAscending(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()

	a, _, err := store.Artifacts().Create(ctx, canon.Artifact{NodeID: "n1", Title: "v1"})
	require.NoError(t, err)

	a.Title = "v2"
	a, _, err = store.Artifacts().Update(ctx, a, "n1", "")
	require.NoError(t, err)

	a.Title = "v3"
	a, _, err = store.Artifacts().Update(ctx, a, "n1", "")
	require.NoError(t, err)

	require.Equal(t, 3, a.TrunkVersion)

	revs, err := store.Artifacts().Revisions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, revs, 3)
	for i, rev := range revs {
		assert.Equal(t, i+1, rev.Version)
	}
	assert.Equal(t, []string{"v1", "v2", "v3"}, []string{revs[0].Snapshot.Title, revs[1].Snapshot.Title, revs[2].Snapshot.Title})
}

func TestObservationMergeTagsOnlyTouchesTags(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()

	o, err := store.Observations().Append(ctx, canon.Observation{NodeID: "n1", Type: "health.sleep"})
	require.NoError(t, err)

	updated, err := store.Observations().MergeTags(ctx, o.ID, []string{"reviewed"})
	require.NoError(t, err)
	assert.Equal(t, []string{"reviewed"}, updated.Tags)
	assert.Equal(t, o.Type, updated.Type)
	assert.Equal(t, o.NodeID, updated.NodeID)
}
