package prism_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/canon/canontest"
	"github.com/tbutler1132/omnilith/pkg/prism"
)

func mustNode(t *testing.T, store *canontest.Store, kind canon.NodeKind, name string) canon.Node {
	t.Helper()
	n, err := store.Nodes().Create(context.Background(), canon.Node{Kind: kind, Name: name})
	require.NoError(t, err)
	return n
}

func TestExecuteArtifactCreateBySubjectOwner(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	subject := mustNode(t, store, canon.NodeKindSubject, "me")

	op := prism.Operation{
		Type:         "artifact.create",
		Actor:        canon.Actor{NodeID: subject.ID, Method: canon.ActorManual},
		ResourceType: string(canon.ResourceArtifact),
		Params: map[string]any{
			"artifact": canon.Artifact{NodeID: subject.ID, Title: "journal"},
		},
	}

	res := prism.Execute(ctx, store, op)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.True(t, res.Audit.Success)
	assert.Equal(t, "artifact.create", res.Audit.OperationType)
}

func TestExecuteObjectActorNeverAuthorized(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	object := mustNode(t, store, canon.NodeKindObject, "thermostat")

	op := prism.Operation{
		Type:  "node.update",
		Actor: canon.Actor{NodeID: object.ID},
		Params: map[string]any{
			"node": canon.Node{ID: object.ID, Kind: canon.NodeKindObject, Name: "renamed"},
		},
	}

	res := prism.Execute(ctx, store, op)
	require.Error(t, res.Err)
	assert.False(t, res.Success)
	assert.False(t, res.Audit.Success)
}

func TestExecuteSubjectCannotMutateAnotherSubjectsArtifactWithoutGrant(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	owner := mustNode(t, store, canon.NodeKindSubject, "owner")
	other := mustNode(t, store, canon.NodeKindSubject, "other")

	artifact, _, err := store.Artifacts().Create(ctx, canon.Artifact{NodeID: owner.ID, Title: "notes"})
	require.NoError(t, err)

	op := prism.Operation{
		Type:         "artifact.update",
		Actor:        canon.Actor{NodeID: other.ID},
		ResourceType: string(canon.ResourceArtifact),
		ResourceID:   artifact.ID,
		Params: map[string]any{
			"artifact":     canon.Artifact{ID: artifact.ID, NodeID: owner.ID, Title: "hijacked"},
			"authorNodeId": other.ID,
			"message":      "hijack",
		},
	}

	res := prism.Execute(ctx, store, op)
	require.Error(t, res.Err)
	assert.False(t, res.Success)
}

func TestExecuteSubjectCanMutateAnothersArtifactWithActiveGrant(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	owner := mustNode(t, store, canon.NodeKindSubject, "owner")
	editor := mustNode(t, store, canon.NodeKindSubject, "editor")

	artifact, _, err := store.Artifacts().Create(ctx, canon.Artifact{NodeID: owner.ID, Title: "notes"})
	require.NoError(t, err)

	_, err = store.Grants().Create(ctx, canon.Grant{
		GranteeNodeID: editor.ID,
		ResourceType:  canon.ResourceArtifact,
		ResourceID:    artifact.ID,
		Scopes:        map[canon.Scope]bool{canon.ScopeWrite: true},
		GrantorNodeID: owner.ID,
		GrantedAt:     time.Now(),
	})
	require.NoError(t, err)

	op := prism.Operation{
		Type:         "artifact.update",
		Actor:        canon.Actor{NodeID: editor.ID},
		ResourceType: string(canon.ResourceArtifact),
		ResourceID:   artifact.ID,
		Params: map[string]any{
			"artifact":     canon.Artifact{ID: artifact.ID, NodeID: owner.ID, Title: "edited"},
			"authorNodeId": editor.ID,
			"message":      "edit",
		},
	}

	res := prism.Execute(ctx, store, op)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
}

func TestExecuteAgentCannotApproveCriticalRisk(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	subject := mustNode(t, store, canon.NodeKindSubject, "sponsor")
	agent := mustNode(t, store, canon.NodeKindAgent, "assistant")

	require.NoError(t, store.Nodes().SetAgentDelegation(ctx, canon.AgentDelegation{
		AgentNodeID:   agent.ID,
		SponsorNodeID: subject.ID,
		GrantedAt:     time.Now(),
		Scopes:        map[string]bool{"approve": true},
		Constraints:   canon.DelegationConstraints{MaxRiskLevel: canon.RiskCritical},
	}))

	run, err := store.ActionRuns().Create(ctx, canon.ActionRun{
		NodeID:    subject.ID,
		RiskLevel: canon.RiskCritical,
		Status:    canon.ActionRunPending,
		Action:    canon.ActionDescriptor{ActionType: "wire_transfer"},
	})
	require.NoError(t, err)

	op := prism.Operation{
		Type:  "action_run.approve",
		Actor: canon.Actor{NodeID: agent.ID},
		Params: map[string]any{
			"id":         run.ID,
			"approvedBy": agent.ID,
			"method":     canon.ApprovalManual,
			"riskLevel":  canon.RiskCritical,
		},
	}

	res := prism.Execute(ctx, store, op)
	require.Error(t, res.Err)
	assert.False(t, res.Success)
}

func TestExecuteAgentApprovesWithinCeiling(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	subject := mustNode(t, store, canon.NodeKindSubject, "sponsor")
	agent := mustNode(t, store, canon.NodeKindAgent, "assistant")

	require.NoError(t, store.Nodes().SetAgentDelegation(ctx, canon.AgentDelegation{
		AgentNodeID:   agent.ID,
		SponsorNodeID: subject.ID,
		GrantedAt:     time.Now(),
		Scopes:        map[string]bool{"approve": true},
		Constraints:   canon.DelegationConstraints{MaxRiskLevel: canon.RiskMedium},
	}))

	run, err := store.ActionRuns().Create(ctx, canon.ActionRun{
		NodeID:    subject.ID,
		RiskLevel: canon.RiskLow,
		Status:    canon.ActionRunPending,
		Action:    canon.ActionDescriptor{ActionType: "send_reminder"},
	})
	require.NoError(t, err)

	op := prism.Operation{
		Type:  "action_run.approve",
		Actor: canon.Actor{NodeID: agent.ID},
		Params: map[string]any{
			"id":         run.ID,
			"approvedBy": agent.ID,
			"method":     canon.ApprovalManual,
			"riskLevel":  canon.RiskLow,
		},
	}

	res := prism.Execute(ctx, store, op)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)

	updated, err := store.ActionRuns().Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, canon.ActionRunApproved, updated.Status)
}

func TestExecuteBatchRollsBackAllOnFailureButRecordsEveryAuditEntry(t *testing.T) {
	store := canontest.New()
	ctx := context.Background()
	subject := mustNode(t, store, canon.NodeKindSubject, "owner")

	ops := []prism.Operation{
		{
			Type:         "artifact.create",
			Actor:        canon.Actor{NodeID: subject.ID},
			ResourceType: string(canon.ResourceArtifact),
			Params:       map[string]any{"artifact": canon.Artifact{NodeID: subject.ID, Title: "first"}},
		},
		{
			Type:         "artifact.updateStatus",
			Actor:        canon.Actor{NodeID: subject.ID},
			ResourceType: string(canon.ResourceArtifact),
			Params:       map[string]any{"id": "does-not-exist", "status": canon.ArtifactArchived},
		},
	}

	results := prism.ExecuteBatch(ctx, store, "batch-1", ops)
	require.Len(t, results, 2)
	assert.True(t, results[0].Err != nil || results[1].Err != nil)

	artifacts, err := store.Artifacts().List(ctx, subject.ID)
	require.NoError(t, err)
	assert.Empty(t, artifacts, "failed batch must roll back the otherwise-successful first operation")

	entries, err := store.Audit().Query(ctx, canon.AuditFilter{BatchID: "batch-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, e.RolledBack)
		assert.False(t, e.Success)
	}
}

func TestNewBatchIDIsUnique(t *testing.T) {
	a := prism.NewBatchID()
	b := prism.NewBatchID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
