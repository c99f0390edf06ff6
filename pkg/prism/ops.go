package prism

import (
	"context"
	"fmt"
	"time"

	"github.com/tbutler1132/omnilith/pkg/canon"
)

// resolveOwner determines which node's authority governs op, fetching
// the existing resource when the operation targets one that already
// exists. Operations that create a brand-new resource authorize
// against the resource's declared owner directly; there is nothing to
// fetch.
func resolveOwner(ctx context.Context, repos canon.Repositories, op Operation) (string, error) {
	switch op.Type {
	case "node.create":
		return "", nil
	case "node.update", "node.addEdge":
		return ownerFromParamNodeID(op)
	case "node.removeEdge":
		id, _ := op.Params["fromNodeId"].(string)
		return id, nil
	case "node.setAgentDelegation":
		d, _ := op.Params["delegation"].(canon.AgentDelegation)
		return d.SponsorNodeID, nil

	case "artifact.create":
		a, _ := op.Params["artifact"].(canon.Artifact)
		return a.NodeID, nil
	case "artifact.update", "artifact.updateStatus", "artifact.delete":
		id := resourceOrParamID(op)
		a, err := repos.Artifacts().Get(ctx, id)
		if err != nil || a == nil {
			return "", notFound(err, "artifact", id)
		}
		return a.NodeID, nil

	case "episode.create":
		e, _ := op.Params["episode"].(canon.Episode)
		return e.NodeID, nil
	case "episode.update", "episode.updateStatus", "episode.abandon":
		id := resourceOrParamID(op)
		e, err := repos.Episodes().Get(ctx, id)
		if err != nil || e == nil {
			return "", notFound(err, "episode", id)
		}
		return e.NodeID, nil

	case "variable.create":
		v, _ := op.Params["variable"].(canon.Variable)
		return v.NodeID, nil
	case "variable.update":
		id := resourceOrParamID(op)
		v, err := repos.Variables().Get(ctx, id)
		if err != nil || v == nil {
			return "", notFound(err, "variable", id)
		}
		return v.NodeID, nil

	case "surface.create":
		sf, _ := op.Params["surface"].(canon.Surface)
		return sf.NodeID, nil
	case "surface.update", "surface.updateStatus", "surface.delete":
		id := resourceOrParamID(op)
		sf, err := repos.Surfaces().Get(ctx, id)
		if err != nil || sf == nil {
			return "", notFound(err, "surface", id)
		}
		return sf.NodeID, nil

	case "entity.create":
		e, _ := op.Params["entity"].(canon.Entity)
		return e.NodeID, nil
	case "entity.appendEvent":
		id := resourceOrParamID(op)
		e, err := repos.Entities().Get(ctx, id)
		if err != nil || e == nil {
			return "", notFound(err, "entity", id)
		}
		return e.NodeID, nil

	case "policy.create":
		p, _ := op.Params["policy"].(canon.Policy)
		return p.NodeID, nil
	case "policy.update", "policy.updateStatus", "policy.delete":
		id := resourceOrParamID(op)
		p, err := repos.Policies().Get(ctx, id)
		if err != nil || p == nil {
			return "", notFound(err, "policy", id)
		}
		return p.NodeID, nil

	case "action_run.approve", "action_run.reject", "action_run.execute":
		id := resourceOrParamID(op)
		r, err := repos.ActionRuns().Get(ctx, id)
		if err != nil || r == nil {
			return "", notFound(err, "action run", id)
		}
		return r.NodeID, nil

	case "grant.create":
		g, _ := op.Params["grant"].(canon.Grant)
		return g.GrantorNodeID, nil
	case "grant.revoke":
		// GrantRepository has no Get; the caller supplies the grantor
		// directly since it already holds the Grant it is revoking.
		grantor, _ := op.Params["grantorNodeId"].(string)
		return grantor, nil

	case "observation.mergeTags", "observation.route":
		// Both are driven by an already-evaluated policy effect, not a
		// fresh authority decision; authorize special-cases them (see
		// authz.go) the same way it special-cases action_run.execute.
		return "", nil

	default:
		return "", fmt.Errorf("unknown operation type %q", op.Type)
	}
}

func ownerFromParamNodeID(op Operation) (string, error) {
	n, ok := op.Params["node"].(canon.Node)
	if !ok {
		return "", fmt.Errorf("operation %q requires a \"node\" param", op.Type)
	}
	return n.ID, nil
}

func resourceOrParamID(op Operation) string {
	if op.ResourceID != "" {
		return op.ResourceID
	}
	id, _ := op.Params["id"].(string)
	return id
}

func notFound(cause error, kind, id string) error {
	if cause != nil {
		return cause
	}
	return fmt.Errorf("%s %q not found", kind, id)
}

// validateShape applies the operation-specific structural checks spec
// §4.8 requires before authorization: every operation must carry the
// params its apply() step needs.
func validateShape(op Operation) error {
	switch op.Type {
	case "node.create":
		if _, ok := op.Params["node"].(canon.Node); !ok {
			return fmt.Errorf("node.create requires a \"node\" param")
		}
	case "node.update":
		if _, ok := op.Params["node"].(canon.Node); !ok {
			return fmt.Errorf("node.update requires a \"node\" param")
		}
	case "node.addEdge":
		if _, ok := op.Params["edge"].(canon.Edge); !ok {
			return fmt.Errorf("node.addEdge requires an \"edge\" param")
		}
	case "node.removeEdge":
		if s, _ := op.Params["edgeId"].(string); s == "" {
			return fmt.Errorf("node.removeEdge requires a non-empty \"edgeId\"")
		}
	case "node.setAgentDelegation":
		if _, ok := op.Params["delegation"].(canon.AgentDelegation); !ok {
			return fmt.Errorf("node.setAgentDelegation requires a \"delegation\" param")
		}

	case "artifact.create":
		if _, ok := op.Params["artifact"].(canon.Artifact); !ok {
			return fmt.Errorf("artifact.create requires an \"artifact\" param")
		}
	case "artifact.update":
		if _, ok := op.Params["artifact"].(canon.Artifact); !ok {
			return fmt.Errorf("artifact.update requires an \"artifact\" param")
		}
	case "artifact.updateStatus", "artifact.delete":
		if resourceOrParamID(op) == "" {
			return fmt.Errorf("%s requires a resource id", op.Type)
		}

	case "episode.create":
		if _, ok := op.Params["episode"].(canon.Episode); !ok {
			return fmt.Errorf("episode.create requires an \"episode\" param")
		}
	case "episode.update":
		if _, ok := op.Params["episode"].(canon.Episode); !ok {
			return fmt.Errorf("episode.update requires an \"episode\" param")
		}
	case "episode.updateStatus", "episode.abandon":
		if resourceOrParamID(op) == "" {
			return fmt.Errorf("%s requires a resource id", op.Type)
		}

	case "variable.create":
		if _, ok := op.Params["variable"].(canon.Variable); !ok {
			return fmt.Errorf("variable.create requires a \"variable\" param")
		}
	case "variable.update":
		if _, ok := op.Params["variable"].(canon.Variable); !ok {
			return fmt.Errorf("variable.update requires a \"variable\" param")
		}
	case "variable.delete":
		return fmt.Errorf("variable deletion is not supported")

	case "surface.create":
		if _, ok := op.Params["surface"].(canon.Surface); !ok {
			return fmt.Errorf("surface.create requires a \"surface\" param")
		}
	case "surface.update":
		if _, ok := op.Params["surface"].(canon.Surface); !ok {
			return fmt.Errorf("surface.update requires a \"surface\" param")
		}
	case "surface.updateStatus", "surface.delete":
		if resourceOrParamID(op) == "" {
			return fmt.Errorf("%s requires a resource id", op.Type)
		}

	case "entity.create":
		if _, ok := op.Params["entity"].(canon.Entity); !ok {
			return fmt.Errorf("entity.create requires an \"entity\" param")
		}
	case "entity.appendEvent":
		if resourceOrParamID(op) == "" {
			return fmt.Errorf("entity.appendEvent requires a resource id")
		}
		if _, ok := op.Params["event"].(canon.EntityEvent); !ok {
			return fmt.Errorf("entity.appendEvent requires an \"event\" param")
		}

	case "policy.create":
		if _, ok := op.Params["policy"].(canon.Policy); !ok {
			return fmt.Errorf("policy.create requires a \"policy\" param")
		}
	case "policy.update":
		if _, ok := op.Params["policy"].(canon.Policy); !ok {
			return fmt.Errorf("policy.update requires a \"policy\" param")
		}
	case "policy.updateStatus", "policy.delete":
		if resourceOrParamID(op) == "" {
			return fmt.Errorf("%s requires a resource id", op.Type)
		}

	case "action_run.approve", "action_run.reject":
		if resourceOrParamID(op) == "" {
			return fmt.Errorf("%s requires a resource id", op.Type)
		}
	case "action_run.execute":
		if resourceOrParamID(op) == "" {
			return fmt.Errorf("action_run.execute requires a resource id")
		}

	case "grant.create":
		if _, ok := op.Params["grant"].(canon.Grant); !ok {
			return fmt.Errorf("grant.create requires a \"grant\" param")
		}
	case "grant.revoke":
		if resourceOrParamID(op) == "" {
			return fmt.Errorf("grant.revoke requires a resource id")
		}

	case "observation.mergeTags":
		if resourceOrParamID(op) == "" {
			return fmt.Errorf("observation.mergeTags requires a resource id")
		}
		if tags, ok := op.Params["tags"].([]string); !ok || len(tags) == 0 {
			return fmt.Errorf("observation.mergeTags requires a non-empty \"tags\" list")
		}
	case "observation.route":
		if _, ok := op.Params["observation"].(canon.Observation); !ok {
			return fmt.Errorf("observation.route requires an \"observation\" param")
		}

	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	return nil
}

// apply performs the mutation itself against the transactional
// repository view. Deletion of artifact/surface/policy (and
// episode.abandon) is a status flip, not row removal (spec §4.8 "soft delete"); variable deletion
// is rejected earlier, in validateShape.
func apply(ctx context.Context, repos canon.Repositories, op Operation) (any, error) {
	switch op.Type {
	case "node.create":
		n, _ := op.Params["node"].(canon.Node)
		return repos.Nodes().Create(ctx, n)
	case "node.update":
		n, _ := op.Params["node"].(canon.Node)
		return repos.Nodes().Update(ctx, n)
	case "node.addEdge":
		e, _ := op.Params["edge"].(canon.Edge)
		return repos.Nodes().AddEdge(ctx, e)
	case "node.removeEdge":
		id, _ := op.Params["edgeId"].(string)
		return nil, repos.Nodes().RemoveEdge(ctx, id)
	case "node.setAgentDelegation":
		d, _ := op.Params["delegation"].(canon.AgentDelegation)
		return nil, repos.Nodes().SetAgentDelegation(ctx, d)

	case "artifact.create":
		a, _ := op.Params["artifact"].(canon.Artifact)
		artifact, rev, err := repos.Artifacts().Create(ctx, a)
		return artifactResult{artifact, rev}, err
	case "artifact.update":
		a, _ := op.Params["artifact"].(canon.Artifact)
		authorNodeID, _ := op.Params["authorNodeId"].(string)
		message, _ := op.Params["message"].(string)
		artifact, rev, err := repos.Artifacts().Update(ctx, a, authorNodeID, message)
		return artifactResult{artifact, rev}, err
	case "artifact.updateStatus":
		id := resourceOrParamID(op)
		status, _ := op.Params["status"].(canon.ArtifactStatus)
		return repos.Artifacts().UpdateStatus(ctx, id, status)
	case "artifact.delete":
		id := resourceOrParamID(op)
		return repos.Artifacts().UpdateStatus(ctx, id, canon.ArtifactArchived)

	case "episode.create":
		e, _ := op.Params["episode"].(canon.Episode)
		return repos.Episodes().Create(ctx, e)
	case "episode.update":
		e, _ := op.Params["episode"].(canon.Episode)
		return repos.Episodes().Update(ctx, e)
	case "episode.updateStatus":
		id := resourceOrParamID(op)
		status, _ := op.Params["status"].(canon.EpisodeStatus)
		return repos.Episodes().UpdateStatus(ctx, id, status)
	case "episode.abandon":
		id := resourceOrParamID(op)
		return repos.Episodes().UpdateStatus(ctx, id, canon.EpisodeAbandoned)

	case "variable.create":
		v, _ := op.Params["variable"].(canon.Variable)
		return repos.Variables().Create(ctx, v)
	case "variable.update":
		v, _ := op.Params["variable"].(canon.Variable)
		return repos.Variables().Update(ctx, v)

	case "surface.create":
		sf, _ := op.Params["surface"].(canon.Surface)
		return repos.Surfaces().Create(ctx, sf)
	case "surface.update":
		sf, _ := op.Params["surface"].(canon.Surface)
		return repos.Surfaces().Update(ctx, sf)
	case "surface.updateStatus":
		id := resourceOrParamID(op)
		status, _ := op.Params["status"].(canon.SurfaceStatus)
		return repos.Surfaces().UpdateStatus(ctx, id, status)
	case "surface.delete":
		id := resourceOrParamID(op)
		return repos.Surfaces().UpdateStatus(ctx, id, canon.SurfaceArchived)

	case "entity.create":
		e, _ := op.Params["entity"].(canon.Entity)
		return repos.Entities().Create(ctx, e)
	case "entity.appendEvent":
		id := resourceOrParamID(op)
		event, _ := op.Params["event"].(canon.EntityEvent)
		return repos.Entities().AppendEvent(ctx, id, event)

	case "policy.create":
		p, _ := op.Params["policy"].(canon.Policy)
		return repos.Policies().Create(ctx, p)
	case "policy.update":
		p, _ := op.Params["policy"].(canon.Policy)
		return repos.Policies().Update(ctx, p)
	case "policy.updateStatus":
		id := resourceOrParamID(op)
		enabled, _ := op.Params["enabled"].(bool)
		return repos.Policies().UpdateStatus(ctx, id, enabled)
	case "policy.delete":
		id := resourceOrParamID(op)
		return repos.Policies().UpdateStatus(ctx, id, false)

	case "action_run.approve":
		return applyActionRunApprove(ctx, repos, op)
	case "action_run.reject":
		return applyActionRunReject(ctx, repos, op)
	case "action_run.execute":
		return applyActionRunExecute(ctx, repos, op)

	case "grant.create":
		g, _ := op.Params["grant"].(canon.Grant)
		return repos.Grants().Create(ctx, g)
	case "grant.revoke":
		id := resourceOrParamID(op)
		revokedBy, _ := op.Params["revokedBy"].(string)
		reason, _ := op.Params["reason"].(string)
		rev := canon.GrantRevocation{RevokedAt: nowFunc(), RevokedBy: revokedBy, Reason: reason}
		return repos.Grants().Revoke(ctx, id, rev)

	case "observation.mergeTags":
		id := resourceOrParamID(op)
		tags, _ := op.Params["tags"].([]string)
		return repos.Observations().MergeTags(ctx, id, tags)
	case "observation.route":
		o, _ := op.Params["observation"].(canon.Observation)
		return repos.Observations().Append(ctx, o)

	default:
		return nil, fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// artifactResult pairs an Artifact with the Revision its write
// produced, mirroring what ArtifactRepository.Create/Update return.
type artifactResult struct {
	Artifact canon.Artifact
	Revision canon.Revision
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = defaultNow

func defaultNow() time.Time { return time.Now() }
