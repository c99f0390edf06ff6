package prism

import (
	"context"
	"fmt"
	"time"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/kernelerr"
)

// requiredScope maps an operation type to the Grant scope a non-owner
// actor must hold to perform it (spec §4.7).
func requiredScope(opType string) canon.Scope {
	switch opType {
	case "node.create", "artifact.create", "episode.create", "variable.create", "surface.create", "entity.create", "policy.create", "grant.create":
		return canon.ScopeWrite
	case "action_run.approve", "action_run.reject":
		return canon.ScopeApprove
	case "action_run.propose":
		return canon.ScopePropose
	default:
		return canon.ScopeWrite
	}
}

// authorize applies spec §4.7's authority rules. ownerNodeID is the
// node the target resource belongs to, resolved by resolveOwner
// before authorize is called.
func authorize(ctx context.Context, repos canon.Repositories, op Operation, ownerNodeID string) error {
	actor := op.Actor

	// Committing an execution outcome is not itself an authorizable
	// decision: the decision already happened at approval time, which
	// went through the full authorize() path above. The runtime is
	// only recording what the already-approved handler did.
	if op.Type == "action_run.execute" || op.Type == "observation.mergeTags" || op.Type == "observation.route" {
		return nil
	}

	switch actor.Kind {
	case canon.NodeKindObject:
		return kernelerr.Wrap(kernelerr.ErrAuthorization, "prism.authorize", op.Type,
			fmt.Errorf("object nodes never initiate operations"))

	case canon.NodeKindAgent:
		delegation, err := repos.Delegations().Get(ctx, actor.NodeID)
		if err != nil {
			return err
		}
		if delegation == nil || !delegation.Active(time.Now()) {
			return kernelerr.Wrap(kernelerr.ErrAuthorization, "prism.authorize", op.Type,
				fmt.Errorf("agent %s has no active delegation", actor.NodeID))
		}
		scope := string(requiredScope(op.Type))
		if !delegation.HasScope(scope) {
			return kernelerr.Wrap(kernelerr.ErrAuthorization, "prism.authorize", op.Type,
				fmt.Errorf("delegation lacks scope %q", scope))
		}
		if op.Type == "action_run.approve" || op.Type == "action_run.reject" {
			run, err := repos.ActionRuns().Get(ctx, resourceOrParamID(op))
			if err != nil {
				return err
			}
			if run == nil {
				return kernelerr.Wrap(kernelerr.ErrNotFound, "prism.authorize", resourceOrParamID(op), nil)
			}
			if err := authorizeActionRunDecision(op, run.RiskLevel, delegation); err != nil {
				return err
			}
		}
		return nil

	case canon.NodeKindSubject:
		if ownerNodeID == "" || actor.NodeID == ownerNodeID {
			return nil
		}
		grants, err := repos.Grants().ListActive(ctx, actor.NodeID, canon.ResourceType(op.ResourceType), op.ResourceID)
		if err != nil {
			return err
		}
		scope := requiredScope(op.Type)
		for _, g := range grants {
			if g.Scopes[scope] {
				return nil
			}
		}
		return kernelerr.Wrap(kernelerr.ErrAuthorization, "prism.authorize", op.Type,
			fmt.Errorf("no active grant covers %s:%s with scope %q", op.ResourceType, op.ResourceID, scope))

	default:
		return kernelerr.Wrap(kernelerr.ErrAuthorization, "prism.authorize", op.Type,
			fmt.Errorf("unknown actor kind %q", actor.Kind))
	}
}

// authorizeActionRunDecision applies the additional risk-ceiling rules
// an agent's delegation must satisfy to approve or reject an
// ActionRun: the delegation's MaxRiskLevel must cover the run's risk
// level, and critical-risk runs may never be approved by an agent
// regardless of ceiling (spec §4.5 "agents never approve critical
// risk").
func authorizeActionRunDecision(op Operation, riskLevel canon.RiskLevel, delegation *canon.AgentDelegation) error {
	if riskLevel == canon.RiskCritical {
		return kernelerr.Wrap(kernelerr.ErrAuthorization, "prism.authorize", op.Type,
			fmt.Errorf("agents may never approve or reject a critical-risk action run"))
	}
	if !riskLevel.AtMost(delegation.Constraints.MaxRiskLevel) {
		return kernelerr.Wrap(kernelerr.ErrAuthorization, "prism.authorize", op.Type,
			fmt.Errorf("action run risk %q exceeds delegation ceiling %q", riskLevel, delegation.Constraints.MaxRiskLevel))
	}
	return nil
}
