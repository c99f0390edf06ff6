// Package actionrun implements the ActionRun Lifecycle (C8):
// proposing, approving or rejecting, and executing an ActionRun, with
// every state transition committed through Prism (spec §4.5, §4.7).
package actionrun

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tbutler1132/omnilith/pkg/actionreg"
	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/kernelerr"
	"github.com/tbutler1132/omnilith/pkg/obstrace"
	"github.com/tbutler1132/omnilith/pkg/prism"
)

// ErrNoHandler classifies a missing action handler. Propose returns it
// (wrapped) for an unregistered action type; Execute does not return it
// but records its message as the failed run's execution error.
var ErrNoHandler = kernelerr.ErrActionExecution

// Propose creates a pending ActionRun for actionType, resolving its
// risk level from the Action Registry. A policy may escalate the risk
// level it declares relative to the registry's default but never
// de-escalate below it (spec §4.5 "a policy may only raise, never
// lower, the risk a registered action is executed at"). Low-risk,
// policy-initiated proposals auto-approve immediately (spec §4.5
// "auto-approval").
func Propose(ctx context.Context, repos canon.Repositories, actions *actionreg.Registry, nodeID string, action canon.ActionDescriptor, declaredRisk canon.RiskLevel, proposedBy canon.ProposedBy) (canon.ActionRun, error) {
	ctx, end := obstrace.Default().TrackOperation(ctx, "actionrun.Propose", attribute.String("action.type", action.ActionType))
	run, err := propose(ctx, repos, actions, nodeID, action, declaredRisk, proposedBy)
	end(err)
	return run, err
}

func propose(ctx context.Context, repos canon.Repositories, actions *actionreg.Registry, nodeID string, action canon.ActionDescriptor, declaredRisk canon.RiskLevel, proposedBy canon.ProposedBy) (canon.ActionRun, error) {
	registeredRisk, ok := actions.RiskLevel(action.ActionType)
	if !ok {
		return canon.ActionRun{}, kernelerr.Wrap(ErrNoHandler, "actionrun.Propose", action.ActionType, fmt.Errorf("action type is not registered"))
	}

	riskLevel := registeredRisk
	if declaredRisk != "" && !declaredRisk.AtMost(registeredRisk) {
		riskLevel = declaredRisk
	}

	run := canon.ActionRun{
		NodeID:     nodeID,
		ProposedBy: proposedBy,
		Action:     action,
		RiskLevel:  riskLevel,
		Status:     canon.ActionRunPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	created, err := repos.ActionRuns().Create(ctx, run)
	if err != nil {
		return canon.ActionRun{}, err
	}

	if riskLevel == canon.RiskLow && proposedBy.PolicyID != "" {
		return autoApprove(ctx, repos, created)
	}
	return created, nil
}

func autoApprove(ctx context.Context, repos canon.Repositories, run canon.ActionRun) (canon.ActionRun, error) {
	op := prism.Operation{
		Type:         "action_run.approve",
		Actor:        canon.Actor{NodeID: run.NodeID, Kind: canon.NodeKindSubject, Method: canon.ActorAuto},
		ResourceType: string(canon.ResourceActionRun),
		ResourceID:   run.ID,
		CausedBy:     canon.CausedBy{PolicyID: run.ProposedBy.PolicyID, ObservationID: run.ProposedBy.ObservationID, ActionRunID: run.ID},
		Params: map[string]any{
			"id":         run.ID,
			"approvedBy": run.NodeID,
			"method":     canon.ApprovalAuto,
		},
	}
	res := prism.Execute(ctx, repos, op)
	if res.Err != nil {
		return canon.ActionRun{}, res.Err
	}
	updated, _ := res.Data.(canon.ActionRun)
	return updated, nil
}

// Approve routes a manual approval decision through Prism, enforcing
// the authority rules in pkg/prism/authz.go (ownership, delegation
// scope, risk ceiling, the critical-risk agent veto).
func Approve(ctx context.Context, repos canon.Repositories, runID string, approver canon.Actor) (canon.ActionRun, error) {
	ctx, end := obstrace.Default().TrackOperation(ctx, "actionrun.Approve", attribute.String("action_run.id", runID))
	result, err := approve(ctx, repos, runID, approver)
	end(err)
	return result, err
}

func approve(ctx context.Context, repos canon.Repositories, runID string, approver canon.Actor) (canon.ActionRun, error) {
	run, err := repos.ActionRuns().Get(ctx, runID)
	if err != nil {
		return canon.ActionRun{}, err
	}
	if run == nil {
		return canon.ActionRun{}, kernelerr.Wrap(kernelerr.ErrNotFound, "actionrun.Approve", runID, nil)
	}

	op := prism.Operation{
		Type:         "action_run.approve",
		Actor:        approver,
		ResourceType: string(canon.ResourceActionRun),
		ResourceID:   runID,
		CausedBy:     canon.CausedBy{ActionRunID: runID},
		Params: map[string]any{
			"id":         runID,
			"approvedBy": approver.NodeID,
			"method":     canon.ApprovalManual,
			"riskLevel":  run.RiskLevel,
		},
	}
	res := prism.Execute(ctx, repos, op)
	if res.Err != nil {
		return canon.ActionRun{}, res.Err
	}
	updated, _ := res.Data.(canon.ActionRun)
	return updated, nil
}

// Reject routes a manual rejection through Prism.
func Reject(ctx context.Context, repos canon.Repositories, runID, reason string, rejector canon.Actor) (canon.ActionRun, error) {
	ctx, end := obstrace.Default().TrackOperation(ctx, "actionrun.Reject", attribute.String("action_run.id", runID))
	result, err := reject(ctx, repos, runID, reason, rejector)
	end(err)
	return result, err
}

func reject(ctx context.Context, repos canon.Repositories, runID, reason string, rejector canon.Actor) (canon.ActionRun, error) {
	run, err := repos.ActionRuns().Get(ctx, runID)
	if err != nil {
		return canon.ActionRun{}, err
	}
	if run == nil {
		return canon.ActionRun{}, kernelerr.Wrap(kernelerr.ErrNotFound, "actionrun.Reject", runID, nil)
	}

	op := prism.Operation{
		Type:         "action_run.reject",
		Actor:        rejector,
		ResourceType: string(canon.ResourceActionRun),
		ResourceID:   runID,
		CausedBy:     canon.CausedBy{ActionRunID: runID},
		Params: map[string]any{
			"id":         runID,
			"rejectedBy": rejector.NodeID,
			"reason":     reason,
			"riskLevel":  run.RiskLevel,
		},
	}
	res := prism.Execute(ctx, repos, op)
	if res.Err != nil {
		return canon.ActionRun{}, res.Err
	}
	updated, _ := res.Data.(canon.ActionRun)
	return updated, nil
}

// Execute runs an approved ActionRun's handler under timeout, then
// commits the outcome through Prism regardless of whether the handler
// succeeded — a failed execution is as auditable as a successful one
// (spec §4.5 "execution outcome, including failure, is committed").
// Params that fail the action's registered schema fail the run without
// invoking the handler.
func Execute(ctx context.Context, repos canon.Repositories, actions *actionreg.Registry, runID string, actor canon.Actor, timeout time.Duration) (canon.ActionRun, error) {
	ctx, end := obstrace.Default().TrackOperation(ctx, "actionrun.Execute", attribute.String("action_run.id", runID))
	result, err := execute(ctx, repos, actions, runID, actor, timeout)
	end(err)
	return result, err
}

func execute(ctx context.Context, repos canon.Repositories, actions *actionreg.Registry, runID string, actor canon.Actor, timeout time.Duration) (canon.ActionRun, error) {
	run, err := repos.ActionRuns().Get(ctx, runID)
	if err != nil {
		return canon.ActionRun{}, err
	}
	if run == nil {
		return canon.ActionRun{}, kernelerr.Wrap(kernelerr.ErrNotFound, "actionrun.Execute", runID, nil)
	}
	if run.Status != canon.ActionRunApproved {
		return canon.ActionRun{}, kernelerr.Wrap(kernelerr.ErrActionExecution, "actionrun.Execute", runID, fmt.Errorf("action run is not approved (status %q)", run.Status))
	}

	handler, _, ok := actions.Lookup(run.Action.ActionType)
	if !ok {
		return commitExecution(ctx, repos, run.ID, time.Now(), nil, ErrNoHandler.Error())
	}
	if err := actions.Validate(run.Action.ActionType, run.Action.Params); err != nil {
		return commitExecution(ctx, repos, run.ID, time.Now(), nil, err.Error())
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	started := time.Now()

	go func() {
		result, err := handler(execCtx, run.Action.Params, actionreg.Context{ActionRunID: run.ID, NodeID: run.NodeID})
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-execCtx.Done():
		return commitExecution(ctx, repos, run.ID, started, nil, execCtx.Err().Error())
	case o := <-done:
		errMsg := ""
		if o.err != nil {
			errMsg = o.err.Error()
		}
		return commitExecution(ctx, repos, run.ID, started, o.result, errMsg)
	}
}

func commitExecution(ctx context.Context, repos canon.Repositories, runID string, startedAt time.Time, result any, errMsg string) (canon.ActionRun, error) {
	op := prism.Operation{
		Type:         "action_run.execute",
		Actor:        canon.Actor{NodeID: "", Method: canon.ActorAuto},
		ResourceType: string(canon.ResourceActionRun),
		ResourceID:   runID,
		CausedBy:     canon.CausedBy{ActionRunID: runID},
		Params: map[string]any{
			"id":        runID,
			"startedAt": startedAt,
			"result":    result,
			"error":     errMsg,
		},
	}
	res := prism.Execute(ctx, repos, op)
	if res.Err != nil {
		return canon.ActionRun{}, res.Err
	}
	updated, _ := res.Data.(canon.ActionRun)
	return updated, nil
}
