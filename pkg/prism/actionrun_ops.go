package prism

import (
	"context"
	"fmt"
	"time"

	"github.com/tbutler1132/omnilith/pkg/canon"
)

func applyActionRunApprove(ctx context.Context, repos canon.Repositories, op Operation) (any, error) {
	id := resourceOrParamID(op)
	run, err := repos.ActionRuns().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("action run %q not found", id)
	}
	if run.Status != canon.ActionRunPending {
		return nil, fmt.Errorf("action run %q is not pending (status %q)", id, run.Status)
	}

	approvedBy, _ := op.Params["approvedBy"].(string)
	method, _ := op.Params["method"].(canon.ApprovalMethod)
	if method == "" {
		method = canon.ApprovalManual
	}

	run.Status = canon.ActionRunApproved
	run.Approval = &canon.Approval{ApprovedBy: approvedBy, Method: method, At: nowFunc()}
	run.UpdatedAt = nowFunc()
	return repos.ActionRuns().Update(ctx, *run)
}

func applyActionRunReject(ctx context.Context, repos canon.Repositories, op Operation) (any, error) {
	id := resourceOrParamID(op)
	run, err := repos.ActionRuns().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("action run %q not found", id)
	}
	if run.Status != canon.ActionRunPending {
		return nil, fmt.Errorf("action run %q is not pending (status %q)", id, run.Status)
	}

	rejectedBy, _ := op.Params["rejectedBy"].(string)
	reason, _ := op.Params["reason"].(string)

	run.Status = canon.ActionRunRejected
	run.Rejection = &canon.Rejection{RejectedBy: rejectedBy, Reason: reason, At: nowFunc()}
	run.UpdatedAt = nowFunc()
	return repos.ActionRuns().Update(ctx, *run)
}

// applyActionRunExecute records the outcome of an execution performed
// by the caller (pkg/actionrun invokes the action handler itself,
// outside this transaction, then commits the result through Prism so
// the state transition and its audit trail are atomic).
func applyActionRunExecute(ctx context.Context, repos canon.Repositories, op Operation) (any, error) {
	id := resourceOrParamID(op)
	run, err := repos.ActionRuns().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("action run %q not found", id)
	}
	if run.Status != canon.ActionRunApproved {
		return nil, fmt.Errorf("action run %q is not approved (status %q)", id, run.Status)
	}

	startedAt, ok := op.Params["startedAt"].(time.Time)
	if !ok {
		startedAt = nowFunc()
	}
	result := op.Params["result"]
	execErr, _ := op.Params["error"].(string)
	completedAt := nowFunc()

	exec := &canon.Execution{
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
		Result:      result,
		Error:       execErr,
	}
	run.Execution = exec
	if execErr != "" {
		run.Status = canon.ActionRunFailed
	} else {
		run.Status = canon.ActionRunExecuted
	}
	run.UpdatedAt = nowFunc()
	return repos.ActionRuns().Update(ctx, *run)
}
