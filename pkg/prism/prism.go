// Package prism implements the Commit Boundary (C9): the single path
// by which any mutation to canon state takes effect. Every write —
// whether initiated by a human, a policy effect, or an action
// execution — is expressed as an Operation and run through Execute,
// which resolves the actor, validates the operation's shape,
// authorizes it, applies it transactionally, and appends an audit
// entry, win or lose (spec §4.8).
package prism

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/config"
	"github.com/tbutler1132/omnilith/pkg/kernelerr"
	"github.com/tbutler1132/omnilith/pkg/obstrace"
)

// NewBatchID mints a fresh identifier for ExecuteBatch. Batch IDs only
// need to be unique enough to group a batch's audit entries together;
// a random UUID is simpler than threading a sequence counter through
// every caller that wants to run a batch.
func NewBatchID() string {
	return uuid.NewString()
}

// prismRetryMax bounds how many times Execute retries a commit that
// failed on an optimistic-concurrency conflict, taken from
// config.Default().PrismRetryMax; the OMNILITH_PRISM_RETRY_MAX override
// that config.FromEnv reads is not applied here. A conflict means
// another commit touched the same resource between resolveOwner and
// the write; retrying re-reads the current state from scratch.
var prismRetryMax = config.Default().PrismRetryMax

// Operation is a single requested mutation against canon state.
type Operation struct {
	Type         string
	Actor        canon.Actor
	ResourceType string
	ResourceID   string
	CausedBy     canon.CausedBy
	Params       map[string]any
}

// Result is Execute's outcome.
type Result struct {
	Success bool
	Data    any
	Err     error
	Audit   canon.AuditEntry
}

// Execute runs op to completion: validate shape, resolve and
// authorize the actor, apply the mutation inside a single
// transaction, and append an audit entry. A successful audit entry is
// written inside the transaction (it commits atomically with the
// mutation); a failing operation's audit entry is appended outside any
// transaction so it survives the rollback (spec §4.8 "failure is
// itself an auditable fact").
func Execute(ctx context.Context, repos canon.Repositories, op Operation) Result {
	ctx, end := obstrace.Default().TrackOperation(ctx, "prism.Execute", attribute.String("operation.type", op.Type))
	res := executeTraced(ctx, repos, op)
	end(res.Err)
	return res
}

func executeTraced(ctx context.Context, repos canon.Repositories, op Operation) Result {
	if op.Actor.NodeID != "" {
		actor, err := repos.Nodes().Get(ctx, op.Actor.NodeID)
		if err != nil {
			return fail(ctx, repos, op, kernelerr.Wrap(kernelerr.ErrActionExecution, "prism.Execute", op.Actor.NodeID, err))
		}
		if actor == nil {
			return fail(ctx, repos, op, kernelerr.Wrap(kernelerr.ErrAuthorization, "prism.Execute", op.Actor.NodeID, fmt.Errorf("actor node does not exist")))
		}
		op.Actor.Kind = actor.Kind
	}

	if err := validateShape(op); err != nil {
		return fail(ctx, repos, op, kernelerr.Wrap(kernelerr.ErrValidation, "prism.Execute", op.Type, err))
	}

	var data any
	var committed canon.AuditEntry
	var txErr error
	var err error

	for attempt := 0; attempt <= prismRetryMax; attempt++ {
		err = repos.Transaction(ctx, func(ctx context.Context, tx canon.Repositories) error {
			ownerNodeID, err := resolveOwner(ctx, tx, op)
			if err != nil {
				txErr = err
				return err
			}

			if err := authorize(ctx, tx, op, ownerNodeID); err != nil {
				txErr = err
				return err
			}

			result, err := apply(ctx, tx, op)
			if err != nil {
				txErr = err
				return err
			}
			data = result

			entry := buildAuditEntry(op, ownerNodeID, true, "")
			recorded, err := tx.Audit().Append(ctx, entry)
			if err != nil {
				txErr = err
				return err
			}
			committed = recorded
			return nil
		})

		if err == nil || !errors.Is(txErr, kernelerr.ErrConflict) {
			break
		}
	}

	if err != nil {
		cause := txErr
		if cause == nil {
			cause = err
		}
		entry := buildAuditEntry(op, op.ResourceID, false, cause.Error())
		// Best effort: record the failure even though the mutation it
		// describes was rolled back. A repository error here is not
		// itself retried — audit durability beyond this call is the
		// repository adapter's concern.
		recorded, aerr := repos.Audit().Append(ctx, entry)
		if aerr == nil {
			entry = recorded
		}
		return Result{Success: false, Err: cause, Audit: entry}
	}

	return Result{Success: true, Data: data, Audit: committed}
}

// ExecuteBatch runs every operation inside a single shared
// transaction. If any operation fails, all of the batch's writes roll
// back together; every operation's audit entry (including those that
// had already "succeeded" before the failing one) is still appended,
// tagged with a shared BatchID and RolledBack true, so the audit log
// reflects what was attempted even though none of it was retained
// (spec §4.8 batch semantics).
func ExecuteBatch(ctx context.Context, repos canon.Repositories, batchID string, ops []Operation) []Result {
	ctx, end := obstrace.Default().TrackOperation(ctx, "prism.ExecuteBatch", attribute.Int("batch.size", len(ops)))
	results := executeBatchTraced(ctx, repos, batchID, ops)
	var batchErr error
	for _, r := range results {
		if r.Err != nil {
			batchErr = r.Err
			break
		}
	}
	end(batchErr)
	return results
}

func executeBatchTraced(ctx context.Context, repos canon.Repositories, batchID string, ops []Operation) []Result {
	results := make([]Result, len(ops))
	var failedAt = -1

	err := repos.Transaction(ctx, func(ctx context.Context, tx canon.Repositories) error {
		for i, op := range ops {
			op.CausedBy.BatchID = batchID

			if op.Actor.NodeID != "" {
				actor, err := tx.Nodes().Get(ctx, op.Actor.NodeID)
				if err == nil && actor == nil {
					err = kernelerr.Wrap(kernelerr.ErrAuthorization, "prism.ExecuteBatch", op.Actor.NodeID, fmt.Errorf("actor node does not exist"))
				}
				if err != nil {
					failedAt = i
					results[i] = Result{Success: false, Err: err}
					return err
				}
				op.Actor.Kind = actor.Kind
			}

			ownerNodeID, err := resolveOwner(ctx, tx, op)
			if err != nil {
				failedAt = i
				results[i] = Result{Success: false, Err: err}
				return err
			}
			if err := validateShape(op); err != nil {
				failedAt = i
				results[i] = Result{Success: false, Err: err}
				return err
			}
			if err := authorize(ctx, tx, op, ownerNodeID); err != nil {
				failedAt = i
				results[i] = Result{Success: false, Err: err}
				return err
			}
			data, err := apply(ctx, tx, op)
			if err != nil {
				failedAt = i
				results[i] = Result{Success: false, Err: err}
				return err
			}

			entry := buildAuditEntry(op, ownerNodeID, true, "")
			entry.BatchID = batchID
			recorded, err := tx.Audit().Append(ctx, entry)
			if err != nil {
				failedAt = i
				results[i] = Result{Success: false, Err: err}
				return err
			}
			results[i] = Result{Success: true, Data: data, Audit: recorded}
		}
		return nil
	})

	if err == nil {
		return results
	}

	for i, op := range ops {
		op.CausedBy.BatchID = batchID
		errMsg := ""
		if i == failedAt && results[i].Err != nil {
			errMsg = results[i].Err.Error()
		} else if i > failedAt {
			errMsg = "not attempted: prior operation in batch failed"
		}
		entry := buildAuditEntry(op, op.ResourceID, false, errMsg)
		entry.BatchID = batchID
		entry.RolledBack = true
		recorded, aerr := repos.Audit().Append(ctx, entry)
		if aerr == nil {
			results[i].Audit = recorded
		}
		if results[i].Err == nil {
			results[i].Err = err
		}
	}
	return results
}

// fail appends the audit entry for an operation rejected before its
// transaction opened, on the same best-effort terms as a rolled-back one.
func fail(ctx context.Context, repos canon.Repositories, op Operation, err error) Result {
	entry := buildAuditEntry(op, op.ResourceID, false, err.Error())
	if recorded, aerr := repos.Audit().Append(ctx, entry); aerr == nil {
		entry = recorded
	}
	return Result{Success: false, Err: err, Audit: entry}
}

func buildAuditEntry(op Operation, resourceID string, success bool, errMsg string) canon.AuditEntry {
	return canon.AuditEntry{
		Timestamp:     time.Now(),
		NodeID:        op.Actor.NodeID,
		Actor:         op.Actor,
		OperationType: op.Type,
		ResourceType:  op.ResourceType,
		ResourceID:    resourceID,
		Details:       sanitize(op.Params),
		CausedBy:      op.CausedBy,
		Success:       success,
		Error:         errMsg,
	}
}
