// Package kernelerr defines the sentinel error taxonomy shared by every
// kernel component. Components wrap one of these sentinels with op-level
// context via Wrap so callers can classify failures with errors.Is while
// still getting a human-readable message.
package kernelerr

import (
	"errors"
	"fmt"
)

// Sentinels. Errors that a kernel component classifies wrap exactly one
// of these so callers can branch on failure class without string
// matching. Not every error is classified: for example Prism's
// not-found errors from resolveOwner and policyctx's repository errors
// are plain errors with no sentinel.
var (
	// ErrValidation indicates malformed input: a canon write that fails
	// schema or invariant checks, a malformed effect payload, and so on.
	ErrValidation = errors.New("kernelerr: validation failed")

	// ErrAuthorization indicates a Prism commit was refused because the
	// requesting agent/subject lacks the authority for the operation.
	ErrAuthorization = errors.New("kernelerr: authorization denied")

	// ErrNotFound indicates a referenced entity does not exist in canon.
	ErrNotFound = errors.New("kernelerr: entity not found")

	// ErrConflict indicates an optimistic-concurrency or uniqueness
	// violation on a canon write.
	ErrConflict = errors.New("kernelerr: conflict")

	// ErrCompilation indicates a policy's CEL implementation failed to
	// compile or type-check.
	ErrCompilation = errors.New("kernelerr: policy compilation failed")

	// ErrInvalidEffect indicates an effect descriptor referenced a
	// handler that is not registered, or failed parameter validation.
	ErrInvalidEffect = errors.New("kernelerr: invalid effect")

	// ErrPolicyExecution indicates a compiled policy evaluated but
	// raised a runtime error (type mismatch, division by zero, etc).
	ErrPolicyExecution = errors.New("kernelerr: policy execution failed")

	// ErrTimeout indicates a policy evaluation or action execution
	// exceeded its configured deadline.
	ErrTimeout = errors.New("kernelerr: deadline exceeded")

	// ErrEffectExecution indicates a registered effect handler returned
	// an error while applying its side effect.
	ErrEffectExecution = errors.New("kernelerr: effect execution failed")

	// ErrActionExecution indicates a registered action handler returned
	// an error, or the ActionRun state machine was asked for an illegal
	// transition.
	ErrActionExecution = errors.New("kernelerr: action execution failed")
)

// KernelError annotates a sentinel with the operation that produced it
// and any entity identifiers relevant to diagnosing the failure.
type KernelError struct {
	Op     string // e.g. "policy.Compile", "prism.Commit"
	Entity string // entity id involved, if any
	Err    error  // one of the sentinels above, or a wrapped cause
}

func (e *KernelError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *KernelError) Unwrap() error { return e.Err }

// Wrap builds a KernelError rooted at sentinel, annotated with op and the
// entity id (empty string if not applicable). cause, if non-nil, is
// joined so errors.Is still matches sentinel while the original cause
// remains inspectable via errors.Unwrap chains.
func Wrap(sentinel error, op, entity string, cause error) *KernelError {
	err := sentinel
	if cause != nil {
		err = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return &KernelError{Op: op, Entity: entity, Err: err}
}
