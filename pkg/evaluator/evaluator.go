// Package evaluator implements the Policy Evaluator (C6): orders
// matching policies by priority, runs each with accumulated
// prior-effects, enforces a per-policy timeout, accumulates effects,
// and detects suppression (spec §4.5).
package evaluator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/canonicalize"
	"github.com/tbutler1132/omnilith/pkg/obstrace"
	"github.com/tbutler1132/omnilith/pkg/policy"
	"github.com/tbutler1132/omnilith/pkg/policyctx"
)

// PolicyResult records one policy's outcome within a single
// evaluation run.
type PolicyResult struct {
	PolicyID   string
	Effects    []map[string]any
	Err        error
	DurationMs int64
}

// Result is the outcome of evaluating every matching policy for one
// observation (spec §4.5 step 5).
type Result struct {
	Effects              []map[string]any
	Suppressed           bool
	SuppressReason       string
	SuppressedByPolicyID string
	PolicyResults        []PolicyResult
	TotalDurationMs      int64
}

// Evaluate runs the Policy Evaluator over policies matching
// observation.Type in ascending priority order, ties broken by policy
// id. It sorts a copy, so the caller's slice is left as given.
func Evaluate(ctx context.Context, repos canon.Repositories, compiler *policy.Compiler, observation canon.Observation, policies []canon.Policy, timeout time.Duration) (Result, error) {
	ctx, end := obstrace.Default().TrackOperation(ctx, "evaluator.Evaluate",
		attribute.String("observation.type", observation.Type))
	var outErr error
	defer func() { end(outErr) }()

	start := time.Now()

	policies = append([]canon.Policy(nil), policies...)
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority < policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})

	var priorEffects []map[string]any
	var policyResults []PolicyResult
	suppressed := false
	var suppressReason, suppressedByPolicyID string

	for _, p := range policies {
		if suppressed {
			break
		}

		pStart := time.Now()
		evaluatedAt := time.Now()

		pctx, err := policyctx.Build(ctx, repos, observation, p, priorEffects, evaluatedAt)
		if err != nil {
			policyResults = append(policyResults, PolicyResult{PolicyID: p.ID, Err: err, DurationMs: msSince(pStart)})
			continue
		}

		sourceHash, err := canonicalize.Digest(p.Implementation)
		if err != nil {
			policyResults = append(policyResults, PolicyResult{PolicyID: p.ID, Err: err, DurationMs: msSince(pStart)})
			continue
		}

		prog, err := compiler.Compile(p.ID, hashKey(sourceHash), p.Implementation)
		if err != nil {
			policyResults = append(policyResults, PolicyResult{PolicyID: p.ID, Err: err, DurationMs: msSince(pStart)})
			continue
		}

		effects, err := policy.Invoke(ctx, prog, pctx, timeout)
		if err != nil {
			policyResults = append(policyResults, PolicyResult{PolicyID: p.ID, Err: err, DurationMs: msSince(pStart)})
			continue
		}

		if err := compiler.ValidateEffects(p.ID, effects); err != nil {
			policyResults = append(policyResults, PolicyResult{PolicyID: p.ID, Err: err, DurationMs: msSince(pStart)})
			continue
		}

		policyResults = append(policyResults, PolicyResult{PolicyID: p.ID, Effects: effects, DurationMs: msSince(pStart)})
		priorEffects = append(priorEffects, effects...)

		for _, e := range effects {
			if t, _ := e["type"].(string); t == "suppress" {
				suppressed = true
				suppressedByPolicyID = p.ID
				suppressReason, _ = e["reason"].(string)
				break
			}
		}
	}

	return Result{
		Effects:              priorEffects,
		Suppressed:           suppressed,
		SuppressReason:       suppressReason,
		SuppressedByPolicyID: suppressedByPolicyID,
		PolicyResults:        policyResults,
		TotalDurationMs:      msSince(start),
	}, nil
}

func msSince(t time.Time) int64 { return time.Since(t).Milliseconds() }

func hashKey(digest string) string {
	sum := sha256.Sum256([]byte(digest))
	return hex.EncodeToString(sum[:])
}
