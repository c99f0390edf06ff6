// Package policy implements the Policy Compiler & Cache (C4). A
// policy's implementation is a CEL expression evaluating to a list of
// effect records given a PolicyContext. A single cel.Env is wrapped
// once and compiled cel.Program values are cached by policy id and
// source hash, with
// evaluation cost bounded via cel.CostLimit and
// cel.InterruptCheckFrequency for cooperative interruption.
package policy

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/effectreg"
	"github.com/tbutler1132/omnilith/pkg/kernelerr"
	"github.com/tbutler1132/omnilith/pkg/policyctx"
)

// interruptCheckFrequency matches cel_dp.go's choice: check for
// context cancellation every 100 CEL evaluation steps, giving
// cooperative interruption a bounded granularity without per-step
// overhead on every single comparison.
const interruptCheckFrequency = 100

// maxEvaluationCost bounds the CEL cost-accounting units a single
// policy invocation may spend, independent of the wall-clock timeout —
// the same defense-in-depth cel_dp.go applies against pathological
// expressions that are cheap per-step but iterate enormous inputs.
const maxEvaluationCost = 1_000_000

// Compiler compiles policy source into cached, callable programs. One
// Compiler wraps exactly one cel.Env.
type Compiler struct {
	env       *cel.Env
	effects   *effectreg.Registry
	mu        sync.RWMutex
	programs  map[string]cel.Program // keyed by policyId + "@" + sourceHash
}

// NewCompiler builds the shared CEL environment. The "ctx" variable is
// declared dyn because PolicyContext is a nested, schemaless structure
// (spec §3: "all payloads are schemaless structured values").
func NewCompiler(effects *effectreg.Registry) (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL env: %w", err)
	}
	return &Compiler{
		env:      env,
		effects:  effects,
		programs: make(map[string]cel.Program),
	}, nil
}

// CacheKey is the (policyId, sourceHash) cache key from spec §4.3.
func CacheKey(policyID, sourceHash string) string {
	return policyID + "@" + sourceHash
}

// Compile compiles source for policyID, caching the result under
// CacheKey(policyID, sourceHash). Recompiling with the same key
// returns the cached program without re-parsing.
func (c *Compiler) Compile(policyID, sourceHash, source string) (cel.Program, error) {
	key := CacheKey(policyID, sourceHash)

	c.mu.RLock()
	if prog, ok := c.programs[key]; ok {
		c.mu.RUnlock()
		return prog, nil
	}
	c.mu.RUnlock()

	if isBlank(source) {
		return nil, kernelerr.Wrap(kernelerr.ErrCompilation, "policy.Compile", policyID, fmt.Errorf("empty or whitespace-only source"))
	}

	ast, issues := c.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, kernelerr.Wrap(kernelerr.ErrCompilation, "policy.Compile", policyID, issues.Err())
	}

	prog, err := c.env.Program(ast,
		cel.CostLimit(maxEvaluationCost),
		cel.InterruptCheckFrequency(interruptCheckFrequency),
	)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.ErrCompilation, "policy.Compile", policyID, err)
	}

	c.mu.Lock()
	c.programs[key] = prog
	c.mu.Unlock()
	return prog, nil
}

// Invalidate drops the cached program for policyID+sourceHash, e.g.
// after a policy update (spec §4.3: "updates to a policy invalidate
// the cache entry").
func (c *Compiler) Invalidate(policyID, sourceHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.programs, CacheKey(policyID, sourceHash))
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// Invoke evaluates prog against pctx under timeout, returning the raw
// effect maps. The context's deadline is the primary cancellation path
// (spec §9's preference for a pre-emptive primitive where available);
// CEL's own cost accounting and InterruptCheckFrequency give a second,
// cooperative layer inside the evaluation itself, so a policy stuck in
// a CEL comprehension still yields periodically even before the
// context deadline fires.
func Invoke(ctx context.Context, prog cel.Program, pctx *policyctx.Context, timeout time.Duration) ([]map[string]any, error) {
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val ref.Val
		err error
	}
	done := make(chan result, 1)

	go func() {
		val, _, err := prog.ContextEval(evalCtx, map[string]any{"ctx": toCELMap(pctx)})
		done <- result{val: val, err: err}
	}()

	select {
	case <-evalCtx.Done():
		return nil, kernelerr.Wrap(kernelerr.ErrTimeout, "policy.Invoke", pctx.PolicyID, evalCtx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, kernelerr.Wrap(kernelerr.ErrPolicyExecution, "policy.Invoke", pctx.PolicyID, r.err)
		}
		effects, err := toEffectMaps(r.val)
		if err != nil {
			return nil, kernelerr.Wrap(kernelerr.ErrPolicyExecution, "policy.Invoke", pctx.PolicyID, err)
		}
		return effects, nil
	}
}

var anySliceType = reflect.TypeOf([]any{})

func toEffectMaps(val ref.Val) ([]map[string]any, error) {
	native, err := val.ConvertToNative(anySliceType)
	if err != nil {
		return nil, fmt.Errorf("policy implementation must return a list of effect records: %w", err)
	}
	items, ok := native.([]any)
	if !ok {
		return nil, fmt.Errorf("policy implementation must return a list of effect records")
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("policy implementation must return effect records as maps")
		}
		out = append(out, m)
	}
	return out, nil
}

// toCELMap flattens a *policyctx.Context into the plain map CEL
// evaluates against. canon and estimates are embedded as precomputed
// data snapshots rather than as callable accessors: CEL programs can
// only invoke functions registered against the env at construction
// time, not arbitrary Go closures bound to a single invocation's
// *policyctx.Context, so "ctx.canon.queryObservations(...)" becomes
// "ctx.canon.observations" (already windowed/limited exactly as
// QueryObservations would apply its defaults) and
// "ctx.estimates.estimate(variableId)" becomes "ctx.estimates[variableId]".
func toCELMap(pctx *policyctx.Context) map[string]any {
	grants := make([]map[string]any, 0, len(pctx.Node.Grants))
	for _, g := range pctx.Node.Grants {
		grants = append(grants, map[string]any{
			"id":           g.ID,
			"resourceType": string(g.ResourceType),
			"resourceId":   g.ResourceID,
		})
	}

	edges := make([]map[string]any, 0, len(pctx.Node.Edges))
	for _, e := range pctx.Node.Edges {
		edges = append(edges, map[string]any{
			"id":       e.ID,
			"toNodeId": e.ToNodeID,
			"type":     e.Type,
		})
	}

	return map[string]any{
		"observation": map[string]any{
			"id":        pctx.Observation.ID,
			"nodeId":    pctx.Observation.NodeID,
			"type":      pctx.Observation.Type,
			"payload":   anyMap(pctx.Observation.Payload),
			"tags":      pctx.Observation.Tags,
			"timestamp": pctx.Observation.Timestamp.Format(time.RFC3339Nano),
		},
		"node": map[string]any{
			"id":     pctx.Node.ID,
			"kind":   string(pctx.Node.Kind),
			"edges":  edges,
			"grants": grants,
		},
		"priorEffects": pctx.PriorEffects,
		"canon":        toCELCanonMap(pctx),
		"estimates":    toCELEstimatesMap(pctx),
		"policyId":     pctx.PolicyID,
		"priority":     pctx.Priority,
		"evaluatedAt":  pctx.EvaluatedAt.Format(time.RFC3339Nano),
	}
}

// toCELCanonMap precomputes the observation and episode snapshots a
// policy's ctx.canon reads from (spec §4.4 "canon accessor").
func toCELCanonMap(pctx *policyctx.Context) map[string]any {
	observations := pctx.Canon.QueryObservations(canon.ObservationFilter{})
	obsMaps := make([]map[string]any, 0, len(observations))
	for _, o := range observations {
		obsMaps = append(obsMaps, map[string]any{
			"id":        o.ID,
			"nodeId":    o.NodeID,
			"type":      o.Type,
			"payload":   anyMap(o.Payload),
			"tags":      o.Tags,
			"timestamp": o.Timestamp.Format(time.RFC3339Nano),
		})
	}

	episodes := pctx.Canon.GetActiveEpisodes()
	epMaps := make([]map[string]any, 0, len(episodes))
	for _, e := range episodes {
		epMaps = append(epMaps, map[string]any{
			"id":          e.ID,
			"kind":        string(e.Kind),
			"status":      string(e.Status),
			"variableIds": e.VariableIDs,
		})
	}

	return map[string]any{
		"observations":   obsMaps,
		"activeEpisodes": epMaps,
	}
}

// toCELEstimatesMap precomputes every known variable's estimate, keyed
// by variable id, for ctx.estimates (spec §4.4).
func toCELEstimatesMap(pctx *policyctx.Context) map[string]any {
	all := pctx.Estimates.All()
	out := make(map[string]any, len(all))
	for id, est := range all {
		out[id] = map[string]any{
			"value":      est.Value,
			"confidence": est.Confidence,
			"derivedAt":  est.DerivedAt.Format(time.RFC3339Nano),
		}
	}
	return out
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
