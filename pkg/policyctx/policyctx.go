// Package policyctx implements the Policy Context Builder (C5): given
// an observation and a policy, it pre-fetches everything the policy's
// evaluation might read and assembles a read-only snapshot so that
// within one policy evaluation, consecutive reads return the same data
// (spec §9 "Canon accessor freshness").
package policyctx

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/config"
	"github.com/tbutler1132/omnilith/pkg/obstrace"
)

const (
	defaultObservationWindow = 24 * time.Hour
	defaultQueryLimit        = 100
	prefetchWindow           = 7 * 24 * time.Hour
)

// hardQueryLimit bounds how many observations QueryObservations will
// ever return regardless of what a policy asks for, taken from
// config.Default().ContextObservationLimit; the OMNILITH_CONTEXT_OBS_LIMIT
// override that config.FromEnv reads is not applied here.
var hardQueryLimit = config.Default().ContextObservationLimit

// NodeView is the node-scoped slice of the PolicyContext (spec §4.4:
// "node{id,kind,edges,grants}").
type NodeView struct {
	ID     string
	Kind   canon.NodeKind
	Edges  []canon.Edge
	Grants []canon.Grant
}

// VariableEstimate is a lazily computed point value for a Variable.
type VariableEstimate struct {
	Value      any
	Confidence float64
	DerivedAt  time.Time
}

// Estimates lazily and memoized computes VariableEstimates from the
// prefetched variables + observations, per spec §4.4.
type Estimates struct {
	evaluatedAt  time.Time
	variables    map[string]canon.Variable
	observations []canon.Observation
	memo         map[string]*VariableEstimate
}

// All computes and returns every known variable's estimate, keyed by
// variable id, skipping variables with no estimate available. Used to
// populate the CEL context's ctx.estimates map, which needs a
// precomputed snapshot rather than a callable accessor (spec §4.4).
func (e *Estimates) All() map[string]VariableEstimate {
	out := make(map[string]VariableEstimate, len(e.variables))
	for id := range e.variables {
		if est := e.Estimate(id); est != nil {
			out[id] = *est
		}
	}
	return out
}

// Estimate returns the estimate for variableID, or nil if unknown.
// Unlike CanonAccessor reads, this performs real computation on first
// call per variable and caches the result for the life of this
// Estimates (one policy evaluation).
func (e *Estimates) Estimate(variableID string) *VariableEstimate {
	if est, ok := e.memo[variableID]; ok {
		return est
	}

	v, ok := e.variables[variableID]
	if !ok {
		e.memo[variableID] = nil
		return nil
	}

	est := computeEstimate(v, e.observations, e.evaluatedAt)
	e.memo[variableID] = est
	return est
}

func computeEstimate(v canon.Variable, observations []canon.Observation, evaluatedAt time.Time) *VariableEstimate {
	if len(v.ComputeSpecs) == 0 {
		return nil
	}
	spec := v.ComputeSpecs[0]

	var sum float64
	var n int
	cutoff := evaluatedAt.Add(-time.Duration(spec.WindowHours) * time.Hour)
	for _, o := range observations {
		if o.NodeID != v.NodeID {
			continue
		}
		if spec.ObservationType != "" && o.Type != spec.ObservationType {
			continue
		}
		if spec.WindowHours > 0 && o.Timestamp.Before(cutoff) {
			continue
		}
		raw, ok := o.Payload[spec.Field]
		if !ok {
			continue
		}
		f, ok := toFloat(raw)
		if !ok {
			continue
		}
		sum += f
		n++
	}
	if n == 0 {
		return nil
	}
	return &VariableEstimate{
		Value:      sum / float64(n),
		Confidence: confidenceFor(n),
		DerivedAt:  evaluatedAt,
	}
}

func confidenceFor(sampleCount int) float64 {
	if sampleCount >= 10 {
		return 1.0
	}
	return float64(sampleCount) / 10.0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// CanonAccessor exposes synchronous read-only accessors over the
// prefetched snapshot (spec §4.4).
type CanonAccessor struct {
	ctx          context.Context
	repos        canon.Repositories
	nodeID       string
	observations []canon.Observation
	episodes     []canon.Episode
}

// GetArtifact reads through to the repository (artifacts are not bulk
// prefetched; spec §4.4 only lists node/edges/grants/variables/
// episodes/observations as prefetched).
func (a *CanonAccessor) GetArtifact(id string) (*canon.Artifact, error) {
	return a.repos.Artifacts().Get(a.ctx, id)
}

// GetEntity reads through to the Entity repository (C1). Entities
// support only create + appendEvent (spec §4.8), so this is the only
// Entity accessor a policy context exposes.
func (a *CanonAccessor) GetEntity(id string) (*canon.Entity, error) {
	return a.repos.Entities().Get(a.ctx, id)
}

// GetVariable reads through to the repository.
func (a *CanonAccessor) GetVariable(id string) (*canon.Variable, error) {
	return a.repos.Variables().Get(a.ctx, id)
}

// GetActiveEpisodes returns the node's active episodes as prefetched by
// Build — never a live repository call, so consecutive reads within one
// policy evaluation agree even if another commit changes episode state
// concurrently (spec §9 "Canon accessor freshness").
func (a *CanonAccessor) GetActiveEpisodes() []canon.Episode {
	return a.episodes
}

// QueryObservations filters the prefetched observation snapshot. It
// never hits the repository: everything it can return was already
// fetched at context-build time, per spec §4.4/§9.
func (a *CanonAccessor) QueryObservations(filter canon.ObservationFilter) []canon.Observation {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > hardQueryLimit {
		limit = hardQueryLimit
	}

	useWindow := filter.WindowHours == 0 && filter.Since == nil && filter.TimeRange == nil
	var cutoff time.Time
	if useWindow {
		cutoff = time.Now().Add(-defaultObservationWindow)
	}

	out := make([]canon.Observation, 0, len(a.observations))
	for _, o := range a.observations {
		if filter.Type != "" && o.Type != filter.Type {
			continue
		}
		if useWindow && o.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, o)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Context is the read-only PolicyContext handed to a compiled policy
// (spec §4.4): {observation, node, priorEffects, canon, estimates,
// evaluatedAt, policyId, priority}.
type Context struct {
	Observation  canon.Observation
	Node         NodeView
	PriorEffects []map[string]any
	Canon        *CanonAccessor
	Estimates    *Estimates
	EvaluatedAt  time.Time
	PolicyID     string
	Priority     int
}

// Build implements the Policy Context Builder (C5).
func Build(ctx context.Context, repos canon.Repositories, observation canon.Observation, policy canon.Policy, priorEffects []map[string]any, evaluatedAt time.Time) (*Context, error) {
	ctx, end := obstrace.Default().TrackOperation(ctx, "policyctx.Build", attribute.String("policy.id", policy.ID))
	pctx, err := build(ctx, repos, observation, policy, priorEffects, evaluatedAt)
	end(err)
	return pctx, err
}

func build(ctx context.Context, repos canon.Repositories, observation canon.Observation, policy canon.Policy, priorEffects []map[string]any, evaluatedAt time.Time) (*Context, error) {
	node, err := repos.Nodes().Get(ctx, observation.NodeID)
	if err != nil {
		return nil, fmt.Errorf("policyctx: get node: %w", err)
	}
	if node == nil {
		return nil, fmt.Errorf("policyctx: node %q not found", observation.NodeID)
	}

	edges, err := repos.Edges().List(ctx, node.ID)
	if err != nil {
		return nil, fmt.Errorf("policyctx: list edges: %w", err)
	}

	grants, err := repos.Grants().ListActive(ctx, node.ID, "", "")
	if err != nil {
		return nil, fmt.Errorf("policyctx: list grants: %w", err)
	}

	variables, err := repos.Variables().List(ctx, node.ID)
	if err != nil {
		return nil, fmt.Errorf("policyctx: list variables: %w", err)
	}
	variableByID := make(map[string]canon.Variable, len(variables))
	for _, v := range variables {
		variableByID[v.ID] = v
	}

	episodes, err := repos.Episodes().ListActive(ctx, node.ID)
	if err != nil {
		return nil, fmt.Errorf("policyctx: list episodes: %w", err)
	}

	since := evaluatedAt.Add(-prefetchWindow)
	observations, err := repos.Observations().List(ctx, canon.ObservationFilter{
		NodeID: node.ID,
		Since:  &since,
		Limit:  hardQueryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("policyctx: list observations: %w", err)
	}
	sort.Slice(observations, func(i, j int) bool {
		return observations[i].Timestamp.After(observations[j].Timestamp)
	})

	return &Context{
		Observation: observation,
		Node: NodeView{
			ID:     node.ID,
			Kind:   node.Kind,
			Edges:  edges,
			Grants: grants,
		},
		PriorEffects: priorEffects,
		Canon: &CanonAccessor{
			ctx:          ctx,
			repos:        repos,
			nodeID:       node.ID,
			observations: observations,
			episodes:     episodes,
		},
		Estimates: &Estimates{
			evaluatedAt:  evaluatedAt,
			variables:    variableByID,
			observations: observations,
			memo:         make(map[string]*VariableEstimate),
		},
		EvaluatedAt: evaluatedAt,
		PolicyID:    policy.ID,
		Priority:    policy.Priority,
	}, nil
}
