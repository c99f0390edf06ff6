// Package effects implements the Effect Executor (C7): it takes the
// effect records a Policy Evaluator run accumulated and applies each
// one, routing every canon mutation through Prism so the same commit
// boundary, authorization, and audit trail govern policy-driven writes
// as govern any other (spec §4.6).
package effects

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tbutler1132/omnilith/pkg/actionreg"
	"github.com/tbutler1132/omnilith/pkg/actionrun"
	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/effectreg"
	"github.com/tbutler1132/omnilith/pkg/kernelerr"
	"github.com/tbutler1132/omnilith/pkg/obslog"
	"github.com/tbutler1132/omnilith/pkg/obstrace"
	"github.com/tbutler1132/omnilith/pkg/prism"
)

// RouteObservationMode governs how a route_observation effect treats
// the resulting observation's provenance. Spec §9 leaves this an open
// question; SPEC_FULL.md resolves it by defaulting to RouteRetain
// (verbatim provenance), with RouteRewrite available for operators who
// want routed observations to read as synthetic in the target node's
// own timeline.
type RouteObservationMode string

const (
	RouteRetain  RouteObservationMode = "retain"
	RouteRewrite RouteObservationMode = "rewrite"
)

// Result records one effect's dispatch outcome.
type Result struct {
	EffectType string
	Err        error
}

// Executor dispatches effect records produced by the Policy Evaluator.
type Executor struct {
	repos     canon.Repositories
	effects   *effectreg.Registry
	actions   *actionreg.Registry
	logger    *slog.Logger
	routeMode RouteObservationMode
}

// NewExecutor builds an Executor. A nil logger defaults to
// obslog.Discard(), and an empty routeMode to RouteRetain.
func NewExecutor(repos canon.Repositories, effects *effectreg.Registry, actions *actionreg.Registry, logger *slog.Logger, routeMode RouteObservationMode) *Executor {
	if logger == nil {
		logger = obslog.Discard()
	}
	if routeMode == "" {
		routeMode = RouteRetain
	}
	return &Executor{repos: repos, effects: effects, actions: actions, logger: logger, routeMode: routeMode}
}

// ExecuteAll dispatches every effect in order, continuing past a
// single effect's failure (spec §4.6 "one effect's failure does not
// prevent the rest from applying") unless continueOnError is false.
func (e *Executor) ExecuteAll(ctx context.Context, effectList []map[string]any, ectx effectreg.Context, continueOnError bool) []Result {
	ctx, end := obstrace.Default().TrackOperation(ctx, "effects.ExecuteAll", attribute.Int("effect.count", len(effectList)))
	results := e.executeAll(ctx, effectList, ectx, continueOnError)
	var err error
	for _, r := range results {
		if r.Err != nil {
			err = r.Err
			break
		}
	}
	end(err)
	return results
}

func (e *Executor) executeAll(ctx context.Context, effectList []map[string]any, ectx effectreg.Context, continueOnError bool) []Result {
	results := make([]Result, 0, len(effectList))
	for _, effect := range effectList {
		t, _ := effect["type"].(string)
		err := e.dispatch(ctx, effect, ectx)
		results = append(results, Result{EffectType: t, Err: err})
		if err != nil && !continueOnError {
			break
		}
	}
	return results
}

func (e *Executor) dispatch(ctx context.Context, effect map[string]any, ectx effectreg.Context) error {
	t, _ := effect["type"].(string)
	switch t {
	case "log":
		return e.handleLog(ctx, effect, ectx)
	case "tag_observation":
		return e.handleTagObservation(ctx, effect, ectx)
	case "route_observation":
		return e.handleRouteObservation(ctx, effect, ectx)
	case "create_entity_event":
		return e.handleCreateEntityEvent(ctx, effect, ectx)
	case "propose_action":
		return e.handleProposeAction(ctx, effect, ectx)
	case "suppress":
		// Suppression is enforced by the evaluator itself (it stops
		// evaluating further policies); the Effect Executor has
		// nothing further to apply.
		return nil
	default:
		if effectreg.IsNamespaced(t) {
			handler, ok := e.effects.Lookup(t)
			if !ok {
				return kernelerr.Wrap(kernelerr.ErrInvalidEffect, "effects.dispatch", t, fmt.Errorf("no handler registered"))
			}
			if err := handler(ctx, paramsOf(effect), ectx); err != nil {
				return kernelerr.Wrap(kernelerr.ErrEffectExecution, "effects.dispatch", t, err)
			}
			return nil
		}
		return kernelerr.Wrap(kernelerr.ErrInvalidEffect, "effects.dispatch", t, fmt.Errorf("unknown effect type"))
	}
}

func paramsOf(e map[string]any) map[string]any {
	if p, ok := e["params"].(map[string]any); ok {
		return p
	}
	return e
}

// handleLog writes message at the effect's level ("debug", "info",
// "warn" or "error"); a missing or unrecognized level logs at info.
func (e *Executor) handleLog(ctx context.Context, effect map[string]any, ectx effectreg.Context) error {
	message, _ := effect["message"].(string)
	level := slog.LevelInfo
	if s, ok := effect["level"].(string); ok {
		if err := level.UnmarshalText([]byte(s)); err != nil {
			level = slog.LevelInfo
		}
	}
	e.logger.Log(ctx, level, message,
		"policyId", ectx.PolicyID,
		"observationId", ectx.ObservationID,
		"nodeId", ectx.NodeID,
	)
	return nil
}

func (e *Executor) handleTagObservation(ctx context.Context, effect map[string]any, ectx effectreg.Context) error {
	rawTags, _ := effect["tags"].([]any)
	tags := make([]string, 0, len(rawTags))
	for _, t := range rawTags {
		if s, ok := t.(string); ok {
			tags = append(tags, s)
		}
	}

	op := prism.Operation{
		Type:         "observation.mergeTags",
		Actor:        canon.Actor{Method: canon.ActorAuto},
		ResourceType: string(canon.ResourceObservation),
		ResourceID:   ectx.ObservationID,
		CausedBy:     canon.CausedBy{ObservationID: ectx.ObservationID, PolicyID: ectx.PolicyID},
		Params:       map[string]any{"id": ectx.ObservationID, "tags": tags},
	}
	res := prism.Execute(ctx, e.repos, op)
	return res.Err
}

func (e *Executor) handleRouteObservation(ctx context.Context, effect map[string]any, ectx effectreg.Context) error {
	toNodeID, _ := effect["toNodeId"].(string)

	original, err := e.repos.Observations().Get(ctx, ectx.ObservationID)
	if err != nil {
		return err
	}
	if original == nil {
		return fmt.Errorf("route_observation: source observation %q not found", ectx.ObservationID)
	}

	provenance := original.Provenance
	if e.routeMode == RouteRewrite {
		provenance = canon.Provenance{SourceID: original.NodeID, Origin: canon.OriginSynthetic, Method: "route_observation"}
	}

	routed := canon.Observation{
		NodeID:     toNodeID,
		Type:       original.Type,
		Timestamp:  original.Timestamp,
		Payload:    original.Payload,
		Provenance: provenance,
		Tags:       original.Tags,
	}

	op := prism.Operation{
		Type:         "observation.route",
		Actor:        canon.Actor{Method: canon.ActorAuto},
		ResourceType: string(canon.ResourceObservation),
		CausedBy:     canon.CausedBy{ObservationID: ectx.ObservationID, PolicyID: ectx.PolicyID},
		Params:       map[string]any{"observation": routed},
	}
	res := prism.Execute(ctx, e.repos, op)
	return res.Err
}

// handleCreateEntityEvent appends an event to an existing Entity
// through Prism's entity.appendEvent operation (spec §4.6
// create_entity_event). The operation's actor is the policy's node, so
// Prism authorizes it as that node.
func (e *Executor) handleCreateEntityEvent(ctx context.Context, effect map[string]any, ectx effectreg.Context) error {
	entityID, _ := effect["entityId"].(string)
	if entityID == "" {
		return kernelerr.Wrap(kernelerr.ErrInvalidEffect, "effects.handleCreateEntityEvent", entityID,
			fmt.Errorf("create_entity_event requires a non-empty \"entityId\""))
	}

	rawEvent, _ := effect["event"].(map[string]any)
	eventType, _ := rawEvent["type"].(string)
	eventData, _ := rawEvent["data"].(map[string]any)

	op := prism.Operation{
		Type:         "entity.appendEvent",
		Actor:        canon.Actor{NodeID: ectx.NodeID, Method: canon.ActorAuto},
		ResourceType: string(canon.ResourceEntity),
		ResourceID:   entityID,
		CausedBy:     canon.CausedBy{ObservationID: ectx.ObservationID, PolicyID: ectx.PolicyID},
		Params: map[string]any{
			"id":    entityID,
			"event": canon.EntityEvent{Type: eventType, Data: eventData},
		},
	}
	res := prism.Execute(ctx, e.repos, op)
	return res.Err
}

func (e *Executor) handleProposeAction(ctx context.Context, effect map[string]any, ectx effectreg.Context) error {
	action, _ := effect["action"].(map[string]any)
	actionType, _ := action["actionType"].(string)
	params, _ := action["params"].(map[string]any)

	var declaredRisk canon.RiskLevel
	if r, ok := action["riskLevel"].(string); ok {
		declaredRisk = canon.RiskLevel(r)
	}

	_, err := actionrun.Propose(ctx, e.repos, e.actions, ectx.NodeID,
		canon.ActionDescriptor{ActionType: actionType, Params: params},
		declaredRisk,
		canon.ProposedBy{PolicyID: ectx.PolicyID, ObservationID: ectx.ObservationID},
	)
	return err
}
