package policy

import (
	"fmt"

	"github.com/tbutler1132/omnilith/pkg/effectreg"
	"github.com/tbutler1132/omnilith/pkg/kernelerr"
)

// builtinEffectTypes are the fixed effect identifiers from spec §3/§6.
var builtinEffectTypes = map[string]bool{
	"log":                 true,
	"tag_observation":     true,
	"route_observation":   true,
	"suppress":            true,
	"propose_action":      true,
	"create_entity_event": true,
}

// ValidateEffects applies spec §4.3 point 4: every effect map returned
// by a policy invocation is checked against the built-in shape rules,
// or, for namespaced pack:*:* effects, against the Effect Registry's
// recorded schema. Any single invalid effect invalidates the whole
// policy result (spec §4.3: "prior effects from this policy are
// discarded").
func (c *Compiler) ValidateEffects(policyID string, effects []map[string]any) error {
	for i, e := range effects {
		t, _ := e["type"].(string)
		if t == "" {
			return kernelerr.Wrap(kernelerr.ErrInvalidEffect, "policy.ValidateEffects", policyID, fmt.Errorf("effect %d missing \"type\"", i))
		}

		if effectreg.IsNamespaced(t) {
			if err := c.effects.Validate(t, paramsOf(e)); err != nil {
				return kernelerr.Wrap(kernelerr.ErrInvalidEffect, "policy.ValidateEffects", policyID, err)
			}
			continue
		}

		if !builtinEffectTypes[t] {
			return kernelerr.Wrap(kernelerr.ErrInvalidEffect, "policy.ValidateEffects", policyID, fmt.Errorf("unknown built-in effect type %q", t))
		}
		if err := validateBuiltinShape(t, e); err != nil {
			return kernelerr.Wrap(kernelerr.ErrInvalidEffect, "policy.ValidateEffects", policyID, err)
		}
	}
	return nil
}

func paramsOf(e map[string]any) map[string]any {
	if p, ok := e["params"].(map[string]any); ok {
		return p
	}
	return e
}

// validateBuiltinShape checks the minimal structural requirements spec
// §4.3/§3 name for each built-in effect type.
func validateBuiltinShape(effectType string, e map[string]any) error {
	switch effectType {
	case "log":
		if s, _ := e["message"].(string); s == "" {
			return fmt.Errorf("log effect requires a non-empty \"message\"")
		}
	case "tag_observation":
		tags, ok := e["tags"].([]any)
		if !ok || len(tags) == 0 {
			return fmt.Errorf("tag_observation effect requires a non-empty \"tags\" list")
		}
	case "route_observation":
		if s, _ := e["toNodeId"].(string); s == "" {
			return fmt.Errorf("route_observation effect requires a non-empty \"toNodeId\"")
		}
	case "suppress":
		if s, _ := e["reason"].(string); s == "" {
			return fmt.Errorf("suppress effect requires a non-empty \"reason\"")
		}
	case "propose_action":
		action, ok := e["action"].(map[string]any)
		if !ok {
			return fmt.Errorf("propose_action effect requires an \"action\" object")
		}
		if s, _ := action["actionType"].(string); s == "" {
			return fmt.Errorf("propose_action effect requires a non-empty \"action.actionType\"")
		}
	case "create_entity_event":
		if s, _ := e["entityId"].(string); s == "" {
			return fmt.Errorf("create_entity_event effect requires a non-empty \"entityId\"")
		}
		if _, ok := e["event"].(map[string]any); !ok {
			return fmt.Errorf("create_entity_event effect requires an \"event\" object")
		}
	}
	return nil
}
