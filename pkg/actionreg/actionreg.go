// Package actionreg implements the Action Registry (C3): a process-wide
// mapping from action type to handler, declared risk level, and an
// optional parameter schema, mirroring pkg/effectreg's structure (spec
// §4.2 describes C2 and C3 together as "process-wide registries keyed
// by fully qualified type string").
package actionreg

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/kernelerr"
)

// Handler executes an approved action and returns its result value.
type Handler func(ctx context.Context, params map[string]any, actx Context) (any, error)

// Context is the capability surface passed to an action handler.
type Context struct {
	ActionRunID string
	NodeID      string
}

type entry struct {
	handler   Handler
	riskLevel canon.RiskLevel
	schema    *jsonschema.Schema
}

// Registry is the process-wide Action Registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register installs a handler for actionType with its declared risk
// level. schemaJSON is optional; an empty string accepts any params
// shape.
func (r *Registry) Register(actionType string, riskLevel canon.RiskLevel, handler Handler, schemaJSON string) error {
	if handler == nil {
		return kernelerr.Wrap(kernelerr.ErrValidation, "actionreg.Register", actionType, fmt.Errorf("nil handler"))
	}

	e := entry{handler: handler, riskLevel: riskLevel}
	if schemaJSON != "" {
		compiled, err := compileSchema(actionType, schemaJSON)
		if err != nil {
			return err
		}
		e.schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[actionType] = e
	return nil
}

// Unregister removes actionType.
func (r *Registry) Unregister(actionType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, actionType)
}

// Lookup returns the handler and declared risk level for actionType.
func (r *Registry) Lookup(actionType string) (Handler, canon.RiskLevel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[actionType]
	if !ok {
		return nil, "", false
	}
	return e.handler, e.riskLevel, true
}

// RiskLevel resolves the registered risk level for actionType without
// retrieving the handler, used when creating an ActionRun.
func (r *Registry) RiskLevel(actionType string) (canon.RiskLevel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[actionType]
	if !ok {
		return "", false
	}
	return e.riskLevel, true
}

// Validate checks params against actionType's registered schema, if
// any.
func (r *Registry) Validate(actionType string, params map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[actionType]
	r.mu.RUnlock()
	if !ok {
		return kernelerr.Wrap(kernelerr.ErrActionExecution, "actionreg.Validate", actionType, fmt.Errorf("no handler registered"))
	}
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(params); err != nil {
		return kernelerr.Wrap(kernelerr.ErrValidation, "actionreg.Validate", actionType, err)
	}
	return nil
}

func compileSchema(actionType, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://omnilith.local/actions/%s.schema.json", actionType)
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return nil, kernelerr.Wrap(kernelerr.ErrCompilation, "actionreg.compileSchema", actionType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.ErrCompilation, "actionreg.compileSchema", actionType, err)
	}
	return compiled, nil
}
