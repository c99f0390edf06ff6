// Package effectreg implements the Effect Registry (C2): a process-wide
// mapping from effect type to handler, with namespaced pack:* effects
// additionally carrying a JSON Schema the registry validates params
// against before dispatch, schema-compile-then-validate.
package effectreg

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tbutler1132/omnilith/pkg/kernelerr"
)

// Handler executes one effect. ctx carries cancellation from the
// enclosing policy evaluation's per-policy timeout.
type Handler func(ctx context.Context, params map[string]any, ectx Context) error

// Context is the capability surface passed to an effect handler,
// deliberately narrow (spec §6: "(params, context{actionRun?,
// observation?, repos, node})").
type Context struct {
	NodeID        string
	ObservationID string
	PolicyID      string
}

type entry struct {
	handler Handler
	schema  *jsonschema.Schema
}

// Registry is the process-wide Effect Registry. The zero value is not
// usable; use New.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty Registry. Built-in effect types are never
// registered here: pkg/effects dispatches them directly. The registry
// holds namespaced effects that callers register themselves.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register installs a handler for effectType. schemaJSON is optional
// (required only for namespaced pack:<pack>:<name> effects per spec
// §3); an empty string means "no schema, accept any params shape".
func (r *Registry) Register(effectType string, handler Handler, schemaJSON string) error {
	if handler == nil {
		return kernelerr.Wrap(kernelerr.ErrValidation, "effectreg.Register", effectType, fmt.Errorf("nil handler"))
	}

	e := entry{handler: handler}
	if schemaJSON != "" {
		compiled, err := compileSchema(effectType, schemaJSON)
		if err != nil {
			return err
		}
		e.schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[effectType] = e
	return nil
}

// Unregister removes effectType, for pack unload.
func (r *Registry) Unregister(effectType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, effectType)
}

// Lookup returns the handler for effectType, or ok=false if none is
// registered. Built-in effects are never looked up here. A namespaced
// effect with no handler is rejected by the caller: by
// Compiler.ValidateEffects after the policy runs, and again by the
// Effect Executor at dispatch.
func (r *Registry) Lookup(effectType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[effectType]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Validate checks params against effectType's registered schema, if
// any. Built-in effects (no namespace colon) have their shape checked
// in pkg/policy (validate.go) rather than via a registered schema; Validate
// is primarily exercised by namespaced pack:*:* effects.
func (r *Registry) Validate(effectType string, params map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[effectType]
	r.mu.RUnlock()
	if !ok {
		return kernelerr.Wrap(kernelerr.ErrInvalidEffect, "effectreg.Validate", effectType, fmt.Errorf("no handler registered"))
	}
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(params); err != nil {
		return kernelerr.Wrap(kernelerr.ErrInvalidEffect, "effectreg.Validate", effectType, err)
	}
	return nil
}

// IsNamespaced reports whether effectType uses the pack:<pack>:<name>
// extension form (spec §3).
func IsNamespaced(effectType string) bool {
	return strings.HasPrefix(effectType, "pack:")
}

func compileSchema(effectType, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://omnilith.local/effects/%s.schema.json", effectType)
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return nil, kernelerr.Wrap(kernelerr.ErrCompilation, "effectreg.compileSchema", effectType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.ErrCompilation, "effectreg.compileSchema", effectType, err)
	}
	return compiled, nil
}
