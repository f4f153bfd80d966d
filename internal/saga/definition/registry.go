package definition

import (
	"sort"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	apperrors "github.com/louisbranch/sagaflow/internal/platform/errors"
	"github.com/louisbranch/sagaflow/internal/saga"
)

// Resolver maps a collaborator service identity to its HTTP base URL.
type Resolver interface {
	Resolve(service string) (string, error)
}

// MapResolver resolves services from a static table with an optional
// catch-all base URL for services not listed.
type MapResolver struct {
	Default   string
	Overrides map[string]string
}

// Resolve implements Resolver.
func (m MapResolver) Resolve(service string) (string, error) {
	if url, ok := m.Overrides[service]; ok && strings.TrimSpace(url) != "" {
		return strings.TrimRight(strings.TrimSpace(url), "/"), nil
	}
	if strings.TrimSpace(m.Default) != "" {
		return strings.TrimRight(strings.TrimSpace(m.Default), "/"), nil
	}
	return "", apperrors.WithMetadata(apperrors.CodeDefinitionServiceUnknown, "no collaborator target for service", map[string]string{"service": service})
}

type endpointKey struct {
	step  string
	phase saga.Phase
}

// Registered is a validated definition with every contract bound to a
// concrete collaborator endpoint. Instances are immutable.
type Registered struct {
	definition Definition
	endpoints  map[endpointKey]string
}

// Definition returns a deep copy of the registered definition.
func (r *Registered) Definition() Definition {
	return r.definition.clone()
}

// Name returns the definition name.
func (r *Registered) Name() string {
	return r.definition.Name
}

// Version returns the definition version.
func (r *Registered) Version() int {
	return r.definition.Version
}

// Timeout returns the whole-saga timeout.
func (r *Registered) Timeout() time.Duration {
	return r.definition.Timeout
}

// StepCount returns the number of steps.
func (r *Registered) StepCount() int {
	return len(r.definition.Steps)
}

// Step returns the step at the given index.
func (r *Registered) Step(index int) (Step, bool) {
	if index < 0 || index >= len(r.definition.Steps) {
		return Step{}, false
	}
	return r.definition.Steps[index], true
}

// StepIndex returns the index of the named step, or -1.
func (r *Registered) StepIndex(name string) int {
	for i, step := range r.definition.Steps {
		if step.Name == name {
			return i
		}
	}
	return -1
}

// SubjectFields returns the required subject-context keys.
func (r *Registered) SubjectFields() []string {
	return append([]string(nil), r.definition.SubjectFields...)
}

// Endpoint returns the resolved URL for a step phase.
func (r *Registered) Endpoint(step string, phase saga.Phase) (string, bool) {
	url, ok := r.endpoints[endpointKey{step: step, phase: phase}]
	return url, ok
}

// Registry holds registered definitions keyed by name. Registration is the
// only mutation; lookups are lock-free.
type Registry struct {
	definitions *xsync.MapOf[string, *Registered]
	resolver    Resolver
}

// NewRegistry builds a registry resolving collaborator targets through the
// given resolver.
func NewRegistry(resolver Resolver) *Registry {
	return &Registry{
		definitions: xsync.NewMapOf[string, *Registered](),
		resolver:    resolver,
	}
}

// Register validates the definition, resolves every contract against its
// collaborator target, and stores the result. Registering a name twice
// fails; immutability is the point.
func (r *Registry) Register(def Definition) (*Registered, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	normalized := def.clone()
	normalized.normalize()

	endpoints := make(map[endpointKey]string, len(normalized.Steps)*2)
	for _, step := range normalized.Steps {
		base, err := r.resolver.Resolve(step.Action.Service)
		if err != nil {
			return nil, err
		}
		endpoints[endpointKey{step: step.Name, phase: saga.PhaseAction}] = base + step.Action.Path
		if step.Compensation != nil {
			base, err := r.resolver.Resolve(step.Compensation.Service)
			if err != nil {
				return nil, err
			}
			endpoints[endpointKey{step: step.Name, phase: saga.PhaseCompensation}] = base + step.Compensation.Path
		}
	}

	registered := &Registered{definition: normalized, endpoints: endpoints}
	if _, loaded := r.definitions.LoadOrStore(normalized.Name, registered); loaded {
		return nil, apperrors.WithMetadata(apperrors.CodeDefinitionDuplicate, "definition is already registered", map[string]string{"definition": normalized.Name})
	}
	return registered, nil
}

// Get returns the registered definition for a name.
func (r *Registry) Get(name string) (*Registered, error) {
	registered, ok := r.definitions.Load(name)
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeNotFound, "definition is not registered", map[string]string{"definition": name})
	}
	return registered, nil
}

// Names returns the registered definition names in sorted order.
func (r *Registry) Names() []string {
	var names []string
	r.definitions.Range(func(name string, _ *Registered) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// All returns every registered definition sorted by name.
func (r *Registry) All() []*Registered {
	names := r.Names()
	out := make([]*Registered, 0, len(names))
	for _, name := range names {
		if registered, ok := r.definitions.Load(name); ok {
			out = append(out, registered)
		}
	}
	return out
}
