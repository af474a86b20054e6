package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// LocalGID addresses the node-local service table.
const LocalGID = "local"

// Spec describes a service to build through a registered factory. It is how
// a node asks another node to register a service it cannot ship as code.
type Spec struct {
	Kind   string          `json:"kind"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
}

type Factory func(spec Spec) (Service, error)

type Registry struct {
	mu        sync.RWMutex
	local     map[string]Service
	groups    map[string]map[string]Service
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		local:     make(map[string]Service),
		groups:    make(map[string]map[string]Service),
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Put(name string, svc Service) error {
	if name == "" {
		return errors.New("service name is required")
	}
	if svc == nil {
		return fmt.Errorf("service %s is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[name] = svc
	return nil
}

func (r *Registry) Get(name string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.local[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return svc, nil
}

func (r *Registry) Remove(name string) (Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.local[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	delete(r.local, name)
	return svc, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.local))
	for name := range r.local {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// PutGroup registers a service scoped to gid.
func (r *Registry) PutGroup(gid, name string, svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	table, ok := r.groups[gid]
	if !ok {
		table = make(map[string]Service)
		r.groups[gid] = table
	}
	table[name] = svc
}

// HasGroup reports whether any service is scoped to gid.
func (r *Registry) HasGroup(gid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[gid]
	return ok
}

func (r *Registry) RemoveGroup(gid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, gid)
}

// Lookup resolves name within gid. The group table is tried first and the
// local table is the fallback, so ephemeral services registered locally stay
// reachable through a group path.
func (r *Registry) Lookup(gid, name string) (Service, error) {
	if gid == "" || gid == LocalGID {
		return r.Get(name)
	}
	r.mu.RLock()
	svc, ok := r.groups[gid][name]
	r.mu.RUnlock()
	if ok {
		return svc, nil
	}
	return r.Get(name)
}

// Resolve finds the method bound to (gid, service, method).
func (r *Registry) Resolve(gid, service, method string) (Method, error) {
	svc, err := r.Lookup(gid, service)
	if err != nil {
		return nil, err
	}
	m, ok := svc.Method(method)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodNotFound, service, method)
	}
	return m, nil
}

func (r *Registry) RegisterFactory(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Build creates a service from spec without registering it.
func (r *Registry) Build(spec Spec) (Service, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no factory for service kind %q", spec.Kind)
	}
	return f(spec)
}

// NewService exposes the registry itself as the "routes" service.
func NewService(r *Registry) Service {
	return MethodTable{
		"get": func(_ context.Context, args Args) (any, error) {
			var name string
			if err := args.Decode(0, &name); err != nil {
				return nil, err
			}
			svc, err := r.Get(name)
			if err != nil {
				return nil, err
			}
			return svc.Methods(), nil
		},
		"put": func(_ context.Context, args Args) (any, error) {
			var spec Spec
			if err := args.Decode(0, &spec); err != nil {
				return nil, err
			}
			svc, err := r.Build(spec)
			if err != nil {
				return nil, err
			}
			if err := r.Put(spec.Name, svc); err != nil {
				return nil, err
			}
			return spec.Name, nil
		},
		"rem": func(_ context.Context, args Args) (any, error) {
			var name string
			if err := args.Decode(0, &name); err != nil {
				return nil, err
			}
			if _, err := r.Remove(name); err != nil {
				return nil, err
			}
			return name, nil
		},
	}
}
