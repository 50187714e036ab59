package device

import (
	"fmt"
	"strconv"
	"sync"
)

// Registry is the ordered collection of device types known to the daemon,
// populated during process initialization
type Registry struct {
	types []*Type
	mu    *sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		mu: new(sync.RWMutex),
	}
}

func (r *Registry) Register(t *Type) error {
	if t == nil || t.Name == "" || t.Create == nil {
		return fmt.Errorf("invalid device type descriptor")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.types {
		if existing.Name == t.Name {
			return fmt.Errorf("%w: %s", ErrDeviceTypeExists, t.Name)
		}
	}

	r.types = append(r.types, t)
	return nil
}

func (r *Registry) Lookup(name string) (*Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.types {
		if t.Name == name {
			return t, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrDeviceTypeNotFound, name)
}

// Types returns registered device types in registration order
func (r *Registry) Types() []*Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]*Type(nil), r.types...)
}

// ResolveNames returns a copy of specs where every unnamed spec is given the
// smallest free name generated from the name prefix of its type, explicit
// names always win
func (r *Registry) ResolveNames(specs []Spec) ([]Spec, error) {
	taken := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if _, err := r.Lookup(s.Type); err != nil {
			return nil, fmt.Errorf("invalid device %q: %w", s.Name, err)
		}

		if s.Name == "" {
			continue
		}

		if _, ok := taken[s.Name]; ok {
			return nil, fmt.Errorf("invalid duplicate device name %s", s.Name)
		}
		taken[s.Name] = struct{}{}
	}

	ret := make([]Spec, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			t, _ := r.Lookup(s.Type)
			for n := 0; ; n++ {
				name := t.NamePrefix + strconv.FormatInt(int64(n), 10)
				if _, ok := taken[name]; !ok {
					s.Name = name
					break
				}
			}
			taken[s.Name] = struct{}{}
		}

		ret[i] = s
	}

	return ret, nil
}
