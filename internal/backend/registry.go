package backend

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
)

// Auto asks the registry to pick the first installed generator.
const Auto = "auto"

// ErrUnknownGenerator is returned when a name does not resolve to a usable
// generator.
var ErrUnknownGenerator = errors.New("unknown generator")

// GeneratorInfo pairs a generator name with its capabilities and whether its
// binary is currently on PATH.
type GeneratorInfo struct {
	Name         string                `json:"name"`
	Available    bool                  `json:"available"`
	Capabilities GeneratorCapabilities `json:"capabilities"`
}

// Registry holds registered generators and resolves which one to use.
// Registration order is the preference order for Auto.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]Generator
	order      []string
}

// NewRegistry creates an empty generator registry.
func NewRegistry() *Registry {
	return &Registry{
		generators: make(map[string]Generator),
	}
}

// Register adds a generator under the given name. Re-registering a name
// replaces the generator but keeps its original preference slot.
func (r *Registry) Register(name string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.generators[name]; !ok {
		r.order = append(r.order, name)
	}
	r.generators[name] = g
}

// Resolve returns the generator registered under name. For Auto it returns
// the first registered generator whose binary can be found.
func (r *Registry) Resolve(name string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == Auto {
		for _, n := range r.order {
			g := r.generators[n]
			if installed(g) {
				return g, nil
			}
		}
		return nil, fmt.Errorf("%w: no registered generator is installed (tried %v)", ErrUnknownGenerator, r.order)
	}

	g, ok := r.generators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", ErrUnknownGenerator, name)
	}
	return g, nil
}

// List returns information about all registered generators, sorted by name
// for a stable API response.
func (r *Registry) List() []GeneratorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]GeneratorInfo, 0, len(r.generators))
	for name, g := range r.generators {
		infos = append(infos, GeneratorInfo{
			Name:         name,
			Available:    installed(g),
			Capabilities: g.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

func installed(g Generator) bool {
	_, err := exec.LookPath(g.Capabilities().Binary)
	return err == nil
}
