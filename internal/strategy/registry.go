package strategy

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Definition is the loosely typed form of a strategy as read from config.
// Either Preset or Levels is set.
type Definition struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Preset      string  `yaml:"preset"`
	Levels      []Level `yaml:"levels"`
}

// Registry is an in-memory strategy store. Strategies are registered once at
// startup and then only read.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]*Config
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]*Config)}
}

// RegistryFromDefinitions builds every definition and registers all presets
// under their own ids. Definitions win over presets with the same id.
func RegistryFromDefinitions(defs []Definition) (*Registry, error) {
	r := NewRegistry()
	for _, name := range PresetNames() {
		p, _ := Preset(name)
		r.Register(p)
	}

	for _, d := range defs {
		var (
			c   *Config
			err error
		)
		if d.Preset != "" && len(d.Levels) == 0 {
			c, err = Preset(d.Preset)
			if err == nil && (d.ID != "" || d.Name != "") {
				c, err = New(firstNonEmpty(d.ID, d.Name), firstNonEmpty(d.Name, c.Name()),
					firstNonEmpty(d.Description, c.Description()), c.Levels())
			}
		} else {
			c, err = NewBuilder(firstNonEmpty(d.Name, d.ID)).
				WithID(d.ID).
				WithDescription(d.Description).
				AddLevels(d.Levels...).
				Build()
		}
		if err != nil {
			return nil, errors.Wrapf(err, "strategy definition %q", firstNonEmpty(d.ID, d.Name))
		}
		r.Register(c)
	}
	return r, nil
}

func (r *Registry) Register(c *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[c.ID()] = c
}

func (r *Registry) Get(ctx context.Context, id string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.strategies[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "strategy %q", id)
	}
	return c, nil
}

func (r *Registry) List(ctx context.Context) ([]*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Config, 0, len(r.strategies))
	for _, c := range r.strategies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
