package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/assay/internal/ir"
)

// Unit is a named computation run against one compound.
//
// Run returns the result object recorded on the task. Returning a *UnitError
// marks the trial ERROR; any other error, or a panic, marks it EXCEPTION.
// Run must honor ctx cancellation so timeouts take effect promptly.
type Unit interface {
	Name() string
	Run(ctx context.Context, in Input) (ir.Object, error)
}

// UnitFunc adapts a function to the Unit interface.
type UnitFunc struct {
	UnitName string
	Fn       func(ctx context.Context, in Input) (ir.Object, error)
}

// Name returns the unit name.
func (u UnitFunc) Name() string { return u.UnitName }

// Run calls Fn.
func (u UnitFunc) Run(ctx context.Context, in Input) (ir.Object, error) { return u.Fn(ctx, in) }

// Input is everything a unit may read while running one task.
type Input struct {
	Task     ir.Task
	Compound ir.Compound
	Records  []ir.Record
	Params   ir.Object

	// Dependencies holds the results of prerequisite tasks keyed by config id.
	Dependencies map[string]ir.Object

	// Resources is shared by every unit in the same pool run.
	Resources *Resources

	note func(ctx context.Context, tag string, payload ir.Object) error
}

// Note appends an entity-scoped journal entry for the task's entity.
// It is a no-op when the input was not built by a Pool.
func (in Input) Note(ctx context.Context, tag string, payload ir.Object) error {
	if in.note == nil {
		return nil
	}
	return in.note(ctx, tag, payload)
}

// Registration binds a config id to a unit with fixed parameters.
type Registration struct {
	ConfigID string
	Unit     string
	Params   ir.Object

	// Policies restricts which compounds the config applies to. Empty means
	// compounds of any policy.
	Policies []string

	// DependsOn lists config ids whose tasks, on the same entity and
	// compound, must be COMPLETED first.
	DependsOn []string

	Priority  bool
	MaxTrials int

	// Timeout bounds one trial. Zero means the scheduler default.
	Timeout time.Duration
}

// Accepts reports whether the registration applies to a compound built
// under policy.
func (r Registration) Accepts(policy string) bool {
	return len(r.Policies) == 0 || slices.Contains(r.Policies, policy)
}

// Covers reports whether r is planned on every compound dependent accepts,
// so a task of dependent always has r's task as a sibling.
func (r Registration) Covers(dependent Registration) bool {
	if len(r.Policies) == 0 {
		return true
	}
	if len(dependent.Policies) == 0 {
		return false
	}
	for _, p := range dependent.Policies {
		if !slices.Contains(r.Policies, p) {
			return false
		}
	}
	return true
}

// Registry holds the units and configs known to a process.
// It is populated once at startup; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	units   map[string]Unit
	configs map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		units:   make(map[string]Unit),
		configs: make(map[string]Registration),
	}
}

// RegisterUnit adds a unit. Names must be unique.
func (r *Registry) RegisterUnit(u Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := u.Name()
	if name == "" {
		return fmt.Errorf("register unit: empty name")
	}
	if _, ok := r.units[name]; ok {
		return fmt.Errorf("register unit %q: already registered", name)
	}
	r.units[name] = u
	return nil
}

// Register adds a config. Its unit must already be registered.
func (r *Registry) Register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg.ConfigID == "" {
		return fmt.Errorf("register config: empty id")
	}
	if _, ok := r.units[reg.Unit]; !ok {
		return fmt.Errorf("register config %q: unit %q: %w", reg.ConfigID, reg.Unit, ErrUnknownUnit)
	}
	if _, ok := r.configs[reg.ConfigID]; ok {
		return fmt.Errorf("register config %q: already registered", reg.ConfigID)
	}
	if reg.MaxTrials < 0 {
		return fmt.Errorf("register config %q: max_trials must not be negative", reg.ConfigID)
	}
	reg.Params = reg.Params.Clone()
	reg.Policies = slices.Clone(reg.Policies)
	reg.DependsOn = slices.Clone(reg.DependsOn)
	r.configs[reg.ConfigID] = reg
	return nil
}

// Resolve returns the unit and registration for a task's (unit, config).
// A config registered for a different unit does not resolve.
func (r *Registry) Resolve(unit, configID string) (Unit, Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.units[unit]
	if !ok {
		return nil, Registration{}, fmt.Errorf("%q: %w", unit, ErrUnknownUnit)
	}
	reg, ok := r.configs[configID]
	if !ok || reg.Unit != unit {
		return nil, Registration{}, fmt.Errorf("%q for unit %q: %w", configID, unit, ErrUnknownConfig)
	}
	return u, reg, nil
}

// Config returns the registration for a config id.
func (r *Registry) Config(configID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.configs[configID]
	return reg, ok
}

// Registrations returns every registration ordered by config id.
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.configs))
	for _, reg := range r.configs {
		out = append(out, reg)
	}
	slices.SortFunc(out, func(a, b Registration) int {
		return strings.Compare(a.ConfigID, b.ConfigID)
	})
	return out
}

// Units returns the registered unit names, sorted.
func (r *Registry) Units() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate checks that every dependency names a registered config planned
// on every compound its dependent accepts, and that dependencies form no
// cycle.
func (r *Registry) Validate() error {
	regs := r.Registrations()
	byID := make(map[string]Registration, len(regs))
	for _, reg := range regs {
		byID[reg.ConfigID] = reg
	}

	for _, reg := range regs {
		for _, dep := range reg.DependsOn {
			prereq, ok := byID[dep]
			if !ok {
				return fmt.Errorf("config %q depends on %q: %w", reg.ConfigID, dep, ErrUnknownConfig)
			}
			if !prereq.Covers(reg) {
				return fmt.Errorf("config %q depends on %q, which is not planned for every policy %q accepts",
					reg.ConfigID, dep, reg.ConfigID)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[string]int, len(regs))
	var path []string
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case visiting:
			start := slices.Index(path, id)
			cycle := append(slices.Clone(path[start:]), id)
			return fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
		case done:
			return nil
		}
		color[id] = visiting
		path = append(path, id)
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[id] = done
		return nil
	}
	for _, reg := range regs {
		if err := visit(reg.ConfigID); err != nil {
			return err
		}
	}
	return nil
}
