// internal/registry/registry.go
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rankforge/sentinel/pkg/config"
	serrors "github.com/rankforge/sentinel/pkg/errors"
	"github.com/rankforge/sentinel/pkg/health"
)

// LaunchSpec describes how to start a service's external command. A nil
// LaunchSpec on a Definition means the service can only ever be attached to
// an externally-running instance.
type LaunchSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Definition is the immutable description of one managed service, created at
// supervisor start from static configuration. The enabled flag lives in the
// Registry, not here, so the definition itself never mutates.
type Definition struct {
	// ID is the unique service key.
	ID string
	// DisplayName is the human label.
	DisplayName string
	// Launch is how to spawn the service; nil for attach-only services.
	Launch *LaunchSpec
	// Priority orders startup; lower starts first. Ties break by
	// registration order.
	Priority int
	// DependsOn lists service ids that must be running or disabled before
	// this one starts.
	DependsOn []string
	// Critical marks services whose terminal failure shuts the whole
	// supervisor down.
	Critical bool
	// OneTime marks jobs expected to run to completion; exit 0 is success.
	OneTime bool
	// AttachIfHealthy makes the lifecycle manager probe health first and
	// attach to an already-running instance instead of spawning.
	AttachIfHealthy bool
	// SpawnGuard names a tool that must be on PATH before spawning is
	// attempted; empty disables the guard.
	SpawnGuard string
	// MaxRestarts caps automatic restarts; 0 means the global default.
	MaxRestarts int
	// StartupTimeout bounds the initial health wait; 0 means the global
	// default.
	StartupTimeout time.Duration
	// Health is the service's side-effect-free health predicate.
	Health health.Checker
}

type entry struct {
	def           Definition
	index         int
	enabled       bool
	disableReason string
}

// Registry is the static table of service definitions. Definitions are
// read-only after registration; only the enabled flag and its reason mutate,
// and only through the synchronized accessors.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Register adds a service definition to the registry.
func (r *Registry) Register(def Definition, enabled bool, disableReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def.ID == "" {
		return serrors.New("service id must not be empty")
	}
	if _, exists := r.entries[def.ID]; exists {
		return fmt.Errorf("service %s is already registered", def.ID)
	}
	if def.Health == nil {
		def.Health = health.NopChecker(def.ID)
	}

	r.entries[def.ID] = &entry{
		def:           def,
		index:         len(r.order),
		enabled:       enabled,
		disableReason: disableReason,
	}
	r.order = append(r.order, def.ID)
	return nil
}

// Validate checks that every declared dependency is itself registered.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, e := range r.entries {
		for _, dep := range e.def.DependsOn {
			if _, ok := r.entries[dep]; !ok {
				return fmt.Errorf("service %s depends on unknown service %s", id, dep)
			}
		}
	}
	return nil
}

// Get returns the definition for a service id.
func (r *Registry) Get(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Definition{}, serrors.WrapWithDomain(
			serrors.Wrap(serrors.ErrServiceNotFound, id), serrors.DomainRegistry)
	}
	return e.def, nil
}

// Enabled reports whether a service is enabled, with the disable reason if
// not. Unknown services report disabled.
func (r *Registry) Enabled(id string) (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return false, "not registered"
	}
	return e.enabled, e.disableReason
}

// Enable marks a service enabled and clears its disable reason.
func (r *Registry) Enable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return serrors.ErrServiceNotFound
	}
	e.enabled = true
	e.disableReason = ""
	return nil
}

// Disable marks a service disabled with an administrator-supplied reason.
func (r *Registry) Disable(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return serrors.ErrServiceNotFound
	}
	e.enabled = false
	e.disableReason = reason
	return nil
}

// Definitions returns all definitions sorted by ascending priority, ties
// broken by registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.order))
	indexes := make(map[string]int, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		defs = append(defs, e.def)
		indexes[id] = e.index
	}

	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority < defs[j].Priority
		}
		return indexes[defs[i].ID] < indexes[defs[j].ID]
	})
	return defs
}

// IDs returns all registered service ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// DefaultPriority is assigned to configured services that do not set a
// priority. It sorts after the platform fleet, so a service that omits
// priority boots last rather than first.
const DefaultPriority = 100

// FromConfig builds a registry from service configuration, wiring each
// service's declared health predicate.
func FromConfig(services []config.ServiceConfig, defaults config.HealthConfig) (*Registry, error) {
	r := New()
	for _, sc := range services {
		priority := sc.Priority
		if priority <= 0 {
			priority = DefaultPriority
		}

		timeout := sc.Health.Timeout
		if timeout <= 0 {
			timeout = defaults.DefaultTimeout
		}
		checker, err := health.New(sc.ID, sc.Health.Type, sc.Health.Target, timeout)
		if err != nil {
			return nil, err
		}

		var launch *LaunchSpec
		if sc.Command != "" {
			launch = &LaunchSpec{
				Command: sc.Command,
				Args:    sc.Args,
				Dir:     sc.Dir,
				Env:     sc.Env,
			}
		}

		def := Definition{
			ID:              sc.ID,
			DisplayName:     sc.Name,
			Launch:          launch,
			Priority:        priority,
			DependsOn:       sc.DependsOn,
			Critical:        sc.Critical,
			OneTime:         sc.OneTime,
			AttachIfHealthy: sc.AttachIfHealthy,
			SpawnGuard:      sc.SpawnGuard,
			MaxRestarts:     sc.MaxRestarts,
			StartupTimeout:  sc.StartupTimeout,
			Health:          checker,
		}
		if def.DisplayName == "" {
			def.DisplayName = def.ID
		}

		reason := ""
		if sc.Disabled {
			reason = "disabled in configuration"
		}
		if err := r.Register(def, !sc.Disabled, reason); err != nil {
			return nil, err
		}
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
