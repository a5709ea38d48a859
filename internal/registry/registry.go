package registry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/voxstack/api-gateway/internal/domain"
	"github.com/voxstack/api-gateway/internal/events"
	"github.com/voxstack/api-gateway/pkg/logger"
)

// Registry is the in-memory, process-local service registry. It maps service
// names to ordered lists of instances and is the single owner of instance
// state: all mutation goes through its methods under one lock.
type Registry struct {
	mu       sync.RWMutex
	services map[string][]*domain.ServiceInstance
	bus      *events.Bus
	logger   *logger.Logger
}

// New creates an empty registry
func New(bus *events.Bus, log *logger.Logger) *Registry {
	return &Registry{
		services: make(map[string][]*domain.ServiceInstance),
		bus:      bus,
		logger:   log.RegistryLogger(),
	}
}

// Register upserts an instance by id within its service name. Re-registration
// replaces the existing entry in place, preserving list order; a new instance
// is appended and starts with status unknown until health-checked.
func (r *Registry) Register(inst *domain.ServiceInstance) *domain.ServiceInstance {
	stored := inst.Clone()
	stored.Status = domain.StatusUnknown
	stored.RegisteredAt = time.Now()

	r.mu.Lock()
	list := r.services[stored.Name]
	replaced := false
	for i, existing := range list {
		if existing.ID == stored.ID {
			list[i] = stored
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, stored)
	}
	r.services[stored.Name] = list
	r.mu.Unlock()

	r.logger.WithField("service", stored.Name).
		WithField("instance_id", stored.ID).
		WithField("address", stored.BaseURL()).
		Info("Service instance registered")

	r.bus.Publish(events.Event{
		Type:       events.ServiceRegistered,
		Service:    stored.Name,
		InstanceID: stored.ID,
	})

	return stored.Clone()
}

// Deregister removes an instance, reporting whether it existed
func (r *Registry) Deregister(name, id string) bool {
	r.mu.Lock()
	list, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	removed := false
	for i, existing := range list {
		if existing.ID == id {
			list = append(list[:i], list[i+1:]...)
			removed = true
			break
		}
	}
	if removed {
		if len(list) == 0 {
			delete(r.services, name)
		} else {
			r.services[name] = list
		}
	}
	r.mu.Unlock()

	if !removed {
		return false
	}

	r.logger.WithField("service", name).
		WithField("instance_id", id).
		Info("Service instance deregistered")

	r.bus.Publish(events.Event{
		Type:       events.ServiceDeregistered,
		Service:    name,
		InstanceID: id,
	})
	return true
}

// Discover returns copies of the healthy instances of a service whose tag
// set is a superset of the requested tags. An unknown name yields an empty
// list, never an error.
func (r *Registry) Discover(name string, tags []string) []*domain.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*domain.ServiceInstance
	for _, inst := range r.services[name] {
		if inst.Status != domain.StatusHealthy {
			continue
		}
		if !inst.HasTags(tags) {
			continue
		}
		matched = append(matched, inst.Clone())
	}
	return matched
}

// PickOne returns a uniformly random healthy instance, or nil if none match
func (r *Registry) PickOne(name string, tags []string) *domain.ServiceInstance {
	candidates := r.Discover(name, tags)
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// Instances returns copies of every instance registered under a name,
// regardless of status
func (r *Registry) Instances(name string) []*domain.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.services[name]
	out := make([]*domain.ServiceInstance, 0, len(list))
	for _, inst := range list {
		out = append(out, inst.Clone())
	}
	return out
}

// All returns a snapshot of the whole registry keyed by service name
func (r *Registry) All() map[string][]*domain.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]*domain.ServiceInstance, len(r.services))
	for name, list := range r.services {
		copies := make([]*domain.ServiceInstance, 0, len(list))
		for _, inst := range list {
			copies = append(copies, inst.Clone())
		}
		out[name] = copies
	}
	return out
}

// ServiceNames returns the currently registered service names
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// SetStatus updates an instance's health status and last-check timestamp,
// returning the previous status. The second return is false when the
// instance no longer exists (deregistered between probe and result).
func (r *Registry) SetStatus(name, id string, status domain.ServiceStatus, checkedAt time.Time) (domain.ServiceStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, inst := range r.services[name] {
		if inst.ID == id {
			prev := inst.Status
			inst.Status = status
			inst.LastHealthCheck = checkedAt
			return prev, true
		}
	}
	return domain.StatusUnknown, false
}

// CheckDependencies reports, for each dependency declared by the named
// service's instances, whether at least one healthy instance of that
// dependency is registered.
func (r *Registry) CheckDependencies(name string) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	deps := make(map[string]bool)
	for _, inst := range r.services[name] {
		for _, dep := range inst.Dependencies {
			if _, seen := deps[dep]; !seen {
				deps[dep] = r.hasHealthyLocked(dep)
			}
		}
	}
	return deps
}

// HasHealthy reports whether a service has at least one healthy instance
func (r *Registry) HasHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasHealthyLocked(name)
}

func (r *Registry) hasHealthyLocked(name string) bool {
	for _, inst := range r.services[name] {
		if inst.Status == domain.StatusHealthy {
			return true
		}
	}
	return false
}

// CountByStatus returns per-status instance counts for one service
func (r *Registry) CountByStatus(name string) map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[string]int{
		domain.StatusHealthy.String():   0,
		domain.StatusDegraded.String():  0,
		domain.StatusUnhealthy.String(): 0,
		domain.StatusUnknown.String():   0,
	}
	for _, inst := range r.services[name] {
		counts[inst.Status.String()]++
	}
	return counts
}
