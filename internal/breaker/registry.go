package breaker

import (
	"sort"
	"sync"

	"github.com/voxstack/api-gateway/internal/events"
	"github.com/voxstack/api-gateway/pkg/logger"
)

// Registry provides get-or-create access to breakers keyed by name, so
// callers never manage breaker lifetime themselves. Breakers live for the
// process lifetime once created.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults Config
	bus      *events.Bus
	logger   *logger.Logger
}

// NewRegistry creates a breaker registry with the given default config
func NewRegistry(defaults Config, bus *events.Bus, log *logger.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults.withDefaults(),
		bus:      bus,
		logger:   log,
	}
}

// Get returns the breaker for key, creating it with the default config
func (r *Registry) Get(key string) *CircuitBreaker {
	return r.GetWithConfig(key, r.defaults)
}

// GetWithConfig returns the breaker for key, creating it with config on
// first use. The config of an existing breaker is never changed.
func (r *Registry) GetWithConfig(key string, config Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := New(key, config, r.bus, r.logger)
	r.breakers[key] = cb
	return cb
}

// Stats returns per-breaker snapshots sorted by key
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// HealthSummary aggregates breaker states for the admin health endpoint
type HealthSummary struct {
	Total    int      `json:"total"`
	Closed   int      `json:"closed"`
	Open     int      `json:"open"`
	HalfOpen int      `json:"half_open"`
	Status   string   `json:"status"`
	OpenKeys []string `json:"open_keys,omitempty"`
}

// Summary reports totals by state. Status is healthy with no open breakers,
// degraded while some are open, unhealthy when all of them are.
func (r *Registry) Summary() HealthSummary {
	stats := r.Stats()

	summary := HealthSummary{Total: len(stats)}
	for _, st := range stats {
		switch st.State {
		case StateOpen.String():
			summary.Open++
			summary.OpenKeys = append(summary.OpenKeys, st.Name)
		case StateHalfOpen.String():
			summary.HalfOpen++
		default:
			summary.Closed++
		}
	}

	switch {
	case summary.Open == 0:
		summary.Status = "healthy"
	case summary.Open < summary.Total:
		summary.Status = "degraded"
	default:
		summary.Status = "unhealthy"
	}
	return summary
}

// Reset forces the named breaker closed, reporting whether it exists
func (r *Registry) Reset(key string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[key]
	r.mu.Unlock()

	if !ok {
		return false
	}
	cb.Reset()
	return true
}
