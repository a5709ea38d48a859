package balancer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/voxstack/api-gateway/internal/domain"
	gwerrors "github.com/voxstack/api-gateway/internal/errors"
	"github.com/voxstack/api-gateway/internal/events"
	"github.com/voxstack/api-gateway/internal/registry"
	"github.com/voxstack/api-gateway/pkg/logger"
)

// emaAlpha is the smoothing factor for latency and error-rate averages
const emaAlpha = 0.1

// instanceMetrics holds the rolling per-instance metrics used by the
// least_connections and health_based strategies. Guarded by Balancer.mu:
// the EMA updates are read-modify-write sequences.
type instanceMetrics struct {
	activeConnections int64
	totalRequests     int64
	avgResponseTime   float64
	errorRate         float64
	lastRequestTime   time.Time
	weight            int
}

// MetricsSnapshot is the admin view of one instance's metrics
type MetricsSnapshot struct {
	InstanceID        string    `json:"instance_id"`
	ActiveConnections int64     `json:"active_connections"`
	TotalRequests     int64     `json:"total_requests"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	ErrorRate         float64   `json:"error_rate"`
	LastRequestTime   time.Time `json:"last_request_time"`
	Weight            int       `json:"weight"`
}

// Balancer selects instances for a service using the configured strategy,
// consulting the registry for healthy candidates and its own rolling metrics.
type Balancer struct {
	registry *registry.Registry
	strategy domain.BalancingStrategy
	logger   *logger.Logger

	mu       sync.Mutex
	counters map[string]uint64
	metrics  map[string]*instanceMetrics
}

// New creates a balancer with the given strategy (health_based by default)
func New(reg *registry.Registry, strategy domain.BalancingStrategy, log *logger.Logger) *Balancer {
	if strategy == "" {
		strategy = domain.HealthBasedStrategy
	}
	return &Balancer{
		registry: reg,
		strategy: strategy,
		logger:   log.BalancerLogger(),
		counters: make(map[string]uint64),
		metrics:  make(map[string]*instanceMetrics),
	}
}

// Strategy returns the configured strategy name
func (b *Balancer) Strategy() domain.BalancingStrategy {
	return b.strategy
}

// Watch consumes registry events so metrics entries are dropped in lockstep
// with deregistration. It returns when the context is cancelled.
func (b *Balancer) Watch(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(128)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type == events.ServiceDeregistered {
				b.mu.Lock()
				delete(b.metrics, evt.InstanceID)
				b.mu.Unlock()
			}
		}
	}
}

// Select picks an instance for the service, or a no-healthy-instance error
// when the registry has no eligible candidates.
func (b *Balancer) Select(serviceName string, tags []string) (*domain.ServiceInstance, error) {
	candidates := b.registry.Discover(serviceName, tags)
	if len(candidates) == 0 {
		return nil, gwerrors.NewNoHealthyInstanceError(serviceName)
	}
	if len(candidates) == 1 {
		b.touch(candidates[0])
		return candidates[0], nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var picked *domain.ServiceInstance
	switch b.strategy {
	case domain.RoundRobinStrategy:
		picked = b.pickRoundRobin(serviceName, candidates)
	case domain.LeastConnectionsStrategy:
		picked = b.pickLeastConnections(candidates)
	case domain.WeightedRoundRobinStrategy:
		picked = b.pickWeightedRoundRobin(serviceName, candidates)
	case domain.RandomStrategy:
		picked = candidates[rand.Intn(len(candidates))]
	default:
		picked = b.pickHealthBased(candidates)
	}

	b.metricsForLocked(picked)
	return picked, nil
}

// touch ensures a metrics entry exists for a selected instance
func (b *Balancer) touch(inst *domain.ServiceInstance) {
	b.mu.Lock()
	b.metricsForLocked(inst)
	b.mu.Unlock()
}

// metricsForLocked lazily creates the metrics entry; callers hold b.mu
func (b *Balancer) metricsForLocked(inst *domain.ServiceInstance) *instanceMetrics {
	m, ok := b.metrics[inst.ID]
	if !ok {
		m = &instanceMetrics{weight: inst.Weight()}
		b.metrics[inst.ID] = m
	}
	return m
}

func (b *Balancer) pickRoundRobin(serviceName string, candidates []*domain.ServiceInstance) *domain.ServiceInstance {
	idx := b.counters[serviceName] % uint64(len(candidates))
	b.counters[serviceName]++
	return candidates[idx]
}

func (b *Balancer) pickLeastConnections(candidates []*domain.ServiceInstance) *domain.ServiceInstance {
	best := candidates[0]
	bestConns := b.metricsForLocked(best).activeConnections
	for _, inst := range candidates[1:] {
		conns := b.metricsForLocked(inst).activeConnections
		if conns < bestConns {
			best = inst
			bestConns = conns
		}
	}
	return best
}

// pickWeightedRoundRobin walks the counter through per-instance weight
// bands. Total weight is recomputed on every selection so weight changes
// take effect immediately.
func (b *Balancer) pickWeightedRoundRobin(serviceName string, candidates []*domain.ServiceInstance) *domain.ServiceInstance {
	totalWeight := 0
	for _, inst := range candidates {
		totalWeight += b.metricsForLocked(inst).weight
	}
	if totalWeight <= 0 {
		return b.pickRoundRobin(serviceName, candidates)
	}

	offset := b.counters[serviceName] % uint64(totalWeight)
	b.counters[serviceName]++

	for _, inst := range candidates {
		w := uint64(b.metricsForLocked(inst).weight)
		if offset < w {
			return inst
		}
		offset -= w
	}
	return candidates[len(candidates)-1]
}

// pickHealthBased scores each candidate from rolling latency, error rate,
// and active connections, picking the maximum (first seen wins ties).
func (b *Balancer) pickHealthBased(candidates []*domain.ServiceInstance) *domain.ServiceInstance {
	best := candidates[0]
	bestScore := b.scoreLocked(best)
	for _, inst := range candidates[1:] {
		if score := b.scoreLocked(inst); score > bestScore {
			best = inst
			bestScore = score
		}
	}
	return best
}

func (b *Balancer) scoreLocked(inst *domain.ServiceInstance) float64 {
	m := b.metricsForLocked(inst)
	latency := m.avgResponseTime / 5000
	if latency > 1 {
		latency = 1
	}
	load := float64(m.activeConnections) / 100
	if load > 1 {
		load = 1
	}
	return 0.4*(1-latency) + 0.4*(1-m.errorRate) + 0.2*(1-load)
}

// RecordRequest folds one request outcome into the instance's rolling
// metrics: EMA latency and an EMA of the failure indicator (success pulls
// the error rate toward 0, failure toward 1).
func (b *Balancer) RecordRequest(instanceID string, responseTime time.Duration, success bool) {
	sample := float64(responseTime.Milliseconds())
	failure := 1.0
	if success {
		failure = 0.0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.metrics[instanceID]
	if !ok {
		m = &instanceMetrics{weight: 1}
		b.metrics[instanceID] = m
	}
	m.totalRequests++
	m.avgResponseTime = emaAlpha*sample + (1-emaAlpha)*m.avgResponseTime
	m.errorRate = emaAlpha*failure + (1-emaAlpha)*m.errorRate
	m.lastRequestTime = time.Now()
}

// RecordConnectionStart increments the instance's active connection count
func (b *Balancer) RecordConnectionStart(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.metrics[instanceID]
	if !ok {
		m = &instanceMetrics{weight: 1}
		b.metrics[instanceID] = m
	}
	m.activeConnections++
}

// RecordConnectionEnd decrements the active connection count, floored at 0
func (b *Balancer) RecordConnectionEnd(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m, ok := b.metrics[instanceID]; ok && m.activeConnections > 0 {
		m.activeConnections--
	}
}

// ActiveConnections returns the active connection count for an instance
func (b *Balancer) ActiveConnections(instanceID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m, ok := b.metrics[instanceID]; ok {
		return m.activeConnections
	}
	return 0
}

// Stats returns a snapshot of every tracked instance's metrics
func (b *Balancer) Stats() map[string]MetricsSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]MetricsSnapshot, len(b.metrics))
	for id, m := range b.metrics {
		out[id] = MetricsSnapshot{
			InstanceID:        id,
			ActiveConnections: m.activeConnections,
			TotalRequests:     m.totalRequests,
			AvgResponseTimeMs: m.avgResponseTime,
			ErrorRate:         m.errorRate,
			LastRequestTime:   m.lastRequestTime,
			Weight:            m.weight,
		}
	}
	return out
}
