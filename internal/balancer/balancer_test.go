package balancer

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxstack/api-gateway/internal/domain"
	gwerrors "github.com/voxstack/api-gateway/internal/errors"
	"github.com/voxstack/api-gateway/internal/events"
	"github.com/voxstack/api-gateway/internal/registry"
	"github.com/voxstack/api-gateway/pkg/logger"
)

func newTestBalancer(t *testing.T, strategy domain.BalancingStrategy, instances ...*domain.ServiceInstance) (*Balancer, *registry.Registry) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	reg := registry.New(bus, logger.Discard())
	for _, inst := range instances {
		reg.Register(inst)
		reg.SetStatus(inst.Name, inst.ID, domain.StatusHealthy, time.Now())
	}
	return New(reg, strategy, logger.Discard()), reg
}

func healthyInstances(n int) []*domain.ServiceInstance {
	out := make([]*domain.ServiceInstance, n)
	for i := range out {
		out[i] = domain.NewServiceInstance("users-"+strconv.Itoa(i+1), "users", "127.0.0.1", 9000+i)
	}
	return out
}

func TestSelectNoInstances(t *testing.T) {
	lb, _ := newTestBalancer(t, domain.RoundRobinStrategy)

	_, err := lb.Select("users", nil)
	assert.True(t, gwerrors.IsCode(err, gwerrors.ErrCodeNoHealthyInstance))
}

func TestSelectSingleInstanceSkipsStrategy(t *testing.T) {
	lb, _ := newTestBalancer(t, domain.HealthBasedStrategy, healthyInstances(1)...)

	inst, err := lb.Select("users", nil)
	require.NoError(t, err)
	assert.Equal(t, "users-1", inst.ID)
}

func TestRoundRobinVisitsEveryInstance(t *testing.T) {
	lb, _ := newTestBalancer(t, domain.RoundRobinStrategy, healthyInstances(3)...)

	visits := make(map[string]int)
	for i := 0; i < 9; i++ {
		inst, err := lb.Select("users", nil)
		require.NoError(t, err)
		visits[inst.ID]++
	}
	assert.Equal(t, map[string]int{"users-1": 3, "users-2": 3, "users-3": 3}, visits)
}

func TestRoundRobinCountersArePerService(t *testing.T) {
	instances := append(healthyInstances(2),
		domain.NewServiceInstance("orders-1", "orders", "127.0.0.1", 9100),
		domain.NewServiceInstance("orders-2", "orders", "127.0.0.1", 9101),
	)
	lb, _ := newTestBalancer(t, domain.RoundRobinStrategy, instances...)

	first, err := lb.Select("users", nil)
	require.NoError(t, err)
	other, err := lb.Select("orders", nil)
	require.NoError(t, err)

	assert.Equal(t, "users-1", first.ID)
	assert.Equal(t, "orders-1", other.ID)
}

func TestLeastConnections(t *testing.T) {
	lb, _ := newTestBalancer(t, domain.LeastConnectionsStrategy, healthyInstances(3)...)

	lb.RecordConnectionStart("users-1")
	lb.RecordConnectionStart("users-1")
	lb.RecordConnectionStart("users-2")

	inst, err := lb.Select("users", nil)
	require.NoError(t, err)
	assert.Equal(t, "users-3", inst.ID)
}

func TestWeightedRoundRobinDistribution(t *testing.T) {
	instances := healthyInstances(2)
	instances[0].Metadata["weight"] = "3"
	instances[1].Metadata["weight"] = "1"
	lb, _ := newTestBalancer(t, domain.WeightedRoundRobinStrategy, instances...)

	visits := make(map[string]int)
	for i := 0; i < 8; i++ {
		inst, err := lb.Select("users", nil)
		require.NoError(t, err)
		visits[inst.ID]++
	}
	assert.Equal(t, 6, visits["users-1"])
	assert.Equal(t, 2, visits["users-2"])
}

func TestHealthBasedPrefersBetterMetrics(t *testing.T) {
	lb, _ := newTestBalancer(t, domain.HealthBasedStrategy, healthyInstances(2)...)

	// users-1 is slow and failing; users-2 stays clean.
	for i := 0; i < 20; i++ {
		lb.RecordRequest("users-1", 4*time.Second, false)
		lb.RecordRequest("users-2", 10*time.Millisecond, true)
	}

	inst, err := lb.Select("users", nil)
	require.NoError(t, err)
	assert.Equal(t, "users-2", inst.ID)
}

func TestRecordRequestEMA(t *testing.T) {
	lb, _ := newTestBalancer(t, domain.HealthBasedStrategy, healthyInstances(1)...)

	lb.RecordRequest("users-1", 100*time.Millisecond, true)
	stats := lb.Stats()["users-1"]
	assert.InDelta(t, 10.0, stats.AvgResponseTimeMs, 0.001)
	assert.InDelta(t, 0.0, stats.ErrorRate, 0.001)

	lb.RecordRequest("users-1", 100*time.Millisecond, false)
	stats = lb.Stats()["users-1"]
	assert.InDelta(t, 19.0, stats.AvgResponseTimeMs, 0.001)
	assert.InDelta(t, 0.1, stats.ErrorRate, 0.001)
	assert.Equal(t, int64(2), stats.TotalRequests)
}

func TestConnectionCountFloorsAtZero(t *testing.T) {
	lb, _ := newTestBalancer(t, domain.HealthBasedStrategy, healthyInstances(1)...)

	lb.RecordConnectionStart("users-1")
	lb.RecordConnectionEnd("users-1")
	lb.RecordConnectionEnd("users-1")

	assert.Equal(t, int64(0), lb.ActiveConnections("users-1"))
}

func TestSelectExcludesUnhealthy(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.RoundRobinStrategy, healthyInstances(2)...)
	reg.SetStatus("users", "users-1", domain.StatusUnhealthy, time.Now())

	for i := 0; i < 4; i++ {
		inst, err := lb.Select("users", nil)
		require.NoError(t, err)
		assert.Equal(t, "users-2", inst.ID)
	}
}
