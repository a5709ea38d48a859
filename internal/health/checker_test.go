package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxstack/api-gateway/internal/breaker"
	"github.com/voxstack/api-gateway/internal/domain"
	"github.com/voxstack/api-gateway/internal/events"
	"github.com/voxstack/api-gateway/internal/registry"
	"github.com/voxstack/api-gateway/pkg/logger"
)

func newTestChecker(t *testing.T, config domain.HealthCheckConfig) (*Checker, *registry.Registry, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	reg := registry.New(bus, logger.Discard())
	breakers := breaker.NewRegistry(breaker.Config{}, bus, logger.Discard())
	return New(reg, breakers, bus, logger.Discard(), config), reg, bus
}

func instanceFor(t *testing.T, server *httptest.Server, id, name string) *domain.ServiceInstance {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return domain.NewServiceInstance(id, name, u.Hostname(), port)
}

func TestProbeHealthyWithEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, _, _ := newTestChecker(t, domain.HealthCheckConfig{})
	status, err := c.Probe(context.Background(), instanceFor(t, server, "users-1", "users"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusHealthy, status)
}

func TestProbeNon2xxIsUnhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c, _, _ := newTestChecker(t, domain.HealthCheckConfig{})
	status, err := c.Probe(context.Background(), instanceFor(t, server, "users-1", "users"))
	assert.Error(t, err)
	assert.Equal(t, domain.StatusUnhealthy, status)
}

func TestProbeUnreachableIsUnhealthy(t *testing.T) {
	c, _, _ := newTestChecker(t, domain.HealthCheckConfig{Timeout: 200 * time.Millisecond})

	inst := domain.NewServiceInstance("users-1", "users", "127.0.0.1", 1)
	status, err := c.Probe(context.Background(), inst)
	assert.Error(t, err)
	assert.Equal(t, domain.StatusUnhealthy, status)
}

func TestProbeDerivesDegradedFromSaturation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","memory":{"used":95,"total":100,"percentage":95}}`))
	}))
	defer server.Close()

	c, _, _ := newTestChecker(t, domain.HealthCheckConfig{})
	status, err := c.Probe(context.Background(), instanceFor(t, server, "users-1", "users"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDegraded, status)
}

func TestDeriveStatusDependencyRules(t *testing.T) {
	allUp := &domain.HealthReport{Dependencies: map[string]bool{"db": true, "cache": true}}
	assert.Equal(t, domain.StatusHealthy, deriveStatus(allUp, 1))

	partial := &domain.HealthReport{Dependencies: map[string]bool{"db": true, "cache": false}}
	assert.Equal(t, domain.StatusDegraded, deriveStatus(partial, 2))
	// With a single instance there is no sibling to absorb traffic.
	assert.Equal(t, domain.StatusUnhealthy, deriveStatus(partial, 1))

	allDown := &domain.HealthReport{Dependencies: map[string]bool{"db": false, "cache": false}}
	assert.Equal(t, domain.StatusUnhealthy, deriveStatus(allDown, 3))
}

func TestDeriveStatusDependencyBeatsSaturation(t *testing.T) {
	report := &domain.HealthReport{
		Dependencies: map[string]bool{"db": false},
		Memory:       &domain.ResourceUsage{Percentage: 95},
	}
	assert.Equal(t, domain.StatusUnhealthy, deriveStatus(report, 1))
}

func TestDeriveStatusCPU(t *testing.T) {
	report := &domain.HealthReport{CPU: &domain.CPUUsage{Usage: 97}}
	assert.Equal(t, domain.StatusDegraded, deriveStatus(report, 1))

	report = &domain.HealthReport{CPU: &domain.CPUUsage{Usage: 50}}
	assert.Equal(t, domain.StatusHealthy, deriveStatus(report, 1))
}

func TestCheckInstanceUpdatesRegistry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, reg, _ := newTestChecker(t, domain.HealthCheckConfig{})
	inst := instanceFor(t, server, "users-1", "users")
	reg.Register(inst)

	c.checkInstance(context.Background(), inst)

	stored := reg.Instances("users")[0]
	assert.Equal(t, domain.StatusHealthy, stored.Status)
	assert.False(t, stored.LastHealthCheck.IsZero())
}

func TestTransitionEventsEmittedOnce(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	c, reg, bus := newTestChecker(t, domain.HealthCheckConfig{})
	inst := instanceFor(t, server, "users-1", "users")
	reg.Register(inst)

	ch, cancel := bus.Subscribe(32)
	defer cancel()

	c.checkInstance(context.Background(), inst) // unknown -> healthy, no recovered event
	c.checkInstance(context.Background(), inst) // healthy -> healthy, no event
	healthy = false
	c.checkInstance(context.Background(), inst) // healthy -> unhealthy
	c.checkInstance(context.Background(), inst) // unhealthy -> unhealthy, no event
	healthy = true
	c.checkInstance(context.Background(), inst) // unhealthy -> healthy

	var unhealthyEvents, recoveredEvents int
	deadline := time.After(time.Second)
	for unhealthyEvents+recoveredEvents < 2 {
		select {
		case evt := <-ch:
			switch evt.Type {
			case events.ServiceUnhealthy:
				unhealthyEvents++
			case events.ServiceRecovered:
				recoveredEvents++
			}
		case <-deadline:
			t.Fatal("timed out waiting for transition events")
		}
	}
	assert.Equal(t, 1, unhealthyEvents)
	assert.Equal(t, 1, recoveredEvents)
}

func TestDeadInstanceDoesNotPoisonSiblings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, reg, _ := newTestChecker(t, domain.HealthCheckConfig{Timeout: 200 * time.Millisecond})

	healthy := instanceFor(t, server, "users-1", "users")
	dead := domain.NewServiceInstance("users-2", "users", "127.0.0.1", 1)
	reg.Register(healthy)
	reg.Register(dead)

	// Enough consecutive failures to open the dead instance's breaker.
	for i := 0; i < 6; i++ {
		c.checkInstance(context.Background(), dead)
	}

	c.checkInstance(context.Background(), healthy)

	instances := reg.Instances("users")
	require.Len(t, instances, 2)
	for _, inst := range instances {
		switch inst.ID {
		case "users-1":
			assert.Equal(t, domain.StatusHealthy, inst.Status, "healthy sibling must not inherit the dead instance's breaker state")
		case "users-2":
			assert.Equal(t, domain.StatusUnhealthy, inst.Status)
		}
	}
}

func TestStartProbesNewRegistrations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, reg, _ := newTestChecker(t, domain.HealthCheckConfig{Interval: time.Hour})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	assert.Error(t, c.Start(context.Background()), "second start must fail")

	reg.Register(instanceFor(t, server, "users-1", "users"))

	assert.Eventually(t, func() bool {
		return reg.HasHealthy("users")
	}, 2*time.Second, 10*time.Millisecond)
}
