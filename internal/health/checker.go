package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sync/semaphore"

	"github.com/voxstack/api-gateway/internal/breaker"
	"github.com/voxstack/api-gateway/internal/domain"
	"github.com/voxstack/api-gateway/internal/events"
	"github.com/voxstack/api-gateway/internal/registry"
	"github.com/voxstack/api-gateway/pkg/logger"
)

// saturationThreshold marks reported memory/cpu usage above which an
// otherwise-reachable instance is considered degraded
const saturationThreshold = 90.0

// Checker periodically probes every registered instance and updates its
// status in the registry, independently of request traffic. Probes are
// wrapped in per-instance breakers so a dead instance is not hammered.
type Checker struct {
	registry *registry.Registry
	breakers *breaker.Registry
	bus      *events.Bus
	logger   *logger.Logger
	client   *http.Client

	interval time.Duration
	timeout  time.Duration
	probes   *semaphore.Weighted

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a health checker. Interval defaults to 30s, probe timeout to
// 5s, and concurrent probes are capped by maxProbes (default 16).
func New(reg *registry.Registry, breakers *breaker.Registry, bus *events.Bus, log *logger.Logger, config domain.HealthCheckConfig) *Checker {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.MaxProbes <= 0 {
		config.MaxProbes = 16
	}

	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
		DisableCompression:  true,
	}
	// Probe targets may speak h2; the error only fires for TLS misconfig.
	_ = http2.ConfigureTransport(transport)

	return &Checker{
		registry: reg,
		breakers: breakers,
		bus:      bus,
		logger:   log.HealthLogger(),
		client:   &http.Client{Transport: transport},
		interval: config.Interval,
		timeout:  config.Timeout,
		probes:   semaphore.NewWeighted(config.MaxProbes),
	}
}

// Start launches the periodic check loop and an event watcher that probes
// newly registered instances immediately, before they become eligible for
// selection. Stop or context cancellation ends both.
func (c *Checker) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("health checker already running")
	}
	c.running = true
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	c.logger.Infof("Starting health checker with interval %v", c.interval)

	regEvents, cancelSub := c.bus.Subscribe(128)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancelSub()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				c.runCycle(ctx)
			case evt, ok := <-regEvents:
				if !ok {
					return
				}
				if evt.Type == events.ServiceRegistered {
					c.probeByID(ctx, evt.Service, evt.InstanceID)
				}
			}
		}
	}()
	return nil
}

// Stop halts the check loop and waits for in-flight probes
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("Health checker stopped")
}

// runCycle probes every registered instance concurrently. Probes are
// independent: one failing or hanging never blocks the others.
func (c *Checker) runCycle(ctx context.Context) {
	all := c.registry.All()

	var wg sync.WaitGroup
	for name, instances := range all {
		for _, inst := range instances {
			wg.Add(1)
			go func(name string, inst *domain.ServiceInstance) {
				defer wg.Done()
				if err := c.probes.Acquire(ctx, 1); err != nil {
					return
				}
				defer c.probes.Release(1)
				c.checkInstance(ctx, inst)
			}(name, inst)
		}
	}
	wg.Wait()
}

func (c *Checker) probeByID(ctx context.Context, name, id string) {
	for _, inst := range c.registry.Instances(name) {
		if inst.ID == id {
			instCopy := inst
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.checkInstance(ctx, instCopy)
			}()
			return
		}
	}
}

// checkInstance probes one instance through its own health breaker and
// applies the resulting status to the registry. Breakers are keyed per
// instance, not per service: a dead instance must never short-circuit the
// probes of its healthy siblings.
func (c *Checker) checkInstance(ctx context.Context, inst *domain.ServiceInstance) {
	cb := c.breakers.GetWithConfig("health-check-"+inst.Name+"-"+inst.ID, breaker.Config{
		CallTimeout: c.timeout,
	})

	var status domain.ServiceStatus
	err := cb.Execute(ctx, func(callCtx context.Context) error {
		probed, probeErr := c.probe(callCtx, inst)
		status = probed
		return probeErr
	})
	if err != nil {
		status = domain.StatusUnhealthy
	}

	c.applyStatus(inst, status)
}

// Probe issues one GET against the instance's health endpoint and derives
// its status from the response. Exported for the manager's startup polling.
func (c *Checker) Probe(ctx context.Context, inst *domain.ServiceInstance) (domain.ServiceStatus, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.probe(probeCtx, inst)
}

func (c *Checker) probe(ctx context.Context, inst *domain.ServiceInstance) (domain.ServiceStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.HealthURL(), nil)
	if err != nil {
		return domain.StatusUnhealthy, err
	}
	req.Header.Set("User-Agent", "api-gateway-health/1.0")
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.StatusUnhealthy, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.StatusUnhealthy, fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.StatusUnhealthy, err
	}

	var report domain.HealthReport
	if len(body) == 0 || json.Unmarshal(body, &report) != nil {
		// Reachable with 2xx and no parseable body is healthy.
		return domain.StatusHealthy, nil
	}

	siblings := len(c.registry.Instances(inst.Name))
	return deriveStatus(&report, siblings), nil
}

// deriveStatus maps a structured health report to a status. Dependency
// failures are evaluated before resource saturation: all dependencies down,
// or any down with no sibling instance to absorb traffic, is unhealthy;
// a partial failure with siblings is degraded. Memory or CPU above the
// saturation threshold is degraded.
func deriveStatus(report *domain.HealthReport, instanceCount int) domain.ServiceStatus {
	if len(report.Dependencies) > 0 {
		failed := 0
		for _, ok := range report.Dependencies {
			if !ok {
				failed++
			}
		}
		if failed > 0 {
			if failed < len(report.Dependencies) && instanceCount > 1 {
				return domain.StatusDegraded
			}
			return domain.StatusUnhealthy
		}
	}

	if report.Memory != nil && report.Memory.Percentage > saturationThreshold {
		return domain.StatusDegraded
	}
	if report.CPU != nil && report.CPU.Usage > saturationThreshold {
		return domain.StatusDegraded
	}
	return domain.StatusHealthy
}

// applyStatus writes the probe result to the registry and emits recovery or
// unhealthy events only on actual transitions, not on every probe.
func (c *Checker) applyStatus(inst *domain.ServiceInstance, status domain.ServiceStatus) {
	prev, ok := c.registry.SetStatus(inst.Name, inst.ID, status, time.Now())
	if !ok {
		return
	}
	if prev == status {
		return
	}

	log := c.logger.WithField("service", inst.Name).
		WithField("instance_id", inst.ID).
		WithField("from", prev.String()).
		WithField("to", status.String())

	switch {
	case status == domain.StatusHealthy && prev != domain.StatusUnknown:
		log.Info("Service instance recovered")
		c.bus.Publish(events.Event{
			Type:       events.ServiceRecovered,
			Service:    inst.Name,
			InstanceID: inst.ID,
		})
	case status == domain.StatusUnhealthy:
		log.Warn("Service instance unhealthy")
		c.bus.Publish(events.Event{
			Type:       events.ServiceUnhealthy,
			Service:    inst.Name,
			InstanceID: inst.ID,
		})
	default:
		log.Info("Service instance status changed")
	}
}

// Interval returns the configured probe interval
func (c *Checker) Interval() time.Duration {
	return c.interval
}
