package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxstack/api-gateway/internal/balancer"
	"github.com/voxstack/api-gateway/internal/domain"
	gwerrors "github.com/voxstack/api-gateway/internal/errors"
	"github.com/voxstack/api-gateway/internal/gateway"
	"github.com/voxstack/api-gateway/internal/health"
	"github.com/voxstack/api-gateway/internal/registry"
	"github.com/voxstack/api-gateway/pkg/logger"
)

// startupPollInterval is how often a starting service is re-probed while
// waiting for its health gate
const startupPollInterval = 500 * time.Millisecond

const (
	defaultStartupTimeout  = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// managed pairs a declared service with its runtime state
type managed struct {
	definition domain.ServiceDefinition
	state      domain.ServiceState
	lastChange time.Time
	lastError  string
}

// Manager is the control plane for declared services: it owns startup
// ordering, dependency gating, health-gated registration, and graceful
// shutdown. One manager supervises one gateway process.
type Manager struct {
	registry *registry.Registry
	checker  *health.Checker
	balancer *balancer.Balancer
	gateway  *gateway.Gateway
	logger   *logger.Logger

	mu       sync.Mutex
	services map[string]*managed
}

// New creates a manager over the given components
func New(reg *registry.Registry, checker *health.Checker, lb *balancer.Balancer, gw *gateway.Gateway, log *logger.Logger) *Manager {
	return &Manager{
		registry: reg,
		checker:  checker,
		balancer: lb,
		gateway:  gw,
		logger:   log.ManagerLogger(),
		services: make(map[string]*managed),
	}
}

// RegisterService declares a service for management. The definition's routes
// are installed on the gateway immediately; the instance itself stays out of
// the registry until StartService runs it through the health gate.
func (m *Manager) RegisterService(def domain.ServiceDefinition) error {
	if def.Name == "" {
		return gwerrors.New(gwerrors.ErrCodeConfigInvalid, "service_manager", "service definition requires a name")
	}
	if def.Instance == nil {
		return gwerrors.New(gwerrors.ErrCodeConfigInvalid, "service_manager",
			fmt.Sprintf("service %q declares no instance", def.Name))
	}
	if def.Instance.ID == "" {
		def.Instance.ID = def.Name + "-" + uuid.NewString()
	}
	if def.StartupTimeout <= 0 {
		def.StartupTimeout = defaultStartupTimeout
	}
	if def.ShutdownTimeout <= 0 {
		def.ShutdownTimeout = defaultShutdownTimeout
	}

	m.mu.Lock()
	m.services[def.Name] = &managed{
		definition: def,
		state:      domain.StateStopped,
		lastChange: time.Now(),
	}
	m.mu.Unlock()

	for _, rc := range def.Routes {
		m.gateway.AddRoute(rc)
	}

	m.logger.WithField("service", def.Name).
		WithField("dependencies", def.Dependencies).
		WithField("critical", def.Critical).
		Info("Service registered with manager")
	return nil
}

// CalculateStartupOrder returns the declared services in dependency order:
// every service appears after all of its managed dependencies. Dependencies
// on services the manager does not know are ignored here; the health gate
// still checks them at start time. A cycle among managed services is an error.
func (m *Manager) CalculateStartupOrder() ([]string, error) {
	m.mu.Lock()
	defs := make(map[string][]string, len(m.services))
	for name, svc := range m.services {
		defs[name] = svc.definition.Dependencies
	}
	m.mu.Unlock()

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(defs))
	order := make([]string, 0, len(defs))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch marks[name] {
		case done:
			return nil
		case visiting:
			return gwerrors.NewDependencyCycleError(append(path, name))
		}
		marks[name] = visiting
		for _, dep := range defs[name] {
			if _, known := defs[dep]; !known {
				continue
			}
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		marks[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// StartService brings one declared service up: it gates on dependency
// health, registers the instance, and polls the health endpoint until it
// reports healthy or the startup timeout elapses. On timeout the instance is
// deregistered and the service marked failed.
func (m *Manager) StartService(ctx context.Context, name string) error {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return gwerrors.New(gwerrors.ErrCodeUnknownService, "service_manager",
			fmt.Sprintf("unknown service %q", name))
	}
	if svc.state == domain.StateRunning || svc.state == domain.StateStarting {
		m.mu.Unlock()
		return nil
	}
	def := svc.definition
	m.setStateLocked(svc, domain.StateStarting, "")
	m.mu.Unlock()

	log := m.logger.WithField("service", name)

	for _, dep := range def.Dependencies {
		if !m.registry.HasHealthy(dep) {
			err := gwerrors.New(gwerrors.ErrCodeDependencyUnmet, "service_manager",
				fmt.Sprintf("service %q requires healthy %q", name, dep)).
				WithMetadata("dependency", dep)
			m.markFailed(name, err)
			return err
		}
	}

	inst := m.registry.Register(def.Instance)
	log.WithField("instance_id", inst.ID).Info("Service instance starting, waiting for health gate")

	if err := m.awaitHealthy(ctx, inst, def.StartupTimeout); err != nil {
		m.registry.Deregister(inst.Name, inst.ID)
		m.markFailed(name, err)
		log.WithError(err).Error("Service failed its startup health gate")
		return err
	}

	m.registry.SetStatus(inst.Name, inst.ID, domain.StatusHealthy, time.Now())

	m.mu.Lock()
	if svc, ok := m.services[name]; ok {
		m.setStateLocked(svc, domain.StateRunning, "")
	}
	m.mu.Unlock()

	log.Info("Service running")
	return nil
}

// awaitHealthy polls the instance's health endpoint until it reports healthy
func (m *Manager) awaitHealthy(ctx context.Context, inst *domain.ServiceInstance, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(startupPollInterval)
	defer ticker.Stop()

	for {
		status, err := m.checker.Probe(ctx, inst)
		if err == nil && status == domain.StatusHealthy {
			return nil
		}

		if time.Now().After(deadline) {
			return gwerrors.New(gwerrors.ErrCodeCallTimeout, "service_manager",
				fmt.Sprintf("service %q did not become healthy within %s", inst.Name, timeout)).
				WithMetadata("instance_id", inst.ID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StopService takes one service out of rotation and waits for its in-flight
// requests to drain, bounded by the shutdown timeout. Deregistration happens
// first so the balancer stops selecting the instances immediately.
func (m *Manager) StopService(ctx context.Context, name string) error {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return gwerrors.New(gwerrors.ErrCodeUnknownService, "service_manager",
			fmt.Sprintf("unknown service %q", name))
	}
	if svc.state == domain.StateStopped {
		m.mu.Unlock()
		return nil
	}
	timeout := svc.definition.ShutdownTimeout
	m.setStateLocked(svc, domain.StateStopping, "")
	m.mu.Unlock()

	log := m.logger.WithField("service", name)

	instances := m.registry.Instances(name)
	for _, inst := range instances {
		m.registry.Deregister(name, inst.ID)
	}

	if err := m.awaitDrain(ctx, instances, timeout); err != nil {
		log.WithError(err).Warn("Shutdown drain incomplete")
	}

	m.mu.Lock()
	if svc, ok := m.services[name]; ok {
		m.setStateLocked(svc, domain.StateStopped, "")
	}
	m.mu.Unlock()

	log.Info("Service stopped")
	return nil
}

// awaitDrain waits until no instance has active connections or the timeout fires
func (m *Manager) awaitDrain(ctx context.Context, instances []*domain.ServiceInstance, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		active := int64(0)
		for _, inst := range instances {
			active += m.balancer.ActiveConnections(inst.ID)
		}
		if active == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%d connections still active after %s", active, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StartAll starts every declared service in dependency order. A critical
// service failing aborts the startup with that error; a non-critical failure
// is logged and the remaining services still start.
func (m *Manager) StartAll(ctx context.Context) error {
	order, err := m.CalculateStartupOrder()
	if err != nil {
		return err
	}
	m.logger.WithField("order", order).Info("Starting services")

	for _, name := range order {
		if err := m.StartService(ctx, name); err != nil {
			m.mu.Lock()
			critical := m.services[name].definition.Critical
			m.mu.Unlock()

			if critical {
				return gwerrors.Wrap(err, gwerrors.CodeOf(err), "service_manager",
					fmt.Sprintf("critical service %q failed to start", name))
			}
			m.logger.WithError(err).WithField("service", name).
				Warn("Non-critical service failed to start, continuing")
		}
	}
	return nil
}

// StopAll stops every service in reverse dependency order. Errors are logged
// and do not stop the remaining shutdowns.
func (m *Manager) StopAll(ctx context.Context) {
	order, err := m.CalculateStartupOrder()
	if err != nil {
		// A cycle cannot appear after a successful start; stop in map order.
		m.mu.Lock()
		for name := range m.services {
			order = append(order, name)
		}
		m.mu.Unlock()
	}

	for i := len(order) - 1; i >= 0; i-- {
		if err := m.StopService(ctx, order[i]); err != nil {
			m.logger.WithError(err).WithField("service", order[i]).Warn("Error stopping service")
		}
	}
}

// Runtime returns the runtime view of one declared service
func (m *Manager) Runtime(name string) (domain.ServiceRuntime, bool) {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return domain.ServiceRuntime{}, false
	}
	rt := m.runtimeLocked(svc)
	m.mu.Unlock()

	rt.Dependencies = m.registry.CheckDependencies(name)
	return rt, true
}

// Runtimes returns the runtime view of every declared service, sorted by name
func (m *Manager) Runtimes() []domain.ServiceRuntime {
	m.mu.Lock()
	out := make([]domain.ServiceRuntime, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, m.runtimeLocked(svc))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for i := range out {
		out[i].Dependencies = m.registry.CheckDependencies(out[i].Name)
	}
	return out
}

func (m *Manager) runtimeLocked(svc *managed) domain.ServiceRuntime {
	return domain.ServiceRuntime{
		Name:       svc.definition.Name,
		State:      svc.state,
		LastChange: svc.lastChange,
		LastError:  svc.lastError,
	}
}

func (m *Manager) setStateLocked(svc *managed, state domain.ServiceState, lastError string) {
	svc.state = state
	svc.lastChange = time.Now()
	svc.lastError = lastError
}

func (m *Manager) markFailed(name string, err error) {
	m.mu.Lock()
	if svc, ok := m.services[name]; ok {
		m.setStateLocked(svc, domain.StateFailed, err.Error())
	}
	m.mu.Unlock()
}
