package domain

import (
	"fmt"
	"strconv"
	"time"
)

// ServiceStatus represents the health status of a service instance
type ServiceStatus int

const (
	// StatusUnknown indicates the instance has not been health-checked yet
	StatusUnknown ServiceStatus = iota
	// StatusHealthy indicates the instance is healthy and eligible for selection
	StatusHealthy
	// StatusDegraded indicates the instance is serving but impaired
	StatusDegraded
	// StatusUnhealthy indicates the instance should not receive traffic
	StatusUnhealthy
)

// String returns the string representation of ServiceStatus
func (s ServiceStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ServiceInstance represents one running backend process tracked by the registry.
// Instances are owned by the registry: created on register, mutated only by
// health-check results, removed on deregister.
type ServiceInstance struct {
	ID              string            `json:"id" yaml:"id"`
	Name            string            `json:"name" yaml:"name"`
	Version         string            `json:"version" yaml:"version"`
	Host            string            `json:"host" yaml:"host"`
	Port            int               `json:"port" yaml:"port"`
	Protocol        string            `json:"protocol" yaml:"protocol"`
	HealthEndpoint  string            `json:"health_endpoint" yaml:"health_endpoint"`
	Tags            []string          `json:"tags" yaml:"tags"`
	Dependencies    []string          `json:"dependencies" yaml:"dependencies"`
	Metadata        map[string]string `json:"metadata" yaml:"metadata"`
	Status          ServiceStatus     `json:"status" yaml:"-"`
	RegisteredAt    time.Time         `json:"registered_at" yaml:"-"`
	LastHealthCheck time.Time         `json:"last_health_check" yaml:"-"`
}

// NewServiceInstance creates an instance with default protocol and health endpoint
func NewServiceInstance(id, name, host string, port int) *ServiceInstance {
	return &ServiceInstance{
		ID:             id,
		Name:           name,
		Host:           host,
		Port:           port,
		Protocol:       "http",
		HealthEndpoint: "/health",
		Metadata:       make(map[string]string),
		Status:         StatusUnknown,
	}
}

// BaseURL returns the scheme://host:port prefix for this instance
func (si *ServiceInstance) BaseURL() string {
	protocol := si.Protocol
	if protocol == "" {
		protocol = "http"
	}
	return fmt.Sprintf("%s://%s:%d", protocol, si.Host, si.Port)
}

// HealthURL returns the full URL of the instance's health endpoint
func (si *ServiceInstance) HealthURL() string {
	endpoint := si.HealthEndpoint
	if endpoint == "" {
		endpoint = "/health"
	}
	return si.BaseURL() + endpoint
}

// Weight returns the load-balancing weight from metadata, defaulting to 1
func (si *ServiceInstance) Weight() int {
	if raw, ok := si.Metadata["weight"]; ok {
		if w, err := strconv.Atoi(raw); err == nil && w > 0 {
			return w
		}
	}
	return 1
}

// HasTags reports whether the instance's tag set is a superset of tags
func (si *ServiceInstance) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range si.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the instance
func (si *ServiceInstance) Clone() *ServiceInstance {
	dup := *si
	dup.Tags = append([]string(nil), si.Tags...)
	dup.Dependencies = append([]string(nil), si.Dependencies...)
	dup.Metadata = make(map[string]string, len(si.Metadata))
	for k, v := range si.Metadata {
		dup.Metadata[k] = v
	}
	return &dup
}

// HealthReport is the optional structured body returned by a health endpoint
type HealthReport struct {
	Status       string          `json:"status,omitempty"`
	Uptime       float64         `json:"uptime,omitempty"`
	Memory       *ResourceUsage  `json:"memory,omitempty"`
	CPU          *CPUUsage       `json:"cpu,omitempty"`
	Dependencies map[string]bool `json:"dependencies,omitempty"`
}

// ResourceUsage describes memory consumption reported by an instance
type ResourceUsage struct {
	Used       float64 `json:"used"`
	Total      float64 `json:"total"`
	Percentage float64 `json:"percentage"`
}

// CPUUsage describes CPU consumption reported by an instance
type CPUUsage struct {
	Usage float64 `json:"usage"`
}

// BalancingStrategy selects how the load balancer picks among healthy instances
type BalancingStrategy string

const (
	// RoundRobinStrategy distributes requests evenly across instances
	RoundRobinStrategy BalancingStrategy = "round_robin"
	// LeastConnectionsStrategy routes to the instance with fewest active connections
	LeastConnectionsStrategy BalancingStrategy = "least_connections"
	// WeightedRoundRobinStrategy considers instance weights for distribution
	WeightedRoundRobinStrategy BalancingStrategy = "weighted_round_robin"
	// RandomStrategy picks a uniformly random instance
	RandomStrategy BalancingStrategy = "random"
	// HealthBasedStrategy scores instances from rolling latency/error/connection metrics
	HealthBasedStrategy BalancingStrategy = "health_based"
)

// HealthCheckConfig defines configuration for the periodic health checker
type HealthCheckConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxProbes int64         `yaml:"max_probes"`
}

// BreakerConfig defines configuration for a circuit breaker
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	MonitoringPeriod time.Duration `yaml:"monitoring_period"`
}

// RateLimitConfig defines configuration for the fixed-window rate limiter
type RateLimitConfig struct {
	MaxRequests  int           `yaml:"max_requests"`
	Window       time.Duration `yaml:"window"`
	QueueSize    int           `yaml:"queue_size"`
	QueueTimeout time.Duration `yaml:"queue_timeout"`
}

// TransformRequest mutates an outbound proxy request before it is sent
type TransformRequest func(*ProxyRequest)

// TransformResponse mutates a proxied response before it is returned to the caller
type TransformResponse func(*ProxyResponse)

// RouteConfig maps an inbound (method, path) to a backend service.
// Immutable once registered except via explicit add/remove on the gateway.
type RouteConfig struct {
	Method            string
	Path              string
	ServiceName       string
	TargetPath        string
	Tags              []string
	Timeout           time.Duration
	Retries           int
	RateLimit         *RateLimitConfig
	TransformRequest  TransformRequest
	TransformResponse TransformResponse
}

// Key returns the route table key for this route
func (rc *RouteConfig) Key() string {
	return rc.Method + " " + rc.Path
}

// ProxyRequest is the outbound request the gateway builds for a backend instance
type ProxyRequest struct {
	Method  string
	Path    string
	Query   string
	Headers map[string]string
	Body    []byte
}

// ProxyResponse is the (possibly transformed) response from a backend instance.
// Body holds decoded JSON when the payload parses, raw text otherwise.
type ProxyResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       interface{}
}

// ServiceState represents a managed service's lifecycle state
type ServiceState int

const (
	// StateStopped indicates the service is not running
	StateStopped ServiceState = iota
	// StateStarting indicates startup is in progress
	StateStarting
	// StateRunning indicates the service started and passed its health gate
	StateRunning
	// StateStopping indicates shutdown is in progress
	StateStopping
	// StateFailed indicates startup or supervision failed
	StateFailed
)

// String returns the string representation of ServiceState
func (s ServiceState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "stopped"
	}
}

// ServiceDefinition declares a managed service for the control plane
type ServiceDefinition struct {
	Name            string           `yaml:"name"`
	Dependencies    []string         `yaml:"dependencies"`
	Critical        bool             `yaml:"critical"`
	StartupTimeout  time.Duration    `yaml:"startup_timeout"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	Instance        *ServiceInstance `yaml:"instance"`
	Routes          []RouteConfig    `yaml:"-"`
}

// ServiceRuntime is the manager's runtime view of a declared service
type ServiceRuntime struct {
	Name         string          `json:"name"`
	State        ServiceState    `json:"-"`
	Health       ServiceStatus   `json:"-"`
	Dependencies map[string]bool `json:"dependencies"`
	LastChange   time.Time       `json:"last_change"`
	LastError    string          `json:"last_error,omitempty"`
}
