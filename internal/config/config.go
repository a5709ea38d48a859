package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/voxstack/api-gateway/internal/domain"
	gwerrors "github.com/voxstack/api-gateway/internal/errors"
)

// Config is the root configuration for the gateway process
type Config struct {
	Server      ServerConfig             `yaml:"server"`
	Logging     LoggingConfig            `yaml:"logging"`
	HealthCheck domain.HealthCheckConfig `yaml:"health_check"`
	Breaker     domain.BreakerConfig     `yaml:"circuit_breaker"`
	RateLimit   domain.RateLimitConfig   `yaml:"rate_limit"`
	Balancer    BalancerConfig           `yaml:"load_balancer"`
	Gateway     GatewayConfig            `yaml:"gateway"`
	Services    []ServiceSpec            `yaml:"services"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AdminPrefix     string        `yaml:"admin_prefix"`
}

// LoggingConfig holds structured logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// BalancerConfig selects the load balancing strategy
type BalancerConfig struct {
	Strategy string `yaml:"strategy"`
}

// GatewayConfig holds proxy pipeline settings
type GatewayConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	GlobalRate     float64       `yaml:"global_rate"`
	GlobalBurst    int           `yaml:"global_burst"`
}

// ServiceSpec declares one managed service in the config file
type ServiceSpec struct {
	Name            string                  `yaml:"name"`
	Dependencies    []string                `yaml:"dependencies"`
	Critical        bool                    `yaml:"critical"`
	StartupTimeout  time.Duration           `yaml:"startup_timeout"`
	ShutdownTimeout time.Duration           `yaml:"shutdown_timeout"`
	Instance        *domain.ServiceInstance `yaml:"instance"`
	Routes          []RouteSpec             `yaml:"routes"`
}

// RouteSpec declares one gateway route in the config file
type RouteSpec struct {
	Method     string                  `yaml:"method"`
	Path       string                  `yaml:"path"`
	TargetPath string                  `yaml:"target_path"`
	Tags       []string                `yaml:"tags"`
	Timeout    time.Duration           `yaml:"timeout"`
	RateLimit  *domain.RateLimitConfig `yaml:"rate_limit"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     90 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AdminPrefix:     "/admin",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		HealthCheck: domain.HealthCheckConfig{
			Interval:  30 * time.Second,
			Timeout:   5 * time.Second,
			MaxProbes: 16,
		},
		Breaker: domain.BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 3,
			CallTimeout:      30 * time.Second,
			MonitoringPeriod: 60 * time.Second,
		},
		RateLimit: domain.RateLimitConfig{
			MaxRequests:  100,
			Window:       time.Minute,
			QueueSize:    10,
			QueueTimeout: 5 * time.Second,
		},
		Balancer: BalancerConfig{
			Strategy: string(domain.HealthBasedStrategy),
		},
		Gateway: GatewayConfig{
			DefaultTimeout: 30 * time.Second,
		},
	}
}

// LoadFromFile reads a YAML config file over the defaults, then applies
// environment overrides and validates the result.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, gwerrors.Wrap(err, gwerrors.ErrCodeConfigInvalid, "config",
				fmt.Sprintf("failed to read config file %s", path))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, gwerrors.Wrap(err, gwerrors.ErrCodeConfigInvalid, "config",
				fmt.Sprintf("failed to parse config file %s", path))
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override file settings
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("GATEWAY_BALANCER_STRATEGY"); v != "" {
		c.Balancer.Strategy = v
	}
}

var validStrategies = map[string]bool{
	string(domain.RoundRobinStrategy):         true,
	string(domain.LeastConnectionsStrategy):   true,
	string(domain.WeightedRoundRobinStrategy): true,
	string(domain.RandomStrategy):             true,
	string(domain.HealthBasedStrategy):        true,
}

// Validate checks the configuration for invalid or inconsistent values
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return gwerrors.New(gwerrors.ErrCodeConfigInvalid, "config",
			fmt.Sprintf("invalid server port: %d", c.Server.Port))
	}
	if !validStrategies[c.Balancer.Strategy] {
		return gwerrors.New(gwerrors.ErrCodeConfigInvalid, "config",
			fmt.Sprintf("invalid load balancer strategy: %q", c.Balancer.Strategy))
	}
	if c.HealthCheck.Interval < time.Second {
		return gwerrors.New(gwerrors.ErrCodeConfigInvalid, "config",
			"health check interval must be at least 1s")
	}
	if c.Breaker.FailureThreshold < 1 {
		return gwerrors.New(gwerrors.ErrCodeConfigInvalid, "config",
			"circuit breaker failure threshold must be at least 1")
	}
	if c.RateLimit.MaxRequests < 1 {
		return gwerrors.New(gwerrors.ErrCodeConfigInvalid, "config",
			"rate limit max requests must be at least 1")
	}

	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return gwerrors.New(gwerrors.ErrCodeConfigInvalid, "config",
				"every service requires a name")
		}
		if seen[svc.Name] {
			return gwerrors.New(gwerrors.ErrCodeConfigInvalid, "config",
				fmt.Sprintf("duplicate service name: %q", svc.Name))
		}
		seen[svc.Name] = true
		if svc.Instance == nil {
			return gwerrors.New(gwerrors.ErrCodeConfigInvalid, "config",
				fmt.Sprintf("service %q declares no instance", svc.Name))
		}
		for _, rt := range svc.Routes {
			if rt.Method == "" || rt.Path == "" {
				return gwerrors.New(gwerrors.ErrCodeConfigInvalid, "config",
					fmt.Sprintf("service %q has a route without method or path", svc.Name))
			}
		}
	}
	return nil
}

// Definitions converts the declared services into manager definitions with
// their gateway routes attached.
func (c *Config) Definitions() []domain.ServiceDefinition {
	defs := make([]domain.ServiceDefinition, 0, len(c.Services))
	for _, svc := range c.Services {
		def := domain.ServiceDefinition{
			Name:            svc.Name,
			Dependencies:    svc.Dependencies,
			Critical:        svc.Critical,
			StartupTimeout:  svc.StartupTimeout,
			ShutdownTimeout: svc.ShutdownTimeout,
			Instance:        svc.Instance,
		}
		for _, rt := range svc.Routes {
			def.Routes = append(def.Routes, domain.RouteConfig{
				Method:      rt.Method,
				Path:        rt.Path,
				ServiceName: svc.Name,
				TargetPath:  rt.TargetPath,
				Tags:        rt.Tags,
				Timeout:     rt.Timeout,
				RateLimit:   rt.RateLimit,
			})
		}
		defs = append(defs, def)
	}
	return defs
}
