package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/voxstack/api-gateway/internal/balancer"
	"github.com/voxstack/api-gateway/internal/breaker"
	"github.com/voxstack/api-gateway/internal/config"
	"github.com/voxstack/api-gateway/internal/domain"
	"github.com/voxstack/api-gateway/internal/events"
	"github.com/voxstack/api-gateway/internal/gateway"
	"github.com/voxstack/api-gateway/internal/health"
	"github.com/voxstack/api-gateway/internal/manager"
	"github.com/voxstack/api-gateway/internal/registry"
	"github.com/voxstack/api-gateway/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "api-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log.WithField("strategy", cfg.Balancer.Strategy).
		WithField("port", cfg.Server.Port).
		Info("Starting API gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()

	reg := registry.New(bus, log)
	breakers := breaker.NewRegistry(breaker.FromDomain(cfg.Breaker), bus, log)
	lb := balancer.New(reg, domain.BalancingStrategy(cfg.Balancer.Strategy), log)
	checker := health.New(reg, breakers, bus, log, cfg.HealthCheck)

	gw := gateway.New(reg, lb, breakers, bus, log, gateway.Config{
		DefaultTimeout:   cfg.Gateway.DefaultTimeout,
		DefaultRateLimit: &cfg.RateLimit,
		GlobalRate:       cfg.Gateway.GlobalRate,
		GlobalBurst:      cfg.Gateway.GlobalBurst,
	})
	defer gw.Close()
	mgr := manager.New(reg, checker, lb, gw, log)

	for _, def := range cfg.Definitions() {
		if err := mgr.RegisterService(def); err != nil {
			return err
		}
	}

	go lb.Watch(ctx, bus)
	if err := checker.Start(ctx); err != nil {
		return err
	}
	defer checker.Stop()

	if err := mgr.StartAll(ctx); err != nil {
		return err
	}

	router := mux.NewRouter()
	gw.RegisterAdminRoutes(router.PathPrefix(cfg.Server.AdminPrefix).Subrouter())
	router.PathPrefix("/").Handler(gw.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("address", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	mgr.StopAll(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	log.Info("Shutdown complete")
	return nil
}
