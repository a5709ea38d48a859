package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/voxstack/api-gateway/internal/domain"
	"github.com/voxstack/api-gateway/internal/ratelimit"
)

// RegisterAdminRoutes mounts the operational API on the given router.
// These endpoints expose registry, breaker, balancer, and rate-limiter
// state; they never proxy traffic.
func (g *Gateway) RegisterAdminRoutes(r *mux.Router) {
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/services", g.handleServices).Methods(http.MethodGet)
	r.HandleFunc("/services/{name}/health", g.handleServiceHealth).Methods(http.MethodGet)
	r.HandleFunc("/routes", g.handleRoutes).Methods(http.MethodGet)
	r.HandleFunc("/breakers", g.handleBreakers).Methods(http.MethodGet)
	r.HandleFunc("/breakers/{name}/reset", g.handleBreakerReset).Methods(http.MethodPost)
	r.HandleFunc("/balancer", g.handleBalancer).Methods(http.MethodGet)
	r.HandleFunc("/ratelimits/{key}", g.handleRateLimitStatus).Methods(http.MethodGet)
}

// handleHealth reports the gateway's aggregate health: registry counts,
// breaker summary, and process uptime. The overall status follows the
// breaker summary.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary := g.breakers.Summary()

	services := make(map[string]interface{})
	for _, name := range g.registry.ServiceNames() {
		services[name] = g.registry.CountByStatus(name)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         summary.Status,
		"uptime_seconds": time.Since(g.started).Seconds(),
		"breakers":       summary,
		"services":       services,
		"events_dropped": g.bus.Dropped(),
	})
}

func (g *Gateway) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.registry.All())
}

func (g *Gateway) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	instances := g.registry.Instances(name)
	if len(instances) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "unknown service: " + name,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":      name,
		"counts":       g.registry.CountByStatus(name),
		"dependencies": g.registry.CheckDependencies(name),
		"instances":    instances,
	})
}

func (g *Gateway) handleRoutes(w http.ResponseWriter, r *http.Request) {
	type routeView struct {
		Method      string `json:"method"`
		Path        string `json:"path"`
		Service     string `json:"service"`
		TargetPath  string `json:"target_path,omitempty"`
		TimeoutMs   int64  `json:"timeout_ms"`
		RateLimited bool   `json:"rate_limited"`
	}

	routes := g.Routes()
	out := make([]routeView, 0, len(routes))
	for _, rc := range routes {
		out = append(out, routeView{
			Method:      rc.Method,
			Path:        rc.Path,
			Service:     rc.ServiceName,
			TargetPath:  rc.TargetPath,
			TimeoutMs:   rc.Timeout.Milliseconds(),
			RateLimited: rc.RateLimit != nil,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary":  g.breakers.Summary(),
		"breakers": g.breakers.Stats(),
	})
}

func (g *Gateway) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !g.breakers.Reset(name) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "unknown breaker: " + name,
		})
		return
	}
	g.logger.WithField("breaker", name).Info("Circuit breaker reset via admin API")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breaker": name,
		"state":   "closed",
	})
}

func (g *Gateway) handleBalancer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy":  string(g.balancer.Strategy()),
		"instances": g.balancer.Stats(),
	})
}

// handleRateLimitStatus reports the key's window status on every route that
// carries its own limiter, keyed by route.
func (g *Gateway) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	type limited struct {
		config  domain.RouteConfig
		limiter *ratelimit.Limiter
	}
	g.mu.RLock()
	routes := make([]limited, 0, len(g.routes))
	for _, rt := range g.routes {
		if rt.limiter != nil {
			routes = append(routes, limited{config: rt.config, limiter: rt.limiter})
		}
	}
	g.mu.RUnlock()

	perRoute := make(map[string]interface{}, len(routes))
	for _, rt := range routes {
		view := map[string]interface{}{
			"status": rt.limiter.Status(key),
		}
		if stats, ok := rt.limiter.KeyStatsFor(key); ok {
			view["stats"] = stats
		}
		perRoute[rt.config.Key()] = view
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":    key,
		"routes": perRoute,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
