package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/voxstack/api-gateway/internal/balancer"
	"github.com/voxstack/api-gateway/internal/breaker"
	"github.com/voxstack/api-gateway/internal/domain"
	gwerrors "github.com/voxstack/api-gateway/internal/errors"
	"github.com/voxstack/api-gateway/internal/events"
	"github.com/voxstack/api-gateway/internal/ratelimit"
	"github.com/voxstack/api-gateway/internal/registry"
	"github.com/voxstack/api-gateway/pkg/logger"
)

// requestHeaderAllowlist names the inbound headers forwarded to backends.
// Everything else is dropped; x-request-id is always (re)injected.
var requestHeaderAllowlist = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Content-Type",
	"User-Agent",
	"X-Correlation-Id",
}

// hopByHopHeaders are stripped from proxied responses
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// maxBodyBytes bounds request and response bodies read into memory
const maxBodyBytes = 8 << 20

// Bounds on the per-client throttle map: once it reaches the cap, entries
// idle longer than throttleIdleAfter are evicted before a new client is added.
const (
	maxClientThrottles = 4096
	throttleIdleAfter  = 10 * time.Minute
)

// KeyFunc derives the rate-limit key for an inbound request
type KeyFunc func(*http.Request) string

// Config holds gateway-level settings
type Config struct {
	// DefaultTimeout applies to routes that declare none
	DefaultTimeout time.Duration
	// DefaultRateLimit applies to routes that declare no rate limit of
	// their own; nil leaves such routes unlimited
	DefaultRateLimit *domain.RateLimitConfig
	// GlobalRate enables a per-client token-bucket throttle in front of the
	// per-route window limiter when > 0 (requests per second)
	GlobalRate  float64
	GlobalBurst int
	// KeyFunc defaults to the client IP
	KeyFunc KeyFunc
}

type route struct {
	config  domain.RouteConfig
	limiter *ratelimit.Limiter
}

// Gateway proxies matched inbound requests to registered backend instances
// with rate limiting, instance selection, and circuit-breaker isolation.
type Gateway struct {
	registry *registry.Registry
	balancer *balancer.Balancer
	breakers *breaker.Registry
	bus      *events.Bus
	logger   *logger.Logger
	client   *http.Client
	config   Config
	started  time.Time

	mu     sync.RWMutex
	routes map[string]*route

	throttleMu sync.Mutex
	throttles  map[string]*clientThrottle
}

// clientThrottle is one client's token bucket plus its last use, so idle
// entries can be swept.
type clientThrottle struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a gateway over the given resilience components
func New(reg *registry.Registry, lb *balancer.Balancer, breakers *breaker.Registry, bus *events.Bus, log *logger.Logger, config Config) *Gateway {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.KeyFunc == nil {
		config.KeyFunc = ClientIP
	}

	transport := &http.Transport{
		MaxIdleConns:        128,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	_ = http2.ConfigureTransport(transport)

	return &Gateway{
		registry:  reg,
		balancer:  lb,
		breakers:  breakers,
		bus:       bus,
		logger:    log.GatewayLogger(),
		client:    &http.Client{Transport: transport},
		config:    config,
		started:   time.Now(),
		routes:    make(map[string]*route),
		throttles: make(map[string]*clientThrottle),
	}
}

// ClientIP extracts the client address used as the default rate-limit key
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// AddRoute registers a route in the table, replacing any previous entry for
// the same (method, path). A route without a rate limit of its own inherits
// the gateway default; each limited route gets its own limiter.
func (g *Gateway) AddRoute(rc domain.RouteConfig) {
	if rc.Timeout <= 0 {
		rc.Timeout = g.config.DefaultTimeout
	}
	if rc.RateLimit == nil {
		rc.RateLimit = g.config.DefaultRateLimit
	}
	rt := &route{config: rc}
	if rc.RateLimit != nil {
		rt.limiter = ratelimit.New(ratelimit.FromDomain(rc.RateLimit), g.logger)
		rt.limiter.StartJanitor(time.Minute, 10*time.Minute)
	}

	g.mu.Lock()
	if prev, ok := g.routes[rc.Key()]; ok && prev.limiter != nil {
		prev.limiter.Stop()
	}
	g.routes[rc.Key()] = rt
	g.mu.Unlock()

	g.logger.WithField("method", rc.Method).
		WithField("path", rc.Path).
		WithField("service", rc.ServiceName).
		Info("Route registered")
}

// RemoveRoute deletes a route, reporting whether it existed
func (g *Gateway) RemoveRoute(method, path string) bool {
	key := method + " " + path

	g.mu.Lock()
	rt, ok := g.routes[key]
	if ok {
		delete(g.routes, key)
	}
	g.mu.Unlock()

	if ok && rt.limiter != nil {
		rt.limiter.Stop()
	}
	return ok
}

// Close stops every per-route limiter's janitor
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, rt := range g.routes {
		if rt.limiter != nil {
			rt.limiter.Stop()
		}
	}
}

// Routes returns a snapshot of the registered route configs
func (g *Gateway) Routes() []domain.RouteConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]domain.RouteConfig, 0, len(g.routes))
	for _, rt := range g.routes {
		out = append(out, rt.config)
	}
	return out
}

func (g *Gateway) lookup(method, path string) *route {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.routes[method+" "+path]
}

// Middleware wraps a handler: requests matching a registered route are
// proxied, everything else passes through unmodified.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt := g.lookup(r.Method, r.URL.Path)
		if rt == nil {
			next.ServeHTTP(w, r)
			return
		}
		g.proxy(w, r, rt)
	})
}

// Handler returns the gateway as a terminal handler: unmatched requests 404
func (g *Gateway) Handler() http.Handler {
	return g.Middleware(http.NotFoundHandler())
}

// proxy runs the full pipeline for one matched request: rate limit,
// instance selection, breaker-wrapped call, metrics, response.
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request, rt *route) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := g.logger.RequestLogger(requestID, r.Method, r.URL.Path)
	key := g.config.KeyFunc(r)

	if !g.allowGlobal(key) {
		log.WithField("client", key).Warn("Global throttle rejected request")
		g.writeError(w, requestID, gwerrors.NewRateLimitedError(key))
		return
	}

	if rt.limiter != nil {
		if err := rt.limiter.Acquire(r.Context(), key); err != nil {
			log.WithError(err).WithField("client", key).Warn("Rate limit rejected request")
			g.writeError(w, requestID, err)
			return
		}
	}

	inst, err := g.balancer.Select(rt.config.ServiceName, rt.config.Tags)
	if err != nil {
		log.WithError(err).Warn("No instance available")
		g.writeError(w, requestID, err)
		return
	}

	proxyReq, err := g.buildProxyRequest(r, rt, requestID)
	if err != nil {
		log.WithError(err).Error("Failed to build proxy request")
		g.writeError(w, requestID, gwerrors.Wrap(err, gwerrors.ErrCodeInternal, "gateway", "failed to build proxy request"))
		return
	}
	if rt.config.TransformRequest != nil {
		rt.config.TransformRequest(proxyReq)
	}

	cb := g.breakers.GetWithConfig("proxy-"+rt.config.ServiceName, breaker.Config{
		CallTimeout: rt.config.Timeout,
	})

	g.balancer.RecordConnectionStart(inst.ID)
	start := time.Now()

	var proxyResp *domain.ProxyResponse
	err = cb.Execute(r.Context(), func(ctx context.Context) error {
		resp, callErr := g.forward(ctx, inst, proxyReq)
		if callErr != nil {
			return callErr
		}
		proxyResp = resp
		return nil
	})

	duration := time.Since(start)
	g.balancer.RecordConnectionEnd(inst.ID)
	// Metrics are recorded before the outcome is surfaced so shared state
	// stays consistent even when the caller abandons the response.
	g.balancer.RecordRequest(inst.ID, duration, err == nil)
	g.publishOutcome(rt, inst.ID, requestID, duration, err)

	if err != nil {
		log.WithError(err).WithField("service", rt.config.ServiceName).
			WithField("instance_id", inst.ID).
			Warn("Proxied request failed")
		g.writeError(w, requestID, err)
		return
	}

	if rt.config.TransformResponse != nil {
		rt.config.TransformResponse(proxyResp)
	}
	g.writeResponse(w, requestID, proxyResp)
}

// allowGlobal applies the optional per-client token-bucket throttle
func (g *Gateway) allowGlobal(key string) bool {
	if g.config.GlobalRate <= 0 {
		return true
	}
	now := time.Now()

	g.throttleMu.Lock()
	ct, ok := g.throttles[key]
	if !ok {
		if len(g.throttles) >= maxClientThrottles {
			g.sweepThrottlesLocked(now)
		}
		burst := g.config.GlobalBurst
		if burst <= 0 {
			burst = int(g.config.GlobalRate) + 1
		}
		ct = &clientThrottle{limiter: rate.NewLimiter(rate.Limit(g.config.GlobalRate), burst)}
		g.throttles[key] = ct
	}
	ct.lastSeen = now
	g.throttleMu.Unlock()

	return ct.limiter.Allow()
}

// sweepThrottlesLocked evicts idle throttle entries; under sustained churn
// of distinct clients it evicts arbitrarily so the map stays bounded.
// Callers hold g.throttleMu.
func (g *Gateway) sweepThrottlesLocked(now time.Time) {
	for key, ct := range g.throttles {
		if now.Sub(ct.lastSeen) > throttleIdleAfter {
			delete(g.throttles, key)
		}
	}
	for key := range g.throttles {
		if len(g.throttles) < maxClientThrottles {
			return
		}
		delete(g.throttles, key)
	}
}

// buildProxyRequest copies the allow-listed headers and body into an
// outbound request description with x-request-id injected.
func (g *Gateway) buildProxyRequest(r *http.Request, rt *route, requestID string) (*domain.ProxyRequest, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		body = b
	}

	headers := make(map[string]string)
	for _, name := range requestHeaderAllowlist {
		if v := r.Header.Get(name); v != "" {
			headers[name] = v
		}
	}
	headers["X-Request-Id"] = requestID

	targetPath := rt.config.TargetPath
	if targetPath == "" {
		targetPath = rt.config.Path
	}

	return &domain.ProxyRequest{
		Method:  r.Method,
		Path:    targetPath,
		Query:   r.URL.RawQuery,
		Headers: headers,
		Body:    body,
	}, nil
}

// forward executes the outbound call and normalizes the response: JSON
// bodies are decoded, anything else kept as raw text, hop-by-hop headers
// stripped. Non-2xx responses are upstream errors and count as breaker
// failures.
func (g *Gateway) forward(ctx context.Context, inst *domain.ServiceInstance, proxyReq *domain.ProxyRequest) (*domain.ProxyResponse, error) {
	target := inst.BaseURL() + proxyReq.Path
	if proxyReq.Query != "" {
		target += "?" + proxyReq.Query
	}

	var bodyReader io.Reader
	if len(proxyReq.Body) > 0 {
		bodyReader = bytes.NewReader(proxyReq.Body)
	}
	req, err := http.NewRequestWithContext(ctx, proxyReq.Method, target, bodyReader)
	if err != nil {
		return nil, gwerrors.NewUpstreamError(inst.Name, err)
	}
	for name, value := range proxyReq.Headers {
		req.Header.Set(name, value)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, gwerrors.NewUpstreamError(inst.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, gwerrors.NewUpstreamError(inst.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, gwerrors.NewUpstreamError(inst.Name,
			fmt.Errorf("upstream returned status %d", resp.StatusCode)).
			WithMetadata("status_code", resp.StatusCode).
			WithMetadata("body", string(raw))
	}

	headers := make(map[string]string)
	for name := range resp.Header {
		// Content-Length is recomputed: decoded JSON is re-encoded on the
		// way out and the original length no longer applies.
		if isHopByHop(name) || http.CanonicalHeaderKey(name) == "Content-Length" {
			continue
		}
		headers[name] = resp.Header.Get(name)
	}

	var body interface{}
	var decoded interface{}
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		body = decoded
	} else {
		body = string(raw)
	}

	return &domain.ProxyResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if http.CanonicalHeaderKey(name) == h {
			return true
		}
	}
	return false
}

func (g *Gateway) publishOutcome(rt *route, instanceID, requestID string, duration time.Duration, err error) {
	detail := map[string]interface{}{
		"route":       rt.config.Key(),
		"request_id":  requestID,
		"duration_ms": duration.Milliseconds(),
		"success":     err == nil,
	}
	if err != nil {
		detail["error_code"] = string(gwerrors.CodeOf(err))
	}
	g.bus.Publish(events.Event{
		Type:       events.GatewayRequest,
		Service:    rt.config.ServiceName,
		InstanceID: instanceID,
		Detail:     detail,
	})
}

// writeResponse forwards a proxied response to the original caller
func (g *Gateway) writeResponse(w http.ResponseWriter, requestID string, resp *domain.ProxyResponse) {
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("X-Request-Id", requestID)

	if text, ok := resp.Body.(string); ok {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.WriteString(w, text)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_ = json.NewEncoder(w).Encode(resp.Body)
}

// writeError maps an error to its HTTP status and a JSON error envelope
func (g *Gateway) writeError(w http.ResponseWriter, requestID string, err error) {
	status := gwerrors.HTTPStatusOf(err)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":       string(gwerrors.CodeOf(err)),
			"message":    err.Error(),
			"request_id": requestID,
		},
	})
}
