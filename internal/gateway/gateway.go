// internal/gateway/gateway.go
package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	servertiming "github.com/mitchellh/go-server-timing"
	"go.opentelemetry.io/otel/attribute"

	"api-manager/internal/common/config"
	"api-manager/internal/common/errors"
	commonhttp "api-manager/internal/common/http"
	"api-manager/internal/common/logger"
	"api-manager/internal/common/metrics"
	"api-manager/internal/common/observability"
)

const (
	HeaderRequestID = "X-Request-ID"
	maxBodyBytes    = 32 << 20
)

// Gateway forwards inbound requests to backend services through one generic
// handler parameterized by the route table.
type Gateway struct {
	routes        *RouteTable
	clients       map[string]*commonhttp.Client
	errorHandler  *errors.ErrorHandler
	logger        logger.Logger
	obs           *observability.Observability
	userAgent     string
	passThrough   []string
	statusTimeout time.Duration
}

// New builds the route table and one transport client per route.
func New(cfg config.GatewayConfig, log logger.Logger, obs *observability.Observability) (*Gateway, error) {
	table, err := NewRouteTable(cfg.Routes, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("build route table: %w", err)
	}
	if obs == nil {
		obs = &observability.Observability{}
	}

	g := &Gateway{
		routes:        table,
		clients:       make(map[string]*commonhttp.Client, len(table.routes)),
		errorHandler:  errors.NewErrorHandler(log),
		logger:        log.WithFields(map[string]interface{}{"component": "gateway"}),
		obs:           obs,
		userAgent:     cfg.UserAgent,
		passThrough:   cfg.PassThroughHeaders,
		statusTimeout: config.GetDuration(cfg.StatusTimeout),
	}
	if g.userAgent == "" {
		g.userAgent = config.DefaultUserAgent
	}
	if g.statusTimeout <= 0 {
		g.statusTimeout = 10 * time.Second
	}

	for _, r := range table.routes {
		g.clients[r.Name] = commonhttp.NewClient(commonhttp.Destination{
			Name:    r.Name,
			BaseURL: r.BaseURL,
			Timeout: r.Timeout,
			Verbose: r.Verbose,
		}, log)
		g.logger.Info("route registered", map[string]interface{}{
			"route":     r.Name,
			"prefix":    r.Prefix,
			"target":    r.BaseURL + "/" + r.Upstream,
			"timeoutMs": r.Timeout.Milliseconds(),
			"verbose":   r.Verbose,
		})
	}

	return g, nil
}

// Routes exposes the immutable route table.
func (g *Gateway) Routes() *RouteTable {
	return g.routes
}

// Handler returns the HTTP surface: /health plus every configured prefix.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)

	for _, r := range g.routes.routes {
		h := g.routeHandler(r)
		mux.Handle(r.Prefix, h)
		mux.Handle(r.Prefix+"/", h)
	}

	return servertiming.Middleware(mux, nil)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (g *Gateway) routeHandler(route Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderRequestID) == "" {
			r.Header.Set(HeaderRequestID, uuid.NewString())
		}
		w.Header().Set(HeaderRequestID, r.Header.Get(HeaderRequestID))

		if r.Method == http.MethodGet && route.IsRoot(r.URL.Path) {
			g.checkStatus(w, r, route)
			return
		}
		if !route.Allows(r.Method) {
			w.Header().Set("Allow", strings.Join(route.Methods, ", "))
			g.countRequest(route, r.Method, http.StatusMethodNotAllowed)
			gwErr := errors.NewValidationError(fmt.Sprintf("method %s not allowed on %s", r.Method, route.Prefix))
			writeJSON(w, http.StatusMethodNotAllowed, gwErr.ToEnvelope(route.Prefix))
			return
		}
		g.forward(w, r, route)
	})
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, route Route) {
	start := time.Now()

	path, err := RewritePath(route, r.URL.Path)
	if err != nil {
		g.fail(w, r, route, start, errors.NewValidationError(err.Error()))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.fail(w, r, route, start, errors.NewValidationError(fmt.Sprintf("read request body: %v", err)))
		return
	}
	if len(body) == 0 {
		body = nil
	}

	ctx, span := g.obs.StartSpan(r.Context(), "gateway.forward",
		attribute.String("route", route.Name),
		attribute.String("http.method", r.Method),
		attribute.String("upstream.path", path),
	)
	defer span.End()

	timing := servertiming.FromContext(ctx)
	var upstreamMetric *servertiming.Metric
	if timing != nil {
		upstreamMetric = timing.NewMetric("upstream").WithDesc(route.Name).Start()
	}

	resp, err := g.clients[route.Name].Invoke(ctx, r.Method, path, body,
		commonhttp.WithHeaders(g.outboundHeaders(r)),
		commonhttp.WithQuery(r.URL.Query()),
	)
	if upstreamMetric != nil {
		upstreamMetric.Stop()
	}
	if err != nil {
		span.RecordError(err)
		g.fail(w, r, route, start, err)
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)

	g.countRequest(route, r.Method, resp.StatusCode)
	g.obs.RecordProxy(ctx, route.Name, resp.StatusCode, time.Since(start))
}

// outboundHeaders copies the pass-through set and fills in the defaults.
func (g *Gateway) outboundHeaders(r *http.Request) http.Header {
	h := http.Header{}
	for _, name := range g.passThrough {
		if v := r.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	if h.Get("Accept") == "" {
		h.Set("Accept", "application/json")
	}
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", g.userAgent)
	}
	h.Set(HeaderRequestID, r.Header.Get(HeaderRequestID))
	return h
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, route Route, start time.Time, err error) {
	status := http.StatusInternalServerError
	if gwErr, ok := errors.AsGatewayError(err); ok {
		status = errors.StatusFor(gwErr)
		metrics.GatewayUpstreamErrors.WithLabelValues(route.Name, string(gwErr.Kind)).Inc()
		if gwErr.Kind == errors.KindTimeout {
			g.logger.Warn("backend did not answer within route timeout, processing may still be running", map[string]interface{}{
				"route":     route.Name,
				"timeoutMs": route.Timeout.Milliseconds(),
			})
		}
	}
	g.countRequest(route, r.Method, status)
	g.obs.RecordProxy(r.Context(), route.Name, status, time.Since(start))
	g.errorHandler.HandleRequestError(w, r, route.Prefix, err)
}

// checkStatus probes the backend root and reports online or offline.
func (g *Gateway) checkStatus(w http.ResponseWriter, r *http.Request, route Route) {
	path, _ := RewritePath(route, route.Prefix+"/")

	resp, err := g.clients[route.Name].Invoke(r.Context(), http.MethodGet, path, nil,
		commonhttp.WithTimeout(g.statusTimeout),
		commonhttp.WithAnyStatus(),
		commonhttp.WithHeader("User-Agent", g.userAgent),
	)

	report := StatusReport{
		Route:     route.Prefix,
		Service:   route.Name,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		report.Status = ClassifyStatus(false, 0)
		report.Message = errors.Message(err)
	} else {
		report.Status = ClassifyStatus(true, resp.StatusCode)
		report.HTTPStatus = resp.StatusCode
		report.ElapsedMs = resp.Elapsed.Milliseconds()
		if report.Status == StateOffline {
			report.Message = fmt.Sprintf("backend responded with %d", resp.StatusCode)
		}
	}

	status := http.StatusOK
	if report.Status == StateOffline {
		status = http.StatusServiceUnavailable
	}
	metrics.GatewayStatusChecks.WithLabelValues(route.Name, string(report.Status)).Inc()
	g.countRequest(route, r.Method, status)
	writeJSON(w, status, report)
}

func (g *Gateway) countRequest(route Route, method string, status int) {
	metrics.GatewayRequests.WithLabelValues(route.Name, method, fmt.Sprintf("%d", status)).Inc()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
