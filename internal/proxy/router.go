package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the full request handler: routed endpoints wrapped in the
// middleware chain. Exposed separately from Start so tests can serve it on an
// in-memory listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	// Everything under /v1 requires a bearer API key.
	r.GET("/v1/ping", g.requireAuth(g.handlePing))
	r.POST("/v1/ping", g.requireAuth(g.handlePing))
	r.GET("/v1/models", g.requireAuth(g.handleModels))
	r.POST("/v1/chat/completions", g.requireAuth(g.dispatchChat))

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	// Revocation propagation from the authority. Only exposed when the
	// shared secret is configured.
	if g.internalSecret != "" {
		r.POST("/internal/keys/invalidate", g.handleInvalidateKey)
	}

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8787").
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: SSE responses stream for as long as the model talks.
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok", "version": g.version})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.cacheReady == nil || g.cacheReady() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
