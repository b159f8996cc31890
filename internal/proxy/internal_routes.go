package proxy

import (
	"encoding/json"
	"log/slog"

	"github.com/valyala/fasthttp"
)

// handleInvalidateKey serves POST /internal/keys/invalidate: the authority
// calls it to propagate a revocation immediately instead of waiting out the
// cached entry's TTL. Guarded by the shared internal secret.
func (g *Gateway) handleInvalidateKey(ctx *fasthttp.RequestCtx) {
	token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		writeJSON(ctx, map[string]string{"error": "Missing internal auth"})
		return
	}
	if token != g.internalSecret {
		ctx.SetStatusCode(fasthttp.StatusForbidden)
		writeJSON(ctx, map[string]string{"error": "Invalid internal auth"})
		return
	}

	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Key == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		writeJSON(ctx, map[string]string{"error": "field 'key' is required"})
		return
	}

	if err := g.keys.Invalidate(ctx, req.Key); err != nil {
		g.log.Error("key_invalidate_error", slog.String("error", err.Error()))
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		writeJSON(ctx, map[string]string{"error": "invalidate failed"})
		return
	}

	writeJSON(ctx, map[string]bool{"success": true})
}
