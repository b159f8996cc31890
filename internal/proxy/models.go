package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/edge-gateway/internal/providers"
)

const (
	modelsCacheKey = "models_list"
	modelsCacheTTL = 300 * time.Second
)

// handleModels serves GET /v1/models: the union of every provider's catalog,
// ids prefixed with the provider name, filtered by the same allow-lists the
// chat path enforces. The union is cached in the edge KV; provider-level
// failures degrade to partial results instead of failing the endpoint.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	defer func() {
		if g.metrics != nil {
			g.metrics.ObserveHTTP("models", ctx.Response.StatusCode(), time.Since(start))
		}
	}()

	if entry, ok := g.store.Get(ctx, modelsCacheKey); ok && !entry.Negative() && len(entry.Value) > 0 {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(entry.Value)
		return
	}

	page := g.aggregateModels(ctx)

	body, err := json.Marshal(page)
	if err != nil {
		g.log.Error("models_marshal_error", slog.String("error", err.Error()))
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"object":"list","data":[]}`)
		return
	}

	// An empty aggregate usually means every provider just failed; don't pin
	// that for the full TTL.
	if len(page.Data) > 0 {
		_ = g.store.Set(ctx, modelsCacheKey, body, "", modelsCacheTTL)
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// aggregateModels queries all providers concurrently and unions the results.
func (g *Gateway) aggregateModels(ctx context.Context) providers.ModelPage {
	var (
		mu  sync.Mutex
		all []providers.ModelInfo
	)

	eg, egCtx := errgroup.WithContext(ctx)
	for name, prov := range g.providers {
		eg.Go(func() error {
			page, err := prov.ListModels(egCtx)
			if err != nil {
				// Tolerated: one dead provider must not empty the catalog.
				g.log.Warn("models_provider_error",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				return nil
			}

			al := g.allow[name]
			var cleaned []providers.ModelInfo
			for _, m := range page.Data {
				if m.ID == "" || !al.Allows(m.ID) {
					continue
				}
				owned := m.OwnedBy
				if owned == "" {
					owned = name
				}
				cleaned = append(cleaned, providers.ModelInfo{
					ID:      name + "/" + m.ID,
					Object:  "model",
					Created: m.Created,
					OwnedBy: owned,
				})
			}

			mu.Lock()
			all = append(all, cleaned...)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if all == nil {
		all = []providers.ModelInfo{}
	}
	return providers.ModelPage{Object: "list", Data: all}
}

// handlePing answers the latency-test endpoint with a bare OK.
func (g *Gateway) handlePing(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString("OK")
}
