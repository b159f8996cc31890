// Package proxy is the gateway's edge request path.
//
// The Gateway authenticates the caller through the key store, resolves the
// upstream provider from the provider/model tuple, runs the purpose-selected
// pipeline around the dispatch, and accounts token usage for settlement —
// exactly one usage entry per accepted request, whether the request finishes,
// the client disconnects mid-stream, or the upstream dies after first bytes.
//
// Key design constraints:
//   - Streaming is a pump: one upstream line in, zero or more downstream
//     events out, flushed before the next upstream pull (backpressure).
//   - The full upstream body is never buffered in memory.
//   - Finalization is exactly-once regardless of which of flush, abort, or
//     pump error fires first.
package proxy

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/edge-gateway/internal/keystore"
	"github.com/nulpointcorp/edge-gateway/internal/kv"
	"github.com/nulpointcorp/edge-gateway/internal/metrics"
	"github.com/nulpointcorp/edge-gateway/internal/pipeline"
	"github.com/nulpointcorp/edge-gateway/internal/providers"
	"github.com/nulpointcorp/edge-gateway/internal/usage"
	"github.com/nulpointcorp/edge-gateway/pkg/apierr"
)

// keyRecordKey is the request-context slot holding the authenticated key record.
const keyRecordKey = "api_key_record"

const requestIDPrefix = "chatcmpl-"

// GatewayOptions holds optional tuning parameters for a Gateway.
type GatewayOptions struct {
	// Logger is the structured logger used for request events.
	// Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// AllowLists restricts servable models per provider name.
	// A missing or empty list means unrestricted.
	AllowLists map[string]*AllowList

	// CacheReady is the readiness probe for the edge KV backend.
	CacheReady func() bool

	// InternalSecret guards the gateway's own /internal/* routes (key-cache
	// invalidation). Empty disables those routes entirely.
	InternalSecret string
}

// Gateway is the edge request dispatcher — all dependencies are injected via
// the constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	providers  map[string]providers.Provider
	keys       *keystore.Store
	store      kv.Store
	dispatcher *usage.Dispatcher
	allow      map[string]*AllowList

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	cacheReady     func() bool
	corsOrigins    []string
	version        string
	internalSecret string
}

// NewGateway creates a fully configured Gateway.
func NewGateway(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	keys *keystore.Store,
	store kv.Store,
	dispatcher *usage.Dispatcher,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		providers:      provs,
		keys:           keys,
		store:          store,
		dispatcher:     dispatcher,
		allow:          opts.AllowLists,
		baseCtx:        baseCtx,
		log:            log,
		metrics:        opts.Metrics,
		cacheReady:     opts.CacheReady,
		internalSecret: opts.InternalSecret,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetVersion sets the version string reported by /health.
func (g *Gateway) SetVersion(v string) { g.version = v }

// keyRecord returns the authenticated record stored by requireAuth.
func keyRecord(ctx *fasthttp.RequestCtx) *keystore.Record {
	rec, _ := ctx.UserValue(keyRecordKey).(*keystore.Record)
	return rec
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		if streaming {
			return // the stream writer owns the remaining accounting
		}
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	rec := keyRecord(ctx)

	// 1. Parse request body.
	var body map[string]any
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil || body == nil {
		apierr.WriteInvalidBody(ctx)
		return
	}

	// 2. Split provider/model and resolve the provider.
	model, _ := body["model"].(string)
	providerName, realModel, ok := splitModel(model)
	if !ok {
		apierr.WriteModelNotFound(ctx)
		return
	}
	prov, ok := g.providers[providerName]
	if !ok {
		apierr.WriteModelNotFound(ctx)
		return
	}

	// 3. Allow-list check (empty list = unrestricted).
	if al := g.allow[providerName]; !al.Allows(realModel) {
		apierr.WriteModelNotFound(ctx)
		return
	}

	// 4.–5. Mint the request id and build the pipeline context.
	requestID := newRequestID()
	pl := pipeline.ForPurpose(rec.Purpose)
	pctx := &pipeline.Context{
		RequestID:    requestID,
		ChatID:       generateChatID(body),
		ModelName:    model,
		ProviderName: providerName,
		UserID:       rec.UserID,
		Purpose:      rec.Purpose,
	}

	// 6. Rewrite the model to the upstream name and preprocess.
	body["model"] = realModel
	payload := pl.Preprocess(pctx, body)
	if msgs, ok := payload["messages"].([]any); ok {
		pctx.ChatHistory = msgs
	}

	stream, _ := payload["stream"].(bool)

	g.log.Info("chat_request",
		slog.String("request_id", requestID),
		slog.String("chat_id", pctx.ChatID),
		slog.String("model", model),
		slog.String("provider", providerName),
		slog.Bool("stream", stream),
		slog.Int64("user_id", rec.UserID),
	)

	if !stream {
		g.serveNonStream(ctx, prov, pl, pctx, payload)
		return
	}

	streaming = g.serveStream(ctx, prov, pl, pctx, payload, route, start)
}

// serveNonStream dispatches the request, postprocesses the response, and
// enqueues exactly one usage entry. Upstream failures cost the caller
// nothing: no tokens were consumed, so no entry is recorded.
func (g *Gateway) serveNonStream(
	ctx *fasthttp.RequestCtx,
	prov providers.Provider,
	pl pipeline.Pipeline,
	pctx *pipeline.Context,
	payload map[string]any,
) {
	raw, err := prov.ChatCompletions(ctx, payload)
	if err != nil {
		if g.metrics != nil {
			g.metrics.UpstreamAttempt(pctx.ProviderName, "error")
		}
		g.log.Error("upstream_chat_error",
			slog.String("request_id", pctx.RequestID),
			slog.String("provider", pctx.ProviderName),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx)
		return
	}
	if g.metrics != nil {
		g.metrics.UpstreamAttempt(pctx.ProviderName, "success")
	}

	processed := pl.Postprocess(pctx, raw)

	// Usage: prefer the upstream report, estimate on silence.
	var u usage.Usage
	estimated := false
	if rawUsage, ok := raw["usage"].(map[string]any); ok {
		u, ok = usage.Normalize(rawUsage)
		if !ok {
			estimated = true
		}
	} else {
		estimated = true
	}
	if estimated {
		u = usage.Estimate(pctx.ChatHistory, firstChoice(raw))
	}

	processed["id"] = pctx.RequestID
	processed["model"] = pctx.ModelName
	processed["usage"] = u

	g.recordUsage(pctx, u, estimated)

	data, err := json.Marshal(processed)
	if err != nil {
		g.log.Error("response_marshal_error",
			slog.String("request_id", pctx.RequestID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

// serveStream opens the upstream stream and pumps it to the client with
// per-line rewriting. Returns false when the stream could not be opened (the
// error response was already written).
func (g *Gateway) serveStream(
	ctx *fasthttp.RequestCtx,
	prov providers.Provider,
	pl pipeline.Pipeline,
	pctx *pipeline.Context,
	payload map[string]any,
	route string,
	start time.Time,
) bool {
	// The upstream connection must outlive this handler (the body stream
	// writer runs after it returns), so it hangs off the gateway context and
	// is cancelled by the pump itself.
	upCtx, cancelUp := context.WithCancel(g.baseCtx)

	upstream, err := prov.ChatCompletionsStream(upCtx, payload)
	if err != nil {
		cancelUp()
		if g.metrics != nil {
			g.metrics.UpstreamAttempt(pctx.ProviderName, "error")
		}
		g.log.Error("upstream_stream_error",
			slog.String("request_id", pctx.RequestID),
			slog.String("provider", pctx.ProviderName),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx)
		return false
	}
	if g.metrics != nil {
		g.metrics.UpstreamAttempt(pctx.ProviderName, "success")
	}

	tracker := usage.NewTracker()
	transform := pl.NewTransformer(pctx)
	estimatedPrompt := usage.EstimatePromptTokens(pctx.ChatHistory)

	// Exactly-once finalize: every exit path of the pump funnels here.
	finalized := false
	finalize := func(reason string) {
		if finalized {
			return
		}
		finalized = true

		u, estimated := tracker.BuildUsage(estimatedPrompt, 0)
		g.recordUsage(pctx, u, estimated)

		if g.metrics != nil {
			g.metrics.StreamFinalized(reason)
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start))
		}
		g.log.Info("stream_finalized",
			slog.String("request_id", pctx.RequestID),
			slog.String("reason", reason),
			slog.Int("prompt_tokens", u.PromptTokens),
			slog.Int("completion_tokens", u.CompletionTokens),
			slog.Bool("estimated", estimated),
		)
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-transform")
	ctx.Response.Header.Set("Connection", "keep-alive")

	lp := &lineProcessor{
		gateway:   g,
		requestID: pctx.RequestID,
		modelName: pctx.ModelName,
		tracker:   tracker,
		transform: transform,
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }() // a dead connection must not kill the server
		defer cancelUp()
		defer upstream.Close()

		for {
			line, err := upstream.Next()
			if err != nil {
				if err == io.EOF {
					finalize("flush")
				} else {
					g.log.Warn("stream_pump_error",
						slog.String("request_id", pctx.RequestID),
						slog.String("error", err.Error()),
					)
					finalize("pump_error")
				}
				break
			}

			if _, err := w.Write(lp.process(line)); err != nil {
				finalize("abort")
				break
			}
			// Block on the client before pulling the next upstream line so an
			// unresponsive client cannot turn the gateway into a buffer.
			if err := w.Flush(); err != nil {
				finalize("abort")
				break
			}
		}

		_ = w.Flush()
	})

	return true
}

// recordUsage builds the log entry and hands it to the async dispatcher.
func (g *Gateway) recordUsage(pctx *pipeline.Context, u usage.Usage, estimated bool) {
	entry := usage.NewLogEntry(
		pctx.RequestID,
		pctx.UserID,
		pctx.Purpose,
		pctx.ProviderName,
		pctx.ModelName,
		u,
		estimated,
	)
	if g.dispatcher != nil {
		g.dispatcher.Send(entry)
	}
	if g.metrics != nil {
		g.metrics.UsageEvent("enqueued", 1)
		g.metrics.AddTokens(pctx.ProviderName, u.PromptTokens, u.CompletionTokens, estimated)
	}
}

// lineProcessor rewrites one upstream SSE line into downstream bytes.
type lineProcessor struct {
	gateway   *Gateway
	requestID string
	modelName string
	tracker   *usage.Tracker
	transform pipeline.EventTransformer
}

const dataPrefix = "data: "

// process implements the per-line contract: verbatim passthrough for blank,
// non-data, [DONE], and unparseable lines; otherwise force the id and public
// model, track emitted content, latch usage, and fan the event through the
// transformer. Every output line gets the blank-line terminator.
func (lp *lineProcessor) process(line string) []byte {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, dataPrefix) {
		return []byte(line + "\n\n")
	}

	payload := trimmed[len(dataPrefix):]
	if payload == "[DONE]" {
		return []byte(line + "\n\n")
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		lp.gateway.log.Warn("sse_parse_error",
			slog.String("request_id", lp.requestID),
			slog.String("line", trimmed),
		)
		return []byte(line + "\n\n")
	}

	data["id"] = lp.requestID
	delete(data, "system_fingerprint")
	data["model"] = lp.modelName

	lp.trackDelta(data)

	if rawUsage, ok := data["usage"].(map[string]any); ok {
		if u, ok := usage.Normalize(rawUsage); ok {
			lp.tracker.RecordActualUsage(u)
			data["usage"] = u
		}
	}

	var out []byte
	for _, event := range lp.transform(data) {
		encoded, err := json.Marshal(event)
		if err != nil {
			lp.gateway.log.Warn("sse_marshal_error",
				slog.String("request_id", lp.requestID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, dataPrefix...)
		out = append(out, encoded...)
		out = append(out, "\n\n"...)
	}
	return out
}

// trackDelta counts the emitted characters of the event's delta fields.
func (lp *lineProcessor) trackDelta(data map[string]any) {
	choices, ok := data["choices"].([]any)
	if !ok || len(choices) == 0 {
		return
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return
	}

	if content, ok := delta["content"].(string); ok {
		lp.tracker.TrackContent(content)
	}
	if reasoning, ok := delta["reasoning_content"].(string); ok {
		lp.tracker.TrackContent(reasoning)
	}
	if toolCalls, ok := delta["tool_calls"]; ok && toolCalls != nil {
		if encoded, err := json.Marshal(toolCalls); err == nil {
			lp.tracker.TrackContent(string(encoded))
		}
	}
}

// splitModel splits "provider/model" and rejects ids without a slash.
func splitModel(model string) (provider, realModel string, ok bool) {
	if model == "" {
		return "", "", false
	}
	i := strings.Index(model, "/")
	if i <= 0 || i == len(model)-1 {
		return "", "", false
	}
	return model[:i], model[i+1:], true
}

// newRequestID mints "chatcmpl-" plus 32 base36 characters.
func newRequestID() string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// time-derived id rather than panic on an exotic one.
		return fmt.Sprintf("%s%032x", requestIDPrefix, time.Now().UnixNano())
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return requestIDPrefix + string(buf)
}

// generateChatID derives a stable conversation hash from the tools and the
// messages up to (excluding) the first assistant turn, so every turn of the
// same chat logs under one id.
func generateChatID(body map[string]any) string {
	msgs, _ := body["messages"].([]any)
	tools, _ := body["tools"].([]any)
	if tools == nil {
		tools = []any{}
	}

	truncated := msgs
	for i, m := range msgs {
		if msg, ok := m.(map[string]any); ok && msg["role"] == "assistant" {
			truncated = msgs[:i]
			break
		}
	}

	serialized, err := json.Marshal(map[string]any{
		"messages": truncated,
		"tools":    tools,
	})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:])[:16]
}

// firstChoice returns choices[0] of a response object, or nil.
func firstChoice(raw map[string]any) any {
	choices, ok := raw["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil
	}
	return choices[0]
}
