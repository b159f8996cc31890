// Package apierr writes the gateway's client-facing error envelope.
//
// Errors are deliberately terse: a short phrase and an HTTP status, never a
// stack trace or upstream detail. The envelope is {"error":"<phrase>"}.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Canonical error phrases.
const (
	PhraseUnauthorized  = "Unauthorized"
	PhraseInvalidBody   = "Invalid Body"
	PhraseModelNotFound = "Model not found"
	PhraseInternal      = "Internal Server Error"
)

type envelope struct {
	Error string `json:"error"`
}

// Write writes {"error": phrase} with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, phrase string) {
	ctx.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: phrase})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 Unauthorized envelope.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, PhraseUnauthorized)
}

// WriteInvalidBody writes a 400 Invalid Body envelope.
func WriteInvalidBody(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadRequest, PhraseInvalidBody)
}

// WriteModelNotFound writes a 404 Model not found envelope.
func WriteModelNotFound(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusNotFound, PhraseModelNotFound)
}

// WriteInternal writes a 500 Internal Server Error envelope.
// Used for upstream failures so no provider detail leaks to clients.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, PhraseInternal)
}
