// Package handlers exposes the connection manager over HTTP.
package handlers

import (
	"errors"

	"github.com/bytedance/sonic"
	"github.com/maximhq/connpool/schemas"
	"github.com/valyala/fasthttp"
)

// SendJSON writes data as a JSON response with the given status.
func SendJSON(ctx *fasthttp.RequestCtx, status int, data any, logger schemas.Logger) {
	body, err := sonic.Marshal(data)
	if err != nil {
		logger.Error("failed to encode JSON response: %v", err)
		SendError(ctx, fasthttp.StatusInternalServerError, "failed to encode response", logger)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

// SendError writes {"error": message} with the given status.
func SendError(ctx *fasthttp.RequestCtx, status int, message string, logger schemas.Logger) {
	if status >= fasthttp.StatusInternalServerError {
		logger.Error("request %s %s failed: %s", ctx.Method(), ctx.Path(), message)
	}
	body, _ := sonic.Marshal(map[string]string{"error": message})
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

// statusForError maps manager errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, schemas.ErrProviderNotConfigured):
		return fasthttp.StatusNotFound
	case errors.Is(err, schemas.ErrUnsupportedExportFormat), errors.Is(err, schemas.ErrConfiguration):
		return fasthttp.StatusBadRequest
	case errors.Is(err, schemas.ErrManagerShutdown):
		return fasthttp.StatusServiceUnavailable
	}
	return fasthttp.StatusInternalServerError
}

func providerParam(ctx *fasthttp.RequestCtx) string {
	provider, _ := ctx.UserValue("provider").(string)
	return provider
}
