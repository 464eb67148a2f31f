package handlers

import (
	"github.com/fasthttp/router"
	"github.com/maximhq/connpool"
	"github.com/maximhq/connpool/metrics"
	"github.com/maximhq/connpool/schemas"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// MetricsHandler serves metric exports and the Prometheus scrape endpoint.
type MetricsHandler struct {
	manager *connpool.Manager
	logger  schemas.Logger
}

func NewMetricsHandler(manager *connpool.Manager, logger schemas.Logger) *MetricsHandler {
	return &MetricsHandler{manager: manager, logger: logger}
}

func (h *MetricsHandler) RegisterRoutes(r *router.Router) {
	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(h.manager.Metrics().Gatherer(), promhttp.HandlerOpts{}),
	))
	r.GET("/metrics/export", h.exportMetrics)
	r.GET("/providers/{provider}/metrics", h.getProviderMetrics)
	r.GET("/providers/{provider}/insights", h.getInsights)
}

// exportMetrics honours ?format=json|prometheus (default json).
func (h *MetricsHandler) exportMetrics(ctx *fasthttp.RequestCtx) {
	format := string(ctx.QueryArgs().Peek("format"))
	if format == "" {
		format = metrics.ExportFormatJSON
	}
	body, err := h.manager.ExportMetrics(format)
	if err != nil {
		SendError(ctx, statusForError(err), err.Error(), h.logger)
		return
	}
	if format == metrics.ExportFormatPrometheus {
		ctx.SetContentType("text/plain; version=0.0.4")
	} else {
		ctx.SetContentType("application/json")
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}

func (h *MetricsHandler) getProviderMetrics(ctx *fasthttp.RequestCtx) {
	provider := providerParam(ctx)
	if _, err := h.manager.GetProviderStats(provider); err != nil {
		SendError(ctx, statusForError(err), err.Error(), h.logger)
		return
	}
	SendJSON(ctx, fasthttp.StatusOK, h.manager.Metrics().GetMetrics(provider), h.logger)
}

func (h *MetricsHandler) getInsights(ctx *fasthttp.RequestCtx) {
	provider := providerParam(ctx)
	if _, err := h.manager.GetProviderStats(provider); err != nil {
		SendError(ctx, statusForError(err), err.Error(), h.logger)
		return
	}
	SendJSON(ctx, fasthttp.StatusOK, h.manager.Metrics().GetPerformanceInsights(provider), h.logger)
}
