package handlers

import (
	"github.com/fasthttp/router"
	"github.com/maximhq/connpool"
	"github.com/maximhq/connpool/schemas"
	"github.com/valyala/fasthttp"
)

// StatsHandler serves pool statistics, recommendations and the dashboard.
type StatsHandler struct {
	manager *connpool.Manager
	logger  schemas.Logger
}

func NewStatsHandler(manager *connpool.Manager, logger schemas.Logger) *StatsHandler {
	return &StatsHandler{manager: manager, logger: logger}
}

func (h *StatsHandler) RegisterRoutes(r *router.Router) {
	r.GET("/stats", h.getGlobalStats)
	r.GET("/providers/{provider}/stats", h.getProviderStats)
	r.GET("/providers/{provider}/recommendations", h.getRecommendations)
	r.GET("/dashboard", h.getDashboard)
	r.GET("/alerts", h.getAlerts)
}

func (h *StatsHandler) getGlobalStats(ctx *fasthttp.RequestCtx) {
	SendJSON(ctx, fasthttp.StatusOK, h.manager.GetGlobalStats(), h.logger)
}

func (h *StatsHandler) getProviderStats(ctx *fasthttp.RequestCtx) {
	stats, err := h.manager.GetProviderStats(providerParam(ctx))
	if err != nil {
		SendError(ctx, statusForError(err), err.Error(), h.logger)
		return
	}
	SendJSON(ctx, fasthttp.StatusOK, stats, h.logger)
}

func (h *StatsHandler) getRecommendations(ctx *fasthttp.RequestCtx) {
	recs, err := h.manager.GetProviderRecommendations(providerParam(ctx))
	if err != nil {
		SendError(ctx, statusForError(err), err.Error(), h.logger)
		return
	}
	SendJSON(ctx, fasthttp.StatusOK, recs, h.logger)
}

func (h *StatsHandler) getDashboard(ctx *fasthttp.RequestCtx) {
	SendJSON(ctx, fasthttp.StatusOK, h.manager.GetMonitoringDashboard(), h.logger)
}

func (h *StatsHandler) getAlerts(ctx *fasthttp.RequestCtx) {
	SendJSON(ctx, fasthttp.StatusOK, h.manager.Monitor().GetActiveAlerts(), h.logger)
}
