package handlers

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	"github.com/maximhq/connpool"
	"github.com/maximhq/connpool/schemas"
	"github.com/valyala/fasthttp"
)

// HealthHandler serves provider health summaries.
type HealthHandler struct {
	manager *connpool.Manager
	logger  schemas.Logger
}

func NewHealthHandler(manager *connpool.Manager, logger schemas.Logger) *HealthHandler {
	return &HealthHandler{manager: manager, logger: logger}
}

func (h *HealthHandler) RegisterRoutes(r *router.Router) {
	r.GET("/health", h.getHealth)
	r.GET("/health/{provider}", h.getProviderHealth)
	r.POST("/health/{provider}/check", h.checkProviderHealth)
}

type healthResponse struct {
	Status    schemas.OverallHealth           `json:"status"`
	Providers map[string]schemas.HealthReport `json:"providers"`
}

// getHealth answers 503 when any provider has no usable connection.
func (h *HealthHandler) getHealth(ctx *fasthttp.RequestCtx) {
	reports := h.manager.GetHealth()
	resp := healthResponse{Status: schemas.OverallHealthHealthy, Providers: reports}
	status := fasthttp.StatusOK
	for _, report := range reports {
		switch report.Status {
		case schemas.OverallHealthUnhealthy:
			resp.Status = schemas.OverallHealthUnhealthy
			status = fasthttp.StatusServiceUnavailable
		case schemas.OverallHealthDegraded:
			if resp.Status == schemas.OverallHealthHealthy {
				resp.Status = schemas.OverallHealthDegraded
			}
		}
	}
	SendJSON(ctx, status, resp, h.logger)
}

func (h *HealthHandler) getProviderHealth(ctx *fasthttp.RequestCtx) {
	provider := providerParam(ctx)
	report, ok := h.manager.GetHealth()[provider]
	if !ok {
		SendError(ctx, fasthttp.StatusNotFound, "provider not configured: "+provider, h.logger)
		return
	}
	status := fasthttp.StatusOK
	if report.Status == schemas.OverallHealthUnhealthy {
		status = fasthttp.StatusServiceUnavailable
	}
	SendJSON(ctx, status, report, h.logger)
}

func (h *HealthHandler) checkProviderHealth(ctx *fasthttp.RequestCtx) {
	checkCtx, cancel := checkContext(h.manager.HealthCheckConfig())
	defer cancel()
	report, err := h.manager.CheckHealth(checkCtx, providerParam(ctx))
	if err != nil {
		SendError(ctx, statusForError(err), err.Error(), h.logger)
		return
	}
	SendJSON(ctx, fasthttp.StatusOK, report, h.logger)
}

// checkContext bounds an on-demand check: one probe round plus replacement
// dials and the refill. It is detached from the RequestCtx, which must not
// be used after the handler returns.
func checkContext(cfg schemas.HealthCheckConfig) (context.Context, context.CancelFunc) {
	timeout := checkTimeoutProbes * cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = checkTimeoutProbes * schemas.DefaultProbeTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

const checkTimeoutProbes time.Duration = 4
