package handlers

import (
	"github.com/fasthttp/router"
	"github.com/maximhq/connpool"
)

// RegisterRoutes wires every handler onto r.
func RegisterRoutes(r *router.Router, manager *connpool.Manager) {
	logger := manager.Logger()
	NewHealthHandler(manager, logger).RegisterRoutes(r)
	NewStatsHandler(manager, logger).RegisterRoutes(r)
	NewMetricsHandler(manager, logger).RegisterRoutes(r)
}
