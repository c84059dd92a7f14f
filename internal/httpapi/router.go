package httpapi

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wb-go/wbf/ginext"
)

// NewRouter wires every control API route to h: one ginext.Engine, one
// thin route table.
func NewRouter(h *Handler, mode string) *ginext.Engine {
	router := ginext.New(mode)
	router.Use(MetricsMiddleware)

	router.POST("/targets", h.SetKnownTargets)
	router.POST("/profiles/:target/:key", h.UpdatePendingForProfile)
	router.POST("/profiles/:target/:key/manual", h.RecordManualEvent)
	router.POST("/profiles/:target/:key/reconcile", h.ReconcilePublished)
	router.PATCH("/pending/:id/overrides", h.ApplyOverrides)
	router.POST("/pending/:id/actions/:action", h.ActOnMissed)
	router.POST("/profiles/:target/:key/restore/:id", h.RestoreDeleted)
	router.DELETE("/profiles/:target/:key", h.PurgeProfile)
	router.GET("/pending", h.GetPending)
	router.GET("/pending/missed-count", h.GetMissedCount)
	router.GET("/pending/queued-count", h.GetQueuedCount)

	metricsHandler := promhttp.Handler()
	router.GET("/metrics", func(c *ginext.Context) {
		metricsHandler.ServeHTTP(c.Writer, c.Request)
	})

	return router
}
