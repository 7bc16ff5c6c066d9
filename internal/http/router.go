package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/searchlift/searchlift/internal/config"
	"github.com/searchlift/searchlift/internal/http/handler"
	httpmiddleware "github.com/searchlift/searchlift/internal/http/middleware"
	"github.com/searchlift/searchlift/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, consoleHandler *handler.ConsoleHandler, rateLimiter *middleware.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	session := httpmiddleware.Session(cfg.SessionSecret)

	consoleGroup := r.Group("/console")
	{
		// The callback is a browser redirect target; the provider carries no
		// dashboard session, so it stays outside the session middleware.
		consoleGroup.GET("/callback", consoleHandler.ConnectCallback)

		authed := consoleGroup.Group("")
		authed.Use(session)
		{
			authed.GET("/connect", consoleHandler.ConnectStart)
			authed.GET("/status", consoleHandler.Status)
			authed.DELETE("/connection", consoleHandler.Disconnect)

			authed.POST("/sites/:id/inspect", consoleHandler.Inspect)
			authed.POST("/sites/:id/submit", consoleHandler.Submit)
			authed.GET("/sites/:id/settings", consoleHandler.GetSettings)
			authed.PUT("/sites/:id/settings", consoleHandler.PutSettings)
			authed.GET("/sites/:id/opportunities", consoleHandler.OpportunityReport)

			authed.POST("/queue/drain", consoleHandler.DrainQueue)
		}
	}

	return r
}
