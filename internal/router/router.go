package router

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/helpy/paths"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/psds-microservice/escrow-service/api"
	"github.com/psds-microservice/escrow-service/internal/handler"
)

// Handlers are the HTTP handlers mounted by New.
type Handlers struct {
	Tickets *handler.TicketHandler
	Webhook *handler.WebhookHandler
	// Ready backs the readiness probe; nil is always ready.
	Ready func(ctx context.Context) error
}

func New(h Handlers) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET(paths.PathHealth, handler.Health)
	r.GET(paths.PathReady, handler.Ready(h.Ready))
	r.GET(paths.PathSwagger, func(c *gin.Context) { c.Redirect(http.StatusFound, paths.PathSwagger+"/") })
	r.GET(paths.PathSwagger+"/*any", func(c *gin.Context) {
		if strings.TrimPrefix(c.Param("any"), "/") == "openapi.json" {
			c.Data(http.StatusOK, "application/json", api.OpenAPISpec)
			return
		}
		if strings.TrimPrefix(c.Param("any"), "/") == "" {
			c.Request.URL.Path = paths.PathSwagger + "/index.html"
			c.Request.RequestURI = paths.PathSwagger + "/index.html"
		}
		ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL(paths.PathSwagger+"/openapi.json"))(c)
	})

	v1 := r.Group("/api/v1")
	{
		v1.POST("/tickets", h.Tickets.Create)
		v1.GET("/tickets", h.Tickets.List)
		v1.GET("/tickets/:id", h.Tickets.Get)
		v1.POST("/tickets/:id/actions", h.Tickets.Action)
		v1.POST("/tickets/:id/cancel", h.Tickets.Cancel)
		v1.DELETE("/tickets/:id/cleanup", h.Tickets.CancelCleanup)
		if h.Webhook != nil {
			v1.POST("/webhooks/pagbank", h.Webhook.PagBank)
		}
	}

	return r
}
