package router

import (
	"net/http"

	"medinotify/internal/common"
	"medinotify/internal/config"
	"medinotify/internal/domain/delivery"
	"medinotify/internal/domain/notification"
	"medinotify/internal/domain/template"
	"medinotify/internal/middleware"

	"github.com/gin-gonic/gin"
)

// Handlers groups the HTTP handlers mounted by the router.
type Handlers struct {
	Notification *notification.Handler
	Delivery     *delivery.Handler
	Template     *template.Handler
	// Realtime serves the websocket upgrade on /ws; nil disables it.
	Realtime http.Handler
}

// New creates and configures the Gin router with all middleware and routes.
func New(cfg *config.Config, h Handlers, rateLimiter *middleware.RateLimiter) *gin.Engine {
	// Set Gin mode
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()

	// Global middleware stack (order matters)
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))
	if rateLimiter != nil {
		r.Use(rateLimiter.Middleware())
	}

	// Public routes
	r.GET("/health", healthCheck)
	if h.Realtime != nil {
		r.GET("/ws", gin.WrapH(h.Realtime))
	}

	// Provider callbacks sit outside API key auth
	webhooks := r.Group("/api/v1")
	if h.Delivery != nil {
		h.Delivery.RegisterWebhooks(webhooks)
	}

	// Protected API routes (API key required)
	protectedAPI := r.Group("/api/v1")
	protectedAPI.Use(middleware.Auth(cfg.Auth.APIKeys))
	{
		if h.Notification != nil {
			h.Notification.RegisterRoutes(protectedAPI)
		}
		if h.Delivery != nil {
			h.Delivery.RegisterRoutes(protectedAPI)
		}
		if h.Template != nil {
			h.Template.RegisterRoutes(protectedAPI)
		}
	}

	return r
}

// healthCheck handles GET /health
func healthCheck(c *gin.Context) {
	common.Success(c, http.StatusOK, gin.H{
		"status":  "ok",
		"service": "medinotify",
	})
}
