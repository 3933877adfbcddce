// Package api exposes the coordination core over HTTP.
package api

import (
	"context"
	"net/http"
	"slices"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/tenant_core/booking"
	"github.com/mmdatafocus/tenant_core/config"
	"github.com/mmdatafocus/tenant_core/dedup"
	"github.com/mmdatafocus/tenant_core/metrics"
	"github.com/mmdatafocus/tenant_core/middlewares"
	"github.com/mmdatafocus/tenant_core/queue"
	"github.com/mmdatafocus/tenant_core/usage"
	"github.com/mmdatafocus/tenant_core/utils"
	"github.com/sirupsen/logrus"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Resolver  *dedup.Resolver
	Queue     *queue.Manager
	Scheduler *booking.Scheduler
	Ledger    *usage.Ledger
	Health    Pinger
	Settings  config.Settings
	Logger    *logrus.Logger
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(middlewares.MetricsMiddleware())
	r.Use(cors.New(s.corsConfig()))
	r.Use(middlewares.ErrorLogger(s.Logger))

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.POST("/pubsub/ingest", s.pubsubIngest)

	v1 := r.Group("/v1", middlewares.AuthMiddleware(), middlewares.RequireAuth())

	tenant := v1.Group("", requireTenantToken())
	tenant.POST("/contacts/resolve", s.resolveContact)
	tenant.POST("/queue/items", s.enqueueItem)
	tenant.GET("/queue/items/:id", s.getQueueItem)
	tenant.POST("/bookings", s.reserve)
	tenant.POST("/bookings/capacity", s.reserveCapacity)
	tenant.GET("/bookings/:id", s.getReservation)
	tenant.POST("/bookings/:id/cancel", s.cancelReservation)
	tenant.POST("/bookings/:id/confirm", s.confirmReservation)
	tenant.POST("/bookings/:id/reschedule", s.rescheduleReservation)
	tenant.GET("/resources/:id/availability", s.availability)
	tenant.GET("/usage/limit", s.usageLimit)
	tenant.POST("/usage/events", s.recordUsage)
	tenant.GET("/usage/transactions", s.usageTransactions)

	admin := v1.Group("/admin/tenants/:tenant", middlewares.RequireAdmin())
	admin.PUT("/usage-policy", s.updateUsagePolicy)
	admin.PUT("/block", s.setAdminBlock)
	admin.POST("/resources", s.createResource)
	admin.GET("/queue/dead-letters", s.listDeadLetters)
	admin.POST("/queue/dead-letters/:id/requeue", s.requeueDeadLetter)
	admin.POST("/queue/dead-letters/:id/discard", s.discardDeadLetter)
	admin.DELETE("/contacts/:id", s.deleteContact)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if len(s.Settings.CorsAllowedOrigins) == 0 || slices.Contains(s.Settings.CorsAllowedOrigins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.Settings.CorsAllowedOrigins
		cfg.AllowCredentials = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
	cfg.AddExposeHeaders("Content-Length", "x-correlation-id")
	return cfg
}

func (s *Server) healthz(c *gin.Context) {
	if s.Health != nil {
		if err := s.Health.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
	}
	c.Status(http.StatusNoContent)
}

// requireTenantToken rejects tokens that carry no tenant. Admin tokens use the
// /admin routes, which name the tenant in the path.
func requireTenantToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context()); !ok || tenantId == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "tenant token required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func tenantOf(c *gin.Context) string {
	tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
	return tenantId
}

func userOf(c *gin.Context) string {
	userId, _ := utils.GetUserIdFromContext(c.Request.Context())
	return userId
}

// bind decodes the JSON body and runs validator tags.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return false
	}
	if err := utils.ValidateStruct(v); err != nil {
		writeError(c, err)
		return false
	}
	return true
}
