package main

import (
	"database/sql"
	"net/http"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/httpapi"
	"call-signaling/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, reg *prometheus.Registry, db *sql.DB) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	r.POST("/auth/login", h.Login)

	// protected API group; tokens are only honored for the agent's own user.
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(h.Auth), auth.RequireUser(h.SelfUserID))
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": uid})
		})
		h.Register(v1)
	}
}
