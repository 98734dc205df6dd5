package app

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vmconductor.io/conductor/internal/api/handlers"
	"vmconductor.io/conductor/internal/api/middleware"
	"vmconductor.io/conductor/internal/config"
	"vmconductor.io/conductor/internal/pkg/logger"
)

func newRouter(cfg *config.Config, server *handlers.Server, db handlers.Pinger, reg *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID())
	if corsCfg, ok := buildCORSConfig(cfg.Server.CORSAllowedOrigins); ok {
		router.Use(cors.New(corsCfg))
	}
	router.Use(middleware.ErrorHandler())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	api := router.Group("/api/v1")
	api.GET("/health/live", handlers.GetLiveness)
	api.GET("/health/ready", handlers.Readiness(db))

	jwtCfg := jwtConfig(cfg)
	protected := api.Group("")
	if jwtCfg.Enabled() {
		protected.Use(middleware.JWTAuth(jwtCfg))
	} else {
		logger.Warn("security.jwt_signing_key is empty, API authentication is disabled")
	}
	server.RegisterRoutes(protected, jwtCfg.Enabled())

	admin := protected.Group("/admin")
	if jwtCfg.Enabled() {
		admin.Use(middleware.RequirePermission(middleware.PermissionAdmin))
	}
	levels := gin.WrapH(logger.LevelHandler())
	admin.GET("/log-level", levels)
	admin.PUT("/log-level", levels)
	return router
}

func jwtConfig(cfg *config.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey: []byte(cfg.Security.JWTSigningKey),
		Issuer:     cfg.Security.JWTIssuer,
	}
}

// buildCORSConfig returns false when no origin is allowed. A "*" entry
// allows every origin.
func buildCORSConfig(origins []string) (cors.Config, bool) {
	if len(origins) == 0 {
		return cors.Config{}, false
	}
	c := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, middleware.ForwardedRequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c, true
}
