package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GetLiveness handles GET /health/live.
func GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness handles GET /health/ready. A nil pinger means the process
// runs without a database and is always ready.
func Readiness(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		status, code := "ok", http.StatusOK
		if db != nil {
			if err := db.Ping(c.Request.Context()); err != nil {
				checks["database"] = "error"
				status, code = "degraded", http.StatusServiceUnavailable
			} else {
				checks["database"] = "ok"
			}
		}
		c.JSON(code, gin.H{"status": status, "checks": checks})
	}
}
