package server

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatsSource reports the statistics served by the admin API.
type StatsSource interface {
	Stats() []Stat
}

// NewAdminRouter returns the HTTP admin API: /ping, /health and /stats.
func NewAdminRouter(source StatsSource, debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Access log in RFC3339 UTC, health checks excluded
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/health"},
	}))

	// Logs all panic to error log
	r.Use(ginzap.RecoveryWithZap(log, true))

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/stats", func(c *gin.Context) {
		stats := source.Stats()
		out := make(map[string]string, len(stats))
		for _, s := range stats {
			out[s.Key] = s.Value
		}
		c.JSON(http.StatusOK, out)
	})

	return r
}
