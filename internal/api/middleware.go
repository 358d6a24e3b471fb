package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AccessLog writes one line per request to the global zerolog logger.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := zerolog.InfoLevel
		switch {
		case status >= 500:
			level = zerolog.ErrorLevel
		case status >= 400:
			level = zerolog.WarnLevel
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		log.WithLevel(level).
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// NewRouter builds the gin engine with recovery, access logging, CORS and
// the conversation routes.
func NewRouter(h *Handler, cors gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), AccessLog())
	if cors != nil {
		router.Use(cors)
	}
	h.RegisterRoutes(router)
	return router
}
