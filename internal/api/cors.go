package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"convochat/internal/config"
)

// CORS returns a middleware applying cfg. Requests from origins outside the
// allow list pass through without CORS headers, which makes browsers reject
// them. Preflight requests never reach the routes.
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	anyOrigin := contains(cfg.AllowOrigins, "*")
	anyMethod := contains(cfg.AllowMethods, "*")
	anyHeader := contains(cfg.AllowHeaders, "*")
	credentials := cfg.Credentials()
	methods := strings.Join(cfg.AllowMethods, ", ")
	headers := strings.Join(cfg.AllowHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""
		if !anyOrigin && !contains(cfg.AllowOrigins, origin) {
			if preflight {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			c.Next()
			return
		}

		h := c.Writer.Header()
		// browsers reject a literal "*" on credentialed requests
		if anyOrigin && !credentials {
			h.Set("Access-Control-Allow-Origin", "*")
		} else {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}
		if credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}

		if !preflight {
			c.Next()
			return
		}
		if anyMethod {
			h.Set("Access-Control-Allow-Methods", c.GetHeader("Access-Control-Request-Method"))
		} else {
			h.Set("Access-Control-Allow-Methods", methods)
		}
		if requested := c.GetHeader("Access-Control-Request-Headers"); anyHeader && requested != "" {
			h.Set("Access-Control-Allow-Headers", requested)
		} else if !anyHeader && headers != "" {
			h.Set("Access-Control-Allow-Headers", headers)
		}
		if cfg.MaxAgeSeconds > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAgeSeconds))
		}
		c.AbortWithStatus(http.StatusNoContent)
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
