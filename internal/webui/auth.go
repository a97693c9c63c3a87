// Package webui provides the web management interface for the account
// pool, configuration, and Claude CLI settings.
package webui

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
)

// AuthMiddleware gates the WebUI's management API behind a shared password,
// set via WEBUI_PASSWORD or config.json. An empty password leaves the UI
// open, matching how the rest of the proxy only protects /v1 with an API key.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		password := cfg.WebUIPassword
		if password == "" {
			c.Next()
			return
		}

		path := c.Request.URL.Path
		method := c.Request.Method

		isAPIRoute := strings.HasPrefix(path, "/api/")
		isAuthURL := path == "/api/auth/url"
		isConfigGet := path == "/api/config" && method == "GET"
		isProtected := (isAPIRoute && !isAuthURL && !isConfigGet) || path == "/account-limits" || path == "/health"

		if isProtected {
			provided := c.GetHeader("X-WebUI-Password")
			if provided == "" {
				provided = c.Query("password")
			}

			if provided != password {
				c.JSON(http.StatusUnauthorized, gin.H{
					"status": "error",
					"error":  "Unauthorized: Password required",
				})
				c.Abort()
				return
			}
		}

		c.Next()
	}
}
