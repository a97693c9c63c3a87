package webui

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/antigravity-proxy-go/internal/account"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/modules"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/internal/webui/handlers"
)

// Router serves the account pool / config / Claude CLI management UI and its
// backing JSON API, and falls back to static asset serving for the SPA.
type Router struct {
	accountManager  *account.Manager
	cfg             *config.Config
	usageStats      *modules.UsageStats
	accountsHandler *handlers.AccountsHandler
	configHandler   *handlers.ConfigHandler
	logsHandler     *handlers.LogsHandler
	claudeHandler   *handlers.ClaudeHandler
}

// NewRouter creates a new WebUI router.
func NewRouter(accountManager *account.Manager, cfg *config.Config, usageStats *modules.UsageStats) *Router {
	return &Router{
		accountManager:  accountManager,
		cfg:             cfg,
		usageStats:      usageStats,
		accountsHandler: handlers.NewAccountsHandler(accountManager, cfg),
		configHandler:   handlers.NewConfigHandler(cfg, accountManager),
		logsHandler:     handlers.NewLogsHandler(),
		claudeHandler:   handlers.NewClaudeHandler(),
	}
}

// Mount registers the WebUI's routes on engine, plus a NoRoute fallback that
// serves publicDir's static assets (and index.html for SPA routing) for
// anything that isn't an API or proxy route.
func (r *Router) Mount(engine *gin.Engine, publicDir string) {
	engine.Use(AuthMiddleware(r.cfg))

	absPath := ""
	if publicDir != "" {
		var err error
		absPath, err = filepath.Abs(publicDir)
		if err != nil {
			utils.Warn("[WebUI] Failed to get absolute path for public dir: %v", err)
			absPath = publicDir
		}
	}

	// Account pool management.
	engine.GET("/api/accounts", r.accountsHandler.ListAccounts)
	engine.POST("/api/accounts/:email/refresh", r.accountsHandler.RefreshAccount)
	engine.DELETE("/api/accounts/:email", r.accountsHandler.DeleteAccount)
	engine.POST("/api/accounts/reload", r.accountsHandler.ReloadAccounts)
	engine.GET("/api/accounts/export", r.accountsHandler.ExportAccounts)
	engine.POST("/api/accounts/import", r.accountsHandler.ImportAccounts)

	// Server configuration.
	engine.GET("/api/config", r.configHandler.GetConfig)
	engine.POST("/api/config", r.configHandler.UpdateConfig)
	engine.POST("/api/config/password", r.configHandler.ChangePassword)
	engine.GET("/api/settings", r.configHandler.GetSettings)
	engine.POST("/api/models/config", r.configHandler.UpdateModelConfig)

	// Claude CLI settings/presets management.
	engine.GET("/api/claude/config", r.claudeHandler.GetClaudeConfig)
	engine.POST("/api/claude/config", r.claudeHandler.UpdateClaudeConfig)
	engine.POST("/api/claude/config/restore", r.claudeHandler.RestoreClaudeConfig)
	engine.GET("/api/claude/mode", r.claudeHandler.GetClaudeMode)
	engine.POST("/api/claude/mode", r.claudeHandler.SetClaudeMode)
	engine.GET("/api/claude/presets", r.claudeHandler.GetPresets)
	engine.POST("/api/claude/presets", r.claudeHandler.SavePreset)
	engine.DELETE("/api/claude/presets/:name", r.claudeHandler.DeletePreset)

	// Log tailing.
	engine.GET("/api/logs", r.logsHandler.GetLogs)
	engine.GET("/api/logs/stream", r.logsHandler.StreamLogs)

	// Browser-driven OAuth add-account flow.
	engine.GET("/api/auth/url", r.accountsHandler.GetAuthURL)
	engine.POST("/api/auth/complete", r.accountsHandler.CompleteOAuth)

	if absPath != "" {
		engine.NoRoute(func(c *gin.Context) {
			path := c.Request.URL.Path

			if strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/v1/") {
				c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
				return
			}

			filePath := filepath.Join(absPath, path)
			if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
				c.File(filePath)
				return
			}

			indexPath := filepath.Join(absPath, "index.html")
			if _, err := os.Stat(indexPath); err == nil {
				c.File(indexPath)
				return
			}

			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		})
	}

	utils.Info("[WebUI] Mounted at /")
}

// MountWebUI is a convenience wrapper for constructing and mounting a Router
// in one call.
func MountWebUI(engine *gin.Engine, publicDir string, accountManager *account.Manager, cfg *config.Config, usageStats *modules.UsageStats) {
	NewRouter(accountManager, cfg, usageStats).Mount(engine, publicDir)
}
