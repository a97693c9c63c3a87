// Package handlers provides HTTP handlers for the WebUI.
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// ClaudeHandler edits the Claude Code CLI's own settings.json and a
// separate presets.json this UI maintains, so a browser can flip the CLI
// between pointing at this proxy ("proxy" mode) and the real Anthropic API
// ("paid" mode) without the user hand-editing JSON.
type ClaudeHandler struct{}

// NewClaudeHandler creates a new ClaudeHandler.
func NewClaudeHandler() *ClaudeHandler {
	return &ClaudeHandler{}
}

// claudeSettingsPath locates the CLI's settings.json, which lives in a
// different spot per OS.
func claudeSettingsPath() string {
	home := utils.GetHomeDir()
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, ".claude", "settings.json")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Claude", "settings.json")
	default:
		return filepath.Join(home, ".config", "Claude", "settings.json")
	}
}

// claudePresetsPath locates this UI's saved-preset file. Distinct from the
// CLI's own settings.json - presets are this proxy's concept, not Claude's.
func claudePresetsPath() string {
	return filepath.Join(utils.GetHomeDir(), ".config", "antigravity-proxy", "presets.json")
}

func loadJSONObject(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]interface{}), nil
		}
		return nil, err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func saveJSONFile(path string, v interface{}) error {
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func loadPresets() ([]map[string]interface{}, error) {
	data, err := os.ReadFile(claudePresetsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []map[string]interface{}{}, nil
		}
		return nil, err
	}
	var presets []map[string]interface{}
	if err := json.Unmarshal(data, &presets); err != nil {
		return nil, err
	}
	return presets, nil
}

func jsonErr(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"status": "error", "error": err.Error()})
}

// GetClaudeConfig handles GET /api/claude/config
func (h *ClaudeHandler) GetClaudeConfig(c *gin.Context) {
	settings, err := loadJSONObject(claudeSettingsPath())
	if err != nil {
		jsonErr(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"config": settings,
		"path":   claudeSettingsPath(),
	})
}

// UpdateClaudeConfig handles POST /api/claude/config - merges the posted
// keys into the existing settings.json rather than replacing it wholesale.
func (h *ClaudeHandler) UpdateClaudeConfig(c *gin.Context) {
	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Invalid config updates"})
		return
	}

	settings, err := loadJSONObject(claudeSettingsPath())
	if err != nil {
		jsonErr(c, http.StatusInternalServerError, err)
		return
	}

	for k, v := range updates {
		settings[k] = v
	}

	if err := saveJSONFile(claudeSettingsPath(), settings); err != nil {
		jsonErr(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"config":  settings,
		"message": "Claude configuration updated",
	})
}

// proxyEnvKeys lists the env vars this UI writes when switching to proxy
// mode, and therefore strips when restoring the CLI's own defaults.
var proxyEnvKeys = []string{
	"ANTHROPIC_BASE_URL",
	"ANTHROPIC_AUTH_TOKEN",
	"ANTHROPIC_MODEL",
	"CLAUDE_CODE_SUBAGENT_MODEL",
	"ANTHROPIC_DEFAULT_OPUS_MODEL",
	"ANTHROPIC_DEFAULT_SONNET_MODEL",
	"ANTHROPIC_DEFAULT_HAIKU_MODEL",
	"ENABLE_EXPERIMENTAL_MCP_CLI",
}

// RestoreClaudeConfig handles POST /api/claude/config/restore
func (h *ClaudeHandler) RestoreClaudeConfig(c *gin.Context) {
	settings, err := loadJSONObject(claudeSettingsPath())
	if err != nil {
		jsonErr(c, http.StatusInternalServerError, err)
		return
	}

	if env, ok := settings["env"].(map[string]interface{}); ok {
		for _, key := range proxyEnvKeys {
			delete(env, key)
		}
		if len(env) == 0 {
			delete(settings, "env")
		}
	}

	if err := saveJSONFile(claudeSettingsPath(), settings); err != nil {
		utils.Error("[WebUI] Error restoring Claude config: %v", err)
		jsonErr(c, http.StatusInternalServerError, err)
		return
	}

	utils.Info("[WebUI] Restored Claude CLI config to defaults at %s", claudeSettingsPath())

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"config":  settings,
		"message": "Claude CLI configuration restored to defaults",
	})
}

// isLoopbackURL reports whether baseURL points at a local address, the
// signal this UI uses to tell "pointed at this proxy" from "pointed at the
// real Anthropic API".
func isLoopbackURL(baseURL string) bool {
	if baseURL == "" {
		return false
	}
	for _, marker := range []string{"localhost", "127.0.0.1", "::1", "0.0.0.0"} {
		if strings.Contains(baseURL, marker) {
			return true
		}
	}
	return false
}

// GetClaudeMode handles GET /api/claude/mode
func (h *ClaudeHandler) GetClaudeMode(c *gin.Context) {
	settings, err := loadJSONObject(claudeSettingsPath())
	if err != nil {
		jsonErr(c, http.StatusInternalServerError, err)
		return
	}

	baseURL := ""
	if env, ok := settings["env"].(map[string]interface{}); ok {
		if url, ok := env["ANTHROPIC_BASE_URL"].(string); ok {
			baseURL = url
		}
	}

	mode := "paid"
	if isLoopbackURL(baseURL) {
		mode = "proxy"
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": mode})
}

// SetClaudeModeRequest is the request body for POST /api/claude/mode.
type SetClaudeModeRequest struct {
	Mode string `json:"mode"`
}

// defaultProxyEnv is written into settings.json's "env" block when a user
// switches to proxy mode without an explicit preset.
var defaultProxyEnv = map[string]interface{}{
	"ANTHROPIC_BASE_URL":             "http://localhost:8080",
	"ANTHROPIC_AUTH_TOKEN":           "sk-antigravity",
	"ANTHROPIC_MODEL":                "claude-opus-4-5-thinking",
	"CLAUDE_CODE_SUBAGENT_MODEL":     "claude-sonnet-4-5-thinking",
	"ANTHROPIC_DEFAULT_OPUS_MODEL":   "claude-opus-4-5-thinking",
	"ANTHROPIC_DEFAULT_SONNET_MODEL": "claude-sonnet-4-5-thinking",
	"ANTHROPIC_DEFAULT_HAIKU_MODEL":  "gemini-3-flash",
	"ENABLE_EXPERIMENTAL_MCP_CLI":    "1",
}

// SetClaudeMode handles POST /api/claude/mode
func (h *ClaudeHandler) SetClaudeMode(c *gin.Context) {
	var req SetClaudeModeRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Mode != "proxy" && req.Mode != "paid") {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": `mode must be "proxy" or "paid"`})
		return
	}

	settings, err := loadJSONObject(claudeSettingsPath())
	if err != nil {
		jsonErr(c, http.StatusInternalServerError, err)
		return
	}

	if req.Mode == "proxy" {
		settings["env"] = defaultProxyEnv
	} else {
		delete(settings, "env")
	}

	if err := saveJSONFile(claudeSettingsPath(), settings); err != nil {
		utils.Error("[WebUI] Error switching mode: %v", err)
		jsonErr(c, http.StatusInternalServerError, err)
		return
	}

	utils.Info("[WebUI] Switched Claude CLI to %s mode", req.Mode)

	message := "Switched to Paid (Anthropic API) mode. Restart Claude CLI to apply."
	if req.Mode == "proxy" {
		message = "Switched to Proxy mode. Restart Claude CLI to apply."
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"mode":    req.Mode,
		"config":  settings,
		"message": message,
	})
}

// GetPresets handles GET /api/claude/presets
func (h *ClaudeHandler) GetPresets(c *gin.Context) {
	presets, err := loadPresets()
	if err != nil {
		jsonErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "presets": presets})
}

// SavePresetRequest is the request body for POST /api/claude/presets.
type SavePresetRequest struct {
	Name   string                 `json:"name"`
	Config map[string]interface{} `json:"config"`
}

// SavePreset handles POST /api/claude/presets - creates a named preset, or
// overwrites the config of an existing one with the same name.
func (h *ClaudeHandler) SavePreset(c *gin.Context) {
	var req SavePresetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Invalid request body"})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Preset name is required"})
		return
	}
	if req.Config == nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Config object is required"})
		return
	}

	presets, err := loadPresets()
	if err != nil {
		jsonErr(c, http.StatusInternalServerError, err)
		return
	}

	replaced := false
	for i, p := range presets {
		if pname, _ := p["name"].(string); pname == name {
			presets[i]["config"] = req.Config
			replaced = true
			break
		}
	}
	if !replaced {
		presets = append(presets, map[string]interface{}{"name": name, "config": req.Config})
	}

	if err := saveJSONFile(claudePresetsPath(), presets); err != nil {
		jsonErr(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"presets": presets,
		"message": `Preset "` + name + `" saved`,
	})
}

// DeletePreset handles DELETE /api/claude/presets/:name
func (h *ClaudeHandler) DeletePreset(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Preset name is required"})
		return
	}

	presets, err := loadPresets()
	if err != nil {
		jsonErr(c, http.StatusInternalServerError, err)
		return
	}

	idx := -1
	for i, p := range presets {
		if pname, _ := p["name"].(string); pname == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "Preset not found"})
		return
	}
	presets = append(presets[:idx], presets[idx+1:]...)

	if err := saveJSONFile(claudePresetsPath(), presets); err != nil {
		jsonErr(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"presets": presets,
		"message": `Preset "` + name + `" deleted`,
	})
}
