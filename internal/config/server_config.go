// Package config provides runtime configuration management.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// AccountSelectionConfig configures account selection behavior.
type AccountSelectionConfig struct {
	Strategy string `json:"strategy"`
}

// Config is the server's runtime configuration: the handful of operator
// knobs that can change without a restart, loaded from a JSON file with
// environment overrides on top.
type Config struct {
	mu sync.RWMutex

	// API access
	APIKey        string `json:"apiKey"`
	WebUIPassword string `json:"webuiPassword"`

	// Logging and debugging
	Debug    bool   `json:"debug"`
	DevMode  bool   `json:"devMode"`
	LogLevel string `json:"logLevel"`

	// Retry configuration
	MaxRetries  int   `json:"maxRetries"`
	RetryBaseMs int64 `json:"retryBaseMs"`
	RetryMaxMs  int64 `json:"retryMaxMs"`

	// Cooldown configuration
	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`

	// Account limits
	MaxAccounts int `json:"maxAccounts"`

	// Model mapping (for hiding/aliasing models)
	ModelMapping map[string]string `json:"modelMapping"`

	// Account selection strategy
	AccountSelection AccountSelectionConfig `json:"accountSelection"`

	// Redis configuration. Addr == "" disables Redis and falls back to the
	// in-process LRU / file-store paths everywhere Redis is consulted.
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	// Server configuration
	Port int    `json:"port"`
	Host string `json:"host"`

	// Fallback configuration
	FallbackEnabled bool `json:"fallbackEnabled"`

	// AccountConfigPath overrides the default location of the account
	// pool's JSON store (pkg/store).
	AccountConfigPath string `json:"accountConfigPath"`
}

// DefaultConfig returns a new Config with default values.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:             "info",
		MaxRetries:           MaxRetries,
		RetryBaseMs:          1000,
		RetryMaxMs:           30000,
		DefaultCooldownMs:    DefaultCooldownMs,
		MaxWaitBeforeErrorMs: MaxWaitBeforeErrorMs,
		MaxAccounts:          MaxAccounts,
		ModelMapping:         make(map[string]string),
		AccountSelection:     AccountSelectionConfig{Strategy: DefaultSelectionStrategy},
		RedisAddr:            "",
		RedisDB:              0,
		Port:                 DefaultPort,
		Host:                 "0.0.0.0",
		FallbackEnabled:      false,
	}
}

var (
	configDir  string
	configFile string
)

func init() {
	home := utils.GetHomeDir()
	configDir = filepath.Join(home, ".config", "antigravity-proxy")
	configFile = filepath.Join(configDir, "config.json")
}

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the global config instance, loading it on first use.
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		_ = globalConfig.Load()
	})
	return globalConfig
}

// Load loads configuration from file and environment, in that order, with
// environment variables taking precedence.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := utils.EnsureDir(configDir); err != nil {
		utils.Warn("[config] failed to create config directory: %v", err)
	}

	if utils.FileExists(configFile) {
		if err := c.loadFromFile(configFile); err != nil {
			utils.Warn("[config] failed to load %s: %v", configFile, err)
		}
	} else if utils.FileExists("config.json") {
		if err := c.loadFromFile("config.json"); err != nil {
			utils.Warn("[config] failed to load local config.json: %v", err)
		}
	}

	c.loadFromEnv()

	if c.Debug && !c.DevMode {
		c.DevMode = true
	}
	utils.SetDebug(c.Debug || c.DevMode)

	return nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tmp := DefaultConfig()
	if err := json.Unmarshal(data, tmp); err != nil {
		return err
	}

	c.APIKey = tmp.APIKey
	c.WebUIPassword = tmp.WebUIPassword
	c.Debug = tmp.Debug
	c.DevMode = tmp.DevMode
	c.LogLevel = tmp.LogLevel
	c.MaxRetries = tmp.MaxRetries
	c.RetryBaseMs = tmp.RetryBaseMs
	c.RetryMaxMs = tmp.RetryMaxMs
	c.DefaultCooldownMs = tmp.DefaultCooldownMs
	c.MaxWaitBeforeErrorMs = tmp.MaxWaitBeforeErrorMs
	c.MaxAccounts = tmp.MaxAccounts
	c.ModelMapping = tmp.ModelMapping
	c.AccountSelection = tmp.AccountSelection
	c.RedisAddr = tmp.RedisAddr
	c.RedisPassword = tmp.RedisPassword
	c.RedisDB = tmp.RedisDB
	c.Port = tmp.Port
	c.Host = tmp.Host
	c.FallbackEnabled = tmp.FallbackEnabled
	c.AccountConfigPath = tmp.AccountConfigPath

	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("WEBUI_PASSWORD"); v != "" {
		c.WebUIPassword = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if os.Getenv("DEV_MODE") == "true" {
		c.DevMode = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if os.Getenv("FALLBACK") == "true" {
		c.FallbackEnabled = true
	}
	if v := os.Getenv("ACCOUNT_CONFIG_PATH"); v != "" {
		c.AccountConfigPath = v
	}
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveLocked()
}

func (c *Config) saveLocked() error {
	if err := utils.EnsureDir(configDir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configFile, data, 0644)
}

// Update applies a set of field updates (as decoded from a JSON request
// body) and persists the result.
func (c *Config) Update(updates map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, value := range updates {
		switch key {
		case "apiKey":
			if v, ok := value.(string); ok {
				c.APIKey = v
			}
		case "webuiPassword":
			if v, ok := value.(string); ok {
				c.WebUIPassword = v
			}
		case "debug":
			if v, ok := value.(bool); ok {
				c.Debug = v
			}
		case "devMode":
			if v, ok := value.(bool); ok {
				c.DevMode = v
			}
		case "logLevel":
			if v, ok := value.(string); ok {
				c.LogLevel = v
			}
		case "maxRetries":
			if v, ok := value.(int); ok {
				c.MaxRetries = v
			}
		case "defaultCooldownMs":
			if v, ok := value.(int64); ok {
				c.DefaultCooldownMs = v
			}
		case "maxWaitBeforeErrorMs":
			if v, ok := value.(int64); ok {
				c.MaxWaitBeforeErrorMs = v
			}
		case "maxAccounts":
			if v, ok := value.(int); ok {
				c.MaxAccounts = v
			}
		case "fallbackEnabled":
			if v, ok := value.(bool); ok {
				c.FallbackEnabled = v
			}
		case "accountSelection":
			if v, ok := value.(map[string]interface{}); ok {
				if strategy, ok := v["strategy"].(string); ok {
					c.AccountSelection.Strategy = strategy
				}
			}
		}
	}

	utils.SetDebug(c.Debug || c.DevMode)
	return c.saveLocked()
}

// GetPublic returns a redacted snapshot suitable for the WebUI.
func (c *Config) GetPublic() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"apiKey":               redact(c.APIKey),
		"webuiPassword":        redact(c.WebUIPassword),
		"debug":                c.Debug,
		"devMode":              c.DevMode,
		"logLevel":             c.LogLevel,
		"maxRetries":           c.MaxRetries,
		"retryBaseMs":          c.RetryBaseMs,
		"retryMaxMs":           c.RetryMaxMs,
		"defaultCooldownMs":    c.DefaultCooldownMs,
		"maxWaitBeforeErrorMs": c.MaxWaitBeforeErrorMs,
		"maxAccounts":          c.MaxAccounts,
		"modelMapping":         c.ModelMapping,
		"accountSelection":     c.AccountSelection,
		"redisAddr":            c.RedisAddr,
		"redisPassword":        redact(c.RedisPassword),
		"redisDB":              c.RedisDB,
		"port":                 c.Port,
		"host":                 c.Host,
		"fallbackEnabled":      c.FallbackEnabled,
	}
}

// GetStrategy returns the current account selection strategy.
func (c *Config) GetStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AccountSelection.Strategy
}

// IsDevMode reports whether dev mode is enabled.
func (c *Config) IsDevMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DevMode
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
