package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	envConfigPath        = "EXTBRIDGE_CONFIG"
	envExtensionsDir     = "EXTBRIDGE_EXTENSIONS_DIR"
	envAllowedExtensions = "EXTBRIDGE_ALLOWED_EXTENSIONS"
	envStoragePath       = "EXTBRIDGE_STORAGE_PATH"
)

// Defaults applied by ApplyDefaults to zero-valued fields.
const (
	DefaultExtensionsDir    = "~/.extbridge/extensions"
	DefaultStoragePath      = "~/.extbridge/extbridge.db"
	DefaultCodec            = "json"
	DefaultStartConcurrency = 4
	DefaultStatusHost       = "127.0.0.1"
	DefaultStatusPort       = 18790
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Extensions ExtensionsConfig `json:"extensions"`
	Bridge     BridgeConfig     `json:"bridge"`
	Storage    StorageConfig    `json:"storage"`
	Status     StatusConfig     `json:"status"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ExtensionsConfig controls discovery and spawning of extension processes.
type ExtensionsConfig struct {
	Dir string `json:"dir"`
	// ModulesPath is exported to every extension as its shared-module root.
	ModulesPath       string            `json:"modules_path,omitempty"`
	Codec             string            `json:"codec,omitempty"`
	MaxFrameBytes     int               `json:"max_frame_bytes,omitempty"`
	AllowedExtensions []string          `json:"allowed_extensions,omitempty"`
	Interpreters      map[string]string `json:"interpreters,omitempty"`
	StartConcurrency  int               `json:"start_concurrency,omitempty"`
}

// BridgeConfig tunes every bridge the host creates.
type BridgeConfig struct {
	// InvokeTimeoutSeconds bounds calls without their own deadline. Zero
	// leaves them pending until answered or the bridge closes.
	InvokeTimeoutSeconds int `json:"invoke_timeout_seconds,omitempty"`
}

// StorageConfig configures the database service exposed to extensions.
type StorageConfig struct {
	Path               string   `json:"path"`
	Resources          []string `json:"resources,omitempty"`
	OpenTimeoutSeconds int      `json:"open_timeout_seconds,omitempty"`
}

// StatusConfig configures the HTTP status endpoint.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// DefaultAllowedExtensions lists the entry-point file extensions accepted
// when the config names none.
func DefaultAllowedExtensions() []string {
	return []string{".js", ".mjs", ".cjs", ".py", ".sh"}
}

// DefaultInterpreters maps entry-point file extensions to the program that
// runs them.
func DefaultInterpreters() map[string]string {
	return map[string]string{
		".js":  "node",
		".mjs": "node",
		".cjs": "node",
		".py":  "python3",
		".sh":  "sh",
	}
}

// DefaultResources lists the storage resources exposed under "database".
func DefaultResources() []string {
	return []string{"settings", "chats", "messages"}
}

// Defaults returns a config with every default applied.
func Defaults() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	ext := &cfg.Extensions
	if strings.TrimSpace(ext.Dir) == "" {
		ext.Dir = DefaultExtensionsDir
	}
	if strings.TrimSpace(ext.Codec) == "" {
		ext.Codec = DefaultCodec
	}
	if len(ext.AllowedExtensions) == 0 {
		ext.AllowedExtensions = DefaultAllowedExtensions()
	}
	if ext.Interpreters == nil {
		ext.Interpreters = DefaultInterpreters()
	} else {
		for suffix, program := range DefaultInterpreters() {
			if _, ok := ext.Interpreters[suffix]; !ok {
				ext.Interpreters[suffix] = program
			}
		}
	}
	if ext.StartConcurrency <= 0 {
		ext.StartConcurrency = DefaultStartConcurrency
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if len(cfg.Storage.Resources) == 0 {
		cfg.Storage.Resources = DefaultResources()
	}

	if strings.TrimSpace(cfg.Status.Host) == "" {
		cfg.Status.Host = DefaultStatusHost
	}
	if cfg.Status.Port <= 0 {
		cfg.Status.Port = DefaultStatusPort
	}
}

// LoadConfig resolves config.json, unmarshals it, applies environment
// overrides and fills defaults.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if dir := strings.TrimSpace(os.Getenv(envExtensionsDir)); dir != "" {
		cfg.Extensions.Dir = dir
	}

	if raw := strings.TrimSpace(os.Getenv(envAllowedExtensions)); raw != "" {
		cfg.Extensions.AllowedExtensions = parseCSV(raw)
	}

	if path := strings.TrimSpace(os.Getenv(envStoragePath)); path != "" {
		cfg.Storage.Path = path
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is EXTBRIDGE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
