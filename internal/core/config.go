package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire Tracelight configuration.
type Config struct {
	Server       ServerConfig            `yaml:"server"`
	Store        StoreConfig             `yaml:"store"`
	Bus          BusConfig               `yaml:"bus"`
	Orchestrator OrchestratorConfig      `yaml:"orchestrator"`
	Export       ExportConfig            `yaml:"export"`
	Modules      map[string]ModuleConfig `yaml:"modules"`
	Logging      LoggingConfig           `yaml:"logging"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host    string   `yaml:"host"`
	Port    int      `yaml:"port"`
	APIKeys []string `yaml:"api_keys"`
}

// StoreConfig selects and configures the scan store backend.
type StoreConfig struct {
	Driver     string `yaml:"driver"` // "postgres" or "memory"
	DSN        string `yaml:"dsn"`
	ArchiveDir string `yaml:"archive_dir"`
}

// BusConfig holds NATS event bus settings. The bus is optional: scans persist
// through the store regardless, the bus only mirrors activity for live
// consumers.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// OrchestratorConfig bounds scan execution.
type OrchestratorConfig struct {
	Workers          int           `yaml:"workers"`
	ModuleTimeout    time.Duration `yaml:"module_timeout"`
	MaxScanDuration  time.Duration `yaml:"max_scan_duration"`
	MaxEventsPerType int           `yaml:"max_events_per_type"`
}

// ExportConfig holds MISP export defaults.
type ExportConfig struct {
	MISPURL             string `yaml:"misp_url"`
	MISPKey             string `yaml:"misp_key"`
	TLP                 string `yaml:"tlp"`
	ConfidenceThreshold int    `yaml:"confidence_threshold"`
}

// ModuleConfig holds per-module configuration.
type ModuleConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Settings map[string]string `yaml:"settings"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults — zero-config works out
// of the box with the in-memory store and no bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 5692,
		},
		Store: StoreConfig{
			Driver:     "memory",
			DSN:        "host=127.0.0.1 port=5432 user=tracelight dbname=tracelight sslmode=disable",
			ArchiveDir: "./data/archive",
		},
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Orchestrator: OrchestratorConfig{
			Workers:          8,
			ModuleTimeout:    2 * time.Minute,
			MaxScanDuration:  2 * time.Hour,
			MaxEventsPerType: 5000,
		},
		Export: ExportConfig{
			TLP:                 "amber",
			ConfidenceThreshold: 50,
		},
		Modules: map[string]ModuleConfig{
			"dnsresolve": {Enabled: true, Settings: map[string]string{}},
			"whois":      {Enabled: true, Settings: map[string]string{}},
			"sslcert":    {Enabled: true, Settings: map[string]string{}},
			"emailparse": {Enabled: true, Settings: map[string]string{}},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, cfg.applyEnv()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.applyEnv()
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, cfg.applyEnv()
}

// applyEnv overlays credential-bearing settings from the environment so keys
// don't have to live in config files.
func (c *Config) applyEnv() error {
	if v := os.Getenv("TRACELIGHT_STORE_DSN"); v != "" {
		c.Store.DSN = v
		c.Store.Driver = "postgres"
	}
	if v := os.Getenv("TRACELIGHT_MISP_URL"); v != "" {
		c.Export.MISPURL = v
	}
	if v := os.Getenv("TRACELIGHT_MISP_KEY"); v != "" {
		c.Export.MISPKey = v
	}
	if v := os.Getenv("TRACELIGHT_API_KEY"); v != "" {
		c.Server.APIKeys = append(c.Server.APIKeys, v)
	}
	return nil
}

// AuthEnabled reports whether API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks a presented key against the configured set.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, k := range c.Server.APIKeys {
		if k != "" && k == key {
			return true
		}
	}
	return false
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// IsModuleEnabled checks if a module is enabled in the configuration.
// Modules absent from the config default to enabled.
func (c *Config) IsModuleEnabled(name string) bool {
	mod, ok := c.Modules[name]
	if !ok {
		return true
	}
	return mod.Enabled
}

// ModuleSettings returns the settings map for a module.
func (c *Config) ModuleSettings(name string) map[string]string {
	mod, ok := c.Modules[name]
	if !ok || mod.Settings == nil {
		return map[string]string{}
	}
	return mod.Settings
}

// Snapshot resolves the frozen per-scan configuration for the given module
// selection: each module's settings overlaid on its declared defaults, plus
// the orchestrator limits in force at scan start.
func (c *Config) Snapshot(mods []Module) *ConfigSnapshot {
	snap := &ConfigSnapshot{
		ModuleOptions: make(map[string]map[string]string, len(mods)),
		Limits: ScanLimits{
			MaxDuration:     c.Orchestrator.MaxScanDuration,
			MaxEventsPerType: c.Orchestrator.MaxEventsPerType,
			ModuleTimeout:   c.Orchestrator.ModuleTimeout,
			Workers:         c.Orchestrator.Workers,
		},
	}
	for _, mod := range mods {
		opts := make(map[string]string)
		for _, o := range mod.Options() {
			opts[o.Name] = o.Default
		}
		for k, v := range c.ModuleSettings(mod.Name()) {
			opts[k] = v
		}
		snap.ModuleOptions[mod.Name()] = opts
	}
	return snap
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}
