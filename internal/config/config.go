// Package config defines the fleet manager's resolved configuration
// struct, enumerating exactly the keys the core consumes. The core never
// reads files or environment variables itself — callers load a Config
// and hand it a resolved value.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SecurityLevel is one of the statically tabulated presets the Launch
// Options Builder resolves into a concrete flag/preference diff.
type SecurityLevel string

const (
	SecurityStrict     SecurityLevel = "Strict"
	SecurityStandard   SecurityLevel = "Standard"
	SecurityRelaxed    SecurityLevel = "Relaxed"
	SecurityPermissive SecurityLevel = "Permissive"
)

// Pool holds the Worker Pool's sizing and scheduling knobs.
type Pool struct {
	Min                    int  `yaml:"min"`
	Max                    int  `yaml:"max"`
	Warm                   int  `yaml:"warm"`
	TTLSeconds             int  `yaml:"ttl_s"`
	HealthIntervalSeconds  int  `yaml:"health_interval_s"`
	HibernationDelaySecond int  `yaml:"hibernation_delay_s"`
	CloseTabsOnHibernation bool `yaml:"close_tabs_on_hibernation"`
	AntiDetectDefault      bool `yaml:"anti_detect_default"`
}

func (p Pool) TTL() time.Duration             { return time.Duration(p.TTLSeconds) * time.Second }
func (p Pool) HealthInterval() time.Duration  { return time.Duration(p.HealthIntervalSeconds) * time.Second }
func (p Pool) HibernationDelay() time.Duration {
	return time.Duration(p.HibernationDelaySecond) * time.Second
}

// Storage holds the on-disk roots for persisted state.
type Storage struct {
	ProfilesDir string `yaml:"profiles_dir"`
	SessionsDir string `yaml:"sessions_dir"`
	DownloadsDir string `yaml:"downloads_dir"`
}

// Browser holds per-launch browser defaults.
type Browser struct {
	PageLoadTimeoutSeconds int    `yaml:"page_load_timeout_s"`
	ImplicitWaitSeconds    int    `yaml:"implicit_wait_s"`
	ChromeBinaryPath       string `yaml:"chrome_binary_path"`
	ChromeDriverPath       string `yaml:"chromedriver_path"`
}

func (b Browser) PageLoadTimeout() time.Duration {
	return time.Duration(b.PageLoadTimeoutSeconds) * time.Second
}
func (b Browser) ImplicitWait() time.Duration {
	return time.Duration(b.ImplicitWaitSeconds) * time.Second
}

// Security holds the active security preset.
type Security struct {
	Level SecurityLevel `yaml:"level"`
}

// Config is the fully resolved configuration the core consumes. Field
// names enumerate exactly the keys recognized in the external interface
// table: pool.*, storage.*, browser.*, security.level.
type Config struct {
	Pool     Pool     `yaml:"pool"`
	Storage  Storage  `yaml:"storage"`
	Browser  Browser  `yaml:"browser"`
	Security Security `yaml:"security"`
}

// Default returns a Config with conservative defaults, matching the
// values a fresh deployment would want before any file is loaded.
func Default() *Config {
	return &Config{
		Pool: Pool{
			Min:                    1,
			Max:                    8,
			Warm:                   1,
			TTLSeconds:             3600,
			HealthIntervalSeconds:  30,
			HibernationDelaySecond: 300,
			CloseTabsOnHibernation: false,
			AntiDetectDefault:      false,
		},
		Storage: Storage{
			ProfilesDir:  "./data/browser_profiles",
			SessionsDir:  "./data/sessions",
			DownloadsDir: "./data/downloads",
		},
		Browser: Browser{
			PageLoadTimeoutSeconds: 30,
			ImplicitWaitSeconds:    5,
		},
		Security: Security{Level: SecurityStandard},
	}
}

// Load reads and validates a Config from a YAML file, starting from
// Default() so unset keys keep sane values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants the core relies on up front, rather
// than failing deep inside a launch or pool operation.
func (c *Config) Validate() error {
	if c.Pool.Min < 0 {
		return fmt.Errorf("pool.min must be >= 0")
	}
	if c.Pool.Max < c.Pool.Min {
		return fmt.Errorf("pool.max (%d) must be >= pool.min (%d)", c.Pool.Max, c.Pool.Min)
	}
	if c.Pool.Warm > c.Pool.Max {
		return fmt.Errorf("pool.warm (%d) must be <= pool.max (%d)", c.Pool.Warm, c.Pool.Max)
	}
	switch c.Security.Level {
	case SecurityStrict, SecurityStandard, SecurityRelaxed, SecurityPermissive:
	default:
		return fmt.Errorf("security.level %q is not one of Strict|Standard|Relaxed|Permissive", c.Security.Level)
	}
	if c.Storage.ProfilesDir == "" || c.Storage.SessionsDir == "" {
		return fmt.Errorf("storage.profiles_dir and storage.sessions_dir must be set")
	}
	return nil
}
