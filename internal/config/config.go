package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type PagerDutyConfig struct {
	BaseURL    string        `mapstructure:"base_url"`     // https://api.pagerduty.com
	APIKeyPath string        `mapstructure:"api_key_path"` // file holding the REST API token
	PolicyID   string        `mapstructure:"policy_id"`    // escalation policy verified at startup
	TeamID     string        `mapstructure:"team_id"`      // incidents are fetched for this team
	Timeout    time.Duration `mapstructure:"timeout"`      // per request
	UserAgent  string        `mapstructure:"user_agent"`
	PageSize   int           `mapstructure:"page_size"` // limit per page, max 100
	// Resilience
	MaxRetries int           `mapstructure:"max_retries"` // attempts on network errors, 429 and 5xx
	Backoff    time.Duration `mapstructure:"backoff"`     // initial backoff
	MaxBackoff time.Duration `mapstructure:"max_backoff"` // cap
}

type StoreConfig struct {
	Path string `mapstructure:"path"` // alerts.json
}

type SyncConfig struct {
	ServiceSuffix   string        `mapstructure:"service_suffix"`   // incidents on other services are skipped
	Lookback        time.Duration `mapstructure:"lookback"`         // resume window when the store is empty
	CheckpointEvery int           `mapstructure:"checkpoint_every"` // save the store every N incidents
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"` // node_exporter textfile collector path, empty disables
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type Config struct {
	PagerDuty PagerDutyConfig `mapstructure:"pagerduty"`
	Store     StoreConfig     `mapstructure:"store"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

var envBindings = map[string]string{
	"pagerduty.api_key_path": "PD_API_KEY_PATH",
	"pagerduty.policy_id":    "POLICY_ID",
	"pagerduty.team_id":      "TEAM_ID",
	"pagerduty.base_url":     "PD_BASE_URL",
	"metrics.textfile":       "METRICS_TEXTFILE",
	"log.level":              "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pagerduty.base_url", "https://api.pagerduty.com")
	v.SetDefault("pagerduty.api_key_path", "/run/secrets/pagerduty/PAGERDUTY_KEY")
	v.SetDefault("pagerduty.policy_id", "PA4586M")
	v.SetDefault("pagerduty.team_id", "PASPK4G")
	v.SetDefault("pagerduty.timeout", 30*time.Second)
	v.SetDefault("pagerduty.user_agent", "osd-pd-importer")
	v.SetDefault("pagerduty.page_size", 100)
	v.SetDefault("pagerduty.max_retries", 3)
	v.SetDefault("pagerduty.backoff", 500*time.Millisecond)
	v.SetDefault("pagerduty.max_backoff", 10*time.Second)
	v.SetDefault("store.path", "alerts.json")
	v.SetDefault("sync.service_suffix", "-hive-cluster")
	v.SetDefault("sync.lookback", 90*24*time.Hour)
	v.SetDefault("sync.checkpoint_every", 100)
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load builds the configuration from defaults, the optional YAML file at
// path and the environment, in increasing order of precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch {
	case strings.TrimSpace(c.PagerDuty.PolicyID) == "":
		return errors.New("pagerduty.policy_id is required")
	case strings.TrimSpace(c.PagerDuty.TeamID) == "":
		return errors.New("pagerduty.team_id is required")
	case strings.TrimSpace(c.Store.Path) == "":
		return errors.New("store.path is required")
	case c.Sync.CheckpointEvery <= 0:
		return fmt.Errorf("sync.checkpoint_every must be positive, got %d", c.Sync.CheckpointEvery)
	case c.PagerDuty.PageSize <= 0 || c.PagerDuty.PageSize > 100:
		return fmt.Errorf("pagerduty.page_size must be within 1..100, got %d", c.PagerDuty.PageSize)
	}
	return nil
}

// LoadAPIKey reads the PagerDuty token from path.
func LoadAPIKey(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read api key: %w", err)
	}
	key := strings.TrimSpace(string(b))
	if key == "" {
		return "", fmt.Errorf("api key file %s is empty", path)
	}
	return key, nil
}
