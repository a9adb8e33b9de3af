package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultScanInterval is the poll interval used when an account sets none.
	DefaultScanInterval = 60 * time.Second
	// DefaultAPIPort is the diagnostics API port.
	DefaultAPIPort = 8081
	// DefaultURL is the Amazon domain used when an account sets none.
	DefaultURL = "amazon.com"
)

// Duration is a time.Duration that accepts integer seconds or a Go duration
// string in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}

	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}

	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// HomeAssistantConfig holds the Home Assistant websocket settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// NATSConfig holds the optional NATS settings.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// APIConfig holds the diagnostics API settings.
type APIConfig struct {
	Port int `yaml:"port"`
}

// AccountConfig holds the settings of one Amazon account.
type AccountConfig struct {
	Email          string   `yaml:"email"`
	URL            string   `yaml:"url"`
	PushURL        string   `yaml:"push_url"`
	IncludeDevices []string `yaml:"include_devices"`
	ExcludeDevices []string `yaml:"exclude_devices"`
	ScanInterval   Duration `yaml:"scan_interval"`
	CookieDir      string   `yaml:"cookie_dir"`
	Debug          bool     `yaml:"debug"`
}

// Config represents the config.yaml structure
type Config struct {
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	NATS          NATSConfig          `yaml:"nats"`
	API           APIConfig           `yaml:"api"`
	Accounts      []AccountConfig     `yaml:"accounts"`
}

// Loader reads the configuration file and applies environment overrides
type Loader struct {
	path   string
	getenv func(string) string
	logger *zap.Logger
	config *Config
}

// NewLoader creates a new configuration loader
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		getenv: os.Getenv,
		logger: logger,
	}
}

// Load reads, overrides, defaults and validates the configuration
func (l *Loader) Load() (*Config, error) {
	l.logger.Debug("Loading config", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, err
	}

	config.applyEnv(l.getenv)
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	l.config = config
	l.logger.Info("Config loaded successfully", zap.Int("accounts", len(config.Accounts)))
	return config, nil
}

// GetConfig returns the loaded configuration
func (l *Loader) GetConfig() *Config {
	return l.config
}

// Parse decodes YAML without overrides or defaults.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("HA_URL"); v != "" {
		c.HomeAssistant.URL = v
	}
	if v := getenv("HA_TOKEN"); v != "" {
		c.HomeAssistant.Token = v
	}
	if v := getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := getenv("API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.API.Port = port
		}
	}
}

func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.URL == "" {
			a.URL = DefaultURL
		}
		if a.ScanInterval <= 0 {
			a.ScanInterval = Duration(DefaultScanInterval)
		}
		if a.CookieDir == "" {
			a.CookieDir = ".storage"
		}
	}
}

// Validate checks the configuration for missing or conflicting values.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Email == "" {
			return fmt.Errorf("account %d: email is required", i)
		}
		key := strings.ToLower(a.Email)
		if seen[key] {
			return fmt.Errorf("account %d: duplicate email", i)
		}
		seen[key] = true
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	return nil
}
