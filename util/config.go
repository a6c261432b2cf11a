package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "stegofed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type StoreConf struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type FederationConf struct {
	AutoAccept       bool          `yaml:"autoAccept"`
	BlockedInstances []string      `yaml:"blockedInstances"`
	AllowList        bool          `yaml:"allowList"`
	AllowedInstances []string      `yaml:"allowedInstances"`
	ClockSkew        time.Duration `yaml:"clockSkew"`
	ActorCacheTTL    time.Duration `yaml:"actorCacheTTL"`
	KeyGrace         time.Duration `yaml:"keyGrace"`
}

type DeliveryConf struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	PerHost        int           `yaml:"perHost"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	Timeout        time.Duration `yaml:"timeout"`
}

type KeysConf struct {
	Bits int `yaml:"bits"`
	// IdentityFile holds an age identity used to seal private keys at rest.
	IdentityFile string `yaml:"identityFile"`
}

type AppConfig struct {
	Conf struct {
		Host       string
		HttpPort   int            `yaml:"httpPort"`
		SslDomain  string         `yaml:"sslDomain"`
		BaseURL    string         `yaml:"baseUrl"`
		Debug      bool           `yaml:"debug"`
		Store      StoreConf      `yaml:"store"`
		Federation FederationConf `yaml:"federation"`
		Delivery   DeliveryConf   `yaml:"delivery"`
		Keys       KeysConf       `yaml:"keys"`
	}
}

// PublicURL is the origin local actor IRIs are minted under.
func (c *AppConfig) PublicURL() string {
	if c.Conf.BaseURL != "" {
		return strings.TrimRight(c.Conf.BaseURL, "/")
	}
	return "https://" + c.Conf.SslDomain
}

// ListenAddr is the address the HTTP server binds.
func (c *AppConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Conf.Host, c.Conf.HttpPort)
}

func ReadConf() (*AppConfig, error) {
	layout, err := DefaultLayout()
	if err != nil {
		return nil, err
	}
	configPath := layout.ConfigFile()

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		userConfigPath := filepath.Join(layout.Dir, ConfigFileName)
		if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
			log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
		} else {
			log.Printf("Created default config file at %s", userConfigPath)
		}
	}
	return ParseConf(buf)
}

// ParseConf decodes buf over the embedded defaults and applies the
// STEGOFED_* environment overrides.
func ParseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}
	if err := applyEnv(c); err != nil {
		return nil, err
	}
	return c, nil
}

func applyEnv(c *AppConfig) error {
	if v := os.Getenv("STEGOFED_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("STEGOFED_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STEGOFED_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("STEGOFED_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("STEGOFED_BASEURL"); v != "" {
		c.Conf.BaseURL = v
	}
	if v := os.Getenv("STEGOFED_DEBUG"); v != "" {
		c.Conf.Debug = v == "true"
	}

	if v := os.Getenv("STEGOFED_STORE_DRIVER"); v != "" {
		c.Conf.Store.Driver = v
	}
	if v := os.Getenv("STEGOFED_STORE_PATH"); v != "" {
		c.Conf.Store.Path = v
	}
	if v := os.Getenv("STEGOFED_STORE_DSN"); v != "" {
		c.Conf.Store.DSN = v
	}

	if v := os.Getenv("STEGOFED_AUTO_ACCEPT"); v != "" {
		c.Conf.Federation.AutoAccept = v == "true"
	}
	if v := os.Getenv("STEGOFED_BLOCKED_INSTANCES"); v != "" {
		c.Conf.Federation.BlockedInstances = splitList(v)
	}
	if v := os.Getenv("STEGOFED_ALLOWED_INSTANCES"); v != "" {
		c.Conf.Federation.AllowList = true
		c.Conf.Federation.AllowedInstances = splitList(v)
	}
	if v := os.Getenv("STEGOFED_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STEGOFED_CLOCK_SKEW: %w", err)
		}
		c.Conf.Federation.ClockSkew = d
	}

	if v := os.Getenv("STEGOFED_IDENTITY_FILE"); v != "" {
		c.Conf.Keys.IdentityFile = v
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
