// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"server"`

	Storage StorageConfig `json:"storage"`
	Blobs   BlobsConfig   `json:"blobs"`

	Remote struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	} `json:"remote"`

	Auth struct {
		Secret   string   `json:"secret"`
		TokenTTL Duration `json:"tokenTTL"`
	} `json:"auth"`

	RateLimit struct {
		RPS   float64 `json:"rps"`
		Burst int     `json:"burst"`
	} `json:"rateLimit"`

	Sync struct {
		Interval Duration `json:"interval"`
	} `json:"sync"`

	Content ContentConfig `json:"content"`
	Policy  PolicyConfig  `json:"policy"`

	Environment string `json:"environment"` // development, production
	LogLevel    string `json:"logLevel"`    // debug, info, warn, error
}

type StorageConfig struct {
	Type string `json:"type"` // badger, sqlite, postgres, memory
	Path string `json:"path"`
	DSN  string `json:"dsn"`
}

type BlobsConfig struct {
	Type      string `json:"type"` // kv, safe, s3
	Path      string `json:"path"`
	CacheSize int    `json:"cacheSize"`
	S3        struct {
		Bucket   string `json:"bucket"`
		Region   string `json:"region"`
		Endpoint string `json:"endpoint"`
		Prefix   string `json:"prefix"`
	} `json:"s3"`
}

// ContentConfig describes the workspace/root/locale layout of the content tree.
type ContentConfig struct {
	Workspaces map[string]WorkspaceConfig `json:"workspaces"`
}

type WorkspaceConfig struct {
	Roots map[string]RootConfig `json:"roots"`
}

type RootConfig struct {
	Locales []string `json:"locales,omitempty"`
}

type PolicyConfig struct {
	Inheritance string                `json:"inheritance"` // down, up, both
	Roles       map[string]RoleConfig `json:"roles"`
}

// RoleConfig lists permission names granted on everything and per tag.
type RoleConfig struct {
	All     []string            `json:"all,omitempty"`
	Entries map[string][]string `json:"entries,omitempty"`
}

// Duration reads Go duration strings such as "30s" from JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Path returns the config file to load: QUIRE_CONFIG if set, otherwise
// config/config.<QUIRE_ENV>.json.
func Path() string {
	if p := os.Getenv("QUIRE_CONFIG"); p != "" {
		return p
	}
	env := os.Getenv("QUIRE_ENV")
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.json", env)
}

// Default returns a configuration usable without a file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Save writes the configuration as indented JSON, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 4500
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "badger"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data"
	}
	if c.Blobs.Type == "" {
		c.Blobs.Type = "kv"
	}
	if c.Blobs.CacheSize == 0 {
		c.Blobs.CacheSize = 1024
	}
	if c.Auth.TokenTTL.Duration == 0 {
		c.Auth.TokenTTL.Duration = 24 * time.Hour
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.Sync.Interval.Duration == 0 {
		c.Sync.Interval.Duration = 30 * time.Second
	}
	if c.Policy.Inheritance == "" {
		c.Policy.Inheritance = "both"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "badger", "sqlite", "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}

	switch c.Blobs.Type {
	case "kv":
	case "safe":
		if c.Blobs.Path == "" {
			return fmt.Errorf("blobs.path is required for safe blobs")
		}
	case "s3":
		if c.Blobs.S3.Bucket == "" {
			return fmt.Errorf("blobs.s3.bucket is required for s3 blobs")
		}
	default:
		return fmt.Errorf("unknown blobs.type %q", c.Blobs.Type)
	}

	switch c.Policy.Inheritance {
	case "down", "up", "both":
	default:
		return fmt.Errorf("unknown policy.inheritance %q", c.Policy.Inheritance)
	}

	for ws, w := range c.Content.Workspaces {
		if len(w.Roots) == 0 {
			return fmt.Errorf("workspace %q has no roots", ws)
		}
	}
	return nil
}
