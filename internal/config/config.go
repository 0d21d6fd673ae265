// Package config handles configuration loading for SDK hosts.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like project keys and keystore secrets to be injected at runtime.
//
// # Configuration Sections
//
//   - api: backend connection (base URL, project public key)
//   - app: host application identity (bundle id, platform, SDK version)
//   - storage: local durable state (pending-upload dir, keystore dir)
//   - upload: delivery policy knobs (timeouts, gzip level)
//
// # Example Configuration
//
//	api:
//	  url: https://api.rejourney.co
//	  projectKey: ${REJOURNEY_PROJECT_KEY}
//
//	app:
//	  bundleId: co.example.app
//	  platform: ios
//	  sdkVersion: 1.0.0
//
//	storage:
//	  pendingDir: /var/lib/rejourney/pending
//	  keystoreDir: /var/lib/rejourney/keys
//	  keystoreSecret: ${REJOURNEY_KEYSTORE_SECRET}
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	API     APIConfig     `yaml:"api"`
	App     AppConfig     `yaml:"app"`
	Storage StorageConfig `yaml:"storage"`
	Upload  UploadConfig  `yaml:"upload"`
}

// APIConfig holds backend connection settings
type APIConfig struct {
	URL        string `yaml:"url"`
	ProjectKey string `yaml:"projectKey"`
}

// AppConfig identifies the host application
type AppConfig struct {
	BundleID   string `yaml:"bundleId"`
	Platform   string `yaml:"platform"`
	SDKVersion string `yaml:"sdkVersion"`
	UserID     string `yaml:"userId"` // optional; "anonymous" when empty
}

// StorageConfig holds local durable-state settings
type StorageConfig struct {
	// PendingDir is the root of the pending-upload store.
	PendingDir string `yaml:"pendingDir"`

	// KeystoreDir holds encrypted secret files. Empty selects the
	// in-memory keystore, which does not survive restarts.
	KeystoreDir string `yaml:"keystoreDir"`

	// KeystoreSecret derives the file-keystore encryption key.
	// Required when KeystoreDir is set; at least 16 bytes.
	KeystoreSecret string `yaml:"keystoreSecret"`
}

// UploadConfig holds delivery policy knobs
type UploadConfig struct {
	// ControlTimeout bounds registration, challenge, presign, and
	// completion calls.
	ControlTimeout time.Duration `yaml:"controlTimeout"`

	// GzipLevel for batch payload compression, 1-9.
	GzipLevel int `yaml:"gzipLevel"`

	UserAgent string `yaml:"userAgent"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Platform == "" {
		c.App.Platform = "ios"
	}
	if c.App.SDKVersion == "" {
		c.App.SDKVersion = "1.0.0"
	}
	if c.Storage.PendingDir == "" {
		c.Storage.PendingDir = "pending"
	}
	if c.Upload.ControlTimeout == 0 {
		c.Upload.ControlTimeout = 10 * time.Second
	}
	if c.Upload.GzipLevel == 0 {
		c.Upload.GzipLevel = 6
	}
	if c.Upload.UserAgent == "" {
		c.Upload.UserAgent = "rejourney-go/" + c.App.SDKVersion
	}
}

func (c *Config) validate() error {
	if c.API.URL == "" {
		return fmt.Errorf("api.url is required")
	}
	if c.API.ProjectKey == "" {
		return fmt.Errorf("api.projectKey is required")
	}
	if c.App.BundleID == "" {
		return fmt.Errorf("app.bundleId is required")
	}
	if c.Upload.GzipLevel < 1 || c.Upload.GzipLevel > 9 {
		return fmt.Errorf("upload.gzipLevel must be 1-9, got %d", c.Upload.GzipLevel)
	}
	if c.Storage.KeystoreDir != "" && len(c.Storage.KeystoreSecret) < 16 {
		return fmt.Errorf("storage.keystoreSecret of at least 16 bytes is required when storage.keystoreDir is set")
	}
	return nil
}
