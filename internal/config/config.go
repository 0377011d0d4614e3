package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// GitBackend selects the implementation of the git capability
type GitBackend string

const (
	BackendShell GitBackend = "shell"
	BackendGoGit GitBackend = "go-git"
)

const (
	defaultParallelism = 4
	maxParallelism     = 64
)

// Config represents the complete subsync tool configuration
type Config struct {
	Ledger LedgerConfig `yaml:"ledger"`
	Cache  CacheConfig  `yaml:"cache"`
	Git    GitConfig    `yaml:"git"`
	Auth   AuthConfig   `yaml:"auth"`
	Sync   SyncConfig   `yaml:"sync"`
}

// LedgerConfig configures the tracking ledger
type LedgerConfig struct {
	// File is the ledger file name at the superproject root; a .toml extension selects TOML.
	File string `yaml:"file"`
}

// CacheConfig configures the local content cache
type CacheConfig struct {
	Dir     string `yaml:"dir"`
	Enabled *bool  `yaml:"enabled"`
}

// GitConfig configures the git capability
type GitConfig struct {
	Backend GitBackend `yaml:"backend"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Parallelism int   `yaml:"parallelism"`
	Stage       *bool `yaml:"stage"`
}

// Default returns the configuration used when no config file exists
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns $XDG_CONFIG_HOME/subsync/config.yaml, falling back to ~/.config
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(dir, "subsync", "config.yaml"), nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Ledger.File = os.ExpandEnv(c.Ledger.File)
	c.Cache.Dir = os.ExpandEnv(c.Cache.Dir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Ledger.File == "" {
		c.Ledger.File = ".subsync.yaml"
	}
	if c.Cache.Dir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			c.Cache.Dir = filepath.Join(dir, "subsync")
		} else {
			c.Cache.Dir = filepath.Join(os.TempDir(), "subsync-cache")
		}
	}
	if c.Cache.Enabled == nil {
		enabled := true
		c.Cache.Enabled = &enabled
	}
	if c.Git.Backend == "" {
		c.Git.Backend = BackendShell
	}
	if c.Sync.Parallelism == 0 {
		c.Sync.Parallelism = defaultParallelism
	}
	if c.Sync.Stage == nil {
		stage := true
		c.Sync.Stage = &stage
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// The ledger lives at the superproject root, so only a bare name is allowed
	if c.Ledger.File == "" {
		return fmt.Errorf("ledger.file is required")
	}
	if strings.ContainsAny(c.Ledger.File, `/\`) {
		return fmt.Errorf("ledger.file must be a file name, not a path: %s", c.Ledger.File)
	}
	switch ext := strings.ToLower(filepath.Ext(c.Ledger.File)); ext {
	case ".yaml", ".yml", ".toml":
		// valid
	default:
		return fmt.Errorf("ledger.file must end in .yaml, .yml, or .toml: %s", c.Ledger.File)
	}

	if c.CacheEnabled() && !filepath.IsAbs(c.Cache.Dir) {
		return fmt.Errorf("cache.dir must be an absolute path: %s", c.Cache.Dir)
	}

	switch c.Git.Backend {
	case BackendShell, BackendGoGit:
		// valid
	default:
		return fmt.Errorf("invalid git.backend: %s (must be shell or go-git)", c.Git.Backend)
	}

	if c.Sync.Parallelism < 1 || c.Sync.Parallelism > maxParallelism {
		return fmt.Errorf("sync.parallelism must be between 1 and %d: %d", maxParallelism, c.Sync.Parallelism)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	return nil
}

// CacheEnabled reports whether fetched trees are kept in the content cache
func (c *Config) CacheEnabled() bool {
	return c.Cache.Enabled == nil || *c.Cache.Enabled
}

// StageEnabled reports whether changes are staged in a git superproject
func (c *Config) StageEnabled() bool {
	return c.Sync.Stage == nil || *c.Sync.Stage
}

// MirrorDir returns the directory holding local repository mirrors
func (c *Config) MirrorDir() string {
	return filepath.Join(c.Cache.Dir, "mirrors")
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}
