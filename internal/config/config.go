// Package config handles configuration loading from YAML, CLI flags, and environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/anthropics/lolb/internal/registry"
)

// Config is the root configuration structure (spec §6
// "Configuration": a static description of ServiceDomains, each
// carrying its ServiceAuth and optional ServiceHost/ServiceRoute
// skeletons).
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Domains     []DomainConfig    `yaml:"domains"`
}

// ListenConfig configures the public-facing socket the dispatcher
// accepts both client and service connections on (spec §1: services
// and clients share one inverted-topology listener).
type ListenConfig struct {
	Addr string `yaml:"addr"` // e.g., "0.0.0.0:443"
}

// PersistenceConfig configures the SQLite-backed certmagic.Storage and
// preauth store (internal/persist).
type PersistenceConfig struct {
	DBPath      string `yaml:"db_path"`
	WorkerCount int    `yaml:"worker_count"`
}

// DomainConfig is the YAML shape of a registry.Domain: a DNS suffix, a
// preshared secret services authenticate with, and optional
// statically-known hosts/routes.
type DomainConfig struct {
	Name         string        `yaml:"name"`
	PresharedKey string        `yaml:"preshared_key"`
	Hosts        []HostConfig  `yaml:"hosts,omitempty"`
}

// HostConfig is the YAML shape of a registry.Host.
type HostConfig struct {
	Name   string   `yaml:"name"`
	Routes []string `yaml:"routes,omitempty"` // path prefixes; upstreams fill in at registration time
}

// DefaultConfig returns a Config with secure defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr: "0.0.0.0:8443",
		},
		Persistence: PersistenceConfig{
			DBPath:      "", // set in Load based on platform
			WorkerCount: 4,
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "lolb"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "lolb"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "lolb.db"), nil
}

// Load loads configuration from file, with environment variable
// overrides. A missing file is not an error: defaults are used. Every
// configured domain without a preshared key gets a generated one; Load
// itself does not write the file back (callers persist it with Save).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dbPath, err := DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("getting default db path: %w", err)
	}
	cfg.Persistence.DBPath = dbPath

	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	for i, d := range cfg.Domains {
		if d.PresharedKey == "" {
			key, err := generateSecret()
			if err != nil {
				return nil, fmt.Errorf("generating preshared key for domain %s: %w", d.Name, err)
			}
			cfg.Domains[i].PresharedKey = key
		}
	}

	return cfg, nil
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOLB_LISTEN"); v != "" {
		c.Listen.Addr = v
	}
	if v := os.Getenv("LOLB_DB_PATH"); v != "" {
		c.Persistence.DBPath = v
	}
}

// generateSecret generates a cryptographically random preshared key.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "lolb_" + hex.EncodeToString(b), nil
}

// ToRegistryDomains converts the YAML configuration into
// registry.Domain skeletons ready for registry.Registry.Configure.
func (c *Config) ToRegistryDomains() []*registry.Domain {
	out := make([]*registry.Domain, 0, len(c.Domains))
	for _, d := range c.Domains {
		domain := &registry.Domain{
			Name: d.Name,
			Auth: registry.Auth{PresharedKey: d.PresharedKey},
		}
		for _, h := range d.Hosts {
			host := &registry.Host{Name: h.Name}
			for _, prefix := range h.Routes {
				host.Routes = append(host.Routes, &registry.Route{Prefix: prefix})
			}
			domain.Hosts = append(domain.Hosts, host)
		}
		out = append(out, domain)
	}
	return out
}
