// Package config loads the runtime configuration: one YAML file plus a
// small set of environment overrides sourced from the process env or a
// .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	_ = godotenv.Load()
}

type file struct {
	Version int `yaml:"version"`

	Proxy struct {
		Addr            string `yaml:"addr"`
		UpstreamTimeout string `yaml:"upstream_timeout"`
	} `yaml:"proxy"`

	DNS struct {
		Addr      string   `yaml:"addr"`
		Upstreams []string `yaml:"upstreams"`
	} `yaml:"dns"`

	Approval struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"approval"`

	Admin struct {
		Addr string `yaml:"addr"`
	} `yaml:"admin"`

	PolicyPath   string `yaml:"policy"`
	RegoPath     string `yaml:"rego_policy"`
	TopologyPath string `yaml:"topology"`
	DataDir      string `yaml:"data_dir"`
}

// Config is the resolved runtime configuration.
type Config struct {
	ProxyAddr       string
	UpstreamTimeout time.Duration
	DNSAddr         string
	DNSUpstreams    []string
	ApprovalTimeout time.Duration
	AdminAddr       string

	PolicyPath   string
	RegoPath     string
	TopologyPath string
	DataDir      string
}

// AuditPath is the ledger file inside the data directory.
func (c *Config) AuditPath() string {
	return filepath.Join(c.DataDir, "audit.jsonl")
}

// ApprovalDBPath is the approval database inside the data directory.
func (c *Config) ApprovalDBPath() string {
	return filepath.Join(c.DataDir, "approvals.db")
}

// Load reads a config YAML file and applies env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses YAML data and applies env overrides.
func LoadBytes(data []byte) (*Config, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return resolve(&f)
}

func resolve(f *file) (*Config, error) {
	cfg := &Config{
		ProxyAddr:    f.Proxy.Addr,
		DNSAddr:      f.DNS.Addr,
		DNSUpstreams: f.DNS.Upstreams,
		AdminAddr:    f.Admin.Addr,
		PolicyPath:   f.PolicyPath,
		RegoPath:     f.RegoPath,
		TopologyPath: f.TopologyPath,
		DataDir:      f.DataDir,
	}

	if cfg.ProxyAddr == "" {
		cfg.ProxyAddr = DefaultProxyAddr
	}
	if cfg.DNSAddr == "" {
		cfg.DNSAddr = DefaultDNSAddr
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = DefaultAdminAddr
	}
	if len(cfg.DNSUpstreams) == 0 {
		cfg.DNSUpstreams = []string{DefaultUpstreamDNS}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	if f.Proxy.UpstreamTimeout != "" {
		d, err := time.ParseDuration(f.Proxy.UpstreamTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream_timeout %q: %w", f.Proxy.UpstreamTimeout, err)
		}
		cfg.UpstreamTimeout = d
	}

	if f.Approval.Timeout != "" {
		d, err := time.ParseDuration(f.Approval.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid approval timeout %q: %w", f.Approval.Timeout, err)
		}
		cfg.ApprovalTimeout = d
	} else {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values with the environment. Env wins so that
// container deployments can reshape a baked-in config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AEGIS_PROXY_ADDR"); v != "" {
		cfg.ProxyAddr = v
	}
	if v := os.Getenv("AEGIS_DNS_ADDR"); v != "" {
		cfg.DNSAddr = v
	}
	if v := os.Getenv("AEGIS_ADMIN_ADDR"); v != "" {
		cfg.AdminAddr = v
	}
	if v := os.Getenv("AEGIS_POLICY"); v != "" {
		cfg.PolicyPath = v
	}
	if v := os.Getenv("AEGIS_DATA_DIR"); v != "" {
		cfg.DataDir = expandHome(v)
	}
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Default returns a config with defaults for when no config file is given.
func Default() *Config {
	cfg, _ := resolve(&file{})
	return cfg
}
