package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration read from YAML. Zero values are
// replaced by defaults in Normalize.
type Config struct {
	DataDir string `yaml:"data_dir"`
	// BindAddr is the host:port the gRPC server listens on.
	BindAddr string `yaml:"bind_addr"`
	NodeName string `yaml:"node_name"`
	LogLevel string `yaml:"log_level"`

	Segment struct {
		MaxBytes uint64 `yaml:"max_bytes"`
		Sync     bool   `yaml:"sync"`
	} `yaml:"segment"`

	Retention struct {
		// MaxAge is how long a sealed segment is kept after its last write.
		// Zero keeps segments forever.
		MaxAge        time.Duration `yaml:"max_age"`
		CheckInterval time.Duration `yaml:"check_interval"`
	} `yaml:"retention"`

	ACL struct {
		ModelFile  string `yaml:"model_file"`
		PolicyFile string `yaml:"policy_file"`
	} `yaml:"acl"`

	TLS TLSConfig `yaml:"tls"`

	// MetricsAddr is where the Prometheus exporter listens. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

const (
	defaultDataDir       = "wombatlog-data"
	defaultBindAddr      = "127.0.0.1:8400"
	defaultSegmentBytes  = 1 << 30
	defaultCheckInterval = 5 * time.Minute
	defaultLogLevel      = "info"
)

// Load reads the YAML file at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.Normalize()
	return cfg, cfg.Validate()
}

// Normalize fills in defaults for unset fields.
func (c *Config) Normalize() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.BindAddr == "" {
		c.BindAddr = defaultBindAddr
	}
	if c.Segment.MaxBytes == 0 {
		c.Segment.MaxBytes = defaultSegmentBytes
	}
	if c.Retention.CheckInterval == 0 {
		c.Retention.CheckInterval = defaultCheckInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}

	// Certificates and ACL files in the config directory apply only when
	// the YAML sets none of their kind.
	if !c.TLS.Enabled() {
		if paths, ok := configFiles(serverCertFile, serverKeyFile); ok {
			c.TLS.CertFile, c.TLS.KeyFile = paths[0], paths[1]
			if paths, ok := configFiles(caFile); ok {
				c.TLS.CAFile = paths[0]
			}
		}
	}
	if c.ACL.ModelFile == "" && c.ACL.PolicyFile == "" {
		if paths, ok := configFiles(aclModelFile, aclPolicyFile); ok {
			c.ACL.ModelFile, c.ACL.PolicyFile = paths[0], paths[1]
		}
	}
}

func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		return fmt.Errorf("bind_addr: %w", err)
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention.max_age must not be negative")
	}
	if c.Retention.CheckInterval < 0 {
		return fmt.Errorf("retention.check_interval must not be negative")
	}
	if (c.ACL.ModelFile == "") != (c.ACL.PolicyFile == "") {
		return fmt.Errorf("acl.model_file and acl.policy_file must be set together")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
