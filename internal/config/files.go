package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
)

// Files looked up in the config directory when the YAML leaves them unset.
// WOMBATLOG_CONFIG_DIR overrides the ~/.wombatlog directory.
const (
	caFile         = "ca.pem"
	serverCertFile = "server.pem"
	serverKeyFile  = "server-key.pem"
	aclModelFile   = "model.conf"
	aclPolicyFile  = "policy.csv"
)

type TLSConfig struct {
	CertFile      string `yaml:"cert_file"`
	KeyFile       string `yaml:"key_file"`
	CAFile        string `yaml:"ca_file"`
	ServerAddress string `yaml:"server_address"`
	Server        bool   `yaml:"-"`
}

// Enabled reports whether any certificate material is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.CAFile != ""
}

func configFile(filename string) string {
	if dir := os.Getenv("WOMBATLOG_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, filename)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// no home directory, e.g. in a minimal container; fall back to the working directory
		return filepath.Join(".wombatlog", filename)
	}
	return filepath.Join(homeDir, ".wombatlog", filename)
}

// configFiles resolves names in the config directory and reports whether all
// of them exist.
func configFiles(names ...string) ([]string, bool) {
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = configFile(name)
		if _, err := os.Stat(paths[i]); err != nil {
			return nil, false
		}
	}
	return paths, true
}

func SetupTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	var err error
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig.Certificates = make([]tls.Certificate, 1)
		tlsConfig.Certificates[0], err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
	}

	if cfg.CAFile != "" {
		b, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}

		ca := x509.NewCertPool()
		if !ca.AppendCertsFromPEM(b) {
			return nil, fmt.Errorf("failed to parse root certificate: %q", cfg.CAFile)
		}

		if cfg.Server {
			// servers verify client certificates against the CA
			tlsConfig.ClientCAs = ca
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			// clients verify the server's certificate against the CA
			tlsConfig.RootCAs = ca
		}
		tlsConfig.ServerName = cfg.ServerAddress
	}

	return tlsConfig, nil
}
