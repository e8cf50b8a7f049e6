// Package tlsconfig builds the TLS configuration for the joberd API listener.
package tlsconfig

import (
	"crypto/tls"
	"fmt"
)

// Config names the PEM-encoded server credentials on disk.
type Config struct {
	CertPath string
	KeyPath  string
}

// SetupTLS loads the server key pair and returns a TLS 1.3 server
// configuration.
func SetupTLS(config *Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(config.CertPath, config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}, nil
}
