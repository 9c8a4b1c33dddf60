// Package tlsconf loads the certificate pair terminating public TLS.
package tlsconf

import (
	"crypto/tls"
	"fmt"
)

// Config holds TLS configuration.
type Config struct {
	CertFile string
	KeyFile  string
}

// Manager handles the server certificate.
type Manager struct {
	config    Config
	tlsConfig *tls.Config
}

// NewManager loads the certificate pair when both paths are set. With no
// paths the manager reports TLS disabled and the server runs plain HTTP.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{config: cfg}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificates: %w", err)
		}

		m.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return m, nil
}

// GetTLSConfig returns the TLS configuration, nil when disabled.
func (m *Manager) GetTLSConfig() *tls.Config {
	return m.tlsConfig
}

// IsEnabled returns whether TLS is enabled.
func (m *Manager) IsEnabled() bool {
	return m.tlsConfig != nil
}
