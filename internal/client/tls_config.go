package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// tlsFiles names the PEM files of one backing store connection.
// CertFile and KeyFile are optional and only used together.
type tlsFiles struct {
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
}

func (f tlsFiles) load(store string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: f.ServerName,
	}

	if f.CAFile != "" {
		pem, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s CA file: %w", store, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s CA file %s", store, f.CAFile)
		}
		cfg.RootCAs = pool
	}

	if f.CertFile != "" || f.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s client certificate: %w", store, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
