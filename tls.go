package wampio

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

var tlsCertPool *x509.CertPool

func init() {
	tlsCertPool, _ = x509.SystemCertPool()
	if tlsCertPool == nil {
		tlsCertPool = x509.NewCertPool()
	}
}

// TLSCertPool returns the root CA pool.
// This is normally the same as returned by crypto/x509.SystemCertPool
// and can be modified, i.e. by adding your own development CA certs.
// All wampio TLS functions that create a tls.Config use this.
func TLSCertPool() *x509.CertPool {
	return tlsCertPool
}

// TLSAddRootCerts is a convenience for adding root (CA) certificates from
// a PEM file to the cert pool used by wampio's TLS functions and returned by TLSCertPool()
func TLSAddRootCerts(certFile string) error {
	buf, err := os.ReadFile(certFile)
	if err != nil {
		return err
	}
	if !tlsCertPool.AppendCertsFromPEM(buf) {
		return fmt.Errorf("failed to load X.509 certificate file %q", certFile)
	}
	return nil
}

// ServerTLS returns the tls.Config of a listener, or nil when TLS is
// disabled
func (c TLSConfig) ServerTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("wampio: tls: cert_file and key_file are required to listen")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// ClientTLS returns the tls.Config used to dial a router, or nil when TLS is
// disabled. CAFile is added to TLSCertPool.
func (c TLSConfig) ClientTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.CAFile != "" {
		if err := TLSAddRootCerts(c.CAFile); err != nil {
			return nil, err
		}
	}
	cfg := &tls.Config{
		RootCAs:            tlsCertPool,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
