// Package mitm owns the locally-generated certificate authority used to
// issue per-SNI leaf certificates for the TLS bridge, persisting the CA
// across restarts the way the teacher's dhcpv4/arp packages persist their
// own state across Reset calls, translated to disk.
package mitm

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/martian/v3/mitm"

	"github.com/qemunet/vmnet/internal/lrucache"
)

const (
	caKeyFile  = "ca-key.pem"
	caCertFile = "ca-cert.pem"

	leafCacheSize = 256
	caValidity    = 10 * 365 * 24 * time.Hour
	leafValidity  = 90 * 24 * time.Hour
)

// Store issues and caches leaf TLS certificates signed by a CA persisted
// under dir.
type Store struct {
	cfg   *mitm.Config
	cache lrucache.Cache[string, *tls.Certificate]
}

// Open loads the CA under dir, generating and persisting one on first run.
func Open(dir string) (*Store, error) {
	cert, key, err := loadOrCreateCA(dir)
	if err != nil {
		return nil, fmt.Errorf("mitm: load CA: %w", err)
	}
	cfg, err := mitm.NewConfig(cert, key)
	if err != nil {
		return nil, fmt.Errorf("mitm: configure CA: %w", err)
	}
	cfg.SetValidity(leafValidity)
	cfg.SetOrganization("vmnet sandbox mediator")
	cfg.SkipTLSVerify(false)
	return &Store{
		cfg:   cfg,
		cache: lrucache.New[string, *tls.Certificate](leafCacheSize),
	}, nil
}

// LeafFor returns a leaf certificate for sni, generating and caching one if
// this is the first request for that name.
func (s *Store) LeafFor(sni string) (*tls.Certificate, error) {
	if leaf, ok := s.cache.Get(sni); ok {
		return leaf, nil
	}
	leaf, err := s.cfg.Cert(sni)
	if err != nil {
		return nil, fmt.Errorf("mitm: issue leaf for %q: %w", sni, err)
	}
	s.cache.Push(sni, leaf)
	return leaf, nil
}

// CACertPEM returns the CA certificate in PEM form, for installation into a
// guest's trust store out of band.
func (s *Store) CACertPEM() ([]byte, error) {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.cfg.CA.Raw}), nil
}

// aeadCipherSuites restricts the guest-facing handshake to AEAD suites
// only, dropping CBC-mode TLS 1.2 suites entirely.
var aeadCipherSuites = []uint16{
	tls.TLS_AES_128_GCM_SHA256,
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}

// ServerConfig returns a *tls.Config suitable for terminating the
// guest-facing handshake: TLS 1.2 minimum, AEAD suites only, no client
// certificate requested, and a per-SNI certificate issued from the CA.
func (s *Store) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: aeadCipherSuites,
		ClientAuth:   tls.NoClientCert,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName == "" {
				return nil, fmt.Errorf("mitm: no SNI in ClientHello")
			}
			return s.LeafFor(hello.ServerName)
		},
	}
}

func loadOrCreateCA(dir string) (*x509.Certificate, *rsa.PrivateKey, error) {
	keyPath := filepath.Join(dir, caKeyFile)
	certPath := filepath.Join(dir, caCertFile)

	keyPEM, keyErr := os.ReadFile(keyPath)
	certPEM, certErr := os.ReadFile(certPath)
	if keyErr == nil && certErr == nil {
		cert, key, err := decodeCA(certPEM, keyPEM)
		if err == nil {
			return cert, key, nil
		}
		// Fall through to regeneration on a corrupt persisted CA.
	}

	cert, key, err := mitm.NewAuthority("vmnet-sandbox-ca", "vmnet sandbox mediator", caValidity)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create mitm dir: %w", err)
	}
	if err := persistCA(certPath, keyPath, cert, key); err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func persistCA(certPath, keyPath string, cert *x509.Certificate, key *rsa.PrivateKey) error {
	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certOut, 0o600); err != nil {
		return fmt.Errorf("persist CA cert: %w", err)
	}
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, keyOut, 0o600); err != nil {
		return fmt.Errorf("persist CA key: %w", err)
	}
	return nil
}

func decodeCA(certPEM, keyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in CA cert file")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA cert: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in CA key file")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA key: %w", err)
	}
	return cert, key, nil
}
