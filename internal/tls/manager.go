package tls

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/acme/autocert"

	"security-core/internal/config"
	"security-core/internal/util"
)

// TLSManager serves certificates from ACME, a configured key pair, or a
// development certificate, in that order.
type TLSManager struct {
	config   config.ServerConfig
	autoCert *autocert.Manager

	fileOnce sync.Once
	fileCert *tls.Certificate

	devOnce sync.Once
	devCert *tls.Certificate
	devErr  error
}

func NewTLSManager(cfg config.ServerConfig) *TLSManager {
	m := &TLSManager{config: cfg}
	if cfg.AutoCert && cfg.EnableTLS {
		m.setupAutoCert()
	}
	return m
}

// domains splits SERVER_DOMAIN, which may list several names.
func (m *TLSManager) domains() []string {
	var out []string
	for _, d := range strings.Split(m.config.Domain, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

func (m *TLSManager) setupAutoCert() {
	domains := m.domains()
	if len(domains) == 0 {
		util.Warn("AutoCert requested without a domain; falling back to local certificates")
		return
	}
	if err := os.MkdirAll(m.config.AutoCertDir, 0o700); err != nil {
		util.Warn("Could not create autocert directory", util.ErrorField(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(m.config.AutoCertDir),
		Email:      m.config.AutoCertEmail,
	}
	util.Info("AutoCert configured",
		util.Strings("domains", domains),
		util.String("cache_dir", m.config.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("ACME certificate unavailable", util.ErrorField(err))
	}
	if cert := m.keyPair(); cert != nil {
		return cert, nil
	}
	return m.developmentCert()
}

// keyPair loads CertFile/KeyFile once; a bad pair is logged and skipped.
func (m *TLSManager) keyPair() *tls.Certificate {
	m.fileOnce.Do(func() {
		if m.config.CertFile == "" || m.config.KeyFile == "" {
			return
		}
		cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
		if err != nil {
			util.Error("Failed to load TLS key pair",
				util.String("cert_file", m.config.CertFile),
				util.ErrorField(err))
			return
		}
		m.fileCert = &cert
	})
	return m.fileCert
}

func (m *TLSManager) developmentCert() (*tls.Certificate, error) {
	m.devOnce.Do(func() {
		if err := os.MkdirAll(m.config.AutoCertDir, 0o700); err != nil {
			m.devErr = fmt.Errorf("failed to create cert dir: %w", err)
			return
		}
		hosts := append(m.domains(), "localhost", "127.0.0.1", "::1")
		cert, err := NewDevCertGenerator(m.config.AutoCertDir).GenerateCert(hosts)
		if err != nil {
			m.devErr = fmt.Errorf("failed to generate development certificate: %w", err)
			return
		}
		m.devCert = &cert
	})
	return m.devCert, m.devErr
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	protos := []string{"h2", "http/1.1"}
	if m.autoCert != nil {
		protos = append(protos, "acme-tls/1")
	}
	return &tls.Config{
		GetCertificate:   m.GetCertificate,
		NextProtos:       protos,
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
		// TLS 1.3 suites are not configurable; this list only constrains 1.2
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// GetAutocertManager is nil unless ACME is enabled; cmd/server uses it for the HTTP-01 handler.
func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
