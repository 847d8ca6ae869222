// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls builds the certificate configuration shared by the WebSocket
// (TLS) and DTLS listeners.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/pion/dtls/v3"
)

var (
	errLoadCerts       = errors.New("failed to load certificates")
	errLoadServerCA    = errors.New("failed to load server CA")
	errLoadClientCA    = errors.New("failed to load client CA")
	errAppendCA        = errors.New("no PEM certificates found in CA file")
	errUnsupportedTLS  = errors.New("unsupported tls configuration")
	errInvalidAuthMode = errors.New("client auth must be one of: none, request, require")
)

// Client certificate policies.
const (
	AuthNone    = "none"
	AuthRequest = "request"
	AuthRequire = "require"
)

// Config describes the certificates of a TLS or DTLS listener.
type Config struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ServerCAFile string `yaml:"server_ca_file"`
	ClientCAFile string `yaml:"ca_file"`
	// ClientAuth is none, request or require. Empty means require when a
	// client CA is set.
	ClientAuth string `yaml:"client_auth"`
}

type TLSConfig interface {
	*tls.Config | *dtls.Config
}

// material is what both listener flavors are built from.
type material struct {
	cert     tls.Certificate
	roots    *x509.CertPool
	clients  *x509.CertPool
	authMode string
}

// LoadTLSConfig returns the listener configuration for c, or nil when no
// certificate is configured.
func LoadTLSConfig[sc TLSConfig](c *Config) (sc, error) {
	var zero sc

	if c.CertFile == "" || c.KeyFile == "" {
		return zero, nil
	}

	m, err := loadMaterial(c)
	if err != nil {
		return zero, err
	}

	switch any(zero).(type) {
	case *tls.Config:
		cfg, err := m.tlsConfig()
		if err != nil {
			return zero, err
		}
		return any(cfg).(sc), nil
	case *dtls.Config:
		cfg, err := m.dtlsConfig()
		if err != nil {
			return zero, err
		}
		return any(cfg).(sc), nil
	default:
		return zero, errUnsupportedTLS
	}
}

func loadMaterial(c *Config) (material, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return material{}, errors.Join(errLoadCerts, err)
	}

	roots, err := loadPool(c.ServerCAFile)
	if err != nil {
		return material{}, errors.Join(errLoadServerCA, err)
	}

	clients, err := loadPool(c.ClientCAFile)
	if err != nil {
		return material{}, errors.Join(errLoadClientCA, err)
	}

	return material{cert: cert, roots: roots, clients: clients, authMode: c.ClientAuth}, nil
}

// loadPool returns nil for an empty path.
func loadPool(file string) (*x509.CertPool, error) {
	if file == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: %s", errAppendCA, file)
	}
	return pool, nil
}

func (m material) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
		Certificates: []tls.Certificate{m.cert},
		RootCAs:      m.roots,
		ClientCAs:    m.clients,
	}
	if m.clients == nil {
		return cfg, nil
	}

	switch m.authMode {
	case "", AuthRequire:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	case AuthRequest:
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	case AuthNone:
	default:
		return nil, errInvalidAuthMode
	}
	return cfg, nil
}

func (m material) dtlsConfig() (*dtls.Config, error) {
	cfg := &dtls.Config{
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
		Certificates:         []tls.Certificate{m.cert},
		RootCAs:              m.roots,
		ClientCAs:            m.clients,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}
	if m.clients == nil {
		return cfg, nil
	}

	switch m.authMode {
	case "", AuthRequire:
		cfg.ClientAuth = dtls.RequireAndVerifyClientCert
	case AuthRequest:
		cfg.ClientAuth = dtls.VerifyClientCertIfGiven
	case AuthNone:
	default:
		return nil, errInvalidAuthMode
	}
	return cfg, nil
}

// SecurityStatus describes a listener configuration for startup logs.
func SecurityStatus[sc TLSConfig](s sc) string {
	switch c := any(s).(type) {
	case *tls.Config:
		if c == nil {
			return "plaintext"
		}
		if c.ClientCAs == nil {
			return "TLS"
		}
		return "TLS with " + c.ClientAuth.String()
	case *dtls.Config:
		if c == nil {
			return "plaintext"
		}
		if c.ClientCAs == nil {
			return "DTLS"
		}
		return "DTLS with client certificates"
	default:
		return "plaintext"
	}
}
