// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package credentials resolves the mutual TLS material used to reach the broker.
package credentials

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/GwynCerbin/rabbit_gateway/pkg/config"
)

// Bundle is the client certificate, client key, CA certificate and passphrase
// used for one connect attempt. All four are present or the bundle is never built.
type Bundle struct {
	ClientCertificate []byte
	ClientKey         []byte
	CACertificate     []byte
	Passphrase        string
}

// Loader reads a Bundle from the paths held in the TLS configuration.
type Loader struct {
	cfg      config.TLS
	readFile func(name string) ([]byte, error)
}

// Option configures a Loader.
type Option func(*Loader)

// WithReadFile replaces os.ReadFile, mainly for tests.
func WithReadFile(fn func(name string) ([]byte, error)) Option {
	return func(l *Loader) {
		l.readFile = fn
	}
}

func NewLoader(cfg config.TLS, opts ...Option) *Loader {
	l := &Loader{
		cfg:      cfg,
		readFile: os.ReadFile,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Load validates that every credential field is set and then reads the files.
// Nothing is read when a field is missing.
func (l *Loader) Load() (*Bundle, error) {
	if l.cfg.ClientCertPath == "" || l.cfg.ClientKeyPath == "" || l.cfg.CACertPath == "" || l.cfg.Passphrase == "" {
		return nil, CertPathNotDefinedError{}
	}

	cert, err := l.readFile(l.cfg.ClientCertPath)
	if err != nil {
		return nil, fmt.Errorf("read client certificate: %w", err)
	}

	key, err := l.readFile(l.cfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read client key: %w", err)
	}

	ca, err := l.readFile(l.cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read ca certificate: %w", err)
	}

	return &Bundle{
		ClientCertificate: cert,
		ClientKey:         key,
		CACertificate:     ca,
		Passphrase:        l.cfg.Passphrase,
	}, nil
}

// TLSConfig builds a client tls.Config presenting the bundle's certificate and
// trusting only its CA. The private key is decrypted with the passphrase when
// it is a legacy encrypted PEM block.
func (b *Bundle) TLSConfig(serverName string) (*tls.Config, error) {
	keyPEM, err := decryptKey(b.ClientKey, b.Passphrase)
	if err != nil {
		return nil, err
	}

	pair, err := tls.X509KeyPair(b.ClientCertificate, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse client key pair: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b.CACertificate) {
		return nil, InvalidCAError{}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func decryptKey(raw []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("client key: no PEM block found")
	}

	if block.Type == "ENCRYPTED PRIVATE KEY" {
		return nil, errors.New("client key: encrypted PKCS#8 keys are not supported")
	}

	//nolint:staticcheck // legacy RFC 1423 encryption is what passphrase-protected broker keys use
	if !x509.IsEncryptedPEMBlock(block) {
		return raw, nil
	}

	//nolint:staticcheck // see above
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("decrypt client key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}
