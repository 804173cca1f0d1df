// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package credtest writes throwaway mutual TLS material for tests.
package credtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GwynCerbin/rabbit_gateway/pkg/config"
)

// Passphrase protects the generated client key.
const Passphrase = "test_passphrase"

// Generate creates a CA, a client certificate signed by it and a
// passphrase-encrypted client key under t.TempDir, and returns the TLS
// configuration pointing at them.
func Generate(t testing.TB) config.TLS {
	t.Helper()

	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}

	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create ca certificate: %v", err)
	}

	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}

	clientTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "test-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	clientDER, err := x509.CreateCertificate(rand.Reader, clientTmpl, caTmpl, &clientKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create client certificate: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(clientKey)
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}

	//nolint:staticcheck // the loader accepts legacy encrypted PEM keys
	keyBlock, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", keyDER, []byte(Passphrase), x509.PEMCipherAES256)
	if err != nil {
		t.Fatalf("encrypt client key: %v", err)
	}

	cfg := config.TLS{
		ClientCertPath: filepath.Join(dir, "client_certificate.pem"),
		ClientKeyPath:  filepath.Join(dir, "client_private_key.pem"),
		CACertPath:     filepath.Join(dir, "ca_certificate.pem"),
		Passphrase:     Passphrase,
	}

	write(t, cfg.CACertPath, &pem.Block{Type: "CERTIFICATE", Bytes: caDER})
	write(t, cfg.ClientCertPath, &pem.Block{Type: "CERTIFICATE", Bytes: clientDER})
	write(t, cfg.ClientKeyPath, keyBlock)

	return cfg
}

func write(t testing.TB, path string, block *pem.Block) {
	t.Helper()

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
