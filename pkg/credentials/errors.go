// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package credentials

// CertPathNotDefinedError is returned when the client certificate, client key,
// CA certificate path or the passphrase is missing from the configuration.
type CertPathNotDefinedError struct{}

// InvalidCAError is returned when the CA file holds no usable PEM certificate.
type InvalidCAError struct{}

func (CertPathNotDefinedError) Error() string {
	return "cert path not defined: client certificate, client key, ca certificate and passphrase are required"
}

func (InvalidCAError) Error() string {
	return "ca certificate: no valid PEM certificates found"
}
