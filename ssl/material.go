package ssl

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// InlinePath is the value reported by path accessors when the corresponding
// material was supplied inline rather than loaded from a file. It preserves
// provenance for diagnostics; it is a presentation convention, not a
// security boundary.
const InlinePath = "<inline>"

// CertificateMaterial is an immutable snapshot of one identity: a PEM
// certificate chain, the matching private key, and where both came from.
// Instances are replaced wholesale on rotation, never mutated, so sharing
// one across goroutines is safe.
type CertificateMaterial struct {
	certificate tls.Certificate
	chainPEM    []byte
	keyPEM      []byte
	chainPath   string
	keyPath     string
}

// NewCertificateMaterial parses and validates a PEM certificate chain and
// private key. The key must match the public key of the leaf certificate.
// Empty paths mark the material as inline.
func NewCertificateMaterial(chainPEM, keyPEM []byte, chainPath, keyPath string) (*CertificateMaterial, error) {
	if len(chainPEM) == 0 {
		return nil, fmt.Errorf("ssl: empty certificate chain")
	}

	certificate, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("ssl: unable to load certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(certificate.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("ssl: unable to parse leaf certificate: %w", err)
	}
	certificate.Leaf = leaf

	if chainPath == "" {
		chainPath = InlinePath
	}
	if keyPath == "" {
		keyPath = InlinePath
	}

	return &CertificateMaterial{
		certificate: certificate,
		chainPEM:    chainPEM,
		keyPEM:      keyPEM,
		chainPath:   chainPath,
		keyPath:     keyPath,
	}, nil
}

// Certificate returns the parsed keypair with Leaf populated. Callers must
// treat the returned value as read-only.
func (m *CertificateMaterial) Certificate() *tls.Certificate {
	return &m.certificate
}

// CertChain returns the PEM encoded certificate chain.
func (m *CertificateMaterial) CertChain() []byte {
	return m.chainPEM
}

// CertChainPath returns the file the chain was loaded from, or InlinePath.
func (m *CertificateMaterial) CertChainPath() string {
	return m.chainPath
}

// PrivateKeyPath returns the file the key was loaded from, or InlinePath.
func (m *CertificateMaterial) PrivateKeyPath() string {
	return m.keyPath
}

// equal reports whether two holders carry the same key material. Used to
// detect redeliveries of an unchanged secret.
func (m *CertificateMaterial) equal(o *CertificateMaterial) bool {
	if m == nil || o == nil {
		return m == o
	}
	return bytes.Equal(m.chainPEM, o.chainPEM) && bytes.Equal(m.keyPEM, o.keyPEM)
}
