// Package pkitest provides a few utility functions shared across tests.
package pkitest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// CmpBigInt implements a function that compares big.Ints and is compatible
// with cmp.Comparer.
func CmpBigInt(x, y *big.Int) bool {
	return x.Cmp(y) == 0
}

// NewPrivateKey is a test helper that creates a new ECDSA private key.
func NewPrivateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NilError(t, err, "generating ecdsa private key")
	return priv
}

// EncodePrivateKey is a test helper that x509 encodes the provided ECDSA
// private key.
func EncodePrivateKey(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	p, err := x509.MarshalECPrivateKey(key)
	assert.NilError(t, err, "marshaling x509")
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: p}
	return pem.EncodeToMemory(block)
}

// PemEncodeCertificate is a test helper that self-signs the provided
// certificate template with the ECDSA private key and encodes it into PEM.
func PemEncodeCertificate(t *testing.T, cert x509.Certificate, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	p, err := x509.CreateCertificate(rand.Reader, &cert, &cert, &key.PublicKey, key)
	assert.NilError(t, err, "creating certificate")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: p}
	return pem.EncodeToMemory(block)
}

// CA is a throwaway certificate authority for issuing test certificates and
// CRLs.
type CA struct {
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
	CertPEM []byte
}

// NewCA creates a self-signed CA able to sign certificates and CRLs.
func NewCA(t *testing.T, cn string) *CA {
	t.Helper()
	key := NewPrivateKey(t)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	assert.NilError(t, err, "creating CA certificate")
	cert, err := x509.ParseCertificate(der)
	assert.NilError(t, err, "parsing CA certificate")

	return &CA{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

// Issue signs a leaf certificate for the template with the CA and returns
// its PEM encoding. The template's public key comes from key.
func (ca *CA) Issue(t *testing.T, template x509.Certificate, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, &template, ca.Cert, &key.PublicKey, ca.Key)
	assert.NilError(t, err, "issuing certificate")
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// CRL builds a revocation list covering the given serial numbers.
func (ca *CA) CRL(t *testing.T, serials ...*big.Int) []byte {
	t.Helper()
	entries := make([]x509.RevocationListEntry, 0, len(serials))
	for _, serial := range serials {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: time.Now(),
		})
	}
	template := x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                time.Now().Add(-time.Hour),
		NextUpdate:                time.Now().Add(24 * time.Hour),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, &template, ca.Cert, ca.Key)
	assert.NilError(t, err, "creating CRL")
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
}

// KeyPair generates a leaf keypair: a self-signed certificate PEM and its
// private key PEM, distinguished by serial.
func KeyPair(t *testing.T, cn string, serial int64) (certPEM, keyPEM []byte) {
	t.Helper()
	key := NewPrivateKey(t)
	certPEM = PemEncodeCertificate(t, x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		DNSNames:     []string{cn},
	}, key)
	return certPEM, EncodePrivateKey(t, key)
}

// TicketKey builds a deterministic raw 80-byte session ticket key record
// whose name starts with the given tag.
func TicketKey(t *testing.T, tag byte) []byte {
	t.Helper()
	raw := make([]byte, 80)
	for i := range raw {
		raw[i] = tag
	}
	return raw
}
