package ssl

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"
)

// Snapshot is one immutable, fully validated generation of secret material
// and verification state. A configuration publishes snapshots through a
// single atomic slot; a handshake captures the current snapshot once and
// uses it for its whole lifetime, so a rotation committing mid-handshake
// never mixes generations.
type Snapshot struct {
	generation uint64

	material *CertificateMaterial

	caPEM  []byte
	caPath string
	caPool *x509.CertPool

	crlPEM  []byte
	crlPath string
	crl     *x509.RevocationList

	policy VerificationPolicy

	ticketKeys SessionTicketKeySet
}

// Generation identifies the published secret generation. It increases only
// when the material actually changes; redelivery of identical secrets keeps
// the generation stable.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// TLSCertificate returns the identity material, or nil while the
// configuration is pending delivery.
func (s *Snapshot) TLSCertificate() *CertificateMaterial {
	return s.material
}

// CACert returns the PEM CA bundle used for peer validation, nil when no CA
// is configured.
func (s *Snapshot) CACert() []byte {
	return s.caPEM
}

// CACertPath returns the CA bundle's file path, InlinePath for inline
// material, or "" when no CA is configured.
func (s *Snapshot) CACertPath() string {
	return s.caPath
}

// CertPool returns the parsed CA trust bundle, nil when no CA is configured.
func (s *Snapshot) CertPool() *x509.CertPool {
	return s.caPool
}

// CertificateRevocationList returns the configured CRL bytes, nil when no
// CRL is configured.
func (s *Snapshot) CertificateRevocationList() []byte {
	return s.crlPEM
}

// CertificateRevocationListPath returns the CRL's file path, InlinePath for
// inline material, or "" when no CRL is configured.
func (s *Snapshot) CertificateRevocationListPath() string {
	return s.crlPath
}

// VerificationPolicy returns the peer acceptance criteria of this
// generation.
func (s *Snapshot) VerificationPolicy() VerificationPolicy {
	return s.policy
}

// SessionTicketKeys returns the ticket key set of this generation. The zero
// set disables ticket resumption.
func (s *Snapshot) SessionTicketKeys() SessionTicketKeySet {
	return s.ticketKeys
}

// VerifyPeerCertificate returns a callback suitable for
// [crypto/tls.Config.VerifyPeerCertificate] that enforces this snapshot's
// verification policy: certificate and SPKI pins, exact SAN matches, expiry
// tolerance, chain verification against the CA bundle, and CRL revocation.
// Constraints with empty configuration are skipped.
func (s *Snapshot) VerifyPeerCertificate() func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("ssl: no peer certificate presented")
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("ssl: unable to parse peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		leaf := certs[0]

		if err := s.policy.verifyLeaf(leaf); err != nil {
			return err
		}

		if s.caPool != nil {
			opts := x509.VerifyOptions{
				Intermediates: x509.NewCertPool(),
				KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
				Roots:         s.caPool,
			}
			for _, cert := range certs[1:] {
				opts.Intermediates.AddCert(cert)
			}
			if s.policy.allowExpired {
				// Chain building rejects certificates outside their
				// validity window; pin the evaluation time inside the
				// leaf's window to honor the tolerance.
				opts.CurrentTime = leaf.NotBefore.Add(leaf.NotAfter.Sub(leaf.NotBefore) / 2)
			}
			if _, err := leaf.Verify(opts); err != nil {
				return fmt.Errorf("ssl: peer certificate verification failed: %w", err)
			}
		}

		if s.crl != nil {
			for _, cert := range certs {
				for _, revoked := range s.crl.RevokedCertificateEntries {
					if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
						return fmt.Errorf("ssl: peer certificate serial %s is revoked", cert.SerialNumber)
					}
				}
			}
		}

		return nil
	}
}

// verifyLeaf applies the policy's leaf-level constraints: pins, SAN list,
// and expiry.
func (p VerificationPolicy) verifyLeaf(leaf *x509.Certificate) error {
	if len(p.certHashes) > 0 {
		sum := sha256.Sum256(leaf.Raw)
		if !containsHex(p.certHashes, sum) {
			return fmt.Errorf("ssl: peer certificate hash matched no configured pin")
		}
	}

	if len(p.spkiHashes) > 0 {
		sum := sha256.Sum256(leaf.RawSubjectPublicKeyInfo)
		if !containsHex(p.spkiHashes, sum) {
			return fmt.Errorf("ssl: peer SPKI hash matched no configured pin")
		}
	}

	if len(p.sans) > 0 && !matchesAnySAN(p.sans, leaf) {
		return fmt.Errorf("ssl: peer certificate matched no configured subject alt name")
	}

	if !p.allowExpired {
		now := time.Now()
		if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
			return fmt.Errorf("ssl: peer certificate is outside its validity window")
		}
	}

	return nil
}

func containsHex(hashes []string, sum [sha256.Size]byte) bool {
	h := hex.EncodeToString(sum[:])
	for _, want := range hashes {
		if want == h {
			return true
		}
	}
	return false
}

func matchesAnySAN(sans []string, leaf *x509.Certificate) bool {
	for _, want := range sans {
		for _, dns := range leaf.DNSNames {
			if dns == want {
				return true
			}
		}
		for _, uri := range leaf.URIs {
			if uri.String() == want {
				return true
			}
		}
		for _, ip := range leaf.IPAddresses {
			if ip.String() == want {
				return true
			}
		}
		for _, email := range leaf.EmailAddresses {
			if email == want {
				return true
			}
		}
	}
	return false
}

// equalSecrets reports whether two snapshots carry identical secret
// material, ignoring generation.
func (s *Snapshot) equalSecrets(o *Snapshot) bool {
	if o == nil {
		return false
	}
	return s.material.equal(o.material) &&
		bytes.Equal(s.caPEM, o.caPEM) &&
		bytes.Equal(s.crlPEM, o.crlPEM) &&
		s.ticketKeys.equal(o.ticketKeys)
}

// parseCRL accepts a PEM "X509 CRL" block or raw DER.
func parseCRL(data []byte) (*x509.RevocationList, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("ssl: unable to parse certificate revocation list: %w", err)
	}
	return crl, nil
}

// pathOrInline reports provenance for material that is present: the source
// path when known, InlinePath otherwise.
func pathOrInline(path string) string {
	if path == "" {
		return InlinePath
	}
	return path
}
