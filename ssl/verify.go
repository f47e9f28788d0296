package ssl

import (
	"fmt"
	"strings"
)

const sha256HexLen = 64

// VerificationPolicy is the set of acceptance criteria applied to peer
// certificates: exact subject-alternative-name matches, SHA-256 certificate
// pins, SHA-256 SPKI pins, and an expiry tolerance. Empty lists mean no
// constraint of that kind. A policy is immutable once built; config reloads
// construct a fresh one.
type VerificationPolicy struct {
	sans         []string
	certHashes   []string
	spkiHashes   []string
	allowExpired bool
}

// NewVerificationPolicy validates and normalizes the given constraints.
// Hash strings must be exactly 64 hex characters; case is ignored and
// stored lowercase.
func NewVerificationPolicy(sans, certHashes, spkiHashes []string, allowExpired bool) (VerificationPolicy, error) {
	normCert, err := normalizeHashList("certificate", certHashes)
	if err != nil {
		return VerificationPolicy{}, err
	}
	normSpki, err := normalizeHashList("SPKI", spkiHashes)
	if err != nil {
		return VerificationPolicy{}, err
	}

	return VerificationPolicy{
		sans:         append([]string(nil), sans...),
		certHashes:   normCert,
		spkiHashes:   normSpki,
		allowExpired: allowExpired,
	}, nil
}

// SubjectAltNames returns the exact-match SAN list.
func (p VerificationPolicy) SubjectAltNames() []string {
	return p.sans
}

// CertificateHashes returns the lowercase hex SHA-256 certificate pins.
func (p VerificationPolicy) CertificateHashes() []string {
	return p.certHashes
}

// SPKIHashes returns the lowercase hex SHA-256 SPKI pins.
func (p VerificationPolicy) SPKIHashes() []string {
	return p.spkiHashes
}

// AllowExpired reports whether certificates outside their validity window
// (both too new and too old) are tolerated.
func (p VerificationPolicy) AllowExpired() bool {
	return p.allowExpired
}

// Trivial reports whether the policy imposes no constraints at all.
func (p VerificationPolicy) Trivial() bool {
	return len(p.sans) == 0 && len(p.certHashes) == 0 && len(p.spkiHashes) == 0
}

func normalizeHashList(kind string, hashes []string) ([]string, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		n, err := normalizeHash(h)
		if err != nil {
			return nil, fmt.Errorf("ssl: invalid %s hash %q: %w", kind, h, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func normalizeHash(h string) (string, error) {
	if len(h) != sha256HexLen {
		return "", fmt.Errorf("expected %d hex characters, got %d", sha256HexLen, len(h))
	}
	h = strings.ToLower(h)
	for _, r := range h {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return "", fmt.Errorf("non-hex character %q", r)
		}
	}
	return h, nil
}
