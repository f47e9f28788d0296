package ssl

import (
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/fpesce/envoy/internal/pkitest"
)

func pemToDER(t *testing.T, pemBytes []byte) []byte {
	t.Helper()
	block, _ := pem.Decode(pemBytes)
	assert.Assert(t, block != nil, "expected PEM data")
	return block.Bytes
}

func caSnapshot(t *testing.T, ca *pkitest.CA, policy VerificationPolicy) *Snapshot {
	t.Helper()
	pool := x509.NewCertPool()
	assert.Assert(t, pool.AppendCertsFromPEM(ca.CertPEM))
	return &Snapshot{policy: policy, caPEM: ca.CertPEM, caPool: pool, caPath: InlinePath}
}

func TestVerifyPeerCertificateChain(t *testing.T) {
	t.Parallel()

	ca := pkitest.NewCA(t, "test-root")
	leafKey := pkitest.NewPrivateKey(t)
	leafPEM := ca.Issue(t, x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "client.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"client.test"},
	}, leafKey)

	verify := caSnapshot(t, ca, VerificationPolicy{}).VerifyPeerCertificate()
	assert.NilError(t, verify([][]byte{pemToDER(t, leafPEM)}, nil))

	// A certificate from a different root fails chain building.
	otherCA := pkitest.NewCA(t, "other-root")
	otherPEM := otherCA.Issue(t, x509.Certificate{
		SerialNumber: big.NewInt(43),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}, pkitest.NewPrivateKey(t))
	assert.ErrorContains(t, verify([][]byte{pemToDER(t, otherPEM)}, nil), "verification failed")

	assert.ErrorContains(t, verify(nil, nil), "no peer certificate")
}

func TestVerifyPeerCertificatePins(t *testing.T) {
	t.Parallel()

	key := pkitest.NewPrivateKey(t)
	leafPEM := pkitest.PemEncodeCertificate(t, x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}, key)
	der := pemToDER(t, leafPEM)
	leaf, err := x509.ParseCertificate(der)
	assert.NilError(t, err)

	certSum := sha256.Sum256(der)
	spkiSum := sha256.Sum256(leaf.RawSubjectPublicKeyInfo)

	policy, err := NewVerificationPolicy(nil,
		[]string{strings.ToUpper(hex.EncodeToString(certSum[:]))},
		[]string{hex.EncodeToString(spkiSum[:])},
		false,
	)
	assert.NilError(t, err)

	verify := (&Snapshot{policy: policy}).VerifyPeerCertificate()
	assert.NilError(t, verify([][]byte{der}, nil))

	wrong, err := NewVerificationPolicy(nil, []string{strings.Repeat("0", 64)}, nil, false)
	assert.NilError(t, err)
	verify = (&Snapshot{policy: wrong}).VerifyPeerCertificate()
	assert.ErrorContains(t, verify([][]byte{der}, nil), "matched no configured pin")
}

func TestVerifyPeerCertificateSAN(t *testing.T) {
	t.Parallel()

	key := pkitest.NewPrivateKey(t)
	leafPEM := pkitest.PemEncodeCertificate(t, x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"backend.test"},
	}, key)
	der := pemToDER(t, leafPEM)

	policy, err := NewVerificationPolicy([]string{"backend.test"}, nil, nil, false)
	assert.NilError(t, err)
	verify := (&Snapshot{policy: policy}).VerifyPeerCertificate()
	assert.NilError(t, verify([][]byte{der}, nil))

	policy, err = NewVerificationPolicy([]string{"frontend.test"}, nil, nil, false)
	assert.NilError(t, err)
	verify = (&Snapshot{policy: policy}).VerifyPeerCertificate()
	assert.ErrorContains(t, verify([][]byte{der}, nil), "matched no configured subject alt name")
}

func TestVerifyPeerCertificateExpiry(t *testing.T) {
	t.Parallel()

	ca := pkitest.NewCA(t, "test-root")
	// Expired ten minutes ago, inside the CA's own validity window.
	leafPEM := ca.Issue(t, x509.Certificate{
		SerialNumber: big.NewInt(7),
		NotBefore:    time.Now().Add(-50 * time.Minute),
		NotAfter:     time.Now().Add(-10 * time.Minute),
	}, pkitest.NewPrivateKey(t))
	der := pemToDER(t, leafPEM)

	verify := caSnapshot(t, ca, VerificationPolicy{}).VerifyPeerCertificate()
	assert.ErrorContains(t, verify([][]byte{der}, nil), "outside its validity window")

	verify = caSnapshot(t, ca, VerificationPolicy{allowExpired: true}).VerifyPeerCertificate()
	assert.NilError(t, verify([][]byte{der}, nil))
}

func TestVerifyPeerCertificateCRL(t *testing.T) {
	t.Parallel()

	ca := pkitest.NewCA(t, "test-root")
	leafPEM := ca.Issue(t, x509.Certificate{
		SerialNumber: big.NewInt(99),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}, pkitest.NewPrivateKey(t))
	der := pemToDER(t, leafPEM)

	snap := caSnapshot(t, ca, VerificationPolicy{})
	crl, err := parseCRL(ca.CRL(t, big.NewInt(99)))
	assert.NilError(t, err)
	snap.crl = crl
	assert.ErrorContains(t, snap.VerifyPeerCertificate()([][]byte{der}, nil), "is revoked")

	snap = caSnapshot(t, ca, VerificationPolicy{})
	crl, err = parseCRL(ca.CRL(t, big.NewInt(12345)))
	assert.NilError(t, err)
	snap.crl = crl
	assert.NilError(t, snap.VerifyPeerCertificate()([][]byte{der}, nil))
}
