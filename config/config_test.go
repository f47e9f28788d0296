package config

import (
	"crypto/tls"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

const serverYAML = `
alpnProtocols: h2,http/1.1
cipherSuites: "ECDHE-ECDSA-AES128-GCM-SHA256:ECDHE-RSA-AES128-GCM-SHA256"
ecdhCurves: "X25519:P-256"
minProtocolVersion: "1.2"
maxProtocolVersion: "1.3"
certFile: /etc/proxy/tls.crt
keyFile: /etc/proxy/tls.key
caFile: /etc/proxy/ca.crt
verification:
  subjectAltNames:
    - spiffe://mesh/backend
  allowExpired: false
server:
  requireClientCertificate: true
  sessionTicketKeyFile: /etc/proxy/stek.bin
`

func TestLoadServer(t *testing.T) {
	t.Parallel()

	dir := fs.NewDir(t, "test-config", fs.WithFile("tls.yaml", serverYAML))
	defer dir.Remove()

	c, err := Load(dir.Join("tls.yaml"))
	assert.NilError(t, err)

	opts, err := c.ServerOptions()
	assert.NilError(t, err)
	assert.Equal(t, opts.AlpnProtocols, "h2,http/1.1")
	assert.Equal(t, opts.MinProtocolVersion, uint16(tls.VersionTLS12))
	assert.Equal(t, opts.MaxProtocolVersion, uint16(tls.VersionTLS13))
	assert.Equal(t, opts.CertChainPath, "/etc/proxy/tls.crt")
	assert.Equal(t, opts.CACertPath, "/etc/proxy/ca.crt")
	assert.Assert(t, opts.RequireClientCertificate)
	assert.Equal(t, opts.SessionTicketKeyPath, "/etc/proxy/stek.bin")
	assert.DeepEqual(t, opts.VerifySubjectAltNames, []string{"spiffe://mesh/backend"})
}

func TestLoadClient(t *testing.T) {
	t.Parallel()

	dir := fs.NewDir(t, "test-config", fs.WithFile("tls.yaml", `
certFile: /etc/proxy/tls.crt
keyFile: /etc/proxy/tls.key
client:
  serverNameIndication: backend.svc.cluster.local
`))
	defer dir.Remove()

	c, err := Load(dir.Join("tls.yaml"))
	assert.NilError(t, err)

	opts, err := c.ClientOptions()
	assert.NilError(t, err)
	assert.Equal(t, opts.ServerNameIndication, "backend.svc.cluster.local")
	assert.Assert(t, is.Equal(opts.AllowRenegotiation, false))
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	t.Parallel()

	dir := fs.NewDir(t, "test-config", fs.WithFile("tls.yaml", `
minProtocolVersion: "1.4"
`))
	defer dir.Remove()

	_, err := Load(dir.Join("tls.yaml"))
	assert.ErrorContains(t, err, `unknown TLS version "1.4"`)
}

func TestLoadRejectsAmbiguousRole(t *testing.T) {
	t.Parallel()

	dir := fs.NewDir(t, "test-config", fs.WithFile("tls.yaml", `
client:
  serverNameIndication: backend
server:
  requireClientCertificate: true
`))
	defer dir.Remove()

	_, err := Load(dir.Join("tls.yaml"))
	assert.ErrorContains(t, err, "mutually exclusive")
}

func TestLoadRejectsHalfKeypair(t *testing.T) {
	t.Parallel()

	dir := fs.NewDir(t, "test-config", fs.WithFile("tls.yaml", `
certFile: /etc/proxy/tls.crt
`))
	defer dir.Remove()

	_, err := Load(dir.Join("tls.yaml"))
	assert.ErrorContains(t, err, "certFile requires keyFile")
}
