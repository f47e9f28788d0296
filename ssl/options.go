package ssl

import (
	"fmt"
	"os"

	"go.opentelemetry.io/otel/metric"
)

// Options carries the negotiation parameters and statically configured
// material shared by client and server configurations. Secret material may
// be given inline (PEM bytes), as a file path loaded once at construction,
// or omitted entirely and delivered later by the secret provider.
type Options struct {
	// AlpnProtocols is the comma-delimited list of protocols exposed via
	// ALPN. AltAlpnProtocols is the alternate list served via kill switch.
	AlpnProtocols    string
	AltAlpnProtocols string

	// CipherSuites and EcdhCurves are ':' delimited specs passed through to
	// the TLS context factory.
	CipherSuites string
	EcdhCurves   string

	// MinProtocolVersion and MaxProtocolVersion bound negotiation, using
	// crypto/tls version constants. Zero leaves the bound to the TLS
	// library default. A non-zero min greater than a non-zero max is a
	// configuration error.
	MinProtocolVersion uint16
	MaxProtocolVersion uint16

	CertChainPEM   []byte
	PrivateKeyPEM  []byte
	CertChainPath  string
	PrivateKeyPath string

	CACertPEM  []byte
	CACertPath string

	CRLPEM  []byte
	CRLPath string

	VerifySubjectAltNames   []string
	VerifyCertificateHashes []string
	VerifyCertificateSpki   []string
	AllowExpiredCertificate bool
}

// ClientOptions configures a client context.
type ClientOptions struct {
	Options

	// ServerNameIndication is the SNI value to send; empty means the SNI
	// extension is omitted entirely, callers must not synthesize a default.
	ServerNameIndication string

	// AllowRenegotiation honors server-initiated renegotiation when true.
	// The default rejects it.
	AllowRenegotiation bool
}

// ServerOptions configures a server context.
type ServerOptions struct {
	Options

	// RequireClientCertificate demands and validates a peer certificate
	// during the handshake. It requires a non-trivial trust policy.
	RequireClientCertificate bool

	// SessionTicketKeys holds raw 80-byte ticket key records;
	// SessionTicketKeyPath names a file of concatenated records loaded at
	// construction. Provider deliveries replace the whole set.
	SessionTicketKeys    [][]byte
	SessionTicketKeyPath string
}

type config struct {
	MeterProvider metric.MeterProvider
}

type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithMeterProvider installs the metric.MeterProvider used to register the
// configuration's certificate gauges and update counter.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return optionFunc(func(cfg *config) {
		if provider != nil {
			cfg.MeterProvider = provider
		}
	})
}

// staticMaterial is the resolved static secret material of a configuration:
// inline bytes as given, or file contents loaded once at construction.
type staticMaterial struct {
	chainPEM  []byte
	keyPEM    []byte
	chainPath string
	keyPath   string

	caPEM  []byte
	caPath string

	crlPEM  []byte
	crlPath string

	ticketKeys    [][]byte
	ticketKeyPath string
}

func resolveStatic(opts *Options) (staticMaterial, error) {
	m := staticMaterial{
		chainPEM:  opts.CertChainPEM,
		keyPEM:    opts.PrivateKeyPEM,
		chainPath: opts.CertChainPath,
		keyPath:   opts.PrivateKeyPath,
		caPEM:     opts.CACertPEM,
		caPath:    opts.CACertPath,
		crlPEM:    opts.CRLPEM,
		crlPath:   opts.CRLPath,
	}

	var err error
	if m.chainPEM, err = loadIfPath(m.chainPEM, m.chainPath); err != nil {
		return m, fmt.Errorf("ssl: certificate chain: %w", err)
	}
	if m.keyPEM, err = loadIfPath(m.keyPEM, m.keyPath); err != nil {
		return m, fmt.Errorf("ssl: private key: %w", err)
	}
	if m.caPEM, err = loadIfPath(m.caPEM, m.caPath); err != nil {
		return m, fmt.Errorf("ssl: CA certificate: %w", err)
	}
	if m.crlPEM, err = loadIfPath(m.crlPEM, m.crlPath); err != nil {
		return m, fmt.Errorf("ssl: certificate revocation list: %w", err)
	}

	return m, nil
}

// loadIfPath reads the file at path when no inline bytes were given.
func loadIfPath(pem []byte, path string) ([]byte, error) {
	if len(pem) > 0 || path == "" {
		return pem, nil
	}
	return os.ReadFile(path)
}
