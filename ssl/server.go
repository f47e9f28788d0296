package ssl

import (
	"fmt"
	"os"

	"github.com/fpesce/envoy/secret"
)

// ErrPolicyConflict is returned when a server configuration demands client
// certificates without any trust policy to validate them against.
var ErrPolicyConflict = fmt.Errorf("ssl: require-client-certificate needs a CA bundle or certificate pins")

// ServerConfig is the server-side context configuration, adding the client
// certificate requirement and the session ticket key set.
type ServerConfig struct {
	*baseConfig

	requireClientCert bool
}

var _ ServerContextConfig = (*ServerConfig)(nil)

// NewServerConfig builds a server context configuration from static options
// and an optional secret provider.
//
// RequireClientCertificate with an empty trust policy is a configuration
// error reported here rather than deferred to handshake time: a static
// configuration must carry a CA bundle or certificate/SPKI pins up front,
// and a provider-backed one treats the CA bundle as a required secret so
// the configuration stays not-ready until it is delivered.
func NewServerConfig(opts ServerOptions, provider secret.Provider, options ...Option) (*ServerConfig, error) {
	base, err := newBaseConfig(&opts.Options, provider, options)
	if err != nil {
		return nil, err
	}

	if opts.RequireClientCertificate {
		hasTrust := len(base.static.caPEM) > 0 ||
			len(base.policy.CertificateHashes()) > 0 ||
			len(base.policy.SPKIHashes()) > 0
		if !hasTrust && provider == nil {
			return nil, ErrPolicyConflict
		}
		base.requireCA = len(base.policy.CertificateHashes()) == 0 &&
			len(base.policy.SPKIHashes()) == 0
	}

	base.static.ticketKeys = opts.SessionTicketKeys
	base.static.ticketKeyPath = opts.SessionTicketKeyPath
	if len(base.static.ticketKeys) == 0 && opts.SessionTicketKeyPath != "" {
		keys, err := loadTicketKeyFile(opts.SessionTicketKeyPath)
		if err != nil {
			return nil, err
		}
		base.static.ticketKeys = keys
	}

	c := &ServerConfig{
		baseConfig:        base,
		requireClientCert: opts.RequireClientCertificate,
	}
	if err := c.start(); err != nil {
		return nil, err
	}
	return c, nil
}

// RequireClientCertificate reports whether the handshake engine must demand
// and validate a peer certificate.
func (c *ServerConfig) RequireClientCertificate() bool {
	return c.requireClientCert
}

// SessionTicketKeys returns the ticket key set of the current generation.
func (c *ServerConfig) SessionTicketKeys() SessionTicketKeySet {
	return c.Snapshot().SessionTicketKeys()
}

// loadTicketKeyFile reads a file of concatenated raw 80-byte ticket key
// records.
func loadTicketKeyFile(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ssl: session ticket key file: %w", err)
	}
	if len(data) == 0 || len(data)%sessionTicketKeyRawSize != 0 {
		return nil, fmt.Errorf("ssl: session ticket key file %s must hold whole %d byte records, got %d bytes",
			path, sessionTicketKeyRawSize, len(data))
	}

	keys := make([][]byte, 0, len(data)/sessionTicketKeyRawSize)
	for off := 0; off < len(data); off += sessionTicketKeyRawSize {
		keys = append(keys, data[off:off+sessionTicketKeyRawSize])
	}
	return keys, nil
}
