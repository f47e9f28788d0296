package ssl

import (
	"github.com/fpesce/envoy/secret"
)

// ClientConfig is the client-side context configuration. Its zero SNI means
// the extension is omitted, and server-initiated renegotiation defaults to
// rejected.
type ClientConfig struct {
	*baseConfig

	sni                string
	allowRenegotiation bool
}

var _ ClientContextConfig = (*ClientConfig)(nil)

// NewClientConfig builds a client context configuration from static options
// and an optional secret provider. Passing a nil provider makes the
// configuration fully static; it is then ready immediately when the options
// carry valid identity material.
func NewClientConfig(opts ClientOptions, provider secret.Provider, options ...Option) (*ClientConfig, error) {
	base, err := newBaseConfig(&opts.Options, provider, options)
	if err != nil {
		return nil, err
	}

	c := &ClientConfig{
		baseConfig:         base,
		sni:                opts.ServerNameIndication,
		allowRenegotiation: opts.AllowRenegotiation,
	}
	if err := c.start(); err != nil {
		return nil, err
	}
	return c, nil
}

// ServerNameIndication returns the configured SNI, or "" when none is set.
func (c *ClientConfig) ServerNameIndication() string {
	return c.sni
}

// AllowRenegotiation reports whether server-initiated renegotiation is
// honored.
func (c *ClientConfig) AllowRenegotiation() bool {
	return c.allowRenegotiation
}
