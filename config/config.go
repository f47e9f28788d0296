// Package config loads TLS context configuration from YAML files and
// converts it into ssl options.
package config

import (
	"crypto/tls"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fpesce/envoy/ssl"
)

// Config is one TLS context described in a file. Exactly one of Client or
// Server selects the specialization.
type Config struct {
	AlpnProtocols    string `yaml:"alpnProtocols"`
	AltAlpnProtocols string `yaml:"altAlpnProtocols"`
	CipherSuites     string `yaml:"cipherSuites"`
	EcdhCurves       string `yaml:"ecdhCurves"`

	// MinProtocolVersion and MaxProtocolVersion are TLS versions spelled
	// "1.0" through "1.3"; empty leaves the bound to the library default.
	MinProtocolVersion string `yaml:"minProtocolVersion"`
	MaxProtocolVersion string `yaml:"maxProtocolVersion"`

	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	CAFile   string `yaml:"caFile"`
	CRLFile  string `yaml:"crlFile"`

	Verification Verification `yaml:"verification"`

	Client *Client `yaml:"client"`
	Server *Server `yaml:"server"`
}

// Verification holds the peer acceptance criteria.
type Verification struct {
	SubjectAltNames   []string `yaml:"subjectAltNames"`
	CertificateHashes []string `yaml:"certificateHashes"`
	SPKIHashes        []string `yaml:"spkiHashes"`
	AllowExpired      bool     `yaml:"allowExpired"`
}

// Client is the client-context specialization.
type Client struct {
	ServerNameIndication string `yaml:"serverNameIndication"`
	AllowRenegotiation   bool   `yaml:"allowRenegotiation"`
}

// Server is the server-context specialization.
type Server struct {
	RequireClientCertificate bool   `yaml:"requireClientCertificate"`
	SessionTicketKeyFile     string `yaml:"sessionTicketKeyFile"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Client != nil && c.Server != nil {
		return fmt.Errorf("client and server sections are mutually exclusive")
	}
	if _, err := parseVersion(c.MinProtocolVersion); err != nil {
		return fmt.Errorf("minProtocolVersion: %w", err)
	}
	if _, err := parseVersion(c.MaxProtocolVersion); err != nil {
		return fmt.Errorf("maxProtocolVersion: %w", err)
	}
	if c.CertFile != "" && c.KeyFile == "" {
		return fmt.Errorf("certFile requires keyFile")
	}
	if c.CertFile == "" && c.KeyFile != "" {
		return fmt.Errorf("keyFile requires certFile")
	}
	return nil
}

// ClientOptions converts the file into ssl client options.
func (c *Config) ClientOptions() (ssl.ClientOptions, error) {
	base, err := c.options()
	if err != nil {
		return ssl.ClientOptions{}, err
	}

	opts := ssl.ClientOptions{Options: base}
	if c.Client != nil {
		opts.ServerNameIndication = c.Client.ServerNameIndication
		opts.AllowRenegotiation = c.Client.AllowRenegotiation
	}
	return opts, nil
}

// ServerOptions converts the file into ssl server options.
func (c *Config) ServerOptions() (ssl.ServerOptions, error) {
	base, err := c.options()
	if err != nil {
		return ssl.ServerOptions{}, err
	}

	opts := ssl.ServerOptions{Options: base}
	if c.Server != nil {
		opts.RequireClientCertificate = c.Server.RequireClientCertificate
		opts.SessionTicketKeyPath = c.Server.SessionTicketKeyFile
	}
	return opts, nil
}

func (c *Config) options() (ssl.Options, error) {
	minVersion, err := parseVersion(c.MinProtocolVersion)
	if err != nil {
		return ssl.Options{}, fmt.Errorf("config: minProtocolVersion: %w", err)
	}
	maxVersion, err := parseVersion(c.MaxProtocolVersion)
	if err != nil {
		return ssl.Options{}, fmt.Errorf("config: maxProtocolVersion: %w", err)
	}

	return ssl.Options{
		AlpnProtocols:           c.AlpnProtocols,
		AltAlpnProtocols:        c.AltAlpnProtocols,
		CipherSuites:            c.CipherSuites,
		EcdhCurves:              c.EcdhCurves,
		MinProtocolVersion:      minVersion,
		MaxProtocolVersion:      maxVersion,
		CertChainPath:           c.CertFile,
		PrivateKeyPath:          c.KeyFile,
		CACertPath:              c.CAFile,
		CRLPath:                 c.CRLFile,
		VerifySubjectAltNames:   c.Verification.SubjectAltNames,
		VerifyCertificateHashes: c.Verification.CertificateHashes,
		VerifyCertificateSpki:   c.Verification.SPKIHashes,
		AllowExpiredCertificate: c.Verification.AllowExpired,
	}, nil
}

func parseVersion(v string) (uint16, error) {
	switch v {
	case "":
		return 0, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown TLS version %q", v)
	}
}
