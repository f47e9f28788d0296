// Package ssl mediates between a TLS-terminating listener and the source of
// its secret material. A context configuration aggregates negotiation
// parameters with certificates, keys, CRLs and session ticket keys that are
// either static or pushed asynchronously by a secret provider, and hands
// them to the TLS context factory as immutable snapshots.
//
// Reading a configuration is safe across multiple goroutines and never
// blocks: every generation of secrets is published as a whole through a
// single atomic slot, so concurrent rotation can never expose a certificate
// from one generation paired with a CRL or verification policy from
// another.
package ssl

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fpesce/envoy/secret"
)

const ScopeName = "github.com/fpesce/envoy/ssl"

// ErrClosed is returned by Wait after the configuration was torn down.
var ErrClosed = errors.New("ssl: configuration closed")

// ContextConfig supplies the configuration for one TLS context. The
// accessor surface reads the currently published snapshot; callers needing
// several values from the same generation capture Snapshot once and read
// from it.
type ContextConfig interface {
	// AlpnProtocols is the comma-delimited list of protocols exposed via
	// ALPN; AltAlpnProtocols is the alternate list served via kill switch.
	AlpnProtocols() string
	AltAlpnProtocols() string

	// CipherSuites and EcdhCurves are ':' delimited specs.
	CipherSuites() string
	EcdhCurves() string

	// CACert returns the CA bundle used for peer validation and CACertPath
	// its provenance (a file path, or InlinePath for inline material).
	CACert() []byte
	CACertPath() string

	// CertificateRevocationList returns the CRL checked during peer
	// validation, with the same provenance convention.
	CertificateRevocationList() []byte
	CertificateRevocationListPath() string

	// TLSCertificate returns the identity material, nil until delivered.
	TLSCertificate() *CertificateMaterial

	VerifySubjectAltNameList() []string
	VerifyCertificateHashList() []string
	VerifyCertificateSpkiList() []string
	AllowExpiredCertificate() bool

	MinProtocolVersion() uint16
	MaxProtocolVersion() uint16

	// IsReady reports whether every required secret has been delivered and
	// validated. It is callable from any goroutine without blocking and
	// never reverts to false except through Close.
	IsReady() bool

	// SetSecretUpdateCallback registers the function invoked after each
	// validated secret delivery. Registration is last-writer-wins: calling
	// it again replaces the prior callback rather than accumulating.
	SetSecretUpdateCallback(fn func())

	// Snapshot returns the currently published generation. All fields of
	// the returned value are internally consistent; a handshake captures
	// one snapshot and uses it for its whole lifetime.
	Snapshot() *Snapshot
}

// ClientContextConfig configures an upstream (client-side) TLS context.
type ClientContextConfig interface {
	ContextConfig

	// ServerNameIndication returns the SNI to send, or "" to omit the
	// extension entirely.
	ServerNameIndication() string

	// AllowRenegotiation reports whether server-initiated renegotiation is
	// honored. It defaults to false.
	AllowRenegotiation() bool
}

// ServerContextConfig configures a downstream (server-side) TLS context.
type ServerContextConfig interface {
	ContextConfig

	// RequireClientCertificate gates whether the handshake engine must
	// demand and validate a peer certificate.
	RequireClientCertificate() bool

	// SessionTicketKeys returns the ordered ticket key set: index 0
	// encrypts new tickets, all entries decrypt presented ones.
	SessionTicketKeys() SessionTicketKeySet
}

// baseConfig implements the shared ContextConfig contract for both
// specializations. Secret updates are serialized by mu and published to the
// lock-free read path through the snapshot slot.
type baseConfig struct {
	alpn       string
	altAlpn    string
	ciphers    string
	curves     string
	minVersion uint16
	maxVersion uint16

	policy VerificationPolicy
	static staticMaterial

	// requireCA marks the CA bundle as a required secret, set by server
	// configs that demand client certificates.
	requireCA bool

	provider secret.Provider

	snapshot atomic.Pointer[Snapshot]
	ready    atomic.Bool

	mu             sync.Mutex
	sub            secret.Subscription
	callback       func()
	appliedVersion uint64
	generation     uint64
	closed         bool

	readyOnce sync.Once
	readyCh   chan struct{}
	closeOnce sync.Once
	closedCh  chan struct{}

	updates metric.Int64Counter
}

// updateListener adapts the provider callback contract onto a config
// without exporting the method.
type updateListener struct {
	c *baseConfig
}

func (l updateListener) OnSecretUpdate() error {
	return l.c.applyCurrent()
}

func newBaseConfig(opts *Options, provider secret.Provider, options []Option) (*baseConfig, error) {
	if opts.MinProtocolVersion != 0 && opts.MaxProtocolVersion != 0 &&
		opts.MinProtocolVersion > opts.MaxProtocolVersion {
		return nil, fmt.Errorf("ssl: minimum protocol version 0x%04x exceeds maximum 0x%04x",
			opts.MinProtocolVersion, opts.MaxProtocolVersion)
	}

	policy, err := NewVerificationPolicy(
		opts.VerifySubjectAltNames,
		opts.VerifyCertificateHashes,
		opts.VerifyCertificateSpki,
		opts.AllowExpiredCertificate,
	)
	if err != nil {
		return nil, err
	}

	static, err := resolveStatic(opts)
	if err != nil {
		return nil, err
	}

	cfg := &config{
		MeterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range options {
		opt.apply(cfg)
	}

	c := &baseConfig{
		alpn:       opts.AlpnProtocols,
		altAlpn:    opts.AltAlpnProtocols,
		ciphers:    opts.CipherSuites,
		curves:     opts.EcdhCurves,
		minVersion: opts.MinProtocolVersion,
		maxVersion: opts.MaxProtocolVersion,
		policy:     policy,
		static:     static,
		provider:   provider,
		readyCh:    make(chan struct{}),
		closedCh:   make(chan struct{}),
	}

	meter := cfg.MeterProvider.Meter(
		ScopeName,
		metric.WithInstrumentationVersion("0.1.0"),
	)

	if _, err := meter.Int64ObservableGauge(
		"certificate.not_before_timestamp",
		metric.WithUnit("s"),
		metric.WithDescription("The time after which the certificate is valid. Expressed as seconds since the Unix Epoch"),
		metric.WithInt64Callback(c.observeNotBefore),
	); err != nil {
		return nil, err
	}

	if _, err := meter.Int64ObservableGauge(
		"certificate.not_after_timestamp",
		metric.WithUnit("s"),
		metric.WithDescription("The time after which the certificate is invalid. Expressed as seconds since the Unix Epoch"),
		metric.WithInt64Callback(c.observeNotAfter),
	); err != nil {
		return nil, err
	}

	if c.updates, err = meter.Int64Counter(
		"secret.updates",
		metric.WithDescription("Number of secret deliveries that changed the published generation"),
	); err != nil {
		return nil, err
	}

	return c, nil
}

// start publishes the initial snapshot from static material and, when a
// provider is attached, subscribes for deliveries and applies any payload
// that arrived before construction. Validation errors abort construction;
// the caller never observes a partially configured context.
func (c *baseConfig) start() error {
	snap, err := c.buildSnapshot(nil)
	if err != nil {
		return err
	}
	c.snapshot.Store(snap)
	if c.complete(snap) {
		c.markReady()
	}

	if c.provider != nil {
		c.sub = c.provider.Subscribe(updateListener{c: c})
		if _, ok := c.provider.Current(); ok {
			if err := c.applyCurrent(); err != nil {
				c.sub.Unsubscribe()
				c.sub = nil
				return err
			}
		}
	}

	return nil
}

// buildSnapshot materializes and validates one generation, merging the
// provider payload over static material field by field. It runs off the
// handshake hot path; nothing is published until the whole snapshot
// validated.
func (c *baseConfig) buildSnapshot(p *secret.Payload) (*Snapshot, error) {
	m := c.static
	if p != nil {
		if len(p.CertChainPEM) > 0 {
			m.chainPEM, m.keyPEM = p.CertChainPEM, p.PrivateKeyPEM
			m.chainPath, m.keyPath = p.CertChainPath, p.PrivateKeyPath
		}
		if len(p.CACertPEM) > 0 {
			m.caPEM, m.caPath = p.CACertPEM, p.CACertPath
		}
		if len(p.CRLPEM) > 0 {
			m.crlPEM, m.crlPath = p.CRLPEM, p.CRLPath
		}
		if len(p.SessionTicketKeys) > 0 {
			m.ticketKeys, m.ticketKeyPath = p.SessionTicketKeys, p.SessionTicketKeyPath
		}
	}

	s := &Snapshot{policy: c.policy}

	if len(m.chainPEM) > 0 {
		material, err := NewCertificateMaterial(m.chainPEM, m.keyPEM, m.chainPath, m.keyPath)
		if err != nil {
			return nil, err
		}
		s.material = material
	}

	if len(m.caPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(m.caPEM) {
			return nil, fmt.Errorf("ssl: no CA certificates found in trust bundle")
		}
		s.caPEM = m.caPEM
		s.caPool = pool
		s.caPath = pathOrInline(m.caPath)
	}

	if len(m.crlPEM) > 0 {
		crl, err := parseCRL(m.crlPEM)
		if err != nil {
			return nil, err
		}
		s.crlPEM = m.crlPEM
		s.crl = crl
		s.crlPath = pathOrInline(m.crlPath)
	}

	if len(m.ticketKeys) > 0 {
		set, err := NewSessionTicketKeySet(m.ticketKeys...)
		if err != nil {
			return nil, err
		}
		s.ticketKeys = set
	}

	return s, nil
}

func (c *baseConfig) applyCurrent() error {
	payload, ok := c.provider.Current()
	if !ok {
		// Cold start redelivery with nothing to read yet.
		return nil
	}
	return c.apply(&payload)
}

// apply validates and publishes one delivered payload. A payload older than
// the applied version is ignored; a byte-identical payload fires the
// registered callback without bumping the generation; a payload failing
// validation leaves the prior snapshot in place and is reported to the
// caller driving the update.
func (c *baseConfig) apply(p *secret.Payload) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if p.Version < c.appliedVersion {
		c.mu.Unlock()
		return nil
	}

	next, err := c.buildSnapshot(p)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	if cur := c.snapshot.Load(); !next.equalSecrets(cur) {
		c.generation++
		next.generation = c.generation
		c.snapshot.Store(next)
		c.updates.Add(context.Background(), 1)
	}
	c.appliedVersion = p.Version
	if c.complete(c.snapshot.Load()) {
		c.markReady()
	}
	cb := c.callback
	c.mu.Unlock()

	// Invoked outside the update lock so the callback may freely read the
	// config or replace its own registration.
	if cb != nil {
		cb()
	}
	return nil
}

func (c *baseConfig) complete(s *Snapshot) bool {
	if s == nil || s.material == nil {
		return false
	}
	if c.requireCA && s.caPool == nil {
		return false
	}
	return true
}

func (c *baseConfig) markReady() {
	c.readyOnce.Do(func() {
		c.ready.Store(true)
		close(c.readyCh)
	})
}

// Snapshot returns the currently published generation.
func (c *baseConfig) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// IsReady reports whether every required secret is present and validated.
func (c *baseConfig) IsReady() bool {
	return c.ready.Load()
}

// SetSecretUpdateCallback registers fn to run after each validated secret
// delivery, replacing any prior registration.
func (c *baseConfig) SetSecretUpdateCallback(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = fn
}

// Wait blocks until the configuration first becomes ready, the context is
// done, or the configuration is closed.
func (c *baseConfig) Wait(ctx context.Context) error {
	// Both channels are closed after a teardown of a ready configuration;
	// the closed state must win, not a random select case.
	select {
	case <-c.closedCh:
		return ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.readyCh:
		return nil
	case <-c.closedCh:
		return ErrClosed
	}
}

// Close tears the configuration down: the provider subscription is released
// and readiness drops. Published snapshots held by in-flight handshakes
// stay valid until those handshakes complete.
func (c *baseConfig) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	c.ready.Store(false)
	c.closeOnce.Do(func() {
		close(c.closedCh)
	})
	return nil
}

func (c *baseConfig) AlpnProtocols() string    { return c.alpn }
func (c *baseConfig) AltAlpnProtocols() string { return c.altAlpn }
func (c *baseConfig) CipherSuites() string     { return c.ciphers }
func (c *baseConfig) EcdhCurves() string       { return c.curves }
func (c *baseConfig) MinProtocolVersion() uint16 {
	return c.minVersion
}
func (c *baseConfig) MaxProtocolVersion() uint16 {
	return c.maxVersion
}

func (c *baseConfig) CACert() []byte {
	return c.Snapshot().CACert()
}

func (c *baseConfig) CACertPath() string {
	return c.Snapshot().CACertPath()
}

func (c *baseConfig) CertificateRevocationList() []byte {
	return c.Snapshot().CertificateRevocationList()
}

func (c *baseConfig) CertificateRevocationListPath() string {
	return c.Snapshot().CertificateRevocationListPath()
}

func (c *baseConfig) TLSCertificate() *CertificateMaterial {
	return c.Snapshot().TLSCertificate()
}

func (c *baseConfig) VerifySubjectAltNameList() []string {
	return c.policy.SubjectAltNames()
}

func (c *baseConfig) VerifyCertificateHashList() []string {
	return c.policy.CertificateHashes()
}

func (c *baseConfig) VerifyCertificateSpkiList() []string {
	return c.policy.SPKIHashes()
}

func (c *baseConfig) AllowExpiredCertificate() bool {
	return c.policy.AllowExpired()
}

// GetCertificate returns the current identity certificate. The function can
// be passed as the GetCertificate member in a tls.Config object and is safe
// to call across multiple goroutines.
//
// It returns (nil, nil) while no certificate has been delivered; see the
// net/http documentation for the fallback path when GetCertificate returns
// (nil, nil). Wait can be used to block until the initial delivery.
func (c *baseConfig) GetCertificate(clientHello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	material := c.Snapshot().TLSCertificate()
	if material == nil {
		return nil, nil
	}
	return material.Certificate(), nil
}

// GetClientCertificate returns the current identity certificate. The
// function can be passed as the GetClientCertificate member in a tls.Config
// object. It returns an empty certificate while no certificate has been
// delivered, in which case none is sent to the server.
func (c *baseConfig) GetClientCertificate(certificateRequest *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	material := c.Snapshot().TLSCertificate()
	if material == nil {
		return &tls.Certificate{}, nil
	}
	return material.Certificate(), nil
}

func (c *baseConfig) observeNotBefore(_ context.Context, io metric.Int64Observer) error {
	// The instruments outlive a constructor that fails after registering
	// them, and a collection may also race the initial publish; the slot
	// can legitimately be empty.
	snap := c.snapshot.Load()
	if snap == nil {
		return nil
	}
	if material := snap.TLSCertificate(); material != nil {
		leaf := material.Certificate().Leaf
		io.Observe(
			leaf.NotBefore.Unix(),
			metric.WithAttributes(
				attribute.String("certificate.serial", leaf.SerialNumber.String()),
				attribute.String("certificate.path", material.CertChainPath()),
			),
		)
	}
	return nil
}

func (c *baseConfig) observeNotAfter(_ context.Context, io metric.Int64Observer) error {
	snap := c.snapshot.Load()
	if snap == nil {
		return nil
	}
	if material := snap.TLSCertificate(); material != nil {
		leaf := material.Certificate().Leaf
		io.Observe(
			leaf.NotAfter.Unix(),
			metric.WithAttributes(
				attribute.String("certificate.serial", leaf.SerialNumber.String()),
				attribute.String("certificate.path", material.CertChainPath()),
			),
		)
	}
	return nil
}
