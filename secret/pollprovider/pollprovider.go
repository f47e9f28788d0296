// Package pollprovider implements the secret.Provider interface by polling
// the filesystem at a regular interval. This provides a reasonable
// alternative for environments not supported by the fsnotify package.
package pollprovider

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/fpesce/envoy/secret"
)

const (
	errStatSecret = "pollprovider: error stat()'ing certificate"
	errLoadSecret = "pollprovider: error loading secret material"
)

const sessionTicketKeyRawSize = 80

// Config names the files backing each secret slot. CertPath and KeyPath are
// required; the rest are optional. A change to the certificate file's size
// or modification time triggers a reload of every configured file.
type Config struct {
	CertPath string
	KeyPath  string

	CAPath               string
	CRLPath              string
	SessionTicketKeyPath string
}

// Provider polls the filesystem for changed secret material.
type Provider struct {
	cfg       Config
	duration  time.Duration
	clock     clockwork.Clock
	broadcast secret.Broadcaster

	// prev is the certificate stat taken before the initial load; the
	// first tick compares against it, so a rotation landing between New
	// and Start is still detected.
	prev os.FileInfo

	mu      sync.Mutex
	payload secret.Payload
	ok      bool
	version uint64
}

var _ secret.Provider = (*Provider)(nil)

type Option interface {
	apply(*Provider)
}

type optionFunc func(*Provider)

func (f optionFunc) apply(p *Provider) {
	f(p)
}

// WithClock substitutes the wall clock, letting tests drive the poll loop
// deterministically.
func WithClock(clock clockwork.Clock) Option {
	return optionFunc(func(p *Provider) {
		if clock != nil {
			p.clock = clock
		}
	})
}

// New creates a Provider polling the files in cfg every duration and
// performs the initial load.
func New(cfg Config, duration time.Duration, opts ...Option) (*Provider, error) {
	p := &Provider{
		cfg:      cfg,
		duration: duration,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt.apply(p)
	}

	// Stat before loading: a rotation racing the construction then shows
	// up as a changed stat on the first tick instead of being missed.
	stat, err := os.Stat(cfg.CertPath)
	if err != nil {
		return nil, errors.Wrap(err, errStatSecret)
	}
	p.prev = stat

	payload, err := p.load()
	if err != nil {
		return nil, err
	}
	p.publish(payload)

	return p, nil
}

// Start runs the poll loop until the context is canceled.
func (p *Provider) Start(ctx context.Context) error {
	prev := p.prev

	t := p.clock.NewTicker(p.duration)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Chan():
			stat, err := os.Stat(p.cfg.CertPath)
			if err != nil {
				klog.Errorf("pollprovider: unable to stat %s: %v", p.cfg.CertPath, err)
				continue
			}
			if stat.Size() == prev.Size() && stat.ModTime().Equal(prev.ModTime()) {
				continue
			}
			prev = stat
			p.reload()
		}
	}
}

func (p *Provider) reload() {
	payload, err := p.load()
	if err != nil {
		klog.Errorf("pollprovider: reload failed, keeping previous generation: %v", err)
		return
	}

	version := p.publish(payload)
	if err := p.broadcast.Notify(); err != nil {
		klog.Errorf("pollprovider: subscriber rejected generation %d: %v", version, err)
	}
}

func (p *Provider) publish(payload secret.Payload) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.version++
	payload.Version = p.version
	p.payload = payload
	p.ok = true
	return p.version
}

func (p *Provider) load() (secret.Payload, error) {
	payload := secret.Payload{
		CertChainPath:        p.cfg.CertPath,
		PrivateKeyPath:       p.cfg.KeyPath,
		CACertPath:           p.cfg.CAPath,
		CRLPath:              p.cfg.CRLPath,
		SessionTicketKeyPath: p.cfg.SessionTicketKeyPath,
	}

	var err error
	if payload.CertChainPEM, err = os.ReadFile(p.cfg.CertPath); err != nil {
		return secret.Payload{}, errors.Wrap(err, errLoadSecret)
	}
	if payload.PrivateKeyPEM, err = os.ReadFile(p.cfg.KeyPath); err != nil {
		return secret.Payload{}, errors.Wrap(err, errLoadSecret)
	}
	if p.cfg.CAPath != "" {
		if payload.CACertPEM, err = os.ReadFile(p.cfg.CAPath); err != nil {
			return secret.Payload{}, errors.Wrap(err, errLoadSecret)
		}
	}
	if p.cfg.CRLPath != "" {
		if payload.CRLPEM, err = os.ReadFile(p.cfg.CRLPath); err != nil {
			return secret.Payload{}, errors.Wrap(err, errLoadSecret)
		}
	}
	if p.cfg.SessionTicketKeyPath != "" {
		data, err := os.ReadFile(p.cfg.SessionTicketKeyPath)
		if err != nil {
			return secret.Payload{}, errors.Wrap(err, errLoadSecret)
		}
		if len(data) == 0 || len(data)%sessionTicketKeyRawSize != 0 {
			return secret.Payload{}, errors.Errorf("%s: ticket key file must hold whole %d byte records, got %d bytes",
				errLoadSecret, sessionTicketKeyRawSize, len(data))
		}
		for off := 0; off < len(data); off += sessionTicketKeyRawSize {
			payload.SessionTicketKeys = append(payload.SessionTicketKeys, data[off:off+sessionTicketKeyRawSize])
		}
	}

	return payload, nil
}

// Current returns the most recently loaded payload.
func (p *Provider) Current() (secret.Payload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payload, p.ok
}

// Subscribe registers cb for reload notifications.
func (p *Provider) Subscribe(cb secret.Callbacks) secret.Subscription {
	return p.broadcast.Subscribe(cb)
}

// Close is a no-op for the poll provider; cancel the Start context to stop
// polling.
func (p *Provider) Close() error {
	return nil
}
