// Package fsprovider implements the secret.Provider interface on top of
// filesystem notifications, reloading secret material when the watched
// files change.
package fsprovider

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/fpesce/envoy/secret"
)

const (
	errAddWatcher    = "fsprovider: error adding path to watcher"
	errCreateWatcher = "fsprovider: error creating watcher"
	errLoadSecret    = "fsprovider: error loading secret material"
)

const sessionTicketKeyRawSize = 80

// Config names the files backing each secret slot. CertPath and KeyPath are
// required; the rest are optional.
type Config struct {
	CertPath string
	KeyPath  string

	CAPath               string
	CRLPath              string
	SessionTicketKeyPath string
}

// Provider watches the configured files and republishes a new payload
// generation whenever one of them is rewritten. A file that fails to load
// after a change keeps the prior generation published; the data plane never
// observes a partial reload.
type Provider struct {
	fsnotify  *fsnotify.Watcher
	cfg       Config
	watched   map[string]struct{}
	broadcast secret.Broadcaster

	mu      sync.Mutex
	payload secret.Payload
	ok      bool
	version uint64
}

var _ secret.Provider = (*Provider)(nil)

// New creates a Provider watching the files in cfg and performs the initial
// load, so a successfully constructed provider always has a current
// payload.
//
// The watches are placed on the parent directories rather than the files
// themselves: a rotation that renames a new file over the old one, or swaps
// a symlink, replaces the inode a direct watch would be bound to and ends
// its notifications.
func New(cfg Config) (*Provider, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errCreateWatcher)
	}

	watched := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, path := range []string{cfg.CertPath, cfg.KeyPath, cfg.CAPath, cfg.CRLPath, cfg.SessionTicketKeyPath} {
		if path == "" {
			continue
		}
		watched[filepath.Clean(path)] = struct{}{}
		dirs[filepath.Dir(filepath.Clean(path))] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, errors.Wrap(err, errAddWatcher)
		}
	}

	p := &Provider{
		fsnotify: watcher,
		cfg:      cfg,
		watched:  watched,
	}

	payload, err := p.load()
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	p.publish(payload)

	return p, nil
}

// Start runs the watch loop until the context is canceled or the watcher is
// closed. Reload failures are logged and the prior generation stays
// published.
func (p *Provider) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-p.fsnotify.Events:
			if !ok {
				return nil
			}
			if !p.relevant(event) {
				continue
			}
			p.reload(event.Name)
		case err, ok := <-p.fsnotify.Errors:
			if !ok {
				return nil
			}
			klog.Errorf("fsprovider: watcher error: %v", err)
		}
	}
}

// relevant reports whether the event can change the published material.
// Writes must land on a configured file. Creations and renames anywhere in
// a watched directory may be an atomic rotation completing under another
// name, a rename-over through a temporary file or a symlink swap, so they
// trigger a reload regardless of the event's name; redundant reloads are
// harmless since consumers deduplicate unchanged payloads.
func (p *Provider) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
		return true
	}
	if event.Op&fsnotify.Write == 0 {
		return false
	}
	_, ok := p.watched[filepath.Clean(event.Name)]
	return ok
}

func (p *Provider) reload(changed string) {
	payload, err := p.load()
	if err != nil {
		klog.Errorf("fsprovider: reload after change to %s failed, keeping previous generation: %v", changed, err)
		return
	}

	version := p.publish(payload)
	klog.Infof("fsprovider: published secret generation %d after change to %s", version, changed)

	if err := p.broadcast.Notify(); err != nil {
		klog.Errorf("fsprovider: subscriber rejected generation %d: %v", version, err)
	}
}

// publish stores the payload under the next version and returns it.
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

// Close stops the filesystem watcher, which also ends Start.
func (p *Provider) Close() error {
	return p.fsnotify.Close()
}
