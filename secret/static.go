package secret

import (
	"fmt"
	"sync"
)

// StaticProvider is an in-memory Provider fed by explicit Push calls. It
// serves as the delivery end of a control-plane push channel and keeps
// tests free of filesystem plumbing.
type StaticProvider struct {
	broadcast Broadcaster

	mu      sync.Mutex
	payload Payload
	ok      bool
	version uint64
	closed  bool
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider returns a provider with no payload; consumers stay
// not-ready until the first Push.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

// Push publishes a new payload generation and notifies subscribers. A zero
// payload version is assigned the next one automatically. The joined
// rejection errors of the subscribers are returned so the caller driving
// the update learns about validation failures.
func (p *StaticProvider) Push(payload Payload) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("secret: provider closed")
	}
	if payload.Version == 0 {
		payload.Version = p.version + 1
	}
	p.version = payload.Version
	p.payload = payload
	p.ok = true
	p.mu.Unlock()

	return p.broadcast.Notify()
}

// Current returns the most recently pushed payload.
func (p *StaticProvider) Current() (Payload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payload, p.ok
}

// Subscribe registers cb for future Push notifications.
func (p *StaticProvider) Subscribe(cb Callbacks) Subscription {
	return p.broadcast.Subscribe(cb)
}

// Close stops accepting pushes. Registered subscriptions stay valid until
// their owners release them.
func (p *StaticProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
