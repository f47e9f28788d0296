package secret

import (
	"fmt"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type countingCallbacks struct {
	calls int
	err   error
}

func (c *countingCallbacks) OnSecretUpdate() error {
	c.calls++
	return c.err
}

func TestStaticProviderPush(t *testing.T) {
	t.Parallel()

	provider := NewStaticProvider()
	_, ok := provider.Current()
	assert.Assert(t, is.Equal(ok, false))

	cb := &countingCallbacks{}
	sub := provider.Subscribe(cb)

	assert.NilError(t, provider.Push(Payload{CertChainPEM: []byte("chain-1")}))
	assert.Equal(t, cb.calls, 1)

	payload, ok := provider.Current()
	assert.Assert(t, ok)
	assert.Equal(t, payload.Version, uint64(1))
	assert.DeepEqual(t, payload.CertChainPEM, []byte("chain-1"))

	// Versions keep increasing when the pusher does not assign them.
	assert.NilError(t, provider.Push(Payload{CertChainPEM: []byte("chain-2")}))
	payload, _ = provider.Current()
	assert.Equal(t, payload.Version, uint64(2))

	sub.Unsubscribe()
	assert.NilError(t, provider.Push(Payload{CertChainPEM: []byte("chain-3")}))
	assert.Equal(t, cb.calls, 2)
}

func TestStaticProviderSubscriberRejection(t *testing.T) {
	t.Parallel()

	provider := NewStaticProvider()
	rejecting := &countingCallbacks{err: fmt.Errorf("key does not match chain")}
	accepting := &countingCallbacks{}
	provider.Subscribe(rejecting)
	provider.Subscribe(accepting)

	// Every subscriber still hears the delivery; the rejection surfaces to
	// the pusher.
	err := provider.Push(Payload{})
	assert.ErrorContains(t, err, "key does not match chain")
	assert.Equal(t, rejecting.calls, 1)
	assert.Equal(t, accepting.calls, 1)
}

func TestStaticProviderClose(t *testing.T) {
	t.Parallel()

	provider := NewStaticProvider()
	assert.NilError(t, provider.Push(Payload{}))
	assert.NilError(t, provider.Close())
	assert.ErrorContains(t, provider.Push(Payload{}), "provider closed")

	// The last payload stays readable for teardown diagnostics.
	_, ok := provider.Current()
	assert.Assert(t, ok)
}

func TestBroadcasterUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	var b Broadcaster
	cb := &countingCallbacks{}
	sub := b.Subscribe(cb)
	other := b.Subscribe(&countingCallbacks{})

	sub.Unsubscribe()
	sub.Unsubscribe()

	assert.NilError(t, b.Notify())
	assert.Equal(t, cb.calls, 0)

	_ = other
}
