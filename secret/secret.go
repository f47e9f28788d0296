// Package secret defines the contract between a TLS context configuration
// and the source of its secret material. A Provider owns the delivery
// mechanism (filesystem watch, polling, control-plane push); consumers
// subscribe for change notifications and re-read the current payload
// synchronously inside the callback.
package secret

// Payload is one delivered generation of secret material. Fields left nil or
// empty are "not supplied by this provider" and the consumer falls back to
// its statically configured material for that slot.
//
// Version must be monotonically increasing per provider. Consumers ignore
// deliveries whose version is older than the one they last applied, so
// duplicated or reordered deliveries are harmless.
type Payload struct {
	Version uint64

	CertChainPEM   []byte
	PrivateKeyPEM  []byte
	CertChainPath  string
	PrivateKeyPath string

	CACertPEM  []byte
	CACertPath string

	CRLPEM  []byte
	CRLPath string

	// SessionTicketKeys holds raw 80-byte ticket key records
	// (16-byte name, 32-byte HMAC key, 32-byte AES-256 key).
	SessionTicketKeys    [][]byte
	SessionTicketKeyPath string
}

// Callbacks is implemented by consumers that want to learn about new secret
// versions. OnSecretUpdate carries no payload; the consumer re-reads
// Provider.Current inside the call. Returning an error tells the provider
// the delivered material was rejected; the provider surfaces it to whoever
// drove the update.
//
// Implementations must tolerate redelivery of an unchanged version and a
// first delivery with no prior state.
type Callbacks interface {
	OnSecretUpdate() error
}

// Subscription is the handle a consumer holds for a registered callback.
// Unsubscribe releases the registration; after it returns the callback will
// not be invoked again.
type Subscription interface {
	Unsubscribe()
}

// Provider supplies secret material and change notifications. Current
// returns the latest delivered payload, with ok=false before the first
// delivery completes. Providers guarantee callbacks fire at-least-once per
// change, not exactly-once.
type Provider interface {
	Current() (payload Payload, ok bool)
	Subscribe(cb Callbacks) Subscription
	Close() error
}
