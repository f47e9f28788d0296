package ssl

import (
	"bytes"
	"crypto/sha256"
	"fmt"
)

// Session ticket key record layout. A raw record is the concatenation of the
// three fields, 80 bytes total.
const (
	SessionTicketKeyNameSize = 16
	SessionTicketKeyHMACSize = 32
	SessionTicketKeyAESSize  = 32

	sessionTicketKeyRawSize = SessionTicketKeyNameSize + SessionTicketKeyHMACSize + SessionTicketKeyAESSize
)

// SessionTicketKey is one ticket-encryption key record. The name uniquely
// identifies the key within a set and is embedded in issued tickets so the
// decrypting side can select the matching key.
type SessionTicketKey struct {
	Name    [SessionTicketKeyNameSize]byte
	HMACKey [SessionTicketKeyHMACSize]byte
	AESKey  [SessionTicketKeyAESSize]byte
}

// ParseSessionTicketKey splits a raw 80-byte record into its fields. Any
// other length is a validation error.
func ParseSessionTicketKey(raw []byte) (SessionTicketKey, error) {
	if len(raw) != sessionTicketKeyRawSize {
		return SessionTicketKey{}, fmt.Errorf("ssl: session ticket key must be %d bytes, got %d", sessionTicketKeyRawSize, len(raw))
	}

	var k SessionTicketKey
	copy(k.Name[:], raw[:SessionTicketKeyNameSize])
	copy(k.HMACKey[:], raw[SessionTicketKeyNameSize:SessionTicketKeyNameSize+SessionTicketKeyHMACSize])
	copy(k.AESKey[:], raw[SessionTicketKeyNameSize+SessionTicketKeyHMACSize:])
	return k, nil
}

// SessionTicketKeySet is an ordered list of ticket keys. The key at index 0
// encrypts newly issued tickets; every key in the set is a candidate for
// decrypting a presented ticket, selected by name. Publishing a new key at
// the head while keeping prior keys as trailing decrypt-only candidates
// gives zero-downtime rollover.
//
// A set is immutable; rotation replaces the whole set atomically through the
// owning configuration.
type SessionTicketKeySet struct {
	keys []SessionTicketKey
}

// NewSessionTicketKeySet validates the raw records and builds an ordered
// set. Duplicate names within one set are rejected.
func NewSessionTicketKeySet(raw ...[]byte) (SessionTicketKeySet, error) {
	if len(raw) == 0 {
		return SessionTicketKeySet{}, nil
	}

	keys := make([]SessionTicketKey, 0, len(raw))
	seen := make(map[[SessionTicketKeyNameSize]byte]struct{}, len(raw))
	for i, r := range raw {
		k, err := ParseSessionTicketKey(r)
		if err != nil {
			return SessionTicketKeySet{}, fmt.Errorf("ssl: session ticket key %d: %w", i, err)
		}
		if _, dup := seen[k.Name]; dup {
			return SessionTicketKeySet{}, fmt.Errorf("ssl: duplicate session ticket key name at index %d", i)
		}
		seen[k.Name] = struct{}{}
		keys = append(keys, k)
	}

	return SessionTicketKeySet{keys: keys}, nil
}

// Len returns the number of keys in the set.
func (s SessionTicketKeySet) Len() int {
	return len(s.keys)
}

// Keys returns the ordered key records. Callers must treat the returned
// slice as read-only.
func (s SessionTicketKeySet) Keys() []SessionTicketKey {
	return s.keys
}

// EncryptionKey returns the key used to encrypt newly issued tickets, the
// head of the set. ok is false for an empty set.
func (s SessionTicketKeySet) EncryptionKey() (key SessionTicketKey, ok bool) {
	if len(s.keys) == 0 {
		return SessionTicketKey{}, false
	}
	return s.keys[0], true
}

// DecryptionKey looks up a decryption candidate by the name embedded in a
// presented ticket. A name absent from the set is a cold miss, reported via
// ok=false; callers fall back to a full handshake rather than treating it
// as an error.
func (s SessionTicketKeySet) DecryptionKey(name []byte) (key SessionTicketKey, ok bool) {
	for _, k := range s.keys {
		if bytes.Equal(k.Name[:], name) {
			return k, true
		}
	}
	return SessionTicketKey{}, false
}

// StdKeys derives the 32-byte rotation keys expected by
// [crypto/tls.Config.SetSessionTicketKeys], preserving order so the head
// record stays the encrypting key. Each derived key is the SHA-256 of the
// full 80-byte record, which keeps derivation stable across restarts.
func (s SessionTicketKeySet) StdKeys() [][32]byte {
	if len(s.keys) == 0 {
		return nil
	}
	out := make([][32]byte, 0, len(s.keys))
	for _, k := range s.keys {
		var raw [sessionTicketKeyRawSize]byte
		copy(raw[:], k.Name[:])
		copy(raw[SessionTicketKeyNameSize:], k.HMACKey[:])
		copy(raw[SessionTicketKeyNameSize+SessionTicketKeyHMACSize:], k.AESKey[:])
		out = append(out, sha256.Sum256(raw[:]))
	}
	return out
}

// equal reports whether two sets hold identical records in the same order.
func (s SessionTicketKeySet) equal(o SessionTicketKeySet) bool {
	if len(s.keys) != len(o.keys) {
		return false
	}
	for i := range s.keys {
		if s.keys[i] != o.keys[i] {
			return false
		}
	}
	return true
}
