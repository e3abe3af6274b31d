package security

import (
	"errors"
	"fmt"
	"sync"
)

// KeySize is the size of every Z-Wave network key.
const KeySize = 16

var (
	ErrNoKey         = errors.New("security: network key not configured")
	ErrInvalidKeyLen = errors.New("security: network key must be 16 bytes")
)

// TempKey is the key set derived from the ECDH exchange of one S2
// bootstrap. It is the only key a node's frames decrypt with until the
// permanent keys have been delivered.
type TempKey struct {
	CCM             [KeySize]byte
	Personalization [32]byte
}

// KeyStore holds the network keys of this controller plus the temporary
// per-node secrets (temp keys, nonces) of bootstraps in progress.
// Safe for concurrent use.
type KeyStore struct {
	mu     sync.RWMutex
	keys   map[Class][KeySize]byte
	temp   map[uint16]TempKey
	nonces map[uint16][]byte
}

// NewKeyStore returns an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		keys:   make(map[Class][KeySize]byte),
		temp:   make(map[uint16]TempKey),
		nonces: make(map[uint16][]byte),
	}
}

// SetNetworkKey installs the permanent key for class c.
func (k *KeyStore) SetNetworkKey(c Class, key []byte) error {
	if !c.grantable() {
		return fmt.Errorf("security: class %s has no network key", c)
	}
	if len(key) != KeySize {
		return ErrInvalidKeyLen
	}
	var kk [KeySize]byte
	copy(kk[:], key)
	k.mu.Lock()
	k.keys[c] = kk
	k.mu.Unlock()
	return nil
}

// HasKey reports whether a network key is configured for c.
func (k *KeyStore) HasKey(c Class) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[c]
	return ok
}

// NetworkKey returns the permanent key for c.
func (k *KeyStore) NetworkKey(c Class) ([KeySize]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[c]
	if !ok {
		return key, fmt.Errorf("%s: %w", c, ErrNoKey)
	}
	return key, nil
}

// ConfiguredClasses returns the classes with a network key, strongest first.
func (k *KeyStore) ConfiguredClasses() []Class {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []Class
	for _, c := range GrantableClasses {
		if _, ok := k.keys[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// SetTempKey installs the temporary key set for a node, replacing any
// previous one.
func (k *KeyStore) SetTempKey(nodeID uint16, t TempKey) {
	k.mu.Lock()
	k.temp[nodeID] = t
	k.mu.Unlock()
}

// TempKey returns the temporary key set of a node, if any.
func (k *KeyStore) TempKey(nodeID uint16) (TempKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	t, ok := k.temp[nodeID]
	return t, ok
}

// DeleteTempKey erases the temporary key set of a node.
func (k *KeyStore) DeleteTempKey(nodeID uint16) {
	k.mu.Lock()
	if t, ok := k.temp[nodeID]; ok {
		clear(t.CCM[:])
		clear(t.Personalization[:])
		delete(k.temp, nodeID)
	}
	k.mu.Unlock()
}

// SetNonce stores the last nonce exchanged with a node.
func (k *KeyStore) SetNonce(nodeID uint16, nonce []byte) {
	k.mu.Lock()
	k.nonces[nodeID] = append([]byte(nil), nonce...)
	k.mu.Unlock()
}

// Nonce returns the stored nonce of a node.
func (k *KeyStore) Nonce(nodeID uint16) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	n, ok := k.nonces[nodeID]
	return n, ok
}

// DeleteNonce forgets the nonce state of a node.
func (k *KeyStore) DeleteNonce(nodeID uint16) {
	k.mu.Lock()
	delete(k.nonces, nodeID)
	k.mu.Unlock()
}
