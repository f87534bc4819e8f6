// Package keyring holds the API credentials shared by pooled connections.
package keyring

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bfxstream/internal/signer"
	"bfxstream/pkg/core"
)

// KeyRing hands out credentials to new connections. Each key carries its own
// Signer so that every connection authenticating with that key draws from a
// single increasing nonce sequence.
type KeyRing struct {
	mu       sync.RWMutex
	keys     []*APIKey
	current  int
	strategy RotationStrategy
	logger   zerolog.Logger
}

// APIKey is one credential pair and its usage bookkeeping.
type APIKey struct {
	ID         string
	Key        string
	Secret     string
	Disabled   bool
	LastUsed   time.Time
	ErrorCount int

	signer *signer.Signer
}

// RotationStrategy decides when the ring advances to the next key.
type RotationStrategy int

const (
	// RotationNone keeps using the current key until it is disabled.
	RotationNone RotationStrategy = iota
	// RotationRoundRobin advances on every Next call.
	RotationRoundRobin
	// RotationOnError advances after an auth failure.
	RotationOnError
)

// NewKeyRing copies keys into a new ring.
func NewKeyRing(keys []*APIKey, strategy RotationStrategy) *KeyRing {
	keysCopy := make([]*APIKey, 0, len(keys))
	for _, k := range keys {
		keysCopy = append(keysCopy, newKey(k.ID, k.Key, k.Secret))
	}

	return &KeyRing{
		keys:     keysCopy,
		strategy: strategy,
		logger:   zerolog.Nop(),
	}
}

// FromCredentials builds a single-key ring, or an empty ring when creds are incomplete.
func FromCredentials(creds *core.Credentials) *KeyRing {
	if !creds.Valid() {
		return NewKeyRing(nil, RotationNone)
	}
	return NewKeyRing([]*APIKey{{ID: "default", Key: creds.APIKey, Secret: creds.APISecret}}, RotationNone)
}

func newKey(id, key, secret string) *APIKey {
	return &APIKey{
		ID:     id,
		Key:    key,
		Secret: secret,
		signer: signer.New(secret),
	}
}

// SetLogger configures the logger for the key ring.
func (k *KeyRing) SetLogger(logger zerolog.Logger) {
	k.logger = logger
}

// Len returns the number of keys, enabled or not.
func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Current returns the first enabled key at or after the cursor, or nil.
func (k *KeyRing) Current() *APIKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.currentLocked()
}

func (k *KeyRing) currentLocked() *APIKey {
	for i := 0; i < len(k.keys); i++ {
		idx := (k.current + i) % len(k.keys)
		if !k.keys[idx].Disabled {
			return k.keys[idx]
		}
	}
	return nil
}

// Next returns the key a new connection should authenticate with and marks it used.
func (k *KeyRing) Next() *APIKey {
	k.mu.Lock()
	defer k.mu.Unlock()

	key := k.currentLocked()
	if key == nil {
		return nil
	}
	key.LastUsed = time.Now()
	if k.strategy == RotationRoundRobin {
		k.rotateLocked()
	}
	return key
}

// Rotate advances the cursor to the next enabled key.
func (k *KeyRing) Rotate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rotateLocked()
}

func (k *KeyRing) rotateLocked() {
	if len(k.keys) == 0 {
		return
	}
	start := k.current
	for {
		k.current = (k.current + 1) % len(k.keys)
		if !k.keys[k.current].Disabled || k.current == start {
			return
		}
	}
}

// OnAuthError records an auth rejection for the key with the given id.
func (k *KeyRing) OnAuthError(id string, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for i, key := range k.keys {
		if key.ID != id {
			continue
		}
		key.ErrorCount++
		k.logger.Warn().Err(err).Str("key", key.String()).Int("errors", key.ErrorCount).Msg("api key rejected")
		if k.strategy == RotationOnError && i == k.current {
			k.rotateLocked()
		}
		return
	}
}

// Disable excludes a key from rotation.
func (k *KeyRing) Disable(id string) {
	k.setDisabled(id, true)
}

// Enable returns a key to rotation and clears its error count.
func (k *KeyRing) Enable(id string) {
	k.setDisabled(id, false)
}

func (k *KeyRing) setDisabled(id string, disabled bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, key := range k.keys {
		if key.ID == id {
			key.Disabled = disabled
			if !disabled {
				key.ErrorCount = 0
			}
			return
		}
	}
}

// Add appends a key unless one with the same id exists.
func (k *KeyRing) Add(key *APIKey) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, existing := range k.keys {
		if existing.ID == key.ID {
			return
		}
	}
	k.keys = append(k.keys, newKey(key.ID, key.Key, key.Secret))
}

// Signer returns the nonce-owning signer for this key.
func (k *APIKey) Signer() *signer.Signer {
	return k.signer
}

func (k *APIKey) String() string {
	return fmt.Sprintf("APIKey{ID:%s, Key:%s}", k.ID, maskKey(k.Key))
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
