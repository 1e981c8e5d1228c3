package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"healthsync/internal/domain"
)

// Blob layout: version byte || nonce || ciphertext+tag.
// The version byte identifies the key generation used to seal the blob, so
// values sealed before a rotation stay decryptable until the old generation
// is retired.
const (
	keySize      = 32
	minBlobSize  = 1 + 12 + 16 // version + GCM nonce + GCM tag
	firstVersion = 0x01
	lastVersion  = 0xFF
)

// Secure-store entry names for persisted key material.
const (
	activeVersionEntry = "gateway/active-version"
	keyEntryPrefix     = "gateway/key-v"
)

// KeyMaterial is one generation of the data encryption key.
type KeyMaterial struct {
	Version   byte
	Key       []byte
	CreatedAt time.Time
}

// Gateway encrypts and decrypts metric values with AES-256-GCM. Exactly one
// key generation is active at a time; superseded generations are retained
// for decryption until retired. A rotation in progress rejects new
// encrypt/decrypt calls rather than interleaving old and new material.
type Gateway struct {
	mu       sync.RWMutex
	keys     map[byte]*KeyMaterial
	active   byte
	usage    uint64 // encrypt+decrypt operations under the active generation
	rotating bool
	store    SecureStore
}

// NewGateway loads persisted key material from store, generating and
// persisting a first key when none exists.
func NewGateway(store SecureStore) (*Gateway, error) {
	g := &Gateway{
		keys:  make(map[byte]*KeyMaterial),
		store: store,
	}

	ver, err := store.Load(activeVersionEntry)
	if err == nil && len(ver) == 1 {
		if err := g.loadGenerations(ver[0]); err != nil {
			return nil, err
		}
		return g, nil
	}

	// First run: generate and persist the initial key.
	km, err := generateKey(firstVersion)
	if err != nil {
		return nil, err
	}
	if err := g.persistKey(km); err != nil {
		return nil, err
	}
	if err := store.Save(activeVersionEntry, []byte{km.Version}, AccessAfterFirstUnlock); err != nil {
		return nil, domain.WrapOp("Gateway.New", err)
	}
	g.keys[km.Version] = km
	g.active = km.Version
	return g, nil
}

// loadGenerations loads the active generation and every earlier one still
// present in the store.
func (g *Gateway) loadGenerations(active byte) error {
	// Count in int: a byte loop would wrap and never terminate at 0xFF.
	for i := int(firstVersion); i <= int(active); i++ {
		v := byte(i)
		raw, err := g.store.Load(keyEntry(v))
		if err != nil {
			if v == active {
				return domain.NewDomainError("Gateway.New", domain.ErrKeyNotFound,
					fmt.Sprintf("active key generation %d missing", v))
			}
			continue // retired generation
		}
		if len(raw) != keySize+8 {
			return domain.NewDomainError("Gateway.New", domain.ErrDecryptionFailed, "stored key material malformed")
		}
		createdAt := time.Unix(int64(binary.BigEndian.Uint64(raw[keySize:])), 0)
		g.keys[v] = &KeyMaterial{Version: v, Key: raw[:keySize], CreatedAt: createdAt}
	}
	g.active = active
	return nil
}

func (g *Gateway) persistKey(km *KeyMaterial) error {
	raw := make([]byte, keySize+8)
	copy(raw, km.Key)
	binary.BigEndian.PutUint64(raw[keySize:], uint64(km.CreatedAt.Unix()))
	return domain.WrapOp("Gateway.persist",
		g.store.Save(keyEntry(km.Version), raw, AccessAfterFirstUnlock))
}

func keyEntry(v byte) string { return fmt.Sprintf("%s%d", keyEntryPrefix, v) }

func generateKey(version byte) (*KeyMaterial, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyGenerationFailed, err)
	}
	return &KeyMaterial{Version: version, Key: key, CreatedAt: time.Now().UTC()}, nil
}

// Encrypt seals plaintext under the active key generation with a fresh
// random nonce. Fails with ErrKeyRotationInProgress while a rotation is
// underway.
func (g *Gateway) Encrypt(plaintext []byte) ([]byte, error) {
	g.mu.RLock()
	if g.rotating {
		g.mu.RUnlock()
		return nil, domain.NewDomainError("Gateway.Encrypt", domain.ErrKeyRotationInProgress, "")
	}
	km := g.keys[g.active]
	key := make([]byte, len(km.Key))
	copy(key, km.Key)
	version := km.Version
	g.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return nil, domain.WrapOp("Gateway.Encrypt", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	blob := make([]byte, 1, 1+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	blob[0] = version
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, plaintext, nil)

	g.mu.Lock()
	g.usage++
	g.mu.Unlock()
	return blob, nil
}

// Decrypt validates and opens a sealed blob. Any malformed input or tag
// mismatch fails with ErrDecryptionFailed; partial data is never returned.
func (g *Gateway) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < minBlobSize {
		return nil, domain.NewDomainError("Gateway.Decrypt", domain.ErrDecryptionFailed, "blob too short")
	}

	g.mu.RLock()
	if g.rotating {
		g.mu.RUnlock()
		return nil, domain.NewDomainError("Gateway.Decrypt", domain.ErrKeyRotationInProgress, "")
	}
	km, ok := g.keys[blob[0]]
	if !ok {
		g.mu.RUnlock()
		return nil, domain.NewDomainError("Gateway.Decrypt", domain.ErrDecryptionFailed,
			fmt.Sprintf("unknown key version %d", blob[0]))
	}
	key := make([]byte, len(km.Key))
	copy(key, km.Key)
	g.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return nil, domain.WrapOp("Gateway.Decrypt", err)
	}
	nonce := blob[1 : 1+gcm.NonceSize()]
	sealed := blob[1+gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, domain.NewDomainError("Gateway.Decrypt", domain.ErrDecryptionFailed, "authentication failed")
	}

	g.mu.Lock()
	g.usage++
	g.mu.Unlock()
	return plaintext, nil
}

// UsageCount returns the number of operations performed under the active
// key generation since it was activated.
func (g *Gateway) UsageCount() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.usage
}

// ActiveKeyAge returns how long the active generation has been in service.
func (g *Gateway) ActiveKeyAge() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return time.Since(g.keys[g.active].CreatedAt)
}

// ActiveVersion returns the active key generation number.
func (g *Gateway) ActiveVersion() byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// NeedsRotation reports whether the active key has crossed the usage or age
// threshold.
func (g *Gateway) NeedsRotation(usageThreshold uint64, maxAge time.Duration) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.usage >= usageThreshold || time.Since(g.keys[g.active].CreatedAt) >= maxAge
}

// Rotate generates, persists, and activates a new key generation. The old
// generation stays loaded for decryption until Retire is called. While the
// rotation is underway encrypt/decrypt calls fail with
// ErrKeyRotationInProgress; callers never observe mixed key material.
// Returns the superseded generation number.
func (g *Gateway) Rotate() (byte, error) {
	g.mu.Lock()
	if g.rotating {
		g.mu.Unlock()
		return 0, domain.NewDomainError("Gateway.Rotate", domain.ErrKeyRotationInProgress, "")
	}
	g.rotating = true
	old := g.active
	g.mu.Unlock()

	finish := func() {
		g.mu.Lock()
		g.rotating = false
		g.mu.Unlock()
	}

	// The version byte cannot wrap: generation 0 would shadow the framing.
	if old == lastVersion {
		finish()
		return 0, domain.NewDomainError("Gateway.Rotate", domain.ErrKeyGenerationFailed,
			fmt.Sprintf("key generation space exhausted at %d", old))
	}

	km, err := generateKey(old + 1)
	if err != nil {
		finish()
		return 0, err
	}
	if err := g.persistKey(km); err != nil {
		finish()
		return 0, err
	}
	if err := g.store.Update(activeVersionEntry, []byte{km.Version}); err != nil {
		finish()
		return 0, domain.WrapOp("Gateway.Rotate", err)
	}

	g.mu.Lock()
	g.keys[km.Version] = km
	g.active = km.Version
	g.usage = 0
	g.rotating = false
	g.mu.Unlock()
	return old, nil
}

// Retire securely destroys a superseded key generation. Call only after all
// data sealed under it has been re-encrypted or confirmed gone. Retiring
// the active generation is an error.
func (g *Gateway) Retire(version byte) error {
	g.mu.Lock()
	if version == g.active {
		g.mu.Unlock()
		return fmt.Errorf("refusing to retire active key generation %d", version)
	}
	km, ok := g.keys[version]
	if ok {
		for i := range km.Key {
			km.Key[i] = 0
		}
		delete(g.keys, version)
	}
	g.mu.Unlock()

	if err := g.store.Delete(keyEntry(version)); err != nil && domain.ErrorCodeOf(err) != domain.CodeKeyNotFound {
		return domain.WrapOp("Gateway.Retire", err)
	}
	return nil
}

// Zeroize clears all loaded key material from memory. Call on shutdown.
func (g *Gateway) Zeroize() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, km := range g.keys {
		for i := range km.Key {
			km.Key[i] = 0
		}
	}
	g.keys = make(map[byte]*KeyMaterial)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

