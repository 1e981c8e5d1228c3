package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	"healthsync/internal/domain"
)

// Accessibility controls when a stored value may be read back. The file
// store records it but cannot enforce it; an OS keychain implementation
// maps it to the platform's protection classes.
type Accessibility byte

const (
	AccessWhenUnlocked     Accessibility = 0x01
	AccessAfterFirstUnlock Accessibility = 0x02
	AccessAlways           Accessibility = 0x03
)

// SecureStore is durable, encrypted-at-rest key-value storage for key
// material and other small secrets.
type SecureStore interface {
	Save(key string, value []byte, access Accessibility) error
	Load(key string) ([]byte, error)
	Delete(key string) error
	// Update overwrites an existing value, falling back to Save with
	// AccessWhenUnlocked when the key does not exist (upsert semantics).
	Update(key string, value []byte) error
}

// FileKeyStore implements SecureStore on the filesystem. Values are sealed
// with AES-256-GCM under a wrapping key derived from a passphrase via
// Argon2id; the derivation salt lives alongside the values. File layout:
// one file per key, accessibility byte || nonce || sealed.
type FileKeyStore struct {
	dir          string
	key          []byte // 32-byte wrapping key
	secureDelete bool
}

const saltFile = ".salt"

// NewFileKeyStore opens (or initializes) a key store rooted at dir.
// Returns error if passphrase is empty.
func NewFileKeyStore(dir, passphrase string, secureDelete bool) (*FileKeyStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("keystore passphrase must not be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}

	salt, err := loadOrCreateSalt(filepath.Join(dir, saltFile))
	if err != nil {
		return nil, err
	}

	return &FileKeyStore{
		dir:          dir,
		key:          argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32),
		secureDelete: secureDelete,
	}, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) == 16 {
		return data, nil
	}
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

func (s *FileKeyStore) path(key string) string {
	// Hex-encode so arbitrary key names cannot escape the directory.
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key)))
}

// Save seals value and writes it under key.
func (s *FileKeyStore) Save(key string, value []byte, access Accessibility) error {
	sealed, err := s.seal(value)
	if err != nil {
		return domain.WrapOp("KeyStore.Save", err)
	}
	blob := append([]byte{byte(access)}, sealed...)
	if err := os.WriteFile(s.path(key), blob, 0600); err != nil {
		return domain.WrapOp("KeyStore.Save", err)
	}
	return nil
}

// Load reads and unseals the value stored under key.
func (s *FileKeyStore) Load(key string) ([]byte, error) {
	blob, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NewDomainError("KeyStore.Load", domain.ErrKeyNotFound, key)
		}
		return nil, domain.WrapOp("KeyStore.Load", err)
	}
	if len(blob) < 2 {
		return nil, domain.NewDomainError("KeyStore.Load", domain.ErrDecryptionFailed, "stored value truncated")
	}
	value, err := s.open(blob[1:])
	if err != nil {
		return nil, domain.WrapOp("KeyStore.Load", err)
	}
	return value, nil
}

// Delete removes the value stored under key. When secure delete is enabled
// the file contents are overwritten with random data before removal.
func (s *FileKeyStore) Delete(key string) error {
	path := s.path(key)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.NewDomainError("KeyStore.Delete", domain.ErrKeyNotFound, key)
		}
		return domain.WrapOp("KeyStore.Delete", err)
	}

	if s.secureDelete && info.Size() > 0 {
		junk := make([]byte, info.Size())
		if _, err := io.ReadFull(rand.Reader, junk); err == nil {
			os.WriteFile(path, junk, 0600)
		}
	}
	return domain.WrapOp("KeyStore.Delete", os.Remove(path))
}

// Update overwrites an existing value, creating it when absent.
func (s *FileKeyStore) Update(key string, value []byte) error {
	path := s.path(key)
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.Save(key, value, AccessWhenUnlocked)
		}
		return domain.WrapOp("KeyStore.Update", err)
	}
	if len(blob) < 1 {
		return s.Save(key, value, AccessWhenUnlocked)
	}
	return s.Save(key, value, Accessibility(blob[0]))
}

// List returns the names of all stored keys.
func (s *FileKeyStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, domain.WrapOp("KeyStore.List", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == saltFile {
			continue
		}
		name, err := hex.DecodeString(e.Name())
		if err != nil {
			continue
		}
		keys = append(keys, string(name))
	}
	return keys, nil
}

func (s *FileKeyStore) seal(value []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, value, nil), nil
}

func (s *FileKeyStore) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, domain.ErrDecryptionFailed
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	value, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
	}
	return value, nil
}

// Zeroize clears the wrapping key from memory. Call on shutdown.
func (s *FileKeyStore) Zeroize() {
	for i := range s.key {
		s.key[i] = 0
	}
}
