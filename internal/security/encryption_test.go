package security

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"healthsync/internal/domain"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	store, err := NewFileKeyStore(t.TempDir(), "test-passphrase", false)
	if err != nil {
		t.Fatalf("NewFileKeyStore: %v", err)
	}
	g, err := NewGateway(store)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return g
}

func TestGatewayRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	defer g.Zeroize()

	plaintext := []byte("72.5 bpm at rest")
	blob, err := g.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(blob, plaintext) {
		t.Error("blob should differ from plaintext")
	}
	if blob[0] != firstVersion {
		t.Errorf("version byte = %d, want %d", blob[0], firstVersion)
	}

	got, err := g.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestGatewayFreshNoncePerCall(t *testing.T) {
	g := newTestGateway(t)
	defer g.Zeroize()

	b1, _ := g.Encrypt([]byte("same input"))
	b2, _ := g.Encrypt([]byte("same input"))
	if bytes.Equal(b1, b2) {
		t.Error("two encryptions of same plaintext should produce different blobs")
	}
}

func TestGatewayCorruptedBlobFails(t *testing.T) {
	g := newTestGateway(t)
	defer g.Zeroize()

	blob, err := g.Encrypt([]byte("secret sample"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Corrupting any single byte must fail authentication, never return
	// garbage plaintext.
	for i := range blob {
		tampered := make([]byte, len(blob))
		copy(tampered, blob)
		tampered[i] ^= 0xff

		_, err := g.Decrypt(tampered)
		if err == nil {
			t.Fatalf("Decrypt succeeded with byte %d corrupted", i)
		}
		if !errors.Is(err, domain.ErrDecryptionFailed) {
			t.Fatalf("byte %d: error = %v, want ErrDecryptionFailed", i, err)
		}
	}
}

func TestGatewayMalformedBlob(t *testing.T) {
	g := newTestGateway(t)
	defer g.Zeroize()

	for _, blob := range [][]byte{nil, {}, {firstVersion}, make([]byte, minBlobSize-1)} {
		if _, err := g.Decrypt(blob); !errors.Is(err, domain.ErrDecryptionFailed) {
			t.Errorf("Decrypt(%d bytes): error = %v, want ErrDecryptionFailed", len(blob), err)
		}
	}
}

func TestGatewayUsageCount(t *testing.T) {
	g := newTestGateway(t)
	defer g.Zeroize()

	blob, _ := g.Encrypt([]byte("x"))
	g.Decrypt(blob)
	g.Encrypt([]byte("y"))

	if got := g.UsageCount(); got != 3 {
		t.Errorf("UsageCount = %d, want 3", got)
	}
}

func TestGatewayRotatePreservesOldBlobs(t *testing.T) {
	g := newTestGateway(t)
	defer g.Zeroize()

	oldBlob, _ := g.Encrypt([]byte("sealed before rotation"))

	old, err := g.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if old != firstVersion {
		t.Errorf("superseded generation = %d, want %d", old, firstVersion)
	}
	if g.ActiveVersion() != firstVersion+1 {
		t.Errorf("active generation = %d, want %d", g.ActiveVersion(), firstVersion+1)
	}
	if g.UsageCount() != 0 {
		t.Errorf("usage count should reset on rotation, got %d", g.UsageCount())
	}

	// Old blob stays decryptable until the old generation is retired.
	got, err := g.Decrypt(oldBlob)
	if err != nil {
		t.Fatalf("Decrypt old blob after rotation: %v", err)
	}
	if string(got) != "sealed before rotation" {
		t.Errorf("old blob plaintext = %q", got)
	}

	// New blobs carry the new version byte.
	newBlob, _ := g.Encrypt([]byte("after"))
	if newBlob[0] != firstVersion+1 {
		t.Errorf("new blob version = %d, want %d", newBlob[0], firstVersion+1)
	}
}

func TestGatewayRetire(t *testing.T) {
	g := newTestGateway(t)
	defer g.Zeroize()

	oldBlob, _ := g.Encrypt([]byte("old"))
	old, _ := g.Rotate()

	if err := g.Retire(g.ActiveVersion()); err == nil {
		t.Error("retiring the active generation should fail")
	}
	if err := g.Retire(old); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if _, err := g.Decrypt(oldBlob); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Errorf("decrypt after retire: error = %v, want ErrDecryptionFailed", err)
	}
}

func TestGatewayNeedsRotation(t *testing.T) {
	g := newTestGateway(t)
	defer g.Zeroize()

	if g.NeedsRotation(5, 720*time.Hour) {
		t.Error("fresh gateway should not need rotation")
	}
	for i := 0; i < 5; i++ {
		g.Encrypt([]byte("op"))
	}
	if !g.NeedsRotation(5, 720*time.Hour) {
		t.Error("usage threshold crossed, rotation should be due")
	}
	if !g.NeedsRotation(1000, 0) {
		t.Error("zero max age means any key is overdue")
	}
}

func TestGatewayConcurrentEncryptDuringRotation(t *testing.T) {
	g := newTestGateway(t)
	defer g.Zeroize()

	// Every concurrent call must either complete under one consistent key
	// or fail with ErrKeyRotationInProgress; nothing in between.
	var wg sync.WaitGroup
	const n = 50
	blobs := make([][]byte, n)
	errs := make([]error, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := g.Rotate(); err != nil {
			t.Errorf("Rotate: %v", err)
		}
	}()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blobs[i], errs[i] = g.Encrypt([]byte("concurrent"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		switch {
		case errs[i] == nil:
			if _, err := g.Decrypt(blobs[i]); err != nil {
				t.Errorf("blob %d sealed during rotation does not decrypt: %v", i, err)
			}
		case errors.Is(errs[i], domain.ErrKeyRotationInProgress):
			// acceptable
		default:
			t.Errorf("blob %d: unexpected error %v", i, errs[i])
		}
	}
}

func TestGatewayPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileKeyStore(dir, "pass", false)
	if err != nil {
		t.Fatalf("NewFileKeyStore: %v", err)
	}
	g1, err := NewGateway(store)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	blob, err := g1.Encrypt([]byte("survives restart"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	g1.Zeroize()

	store2, err := NewFileKeyStore(dir, "pass", false)
	if err != nil {
		t.Fatalf("reopen FileKeyStore: %v", err)
	}
	g2, err := NewGateway(store2)
	if err != nil {
		t.Fatalf("reopen NewGateway: %v", err)
	}
	defer g2.Zeroize()

	got, err := g2.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt after restart: %v", err)
	}
	if string(got) != "survives restart" {
		t.Errorf("plaintext = %q", got)
	}
}

func TestGatewayRotateRefusedAtGenerationLimit(t *testing.T) {
	store, err := NewFileKeyStore(t.TempDir(), "test-passphrase", false)
	if err != nil {
		t.Fatalf("NewFileKeyStore: %v", err)
	}

	// Seed a gateway already at the last representable generation.
	raw := make([]byte, keySize+8)
	binary.BigEndian.PutUint64(raw[keySize:], uint64(time.Now().Unix()))
	if err := store.Save(keyEntry(lastVersion), raw, AccessAfterFirstUnlock); err != nil {
		t.Fatalf("Save key: %v", err)
	}
	if err := store.Save(activeVersionEntry, []byte{lastVersion}, AccessAfterFirstUnlock); err != nil {
		t.Fatalf("Save version: %v", err)
	}

	g, err := NewGateway(store)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	defer g.Zeroize()
	if g.ActiveVersion() != lastVersion {
		t.Fatalf("ActiveVersion = %d, want %d", g.ActiveVersion(), lastVersion)
	}

	if _, err := g.Rotate(); !errors.Is(err, domain.ErrKeyGenerationFailed) {
		t.Fatalf("Rotate = %v, want ErrKeyGenerationFailed", err)
	}
	// The refused rotation must not leave the gateway wedged.
	if _, err := g.Encrypt([]byte("still serving")); err != nil {
		t.Errorf("Encrypt after refused rotation: %v", err)
	}
}
