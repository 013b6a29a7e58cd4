package keystore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"envault/internal/crypto"
)

func TestGenerateIDStable(t *testing.T) {
	ks, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id := ks.ID()
	if len(id) != 32 {
		t.Fatalf("fingerprint length %d, want 32 hex chars", len(id))
	}
	if ks.Public().ID() != id {
		t.Fatal("fingerprint differs between KeyStore and PublicKey")
	}

	other, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if other.ID() == id {
		t.Fatal("two fresh keys share a fingerprint")
	}
}

func TestSignVerify(t *testing.T) {
	ks, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("envault-login:deadbeef:1700000000")
	sig := ks.Sign(msg)

	if !crypto.Verify(ks.Public().Signing, msg, sig) {
		t.Fatal("valid signature rejected")
	}
	bad := append([]byte(nil), sig...)
	bad[0] ^= 0xFF
	if crypto.Verify(ks.Public().Signing, msg, bad) {
		t.Fatal("tampered signature accepted")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key.json")
	pass := []byte("correct horse battery staple")

	ks, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := ks.Save(path, pass); err != nil {
		t.Fatalf("save: %v", err)
	}

	back, err := Load(path, pass)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if back.ID() != ks.ID() {
		t.Fatal("fingerprint changed across save/load")
	}
	if !back.Public().Equal(ks.Public()) {
		t.Fatal("public material changed across save/load")
	}

	// The restored private halves must still work together.
	msg := []byte("round-trip check")
	if !crypto.Verify(ks.Public().Signing, msg, back.Sign(msg)) {
		t.Fatal("restored signing key produces invalid signatures")
	}
}

func TestLoadWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key.json")

	ks, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := ks.Save(path, []byte("right")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := Load(path, []byte("wrong")); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("expected ErrBadPassphrase, got %v", err)
	}
}

func TestPublicKeyEqual(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !a.Public().Equal(a.Public()) {
		t.Fatal("key not equal to itself")
	}
	if a.Public().Equal(b.Public()) {
		t.Fatal("distinct keys compare equal")
	}
	mixed := PublicKey{
		Encryption: a.Public().Encryption,
		Signing:    bytes.Clone(b.Public().Signing),
	}
	if a.Public().Equal(mixed) {
		t.Fatal("key with swapped signing half compares equal")
	}
}
