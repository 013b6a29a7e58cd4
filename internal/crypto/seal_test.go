package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func randBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}

func TestSealOpenRoundTrip(t *testing.T) {
	master := randBytes(t, 32)
	pt := randBytes(t, 4096)
	aad := []byte("context")
	ct, err := Seal(master, pt, aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := Open(master, ct, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(pt, out) {
		t.Fatal("plaintext mismatch")
	}
}

func TestSealOpenAADMismatch(t *testing.T) {
	master := randBytes(t, 32)
	pt := []byte("secret-data")
	ct, err := Seal(master, pt, []byte("aad-1"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(master, ct, []byte("aad-2")); !errors.Is(err, ErrInvalidMAC) {
		t.Fatalf("expected ErrInvalidMAC with mismatched AAD, got %v", err)
	}
}

func TestSealOpenTagTamper(t *testing.T) {
	master := randBytes(t, 32)
	pt := []byte("hello")
	ct, err := Seal(master, pt, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	mut := append([]byte(nil), ct...)
	mut[len(mut)-1] ^= 0xFF
	if _, err := Open(master, mut, nil); !errors.Is(err, ErrInvalidMAC) {
		t.Fatalf("expected ErrInvalidMAC after tag tamper, got %v", err)
	}
}

func TestSealOpenTruncation(t *testing.T) {
	master := randBytes(t, 32)
	ct, err := Seal(master, []byte("hello"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(master, ct[:sealMinSize-1], nil); !errors.Is(err, ErrCiphertextTooShort) {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
}

func TestSealUniqueSaltAndIV(t *testing.T) {
	master := randBytes(t, 32)
	pt := []byte("data")
	ct1, err := Seal(master, pt, nil)
	if err != nil {
		t.Fatalf("seal1: %v", err)
	}
	ct2, err := Seal(master, pt, nil)
	if err != nil {
		t.Fatalf("seal2: %v", err)
	}
	if bytes.Equal(ct1[:sealSaltSize], ct2[:sealSaltSize]) {
		t.Fatal("expected distinct salts")
	}
	if bytes.Equal(ct1[sealSaltSize:sealSaltSize+sealIVSize], ct2[sealSaltSize:sealSaltSize+sealIVSize]) {
		t.Fatal("expected distinct IVs")
	}
}

func TestSealXOpenXRoundTrip(t *testing.T) {
	key := randBytes(t, ContentKeySize)
	pt := randBytes(t, 1024)
	aad := []byte("envault/secret:env:NAME")
	ct, err := SealX(key, pt, aad)
	if err != nil {
		t.Fatalf("sealx: %v", err)
	}
	out, err := OpenX(key, ct, aad)
	if err != nil {
		t.Fatalf("openx: %v", err)
	}
	if !bytes.Equal(pt, out) {
		t.Fatal("plaintext mismatch")
	}
	if _, err := OpenX(key, ct, []byte("other")); err == nil {
		t.Fatal("expected failure with mismatched AAD")
	}
}

func TestDeriveWrapKeyBindsBothSides(t *testing.T) {
	a, err := NewX25519()
	if err != nil {
		t.Fatalf("keygen a: %v", err)
	}
	b, err := NewX25519()
	if err != nil {
		t.Fatalf("keygen b: %v", err)
	}

	sharedAB, err := SharedSecret(a.Priv, b.Pub)
	if err != nil {
		t.Fatalf("ecdh a->b: %v", err)
	}
	sharedBA, err := SharedSecret(b.Priv, a.Pub)
	if err != nil {
		t.Fatalf("ecdh b->a: %v", err)
	}
	if !bytes.Equal(sharedAB, sharedBA) {
		t.Fatal("shared secrets differ")
	}

	k1, err := DeriveWrapKey(sharedAB, a.Pub.Bytes(), b.Pub.Bytes())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveWrapKey(sharedBA, a.Pub.Bytes(), b.Pub.Bytes())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("wrap keys differ for the same exchange")
	}

	// Swapping the salt sides must change the key.
	k3, err := DeriveWrapKey(sharedAB, b.Pub.Bytes(), a.Pub.Bytes())
	if err != nil {
		t.Fatalf("derive swapped: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatal("wrap key ignores key-pair binding")
	}
}

func TestDeriveKEKDeterministic(t *testing.T) {
	params := KDFParams{M: 64 * 1024, T: 1, P: 1, Salt: randBytes(t, 16)}
	k1 := DeriveKEK([]byte("passphrase"), params)
	k2 := DeriveKEK([]byte("passphrase"), params)
	if k1 != k2 {
		t.Fatal("KEK derivation not deterministic")
	}
	k3 := DeriveKEK([]byte("passphrase!"), params)
	if k1 == k3 {
		t.Fatal("different passphrases derived the same KEK")
	}
}

func FuzzSealRejectMutations(f *testing.F) {
	f.Add([]byte("hello"), []byte("aad"))
	f.Add([]byte(""), []byte(""))
	f.Fuzz(func(t *testing.T, pt, aad []byte) {
		master := randBytes(t, 32)
		ct, err := Seal(master, pt, aad)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if _, err := Open(master, ct, aad); err != nil {
			t.Fatalf("open baseline: %v", err)
		}
		mut := append([]byte(nil), ct...)
		idx := len(pt) % len(mut)
		mut[idx] ^= 0xFF
		if _, err := Open(master, mut, aad); err == nil {
			t.Fatalf("mutation at %d succeeded", idx)
		}
	})
}
