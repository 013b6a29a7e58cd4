package envelope

import (
	"bytes"
	"errors"
	"testing"

	"envault/internal/keystore"
)

func genKeys(t *testing.T, n int) []*keystore.KeyStore {
	t.Helper()
	out := make([]*keystore.KeyStore, n)
	for i := range out {
		ks, err := keystore.Generate()
		if err != nil {
			t.Fatalf("keygen %d: %v", i, err)
		}
		out[i] = ks
	}
	return out
}

func publics(keys []*keystore.KeyStore) []keystore.PublicKey {
	out := make([]keystore.PublicKey, len(keys))
	for i, k := range keys {
		out[i] = k.Public()
	}
	return out
}

func TestSealOpenEveryRecipient(t *testing.T) {
	keys := genKeys(t, 3)
	pt := []byte("postgres://user:s3cr3t@db/prod")
	aad := []byte("envault/secret:env-1:DB_PASS")

	env, err := Seal(pt, aad, publics(keys))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(env.Wrapped) != 3 {
		t.Fatalf("wrapped %d keys, want 3", len(env.Wrapped))
	}
	for i, ks := range keys {
		got, err := env.Open(ks, aad)
		if err != nil {
			t.Fatalf("open as recipient %d: %v", i, err)
		}
		if !bytes.Equal(pt, got) {
			t.Fatalf("recipient %d: plaintext mismatch", i)
		}
	}
}

func TestOpenNonRecipient(t *testing.T) {
	keys := genKeys(t, 2)
	outsider := genKeys(t, 1)[0]
	aad := []byte("ctx")

	env, err := Seal([]byte("v"), aad, publics(keys))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := env.Open(outsider, aad); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
}

func TestOpenAADMismatch(t *testing.T) {
	keys := genKeys(t, 1)
	env, err := Seal([]byte("v"), []byte("aad-1"), publics(keys))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := env.Open(keys[0], []byte("aad-2")); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestCiphertextTamper(t *testing.T) {
	keys := genKeys(t, 2)
	aad := []byte("ctx")
	env, err := Seal([]byte("payload"), aad, publics(keys))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	env.Ciphertext[len(env.Ciphertext)/2] ^= 0x01
	for i, ks := range keys {
		if _, err := env.Open(ks, aad); !errors.Is(err, ErrIntegrity) {
			t.Fatalf("recipient %d: expected ErrIntegrity, got %v", i, err)
		}
	}
}

// Mutating any recipient's wrapped key must break authentication for every
// recipient, not just the mutated one.
func TestWrappedTableTamper(t *testing.T) {
	keys := genKeys(t, 2)
	aad := []byte("ctx")
	env, err := Seal([]byte("payload"), aad, publics(keys))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	victim := keys[1].ID()
	wk := env.Wrapped[victim]
	wk.Key = append([]byte(nil), wk.Key...)
	wk.Key[0] ^= 0xFF
	env.Wrapped[victim] = wk

	for i, ks := range keys {
		if _, err := env.Open(ks, aad); !errors.Is(err, ErrIntegrity) {
			t.Fatalf("recipient %d: expected ErrIntegrity, got %v", i, err)
		}
	}
}

func TestSealEmptyRecipients(t *testing.T) {
	if _, err := Seal([]byte("v"), nil, nil); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}

func TestResealDropsRevoked(t *testing.T) {
	keys := genKeys(t, 3)
	aad := []byte("ctx")
	pt := []byte("rotate-me")

	env, err := Seal(pt, aad, publics(keys))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// Drop keys[2] from the recipient set.
	kept := publics(keys[:2])
	fresh, err := env.Reseal(keys[0], aad, kept)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}

	if _, err := fresh.Open(keys[2], aad); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("revoked recipient: expected ErrKeyMismatch, got %v", err)
	}
	got, err := fresh.Open(keys[1], aad)
	if err != nil {
		t.Fatalf("kept recipient: %v", err)
	}
	if !bytes.Equal(pt, got) {
		t.Fatal("plaintext changed across reseal")
	}
	if bytes.Equal(env.Ciphertext, fresh.Ciphertext) {
		t.Fatal("reseal reused the content key material")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	keys := genKeys(t, 2)
	aad := []byte("ctx")
	env, err := Seal([]byte("wire"), aad, publics(keys))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	b, err := Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Version != Version {
		t.Fatalf("version %d, want %d", back.Version, Version)
	}
	got, err := back.Open(keys[0], aad)
	if err != nil {
		t.Fatalf("open after roundtrip: %v", err)
	}
	if string(got) != "wire" {
		t.Fatal("plaintext mismatch after roundtrip")
	}
}

func TestRecipientIDsSorted(t *testing.T) {
	keys := genKeys(t, 4)
	env, err := Seal([]byte("v"), []byte("ctx"), publics(keys))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ids := env.RecipientIDs()
	if len(ids) != 4 {
		t.Fatalf("got %d ids, want 4", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("ids not sorted at %d: %s >= %s", i, ids[i-1], ids[i])
		}
	}
}

func FuzzUnmarshal(f *testing.F) {
	ks, err := keystore.Generate()
	if err != nil {
		f.Fatalf("keygen: %v", err)
	}
	env, err := Seal([]byte("seed"), []byte("ctx"), []keystore.PublicKey{ks.Public()})
	if err != nil {
		f.Fatalf("seal: %v", err)
	}
	seed, err := Marshal(env)
	if err != nil {
		f.Fatalf("marshal: %v", err)
	}
	f.Add(seed)
	f.Add([]byte("{}"))
	f.Add([]byte("null"))

	f.Fuzz(func(t *testing.T, data []byte) {
		e, err := Unmarshal(data)
		if err != nil || e == nil {
			return
		}
		// Whatever parsed must fail closed, never panic.
		_, _ = e.Open(ks, []byte("ctx"))
	})
}
