// Package keystore holds the user's asymmetric identity: an X25519 key for
// unwrapping envelope content keys and an Ed25519 key for signing requests.
// The private halves never leave this package; only signatures and unwrapped
// plaintext do.
package keystore

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"envault/internal/crypto"
)

var (
	// ErrBadPassphrase indicates the key file could not be opened with the
	// supplied passphrase.
	ErrBadPassphrase = errors.New("keystore: wrong passphrase or corrupt key file")
)

// PublicKey is the transmittable half of a user identity.
type PublicKey struct {
	Encryption []byte `json:"enc"` // X25519, 32 bytes
	Signing    []byte `json:"sig"` // Ed25519, 32 bytes
}

// ID returns the key fingerprint: the first 16 bytes of SHA-256 over the
// X25519 public key, hex encoded. The fingerprint is the identity root;
// email is display metadata only.
func (p PublicKey) ID() string {
	sum := sha256.Sum256(p.Encryption)
	return hex.EncodeToString(sum[:16])
}

func (p PublicKey) Equal(o PublicKey) bool {
	return bytes.Equal(p.Encryption, o.Encryption) && bytes.Equal(p.Signing, o.Signing)
}

// KeyStore wraps loaded private key material. All methods are pure functions
// over that material; nothing here touches the vault tree.
type KeyStore struct {
	pub     PublicKey
	dhPriv  *ecdh.PrivateKey
	sigPriv ed25519.PrivateKey
}

// Generate creates a fresh identity.
func Generate() (*KeyStore, error) {
	dh, err := crypto.NewX25519()
	if err != nil {
		return nil, err
	}
	sigPub, sigPriv, err := crypto.NewSigningKey()
	if err != nil {
		return nil, err
	}
	_ = crypto.LockMemory(sigPriv)
	return &KeyStore{
		pub: PublicKey{
			Encryption: dh.Pub.Bytes(),
			Signing:    sigPub,
		},
		dhPriv:  dh.Priv,
		sigPriv: sigPriv,
	}, nil
}

func (k *KeyStore) Public() PublicKey { return k.pub }
func (k *KeyStore) ID() string        { return k.pub.ID() }

// Close zeroes and unpins the private key material. The KeyStore must not be
// used afterwards.
func (k *KeyStore) Close() {
	if k.sigPriv != nil {
		_ = crypto.UnlockMemory(k.sigPriv)
		crypto.Zero(k.sigPriv)
		k.sigPriv = nil
	}
	k.dhPriv = nil
}

// Sign signs msg with the Ed25519 private key.
func (k *KeyStore) Sign(msg []byte) []byte {
	return crypto.Sign(k.sigPriv, msg)
}

// Unwrap recovers a content key wrapped for this identity: X25519 against the
// sender's ephemeral public key, HKDF to the wrapping key, then AEAD open.
func (k *KeyStore) Unwrap(ephemeralPub, wrapped, aad []byte) ([]byte, error) {
	peer, err := crypto.ParseX25519Public(ephemeralPub)
	if err != nil {
		return nil, err
	}
	shared, err := crypto.SharedSecret(k.dhPriv, peer)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(shared)

	wrapKey, err := crypto.DeriveWrapKey(shared, ephemeralPub, k.pub.Encryption)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(wrapKey)

	return crypto.OpenX(wrapKey, wrapped, aad)
}

// private key material as serialized inside the sealed key file
type keyMaterial struct {
	DH  []byte `json:"dh"`
	Sig []byte `json:"sig"`
}

func (k *KeyStore) marshalPrivate() ([]byte, error) {
	return json.Marshal(keyMaterial{
		DH:  k.dhPriv.Bytes(),
		Sig: k.sigPriv,
	})
}

func fromMaterial(m keyMaterial) (*KeyStore, error) {
	dhPriv, err := crypto.ParseX25519Private(m.DH)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse X25519 key: %w", err)
	}
	if len(m.Sig) != ed25519.PrivateKeySize {
		return nil, errors.New("keystore: bad Ed25519 key length")
	}
	sigPriv := ed25519.PrivateKey(append([]byte(nil), m.Sig...))
	_ = crypto.LockMemory(sigPriv)
	return &KeyStore{
		pub: PublicKey{
			Encryption: dhPriv.PublicKey().Bytes(),
			Signing:    sigPriv.Public().(ed25519.PublicKey),
		},
		dhPriv:  dhPriv,
		sigPriv: sigPriv,
	}, nil
}
