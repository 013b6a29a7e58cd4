// Package envelope implements the multi-recipient encrypted form of a secret
// value. A fresh content key encrypts the plaintext once; the content key is
// then wrapped separately for every recipient's X25519 public key, so large
// payloads are never re-encrypted per recipient.
package envelope

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"sort"

	"envault/internal/crypto"
	"envault/internal/keystore"
)

var (
	// ErrKeyMismatch indicates the caller's key is not among the envelope's
	// recipients.
	ErrKeyMismatch = errors.New("envelope: no wrapped key for this identity")

	// ErrIntegrity indicates authentication failed while opening: tampering,
	// a substituted recipient list, or the wrong key.
	ErrIntegrity = errors.New("envelope: integrity check failed")

	// ErrNoRecipients indicates a seal was attempted for an empty recipient set.
	ErrNoRecipients = errors.New("envelope: recipient set is empty")
)

// Version is the current envelope wire format version.
const Version = 1

// WrappedKey carries one recipient's copy of the content key.
type WrappedKey struct {
	EphemeralPub []byte `json:"epk"` // sender's per-recipient X25519 ephemeral
	Key          []byte `json:"key"` // AEAD(wrapKey, contentKey)
}

// Envelope is the encrypted bundle stored for a secret. The bulk AEAD tag
// covers the full wrapped-key table through its AAD, so any byte of the
// recipient table is bound to the ciphertext.
type Envelope struct {
	Version    int                   `json:"v"`
	Wrapped    map[string]WrappedKey `json:"wrapped"` // keyed by recipient key ID
	Ciphertext []byte                `json:"ct"`
}

// Seal encrypts plaintext for every key in recipients. aad binds the envelope
// to its location in the vault tree (e.g. "secret:<env>:<name>").
func Seal(plaintext, aad []byte, recipients []keystore.PublicKey) (*Envelope, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	contentKey, err := crypto.NewContentKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(contentKey)

	wrapped := make(map[string]WrappedKey, len(recipients))
	for _, rcpt := range recipients {
		id := rcpt.ID()
		if _, dup := wrapped[id]; dup {
			continue
		}
		wk, err := wrapFor(contentKey, rcpt)
		if err != nil {
			return nil, err
		}
		wrapped[id] = wk
	}

	env := &Envelope{Version: Version, Wrapped: wrapped}
	ct, err := crypto.SealX(contentKey, plaintext, bindAAD(aad, wrapped))
	if err != nil {
		return nil, err
	}
	env.Ciphertext = ct
	return env, nil
}

// Open recovers the plaintext for the holder of ks. Fails with ErrKeyMismatch
// when ks is not a recipient and ErrIntegrity when authentication fails.
func (e *Envelope) Open(ks *keystore.KeyStore, aad []byte) ([]byte, error) {
	wk, ok := e.Wrapped[ks.ID()]
	if !ok {
		return nil, ErrKeyMismatch
	}

	contentKey, err := ks.Unwrap(wk.EphemeralPub, wk.Key, wrapAAD(ks.ID()))
	if err != nil {
		return nil, ErrIntegrity
	}
	defer crypto.Zero(contentKey)

	pt, err := crypto.OpenX(contentKey, e.Ciphertext, bindAAD(aad, e.Wrapped))
	if err != nil {
		return nil, ErrIntegrity
	}
	return pt, nil
}

// Reseal produces a fresh envelope for newRecipients. It requires unwrapping
// with an existing recipient's key first; the caller swaps the returned
// envelope for the old one atomically so the recipient list and the grant
// list never diverge.
func (e *Envelope) Reseal(ks *keystore.KeyStore, aad []byte, newRecipients []keystore.PublicKey) (*Envelope, error) {
	pt, err := e.Open(ks, aad)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(pt)
	return Seal(pt, aad, newRecipients)
}

// RecipientIDs returns the sorted key IDs this envelope is addressed to.
func (e *Envelope) RecipientIDs() []string {
	ids := make([]string, 0, len(e.Wrapped))
	for id := range e.Wrapped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func Marshal(e *Envelope) ([]byte, error) { return json.Marshal(e) }

func Unmarshal(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func wrapFor(contentKey []byte, rcpt keystore.PublicKey) (WrappedKey, error) {
	eph, err := crypto.NewX25519()
	if err != nil {
		return WrappedKey{}, err
	}
	peer, err := crypto.ParseX25519Public(rcpt.Encryption)
	if err != nil {
		return WrappedKey{}, err
	}
	shared, err := crypto.SharedSecret(eph.Priv, peer)
	if err != nil {
		return WrappedKey{}, err
	}
	defer crypto.Zero(shared)

	ephPub := eph.Pub.Bytes()
	wrapKey, err := crypto.DeriveWrapKey(shared, ephPub, rcpt.Encryption)
	if err != nil {
		return WrappedKey{}, err
	}
	defer crypto.Zero(wrapKey)

	sealed, err := crypto.SealX(wrapKey, contentKey, wrapAAD(rcpt.ID()))
	if err != nil {
		return WrappedKey{}, err
	}
	return WrappedKey{EphemeralPub: ephPub, Key: sealed}, nil
}

func wrapAAD(keyID string) []byte {
	return []byte("envault/wrap:" + keyID)
}

// bindAAD digests the entire wrapped-key table (IDs, ephemerals, sealed keys,
// in sorted ID order) into the AAD for the bulk cipher. Tampering any byte of
// the table fails authentication for every recipient.
func bindAAD(aad []byte, wrapped map[string]WrappedKey) []byte {
	ids := make([]string, 0, len(wrapped))
	for id := range wrapped {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		wk := wrapped[id]
		h.Write([]byte(id))
		h.Write(wk.EphemeralPub)
		h.Write(wk.Key)
	}
	out := make([]byte, 0, len(aad)+sha256.Size)
	out = append(out, aad...)
	return h.Sum(out)
}
