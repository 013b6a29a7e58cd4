package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"

	xchacha "golang.org/x/crypto/chacha20poly1305"
)

// ContentKeySize is the length of the symmetric key that encrypts a secret's
// payload. One fresh key is generated per seal and wrapped per recipient.
const ContentKeySize = xchacha.KeySize

// NewXChaCha constructs the AEAD used for bulk secret content.
func NewXChaCha(key []byte) (cipher.AEAD, error) {
	return xchacha.NewX(key)
}

// NewContentKey returns a fresh random 32-byte content key.
func NewContentKey() ([]byte, error) {
	key := make([]byte, ContentKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// SealX encrypts plaintext with XChaCha20-Poly1305. The random nonce is
// prefixed to the returned ciphertext: [nonce||ct||tag].
func SealX(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := NewXChaCha(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, xchacha.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out[:len(nonce)], nonce, plaintext, aad)
	return out, nil
}

// OpenX decrypts data produced by SealX.
func OpenX(key, ciphertext, aad []byte) ([]byte, error) {
	aead, err := NewXChaCha(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < xchacha.NonceSizeX {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:xchacha.NonceSizeX]
	ct := ciphertext[xchacha.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}
