package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
)

// NewSigningKey generates the Ed25519 half of a user identity. Login requests
// and audit-relevant writes are signed with it; the public half is registered
// alongside the X25519 encryption key.
func NewSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign signs msg with the identity's signing key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature of msg under pub. Callers
// must fetch pub from registered state, never from the message envelope.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
