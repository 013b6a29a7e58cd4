package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"envault/internal/crypto"
)

// MaxLoginSkew bounds how old or future-dated a login signature may be.
const MaxLoginSkew = 2 * time.Minute

var ErrBadSignature = errors.New("auth: login signature invalid")

// LoginMessage is the exact byte string a client signs to authenticate:
// the key fingerprint and a unix timestamp, bound to this protocol.
func LoginMessage(keyID string, ts int64) []byte {
	return []byte(fmt.Sprintf("envault-login:%s:%d", keyID, ts))
}

// VerifyLogin checks a signed login request against the claimed Ed25519 key.
// The timestamp window is the replay defense; token TTLs do the rest.
func VerifyLogin(req LoginRequest, now time.Time) error {
	if len(req.SigningKey) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	ts := time.Unix(req.Timestamp, 0)
	if now.Sub(ts) > MaxLoginSkew || ts.Sub(now) > MaxLoginSkew {
		return ErrBadSignature
	}
	if !crypto.Verify(req.SigningKey, LoginMessage(req.KeyID, req.Timestamp), req.Signature) {
		return ErrBadSignature
	}
	return nil
}
