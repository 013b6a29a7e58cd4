package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/argon2"
)

type KDFParams struct {
	M    uint32
	T    uint32
	P    uint8
	Salt []byte
}

// DefaultKDF returns Argon2id parameters for protecting a key file on a
// workstation: 256 MiB, 3 passes, 4 lanes.
func DefaultKDF() KDFParams {
	salt := make([]byte, 32)
	_, _ = rand.Read(salt)
	return KDFParams{M: 256 * 1024, T: 3, P: 4, Salt: salt}
}

// DeriveKEK stretches a passphrase into the key-encryption key that seals the
// user's private key material at rest.
func DeriveKEK(passphrase []byte, p KDFParams) (kek [32]byte) {
	key := argon2.IDKey(passphrase, p.Salt, p.T, p.M, p.P, 32)
	copy(kek[:], key)
	Zero(key)
	return
}
