package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"envault/internal/crypto"
)

// keyFile is the on-disk form of an identity: KDF parameters in the clear,
// private key material sealed under the passphrase-derived KEK.
type keyFile struct {
	Version int       `json:"version"`
	KDF     kdfHeader `json:"kdf"`
	Sealed  []byte    `json:"sealed"`
}

type kdfHeader struct {
	Algo string `json:"algo"` // "argon2id"
	M    uint32 `json:"m"`
	T    uint32 `json:"t"`
	P    uint8  `json:"p"`
	Salt []byte `json:"salt"`
}

const keyFileVersion = 1

var keyFileAAD = []byte("envault/keyfile")

// Save seals the identity under the passphrase and writes it to path, 0600.
func (k *KeyStore) Save(path string, passphrase []byte) error {
	kdf := crypto.DefaultKDF()
	kek := crypto.DeriveKEK(passphrase, kdf)
	defer crypto.Zero(kek[:])

	material, err := k.marshalPrivate()
	if err != nil {
		return err
	}
	defer crypto.Zero(material)

	sealed, err := crypto.Seal(kek[:], material, keyFileAAD)
	if err != nil {
		return err
	}

	kf := keyFile{
		Version: keyFileVersion,
		KDF: kdfHeader{
			Algo: "argon2id",
			M:    kdf.M,
			T:    kdf.T,
			P:    kdf.P,
			Salt: kdf.Salt,
		},
		Sealed: sealed,
	}
	b, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// Load opens a key file with the passphrase. Fails with ErrBadPassphrase when
// the MAC does not verify.
func Load(path string, passphrase []byte) (*KeyStore, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return nil, fmt.Errorf("keystore: parse key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("keystore: unsupported key file version %d", kf.Version)
	}

	kek := crypto.DeriveKEK(passphrase, crypto.KDFParams{
		M: kf.KDF.M, T: kf.KDF.T, P: kf.KDF.P, Salt: kf.KDF.Salt,
	})
	defer crypto.Zero(kek[:])

	material, err := crypto.Open(kek[:], kf.Sealed, keyFileAAD)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidMAC) {
			return nil, ErrBadPassphrase
		}
		return nil, err
	}
	defer crypto.Zero(material)
	_ = crypto.LockMemory(material)

	var m keyMaterial
	if err := json.Unmarshal(material, &m); err != nil {
		return nil, err
	}
	return fromMaterial(m)
}
