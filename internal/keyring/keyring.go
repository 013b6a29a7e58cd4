// Package keyring stores key-file passphrases in the OS credential store,
// keyed by key fingerprint.
package keyring

import (
	"github.com/zalando/go-keyring"
)

const serviceName = "envault"

// SavePassphrase stores a key-file passphrase in the OS keyring.
func SavePassphrase(keyID string, passphrase string) error {
	return keyring.Set(serviceName, keyID, passphrase)
}

// GetPassphrase retrieves a key-file passphrase from the OS keyring.
func GetPassphrase(keyID string) (string, error) {
	return keyring.Get(serviceName, keyID)
}

// DeletePassphrase removes a key-file passphrase from the OS keyring.
func DeletePassphrase(keyID string) error {
	return keyring.Delete(serviceName, keyID)
}

// HasPassphrase checks if a passphrase is stored for the key.
func HasPassphrase(keyID string) bool {
	_, err := keyring.Get(serviceName, keyID)
	return err == nil
}
