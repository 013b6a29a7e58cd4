package crypto

// Zero overwrites b in place. Content keys, KEKs, and decrypted secret
// plaintext go through here before their buffers are released.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
