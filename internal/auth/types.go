package auth

import "time"

type Claims struct {
	Sub       string `json:"sub"` // key fingerprint
	TokenID   string `json:"jti"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

type LoginRequest struct {
	KeyID      string `json:"key_id"`
	SigningKey []byte `json:"signing_key"` // Ed25519 public key, 32 bytes
	Timestamp  int64  `json:"timestamp"`
	Signature  []byte `json:"signature"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
