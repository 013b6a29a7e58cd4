package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"envault/internal/auth"
	"envault/internal/keystore"
	"envault/internal/store"
	"envault/internal/vault"
)

type registerReq struct {
	Email string             `json:"email"`
	Key   keystore.PublicKey `json:"key"`
}

type registerResp struct {
	KeyID   string `json:"key_id"`
	Version int64  `json:"version"`
}

// handleRegister stores a user's public identity as a user entity. Registering
// the same identity twice is idempotent; claiming an already-registered key
// fingerprint with different material is a conflict.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.rlLoginIP.allow("reg:" + getClientIP(r)) {
		tooMany(w, s.rlLoginIP.retryAfter())
		return
	}

	var req registerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !isValidEmail(req.Email) {
		http.Error(w, "valid email required", http.StatusBadRequest)
		return
	}
	if len(req.Key.Encryption) != 32 || len(req.Key.Signing) != 32 {
		http.Error(w, "key material must be 32-byte X25519 and Ed25519 public keys", http.StatusBadRequest)
		return
	}

	keyID := req.Key.ID()
	id := vault.KindUser + "/" + keyID
	payload, err := json.Marshal(vault.User{Email: req.Email, Key: req.Key})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	version, err := s.entities.PutEntity(r.Context(), id, payload, 0)
	if errors.Is(err, store.ErrStaleWrite) {
		existing, getErr := s.entities.GetEntity(r.Context(), id)
		if getErr == nil && bytes.Equal(existing.Payload, payload) {
			writeJSON(w, registerResp{KeyID: keyID, Version: existing.Version})
			return
		}
		http.Error(w, "key already registered", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Printf("register %s: %v", keyID, err)
		http.Error(w, "storage error", http.StatusServiceUnavailable)
		return
	}

	s.audit.Append(keyID, "register", id)
	s.logger.Printf("registered %s (%s)", keyID, req.Email)
	writeJSON(w, registerResp{KeyID: keyID, Version: version})
}

// handleLogin verifies a signed timestamp against the registered signing key
// and issues a JWT bound to the key fingerprint.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.rlLoginIP.allow(getClientIP(r)) {
		tooMany(w, s.rlLoginIP.retryAfter())
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if !isValidKeyID(req.KeyID) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if !s.rlLoginKey.allow(req.KeyID) {
		tooMany(w, s.rlLoginKey.retryAfter())
		return
	}

	ent, err := s.entities.GetEntity(r.Context(), vault.KindUser+"/"+req.KeyID)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	var u vault.User
	if err := json.Unmarshal(ent.Payload, &u); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	// The request must present the key on record; the signature is checked
	// against the stored copy, never the caller-supplied one.
	if !bytes.Equal(req.SigningKey, u.Key.Signing) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	req.SigningKey = u.Key.Signing
	if err := auth.VerifyLogin(req, time.Now()); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	tok, exp, err := s.signer.IssueToken(req.KeyID)
	if err != nil {
		http.Error(w, "token issue failed", http.StatusInternalServerError)
		return
	}

	s.audit.Append(req.KeyID, "login", "")
	writeJSON(w, auth.LoginResponse{Token: tok, ExpiresAt: exp})
}
