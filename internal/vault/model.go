package vault

import (
	"envault/internal/envelope"
	"envault/internal/keystore"
)

// Permission levels on an environment. Admin implies read, write, and grant
// management. PermNone is a revocation tombstone: an explicit deny that
// overrides project-owner fallback and survives sync.
type Permission int

const (
	PermNone Permission = iota
	PermRead
	PermWrite
	PermAdmin
)

func (p Permission) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	case PermAdmin:
		return "admin"
	default:
		return "none"
	}
}

// ParsePermission maps a CLI-facing level name to a Permission.
func ParsePermission(s string) (Permission, bool) {
	switch s {
	case "read":
		return PermRead, true
	case "write":
		return PermWrite, true
	case "admin":
		return PermAdmin, true
	case "none":
		return PermNone, true
	}
	return PermNone, false
}

// User pairs a public key with its display email. The key fingerprint is the
// identity; two users never share a fingerprint.
type User struct {
	Email string             `json:"email"`
	Key   keystore.PublicKey `json:"key"`
}

// Secret is one named value inside an environment. The plaintext exists only
// transiently; at rest it is always the multi-recipient envelope.
type Secret struct {
	Name string
	Env  *envelope.Envelope

	// Version is the entity version counter; Base is the remote version the
	// current state derives from; Dirty marks uncommitted local edits.
	Version int64
	Base    int64
	Dirty   bool
}

// AccessGrant binds a user (by key fingerprint) to a permission level on one
// environment.
type AccessGrant struct {
	KeyID string
	Level Permission

	// By is the granter's key fingerprint; Sig is their Ed25519 signature
	// binding project, environment, target key, level, and version. Pulled
	// grants are merged only when the signature verifies against the
	// granter's registered key.
	By  string
	Sig []byte

	Version int64
	Base    int64
	Dirty   bool
}

// Environment belongs to exactly one project and owns its secrets and grants.
type Environment struct {
	ID   string
	Name string

	secrets map[string]*Secret      // by name
	grants  map[string]*AccessGrant // by key ID

	Version int64
	Base    int64
	Dirty   bool
}

// Project groups environments and carries the owner set. Owners hold admin on
// every environment unless an explicit grant overrides.
type Project struct {
	ID   string
	Name string

	owners map[string]struct{}     // key IDs
	envs   map[string]*Environment // by name

	Version int64
	Base    int64
	Dirty   bool
}

// Owners returns the owner key IDs.
func (p *Project) Owners() []string {
	out := make([]string, 0, len(p.owners))
	for id := range p.owners {
		out = append(out, id)
	}
	return out
}

// Session carries the authenticated identity through every vault call, in
// place of ambient process globals.
type Session struct {
	User User
	Keys *keystore.KeyStore
}

// NewSession builds a session for a loaded key store.
func NewSession(email string, ks *keystore.KeyStore) *Session {
	return &Session{
		User: User{Email: email, Key: ks.Public()},
		Keys: ks,
	}
}

func secretAAD(envID, name string) []byte {
	return []byte("envault/secret:" + envID + ":" + name)
}
