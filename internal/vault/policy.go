package vault

import (
	"crypto/ed25519"
	"fmt"
	"sort"

	"envault/internal/crypto"
	"envault/internal/keystore"
)

// Action is what a caller wants to do to an environment.
type Action int

const (
	ActionRead Action = iota
	ActionWrite
	ActionGrant
)

func (a Action) need() Permission {
	switch a {
	case ActionWrite:
		return PermWrite
	case ActionGrant:
		return PermAdmin
	default:
		return PermRead
	}
}

// allowed is the access decision. Resolution order: an explicit grant for the
// key overrides everything (including a PermNone tombstone); absent a grant,
// project owners get admin; absent both, deny.
//
// Callers hold the environment lock; the owner fallback takes the registry
// mutex briefly, which the vault's lock order permits.
func (v *Vault) allowed(keyID string, p *Project, e *Environment, action Action) bool {
	if g, ok := e.grants[keyID]; ok {
		return g.Level >= action.need()
	}
	return v.isOwner(p, keyID)
}

func (v *Vault) isOwner(p *Project, keyID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := p.owners[keyID]
	return ok
}

// recipientsFor computes the authoritative recipient set for an environment:
// every registered user currently holding read-or-higher permission. Every
// seal and reseal takes its recipients from here; an envelope's recipient set
// diverging from this outside an atomic reseal is a bug.
//
// Callers hold the environment lock and the registry lock.
func (v *Vault) recipientsFor(p *Project, e *Environment) []keystore.PublicKey {
	ids := make(map[string]struct{})
	for keyID, g := range e.grants {
		if g.Level >= PermRead {
			ids[keyID] = struct{}{}
		}
	}
	for keyID := range p.owners {
		if _, explicit := e.grants[keyID]; !explicit {
			ids[keyID] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	out := make([]keystore.PublicKey, 0, len(sorted))
	for _, id := range sorted {
		if u, ok := v.users[id]; ok {
			out = append(out, u.User.Key)
		}
	}
	return out
}

// grantMessage is the byte string a granter signs. Binding the version stops
// an old signed grant from being replayed at a higher version after a
// revocation.
func grantMessage(projectID, envID, keyID string, level Permission, version int64) []byte {
	return []byte(fmt.Sprintf("envault/grant:%s:%s:%s:%d:%d", projectID, envID, keyID, int(level), version))
}

// grantTrusted verifies the provenance of a pulled grant: the granter must be
// a registered user, the signature must bind exactly this grant at this
// version, and the granter must hold grant authority on the environment per
// local state.
//
// Callers hold the environment lock.
func (v *Vault) grantTrusted(p *Project, e *Environment, doc grantDoc, version int64) bool {
	v.mu.Lock()
	signer, registered := v.users[doc.By]
	_, owner := p.owners[doc.By]
	v.mu.Unlock()

	if !registered {
		return false
	}
	msg := grantMessage(p.ID, e.ID, doc.KeyID, doc.Level, version)
	if !crypto.Verify(ed25519.PublicKey(signer.User.Key.Signing), msg, doc.Sig) {
		return false
	}
	if owner {
		return true
	}
	g, ok := e.grants[doc.By]
	return ok && g.Level >= PermAdmin
}
