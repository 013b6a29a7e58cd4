// Package vault owns the Project -> Environment -> Secret containment tree
// and the access-grant lists. Every mutation is validated against the access
// policy before taking effect, and every seal takes its recipient set from
// the policy, never from the caller.
package vault

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"envault/internal/envelope"
	"envault/internal/keystore"
)

// Vault is the in-memory model. Operations on different environments may run
// concurrently; an environment's grants and secrets are guarded by its
// per-environment mutex, on every path that touches them. The registry mutex
// guards the user and project maps, the owner sets, and structural record
// fields. Lock order is environment before registry: the registry mutex is
// never held while waiting on an environment lock.
type Vault struct {
	mu           sync.Mutex
	users        map[string]*userRec // by key ID
	projects     map[string]*Project // by name
	projectsByID map[string]*Project
	envLocks     map[string]*sync.Mutex // by environment ID
}

type userRec struct {
	User    User
	Version int64
	Base    int64
	Dirty   bool
}

func New() *Vault {
	return &Vault{
		users:        make(map[string]*userRec),
		projects:     make(map[string]*Project),
		projectsByID: make(map[string]*Project),
		envLocks:     make(map[string]*sync.Mutex),
	}
}

// RegisterUser records a public key so it can appear in recipient sets. The
// key fingerprint is the identity: registering the same key twice updates the
// email only.
func (v *Vault) RegisterUser(email string, pub keystore.PublicKey) User {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.registerUserLocked(email, pub)
}

func (v *Vault) registerUserLocked(email string, pub keystore.PublicKey) User {
	id := pub.ID()
	if rec, ok := v.users[id]; ok {
		if email != "" && rec.User.Email != email {
			rec.User.Email = email
			rec.Version = rec.Base + 1
			rec.Dirty = true
		}
		return rec.User
	}
	u := User{Email: email, Key: pub}
	v.users[id] = &userRec{User: u, Version: 1, Dirty: true}
	return u
}

// UserByID looks a registered user up by key fingerprint.
func (v *Vault) UserByID(keyID string) (User, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.users[keyID]
	if !ok {
		return User{}, false
	}
	return rec.User, true
}

// CreateProject adds a project owned by the session user.
func (v *Vault) CreateProject(name string, s *Session) (*Project, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.projects[name]; exists {
		return nil, fmt.Errorf("project %q: %w", name, ErrDuplicateName)
	}
	v.registerUserLocked(s.User.Email, s.User.Key)

	p := &Project{
		ID:      uuid.NewString(),
		Name:    name,
		owners:  map[string]struct{}{s.User.Key.ID(): {}},
		envs:    make(map[string]*Environment),
		Version: 1,
		Dirty:   true,
	}
	v.projects[name] = p
	v.projectsByID[p.ID] = p
	return p, nil
}

// DeleteProject removes an empty project. It refuses while environments
// remain; cascading deletion of live secrets is deliberately not offered.
func (v *Vault) DeleteProject(name string, s *Session) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.projects[name]
	if !ok {
		return fmt.Errorf("project %q: %w", name, ErrNotFound)
	}
	if _, owner := p.owners[s.User.Key.ID()]; !owner {
		return ErrPermissionDenied
	}
	if len(p.envs) > 0 {
		return fmt.Errorf("project %q: %w", name, ErrNotEmpty)
	}
	delete(v.projects, name)
	delete(v.projectsByID, p.ID)
	return nil
}

// CreateEnvironment adds an environment to a project. The project's owners
// become the initial admin grants.
func (v *Vault) CreateEnvironment(projectName, envName string, s *Session) (*Environment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.projects[projectName]
	if !ok {
		return nil, fmt.Errorf("project %q: %w", projectName, ErrNotFound)
	}
	if _, owner := p.owners[s.User.Key.ID()]; !owner {
		return nil, ErrPermissionDenied
	}
	if _, exists := p.envs[envName]; exists {
		return nil, fmt.Errorf("environment %q: %w", envName, ErrDuplicateName)
	}

	e := &Environment{
		ID:      uuid.NewString(),
		Name:    envName,
		secrets: make(map[string]*Secret),
		grants:  make(map[string]*AccessGrant),
		Version: 1,
		Dirty:   true,
	}
	creator := s.User.Key.ID()
	for keyID := range p.owners {
		e.grants[keyID] = &AccessGrant{
			KeyID: keyID, Level: PermAdmin, By: creator,
			Sig:     s.Keys.Sign(grantMessage(p.ID, e.ID, keyID, PermAdmin, 1)),
			Version: 1, Dirty: true,
		}
	}
	p.envs[envName] = e
	return e, nil
}

// resolveEnv locates an environment and returns its lock. The caller locks
// the returned mutex before touching the environment's secrets or grants.
func (v *Vault) resolveEnv(projectName, envName string) (*Project, *Environment, *sync.Mutex, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.projects[projectName]
	if !ok {
		return nil, nil, nil, fmt.Errorf("project %q: %w", projectName, ErrNotFound)
	}
	e, ok := p.envs[envName]
	if !ok {
		return nil, nil, nil, fmt.Errorf("environment %q: %w", envName, ErrNotFound)
	}
	return p, e, v.envLockLocked(e.ID), nil
}

func (v *Vault) envLockLocked(envID string) *sync.Mutex {
	lk := v.envLocks[envID]
	if lk == nil {
		lk = &sync.Mutex{}
		v.envLocks[envID] = lk
	}
	return lk
}

// CreateSecret seals plaintext for the environment's current read-authorized
// recipient set and stores it under name. Overwrites go through UpdateSecret.
func (v *Vault) CreateSecret(projectName, envName, name string, plaintext []byte, s *Session) error {
	p, e, lk, err := v.resolveEnv(projectName, envName)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()

	if !v.allowed(s.User.Key.ID(), p, e, ActionWrite) {
		return ErrPermissionDenied
	}
	if _, exists := e.secrets[name]; exists {
		return fmt.Errorf("secret %q: %w", name, ErrDuplicateName)
	}

	env, err := envelope.Seal(plaintext, secretAAD(e.ID, name), v.recipients(p, e))
	if err != nil {
		return err
	}
	e.secrets[name] = &Secret{Name: name, Env: env, Version: 1, Dirty: true}
	return nil
}

// UpdateSecret replaces a secret's value. knownVersion is the version the
// caller last observed; the write is refused as stale when the stored version
// has moved past it, forcing a pull-before-push.
func (v *Vault) UpdateSecret(projectName, envName, name string, plaintext []byte, knownVersion int64, s *Session) error {
	p, e, lk, err := v.resolveEnv(projectName, envName)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()

	if !v.allowed(s.User.Key.ID(), p, e, ActionWrite) {
		return ErrPermissionDenied
	}
	sec, ok := e.secrets[name]
	if !ok {
		return fmt.Errorf("secret %q: %w", name, ErrNotFound)
	}
	if knownVersion < sec.Version {
		return fmt.Errorf("secret %q at version %d, caller knows %d: %w", name, sec.Version, knownVersion, ErrStaleWrite)
	}

	env, err := envelope.Seal(plaintext, secretAAD(e.ID, name), v.recipients(p, e))
	if err != nil {
		return err
	}
	sec.Env = env
	sec.Version = sec.Base + 1
	if sec.Version <= knownVersion {
		sec.Version = knownVersion + 1
	}
	sec.Dirty = true
	return nil
}

// GetSecret opens a secret for the session user. The permission check runs
// first, so a revoked user is refused locally before any decryption attempt.
func (v *Vault) GetSecret(projectName, envName, name string, s *Session) ([]byte, error) {
	p, e, lk, err := v.resolveEnv(projectName, envName)
	if err != nil {
		return nil, err
	}
	lk.Lock()
	defer lk.Unlock()

	if !v.allowed(s.User.Key.ID(), p, e, ActionRead) {
		return nil, ErrPermissionDenied
	}
	sec, ok := e.secrets[name]
	if !ok {
		return nil, fmt.Errorf("secret %q: %w", name, ErrNotFound)
	}
	return sec.Env.Open(s.Keys, secretAAD(e.ID, name))
}

// SecretVersion reports the stored version counter for a secret.
func (v *Vault) SecretVersion(projectName, envName, name string) (int64, error) {
	_, e, lk, err := v.resolveEnv(projectName, envName)
	if err != nil {
		return 0, err
	}
	lk.Lock()
	defer lk.Unlock()

	sec, ok := e.secrets[name]
	if !ok {
		return 0, fmt.Errorf("secret %q: %w", name, ErrNotFound)
	}
	return sec.Version, nil
}

// GrantAccess gives target the level on an environment and reseals every
// secret in it, so the change takes effect immediately. All new envelopes are
// computed before any state changes; the grant and the swaps then commit
// together under the environment lock.
func (v *Vault) GrantAccess(projectName, envName string, target User, level Permission, s *Session) error {
	p, e, lk, err := v.resolveEnv(projectName, envName)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()

	if !v.allowed(s.User.Key.ID(), p, e, ActionGrant) {
		return ErrPermissionDenied
	}

	v.mu.Lock()
	v.registerUserLocked(target.Email, target.Key)
	v.mu.Unlock()

	return v.setGrant(p, e, target.Key.ID(), level, s)
}

// RevokeAccess removes target's access. The reseal is the sole revocation
// mechanism: dropping the key from the recipient set is what makes the
// ciphertexts unreadable going forward.
func (v *Vault) RevokeAccess(projectName, envName, targetKeyID string, s *Session) error {
	p, e, lk, err := v.resolveEnv(projectName, envName)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()

	if !v.allowed(s.User.Key.ID(), p, e, ActionGrant) {
		return ErrPermissionDenied
	}
	return v.setGrant(p, e, targetKeyID, PermNone, s)
}

// setGrant applies a grant change plus the resulting reseals atomically.
// Callers hold the environment lock and have passed the grant check.
func (v *Vault) setGrant(p *Project, e *Environment, targetKeyID string, level Permission, s *Session) error {
	prev, had := e.grants[targetKeyID]

	g := &AccessGrant{KeyID: targetKeyID, Level: level, By: s.User.Key.ID(), Version: 1, Dirty: true}
	if had {
		g.Base = prev.Base
		g.Version = prev.Base + 1
		if g.Version <= prev.Version {
			g.Version = prev.Version + 1
		}
	}
	g.Sig = s.Keys.Sign(grantMessage(p.ID, e.ID, targetKeyID, level, g.Version))
	e.grants[targetKeyID] = g
	recips := v.recipients(p, e)
	if len(recips) == 0 {
		e.grants[targetKeyID] = prev
		if !had {
			delete(e.grants, targetKeyID)
		}
		return fmt.Errorf("environment %q would have no readers: %w", e.Name, ErrPermissionDenied)
	}

	type swap struct {
		sec *Secret
		env *envelope.Envelope
	}
	swaps := make([]swap, 0, len(e.secrets))
	for name, sec := range e.secrets {
		next, err := sec.Env.Reseal(s.Keys, secretAAD(e.ID, name), recips)
		if err != nil {
			e.grants[targetKeyID] = prev
			if !had {
				delete(e.grants, targetKeyID)
			}
			return fmt.Errorf("reseal %q: %w", name, err)
		}
		swaps = append(swaps, swap{sec: sec, env: next})
	}

	for _, sw := range swaps {
		sw.sec.Env = sw.env
		if next := sw.sec.Base + 1; next > sw.sec.Version {
			sw.sec.Version = next
		} else {
			sw.sec.Version++
		}
		sw.sec.Dirty = true
	}
	return nil
}

// recipients takes the registry lock briefly around the policy computation.
// Callers hold the environment lock.
func (v *Vault) recipients(p *Project, e *Environment) []keystore.PublicKey {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.recipientsFor(p, e)
}

// GrantFor reports the effective permission a key holds on an environment.
func (v *Vault) GrantFor(projectName, envName, keyID string) (Permission, error) {
	p, e, lk, err := v.resolveEnv(projectName, envName)
	if err != nil {
		return PermNone, err
	}
	lk.Lock()
	defer lk.Unlock()

	if g, ok := e.grants[keyID]; ok {
		return g.Level, nil
	}
	if v.isOwner(p, keyID) {
		return PermAdmin, nil
	}
	return PermNone, nil
}

// projectInfo is a registry snapshot of one project a key may enumerate,
// taken so grant checks can run under environment locks with the registry
// mutex released.
type projectInfo struct {
	id   string
	name string
}

type envRef struct {
	e  *Environment
	lk *sync.Mutex
}

// enumerable reports projects keyID may see: projects they own, or projects
// with at least one environment granting them read.
func (v *Vault) enumerable(keyID string) []projectInfo {
	type snap struct {
		info  projectInfo
		owner bool
		envs  []envRef
	}

	v.mu.Lock()
	snaps := make([]snap, 0, len(v.projects))
	for name, p := range v.projects {
		sn := snap{info: projectInfo{id: p.ID, name: name}}
		if _, owner := p.owners[keyID]; owner {
			sn.owner = true
		} else {
			for _, e := range p.envs {
				sn.envs = append(sn.envs, envRef{e: e, lk: v.envLockLocked(e.ID)})
			}
		}
		snaps = append(snaps, sn)
	}
	v.mu.Unlock()

	var out []projectInfo
	for _, sn := range snaps {
		if sn.owner {
			out = append(out, sn.info)
			continue
		}
		for _, ref := range sn.envs {
			ref.lk.Lock()
			g, ok := ref.e.grants[keyID]
			readable := ok && g.Level >= PermRead
			ref.lk.Unlock()
			if readable {
				out = append(out, sn.info)
				break
			}
		}
	}
	return out
}

// ListProjects returns the names of projects the session user may enumerate:
// projects they own or hold at least read on some environment of.
func (v *Vault) ListProjects(s *Session) []string {
	infos := v.enumerable(s.User.Key.ID())
	out := make([]string, 0, len(infos))
	for _, pi := range infos {
		out = append(out, pi.name)
	}
	return out
}

// ListEnvironments returns environment names the user may enumerate.
func (v *Vault) ListEnvironments(projectName string, s *Session) ([]string, error) {
	keyID := s.User.Key.ID()

	type envSnap struct {
		name string
		ref  envRef
	}
	v.mu.Lock()
	p, ok := v.projects[projectName]
	if !ok {
		v.mu.Unlock()
		return nil, fmt.Errorf("project %q: %w", projectName, ErrNotFound)
	}
	_, owner := p.owners[keyID]
	envs := make([]envSnap, 0, len(p.envs))
	for name, e := range p.envs {
		envs = append(envs, envSnap{name: name, ref: envRef{e: e, lk: v.envLockLocked(e.ID)}})
	}
	v.mu.Unlock()

	var out []string
	for _, es := range envs {
		es.ref.lk.Lock()
		g, explicit := es.ref.e.grants[keyID]
		readable := explicit && g.Level >= PermRead || !explicit && owner
		es.ref.lk.Unlock()
		if readable {
			out = append(out, es.name)
		}
	}
	return out, nil
}

// ListSecrets returns secret names only; values require GetSecret with an
// explicit read grant. Listing never returns plaintext.
func (v *Vault) ListSecrets(projectName, envName string, s *Session) ([]string, error) {
	p, e, lk, err := v.resolveEnv(projectName, envName)
	if err != nil {
		return nil, err
	}
	lk.Lock()
	defer lk.Unlock()

	if !v.allowed(s.User.Key.ID(), p, e, ActionRead) {
		return nil, ErrPermissionDenied
	}
	out := make([]string, 0, len(e.secrets))
	for name := range e.secrets {
		out = append(out, name)
	}
	return out, nil
}
