package vault

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"envault/internal/envelope"
)

// Entity kinds as they appear in record IDs. Every synchronizable unit of the
// vault maps to exactly one record:
//
//	user/<keyID>
//	project/<projectID>
//	env/<projectID>/<envID>
//	grant/<projectID>/<envID>/<keyID>
//	secret/<projectID>/<envID>/<name>
const (
	KindUser    = "user"
	KindProject = "project"
	KindEnv     = "env"
	KindGrant   = "grant"
	KindSecret  = "secret"
)

// Record is the serialized, versioned form of one entity, the unit the sync
// protocol and the local cache both speak. Base is the remote version the
// local state derives from; it is the compare-and-swap precondition for a
// push of this record.
type Record struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
	Version int64  `json:"version"`
	Base    int64  `json:"base"`
	Dirty   bool   `json:"dirty"`
}

// Kind extracts the entity kind from a record ID.
func (r Record) Kind() string {
	kind, _, _ := strings.Cut(r.ID, "/")
	return kind
}

type projectDoc struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Owners []string `json:"owners"`
}

type envDoc struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

type grantDoc struct {
	KeyID string     `json:"key_id"`
	Level Permission `json:"level"`
	By    string     `json:"by"`
	Sig   []byte     `json:"sig"`
}

// Records snapshots every entity in the vault, for the local cache.
func (v *Vault) Records() ([]Record, error) {
	return v.records(false)
}

// DirtyRecords returns only entities with uncommitted local edits, in a
// stable order: structural records first so a fresh remote can resolve
// secrets and grants against their containers.
func (v *Vault) DirtyRecords() ([]Record, error) {
	return v.records(true)
}

// records collects structural entities under the registry mutex, then walks
// each environment's grants and secrets under that environment's lock. The
// registry mutex is released before any environment lock is taken.
func (v *Vault) records(dirtyOnly bool) ([]Record, error) {
	var out []Record
	add := func(r Record) {
		if !dirtyOnly || r.Dirty {
			out = append(out, r)
		}
	}

	type envSnap struct {
		pid string
		e   *Environment
		lk  *sync.Mutex
	}
	var envs []envSnap

	err := func() error {
		v.mu.Lock()
		defer v.mu.Unlock()

		for keyID, rec := range v.users {
			b, err := json.Marshal(rec.User)
			if err != nil {
				return err
			}
			add(Record{ID: KindUser + "/" + keyID, Payload: b, Version: rec.Version, Base: rec.Base, Dirty: rec.Dirty})
		}

		for _, p := range v.projects {
			b, err := json.Marshal(projectDoc{ID: p.ID, Name: p.Name, Owners: p.Owners()})
			if err != nil {
				return err
			}
			add(Record{ID: KindProject + "/" + p.ID, Payload: b, Version: p.Version, Base: p.Base, Dirty: p.Dirty})

			for _, e := range p.envs {
				b, err := json.Marshal(envDoc{ID: e.ID, ProjectID: p.ID, Name: e.Name})
				if err != nil {
					return err
				}
				add(Record{ID: fmt.Sprintf("%s/%s/%s", KindEnv, p.ID, e.ID), Payload: b, Version: e.Version, Base: e.Base, Dirty: e.Dirty})
				envs = append(envs, envSnap{pid: p.ID, e: e, lk: v.envLockLocked(e.ID)})
			}
		}
		return nil
	}()
	if err != nil {
		return nil, err
	}

	for _, es := range envs {
		es.lk.Lock()
		for keyID, g := range es.e.grants {
			b, merr := json.Marshal(grantDoc{KeyID: g.KeyID, Level: g.Level, By: g.By, Sig: g.Sig})
			if merr != nil {
				es.lk.Unlock()
				return nil, merr
			}
			add(Record{ID: fmt.Sprintf("%s/%s/%s/%s", KindGrant, es.pid, es.e.ID, keyID), Payload: b, Version: g.Version, Base: g.Base, Dirty: g.Dirty})
		}
		for name, sec := range es.e.secrets {
			b, merr := envelope.Marshal(sec.Env)
			if merr != nil {
				es.lk.Unlock()
				return nil, merr
			}
			add(Record{ID: fmt.Sprintf("%s/%s/%s/%s", KindSecret, es.pid, es.e.ID, name), Payload: b, Version: sec.Version, Base: sec.Base, Dirty: sec.Dirty})
		}
		es.lk.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		ki, kj := kindOrder(out[i].Kind()), kindOrder(out[j].Kind())
		if ki != kj {
			return ki < kj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func kindOrder(kind string) int {
	switch kind {
	case KindUser:
		return 0
	case KindProject:
		return 1
	case KindEnv:
		return 2
	case KindGrant:
		return 3
	default:
		return 4
	}
}

// LoadRecords rebuilds the vault from cached records, replacing any current
// state. Records are applied structural-first regardless of input order.
func (v *Vault) LoadRecords(recs []Record) error {
	sorted := append([]Record(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool {
		return kindOrder(sorted[i].Kind()) < kindOrder(sorted[j].Kind())
	})

	v.mu.Lock()
	defer v.mu.Unlock()
	v.users = make(map[string]*userRec)
	v.projects = make(map[string]*Project)
	v.projectsByID = make(map[string]*Project)
	v.envLocks = make(map[string]*sync.Mutex)

	for _, rec := range sorted {
		if err := v.setRecordLocked(rec); err != nil {
			return err
		}
	}
	return nil
}

// ApplyRemote merges one pulled record. Entities are atomic units: a newer
// remote version replaces the local entity wholesale, never field by field.
// A secret that is both locally dirty and remotely advanced is a conflict
// and is left untouched for the caller to resolve. A pulled grant is merged
// only when its granter's signature verifies and the granter holds grant
// authority here; an unverifiable grant is skipped, not an error, so a later
// pull can retry once its granter's own grant has arrived.
func (v *Vault) ApplyRemote(id string, payload []byte, version int64) (applied, conflict bool, err error) {
	kind, rest, _ := strings.Cut(id, "/")
	switch kind {
	case KindUser, KindProject, KindEnv:
		v.mu.Lock()
		defer v.mu.Unlock()
		if st, ok := v.findStateLocked(id); ok && version <= *st.version {
			return false, false, nil
		}
		if err := v.setRecordLocked(Record{ID: id, Payload: payload, Version: version, Base: version}); err != nil {
			return false, false, err
		}
		return true, false, nil
	case KindGrant:
		return v.applyRemoteGrant(id, rest, payload, version)
	case KindSecret:
		return v.applyRemoteSecret(id, rest, payload, version)
	default:
		return false, false, fmt.Errorf("record %s: unknown kind %q", id, kind)
	}
}

func (v *Vault) applyRemoteGrant(id, rest string, payload []byte, version int64) (bool, bool, error) {
	pid, rest2, _ := strings.Cut(rest, "/")
	eid, _, _ := strings.Cut(rest2, "/")

	var doc grantDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false, false, fmt.Errorf("record %s: %w", id, err)
	}

	p, e, lk := v.envByID(pid, eid)
	if e == nil {
		return false, false, fmt.Errorf("record %s: environment %s: %w", id, eid, ErrNotFound)
	}
	lk.Lock()
	defer lk.Unlock()

	if g, ok := e.grants[doc.KeyID]; ok && version <= g.Version {
		return false, false, nil
	}
	if !v.grantTrusted(p, e, doc, version) {
		return false, false, nil
	}
	e.grants[doc.KeyID] = &AccessGrant{
		KeyID: doc.KeyID, Level: doc.Level, By: doc.By, Sig: doc.Sig,
		Version: version, Base: version,
	}
	return true, false, nil
}

func (v *Vault) applyRemoteSecret(id, rest string, payload []byte, version int64) (bool, bool, error) {
	pid, rest2, _ := strings.Cut(rest, "/")
	eid, name, _ := strings.Cut(rest2, "/")

	env, err := envelope.Unmarshal(payload)
	if err != nil {
		return false, false, fmt.Errorf("record %s: %w", id, err)
	}

	_, e, lk := v.envByID(pid, eid)
	if e == nil {
		return false, false, fmt.Errorf("record %s: environment %s: %w", id, eid, ErrNotFound)
	}
	lk.Lock()
	defer lk.Unlock()

	if sec, ok := e.secrets[name]; ok {
		if version <= sec.Version {
			return false, false, nil
		}
		if sec.Dirty && version > sec.Base {
			return false, true, nil
		}
	}
	e.secrets[name] = &Secret{Name: name, Env: env, Version: version, Base: version}
	return true, false, nil
}

// MarkPushed records that the remote accepted an entity at newVersion.
func (v *Vault) MarkPushed(id string, newVersion int64) {
	kind, rest, _ := strings.Cut(id, "/")
	switch kind {
	case KindGrant:
		pid, rest2, _ := strings.Cut(rest, "/")
		eid, keyID, _ := strings.Cut(rest2, "/")
		_, e, lk := v.envByID(pid, eid)
		if e == nil {
			return
		}
		lk.Lock()
		defer lk.Unlock()
		if g, ok := e.grants[keyID]; ok {
			g.Version, g.Base, g.Dirty = newVersion, newVersion, false
		}
	case KindSecret:
		pid, rest2, _ := strings.Cut(rest, "/")
		eid, name, _ := strings.Cut(rest2, "/")
		_, e, lk := v.envByID(pid, eid)
		if e == nil {
			return
		}
		lk.Lock()
		defer lk.Unlock()
		if sec, ok := e.secrets[name]; ok {
			sec.Version, sec.Base, sec.Dirty = newVersion, newVersion, false
		}
	default:
		v.mu.Lock()
		defer v.mu.Unlock()
		if st, ok := v.findStateLocked(id); ok {
			*st.version = newVersion
			*st.base = newVersion
			*st.dirty = false
		}
	}
}

// envByID resolves an environment and its lock under the registry mutex,
// releasing it before the caller locks the environment.
func (v *Vault) envByID(projectID, envID string) (*Project, *Environment, *sync.Mutex) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.projectsByID[projectID]
	if !ok {
		return nil, nil, nil
	}
	for _, e := range p.envs {
		if e.ID == envID {
			return p, e, v.envLockLocked(e.ID)
		}
	}
	return nil, nil, nil
}

type entityState struct {
	version *int64
	base    *int64
	dirty   *bool
}

// findStateLocked resolves the version bookkeeping of a registry-guarded
// entity. Grant and secret state lives under environment locks and is
// handled by the kind-specific paths above.
func (v *Vault) findStateLocked(id string) (entityState, bool) {
	kind, rest, _ := strings.Cut(id, "/")
	switch kind {
	case KindUser:
		if rec, ok := v.users[rest]; ok {
			return entityState{&rec.Version, &rec.Base, &rec.Dirty}, true
		}
	case KindProject:
		if p, ok := v.projectsByID[rest]; ok {
			return entityState{&p.Version, &p.Base, &p.Dirty}, true
		}
	case KindEnv:
		pid, eid, _ := strings.Cut(rest, "/")
		if e := v.envByIDLocked(pid, eid); e != nil {
			return entityState{&e.Version, &e.Base, &e.Dirty}, true
		}
	}
	return entityState{}, false
}

func (v *Vault) envByIDLocked(projectID, envID string) *Environment {
	p, ok := v.projectsByID[projectID]
	if !ok {
		return nil
	}
	for _, e := range p.envs {
		if e.ID == envID {
			return e
		}
	}
	return nil
}

// setRecordLocked deserializes one record into the tree, replacing any
// existing entity with the same ID. Callers hold the registry mutex; the
// grant and secret cases are reached only from LoadRecords, which rebuilds a
// tree no other goroutine references yet.
func (v *Vault) setRecordLocked(rec Record) error {
	kind, rest, _ := strings.Cut(rec.ID, "/")
	switch kind {
	case KindUser:
		var u User
		if err := json.Unmarshal(rec.Payload, &u); err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		v.users[rest] = &userRec{User: u, Version: rec.Version, Base: rec.Base, Dirty: rec.Dirty}

	case KindProject:
		var doc projectDoc
		if err := json.Unmarshal(rec.Payload, &doc); err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		owners := make(map[string]struct{}, len(doc.Owners))
		for _, id := range doc.Owners {
			owners[id] = struct{}{}
		}
		p, ok := v.projectsByID[doc.ID]
		if !ok {
			p = &Project{ID: doc.ID, envs: make(map[string]*Environment)}
			v.projectsByID[doc.ID] = p
		} else if p.Name != doc.Name {
			delete(v.projects, p.Name)
		}
		p.Name = doc.Name
		p.owners = owners
		p.Version, p.Base, p.Dirty = rec.Version, rec.Base, rec.Dirty
		v.projects[p.Name] = p

	case KindEnv:
		var doc envDoc
		if err := json.Unmarshal(rec.Payload, &doc); err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		p, ok := v.projectsByID[doc.ProjectID]
		if !ok {
			return fmt.Errorf("record %s: project %s: %w", rec.ID, doc.ProjectID, ErrNotFound)
		}
		e := v.envByIDLocked(doc.ProjectID, doc.ID)
		if e == nil {
			e = &Environment{
				ID:      doc.ID,
				secrets: make(map[string]*Secret),
				grants:  make(map[string]*AccessGrant),
			}
		} else if e.Name != doc.Name {
			delete(p.envs, e.Name)
		}
		e.Name = doc.Name
		e.Version, e.Base, e.Dirty = rec.Version, rec.Base, rec.Dirty
		p.envs[e.Name] = e

	case KindGrant:
		pid, rest2, _ := strings.Cut(rest, "/")
		eid, _, _ := strings.Cut(rest2, "/")
		e := v.envByIDLocked(pid, eid)
		if e == nil {
			return fmt.Errorf("record %s: environment %s: %w", rec.ID, eid, ErrNotFound)
		}
		var doc grantDoc
		if err := json.Unmarshal(rec.Payload, &doc); err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		e.grants[doc.KeyID] = &AccessGrant{
			KeyID: doc.KeyID, Level: doc.Level, By: doc.By, Sig: doc.Sig,
			Version: rec.Version, Base: rec.Base, Dirty: rec.Dirty,
		}

	case KindSecret:
		pid, rest2, _ := strings.Cut(rest, "/")
		eid, name, _ := strings.Cut(rest2, "/")
		e := v.envByIDLocked(pid, eid)
		if e == nil {
			return fmt.Errorf("record %s: environment %s: %w", rec.ID, eid, ErrNotFound)
		}
		env, err := envelope.Unmarshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		e.secrets[name] = &Secret{
			Name: name, Env: env,
			Version: rec.Version, Base: rec.Base, Dirty: rec.Dirty,
		}

	default:
		return fmt.Errorf("record %s: unknown kind %q", rec.ID, kind)
	}
	return nil
}

// ProjectIDs lists every project currently known to the vault.
func (v *Vault) ProjectIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]string, 0, len(v.projectsByID))
	for id := range v.projectsByID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AccessibleProjectIDs lists project IDs the key may pull environment-scoped
// entities for.
func (v *Vault) AccessibleProjectIDs(keyID string) []string {
	infos := v.enumerable(keyID)
	out := make([]string, 0, len(infos))
	for _, pi := range infos {
		out = append(out, pi.id)
	}
	sort.Strings(out)
	return out
}
