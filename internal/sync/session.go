// Package sync implements the client side of the vault synchronization
// protocol: pull remote entities, merge them into the local vault, and push
// local edits under a compare-and-swap precondition. Concurrency between
// clients is resolved at the remote store, not in-process; exactly one push
// per version wins.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"envault/internal/store"
	"envault/internal/vault"
)

// State of a sync session. Failed is terminal for the session: the caller
// retries with a fresh one.
type State int

const (
	StateIdle State = iota
	StatePulling
	StateMerging
	StatePushing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePulling:
		return "pulling"
	case StateMerging:
		return "merging"
	case StatePushing:
		return "pushing"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Conflict reports a secret that was edited locally while the remote version
// advanced past the edit's base. Conflicting values are never merged
// automatically; both versions go back to the caller.
type Conflict struct {
	ID            string
	LocalVersion  int64
	RemoteVersion int64
}

// ConflictError carries every conflict detected during a merge.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync: %d conflicting secret(s); resolve manually and retry", len(e.Conflicts))
}

// Session drives one pull/merge/push cycle for a vault against a remote.
type Session struct {
	vault *vault.Vault
	store store.RemoteStore
	keyID string

	mu    gosync.Mutex
	state State
}

func NewSession(v *vault.Vault, st store.RemoteStore, keyID string) *Session {
	return &Session{vault: v, store: st, keyID: keyID, state: StateIdle}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Sync runs Pull then Push. Conflicts abort before the push phase and are
// returned as a *ConflictError; the local vault keeps both its dirty edits
// and its knowledge of the remote versions.
func (s *Session) Sync(ctx context.Context) error {
	conflicts, err := s.Pull(ctx)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return &ConflictError{Conflicts: conflicts}
	}
	return s.Push(ctx)
}

// Pull fetches remote entities the user has access to and merges them in.
// Each entity applies atomically; on timeout or cancellation, entities not
// yet applied are simply absent and nothing is half-written.
func (s *Session) Pull(ctx context.Context) ([]Conflict, error) {
	s.setState(StatePulling)

	// Structure first: users and projects, then environments and grants for
	// every known project. Access is decided by the grants themselves, so
	// they must all arrive before secrets can be scoped; grant payloads are
	// metadata, not ciphertext.
	if err := s.pullScopes(ctx, []string{vault.KindUser + "/", vault.KindProject + "/"}, nil); err != nil {
		return nil, s.fail(err)
	}

	allProjects := s.vault.ProjectIDs()
	structScopes := make([]string, 0, 2*len(allProjects))
	for _, pid := range allProjects {
		structScopes = append(structScopes,
			fmt.Sprintf("%s/%s/", vault.KindEnv, pid),
			fmt.Sprintf("%s/%s/", vault.KindGrant, pid),
		)
	}
	if err := s.pullScopes(ctx, structScopes, nil); err != nil {
		return nil, s.fail(err)
	}

	s.setState(StateMerging)
	var conflicts []Conflict
	projectIDs := s.vault.AccessibleProjectIDs(s.keyID)
	secretScopes := make([]string, 0, len(projectIDs))
	for _, pid := range projectIDs {
		secretScopes = append(secretScopes, fmt.Sprintf("%s/%s/", vault.KindSecret, pid))
	}
	if err := s.pullScopes(ctx, secretScopes, &conflicts); err != nil {
		return nil, s.fail(err)
	}
	s.setState(StateIdle)
	return conflicts, nil
}

func (s *Session) pullScopes(ctx context.Context, scopes []string, conflicts *[]Conflict) error {
	for _, scope := range scopes {
		ids, err := s.store.ListEntities(ctx, scope)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			ent, err := s.store.GetEntity(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue // deleted between list and get
				}
				return err
			}
			_, conflicted, err := s.vault.ApplyRemote(ent.ID, ent.Payload, ent.Version)
			if err != nil {
				return err
			}
			if conflicted && conflicts != nil {
				local, _ := s.localVersion(ent.ID)
				*conflicts = append(*conflicts, Conflict{
					ID:            ent.ID,
					LocalVersion:  local,
					RemoteVersion: ent.Version,
				})
			}
		}
	}
	return nil
}

func (s *Session) localVersion(id string) (int64, bool) {
	recs, err := s.vault.Records()
	if err != nil {
		return 0, false
	}
	for _, r := range recs {
		if r.ID == id {
			return r.Version, true
		}
	}
	return 0, false
}

// Push sends every dirty entity with its base version as the compare-and-swap
// precondition. A rejected write surfaces as store.ErrStaleWrite and leaves
// the entity dirty, forcing a pull before the next attempt; a retried push
// reuses the same precondition, so retries cannot double-apply.
func (s *Session) Push(ctx context.Context) error {
	s.setState(StatePushing)

	recs, err := s.vault.DirtyRecords()
	if err != nil {
		return s.fail(err)
	}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return s.fail(err)
		}
		newVersion, err := s.store.PutEntity(ctx, rec.ID, rec.Payload, rec.Base)
		if err != nil {
			if errors.Is(err, store.ErrStaleWrite) {
				s.setState(StateIdle)
				return fmt.Errorf("push %s: %w", rec.ID, err)
			}
			return s.fail(fmt.Errorf("push %s: %w", rec.ID, err))
		}
		s.vault.MarkPushed(rec.ID, newVersion)
	}
	s.setState(StateIdle)
	return nil
}

func (s *Session) fail(err error) error {
	s.setState(StateFailed)
	return err
}
