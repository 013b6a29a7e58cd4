package vault

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"envault/internal/envelope"
	"envault/internal/keystore"
)

func newUser(t *testing.T, v *Vault, email string) *Session {
	t.Helper()
	ks, err := keystore.Generate()
	if err != nil {
		t.Fatalf("keygen %s: %v", email, err)
	}
	v.RegisterUser(email, ks.Public())
	return NewSession(email, ks)
}

func mustCreateTree(t *testing.T, v *Vault, s *Session, project, env string) {
	t.Helper()
	if _, err := v.CreateProject(project, s); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := v.CreateEnvironment(project, env, s); err != nil {
		t.Fatalf("create env: %v", err)
	}
}

func TestOwnerSecretLifecycle(t *testing.T) {
	v := New()
	alice := newUser(t, v, "alice@acme.dev")
	mustCreateTree(t, v, alice, "acme", "prod")

	if err := v.CreateSecret("acme", "prod", "DB_PASS", []byte("s3cr3t"), alice); err != nil {
		t.Fatalf("create secret: %v", err)
	}

	got, err := v.GetSecret("acme", "prod", "DB_PASS", alice)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("s3cr3t")) {
		t.Fatalf("got %q, want s3cr3t", got)
	}

	version, err := v.SecretVersion("acme", "prod", "DB_PASS")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if err := v.UpdateSecret("acme", "prod", "DB_PASS", []byte("n3w"), version, alice); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = v.GetSecret("acme", "prod", "DB_PASS", alice)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if !bytes.Equal(got, []byte("n3w")) {
		t.Fatalf("got %q after update", got)
	}
}

func TestDuplicateNames(t *testing.T) {
	v := New()
	alice := newUser(t, v, "alice@acme.dev")
	mustCreateTree(t, v, alice, "acme", "prod")

	if _, err := v.CreateProject("acme", alice); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate project: got %v", err)
	}
	if _, err := v.CreateEnvironment("acme", "prod", alice); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate env: got %v", err)
	}
	if err := v.CreateSecret("acme", "prod", "KEY", []byte("a"), alice); err != nil {
		t.Fatalf("create secret: %v", err)
	}
	if err := v.CreateSecret("acme", "prod", "KEY", []byte("b"), alice); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate secret: got %v", err)
	}
}

func TestStaleUpdateRejected(t *testing.T) {
	v := New()
	alice := newUser(t, v, "alice@acme.dev")
	mustCreateTree(t, v, alice, "acme", "prod")
	if err := v.CreateSecret("acme", "prod", "KEY", []byte("v1"), alice); err != nil {
		t.Fatalf("create: %v", err)
	}

	version, err := v.SecretVersion("acme", "prod", "KEY")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if err := v.UpdateSecret("acme", "prod", "KEY", []byte("v2"), version, alice); err != nil {
		t.Fatalf("first update: %v", err)
	}
	// Re-using the superseded version must fail; the stored value stays v2.
	if err := v.UpdateSecret("acme", "prod", "KEY", []byte("v3"), version, alice); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("stale update: got %v", err)
	}
	got, err := v.GetSecret("acme", "prod", "KEY", alice)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("v2")) {
		t.Fatalf("got %q, want v2", got)
	}
}

func TestGrantThenRead(t *testing.T) {
	v := New()
	alice := newUser(t, v, "alice@acme.dev")
	bob := newUser(t, v, "bob@acme.dev")
	mustCreateTree(t, v, alice, "acme", "prod")
	if err := v.CreateSecret("acme", "prod", "DB_PASS", []byte("s3cr3t"), alice); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Before any grant Bob sees nothing.
	if _, err := v.GetSecret("acme", "prod", "DB_PASS", bob); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("pre-grant get: got %v", err)
	}
	if projects := v.ListProjects(bob); len(projects) != 0 {
		t.Fatalf("pre-grant Bob lists %v", projects)
	}

	bobUser, ok := v.UserByID(bob.User.Key.ID())
	if !ok {
		t.Fatal("bob not registered")
	}
	if err := v.GrantAccess("acme", "prod", bobUser, PermRead, alice); err != nil {
		t.Fatalf("grant: %v", err)
	}

	got, err := v.GetSecret("acme", "prod", "DB_PASS", bob)
	if err != nil {
		t.Fatalf("post-grant get: %v", err)
	}
	if !bytes.Equal(got, []byte("s3cr3t")) {
		t.Fatalf("bob got %q", got)
	}

	// Read does not confer write.
	version, _ := v.SecretVersion("acme", "prod", "DB_PASS")
	if err := v.UpdateSecret("acme", "prod", "DB_PASS", []byte("x"), version, bob); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("reader update: got %v", err)
	}
}

func TestRevokeRemovesAccessLocally(t *testing.T) {
	v := New()
	alice := newUser(t, v, "alice@acme.dev")
	bob := newUser(t, v, "bob@acme.dev")
	mustCreateTree(t, v, alice, "acme", "prod")
	if err := v.CreateSecret("acme", "prod", "DB_PASS", []byte("s3cr3t"), alice); err != nil {
		t.Fatalf("create: %v", err)
	}

	bobUser, _ := v.UserByID(bob.User.Key.ID())
	if err := v.GrantAccess("acme", "prod", bobUser, PermWrite, alice); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := v.GetSecret("acme", "prod", "DB_PASS", bob); err != nil {
		t.Fatalf("granted get: %v", err)
	}

	if err := v.RevokeAccess("acme", "prod", bob.User.Key.ID(), alice); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	// The check fails on permissions, before any decryption is attempted.
	if _, err := v.GetSecret("acme", "prod", "DB_PASS", bob); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("post-revoke get: got %v", err)
	}
	// Alice still reads; the reseal kept her in the recipient set.
	got, err := v.GetSecret("acme", "prod", "DB_PASS", alice)
	if err != nil {
		t.Fatalf("owner get after revoke: %v", err)
	}
	if !bytes.Equal(got, []byte("s3cr3t")) {
		t.Fatal("owner plaintext changed after revoke")
	}
}

func TestRevokedEnvelopeExcludesKey(t *testing.T) {
	v := New()
	alice := newUser(t, v, "alice@acme.dev")
	bob := newUser(t, v, "bob@acme.dev")
	mustCreateTree(t, v, alice, "acme", "prod")
	if err := v.CreateSecret("acme", "prod", "DB_PASS", []byte("s3cr3t"), alice); err != nil {
		t.Fatalf("create: %v", err)
	}
	bobUser, _ := v.UserByID(bob.User.Key.ID())
	if err := v.GrantAccess("acme", "prod", bobUser, PermRead, alice); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := v.RevokeAccess("acme", "prod", bob.User.Key.ID(), alice); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// Inspect the stored envelope: Bob's key must be gone from the wrapped
	// table, so even raw ciphertext in hand doesn't help him.
	recs, err := v.Records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	bobID := bob.User.Key.ID()
	for _, rec := range recs {
		if rec.Kind() != KindSecret {
			continue
		}
		env, err := envelope.Unmarshal(rec.Payload)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", rec.ID, err)
		}
		for _, id := range env.RecipientIDs() {
			if id == bobID {
				t.Fatalf("%s still wraps the revoked key", rec.ID)
			}
		}
	}
}

func TestGrantRequiresAdmin(t *testing.T) {
	v := New()
	alice := newUser(t, v, "alice@acme.dev")
	bob := newUser(t, v, "bob@acme.dev")
	carol := newUser(t, v, "carol@acme.dev")
	mustCreateTree(t, v, alice, "acme", "prod")
	if err := v.CreateSecret("acme", "prod", "K", []byte("v"), alice); err != nil {
		t.Fatalf("create: %v", err)
	}

	bobUser, _ := v.UserByID(bob.User.Key.ID())
	carolUser, _ := v.UserByID(carol.User.Key.ID())

	if err := v.GrantAccess("acme", "prod", bobUser, PermWrite, alice); err != nil {
		t.Fatalf("grant bob: %v", err)
	}
	// Write does not confer grant.
	if err := v.GrantAccess("acme", "prod", carolUser, PermRead, bob); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("bob granting: got %v", err)
	}
	// Admin does.
	if err := v.GrantAccess("acme", "prod", bobUser, PermAdmin, alice); err != nil {
		t.Fatalf("promote bob: %v", err)
	}
	if err := v.GrantAccess("acme", "prod", carolUser, PermRead, bob); err != nil {
		t.Fatalf("admin bob granting: %v", err)
	}
}

func TestDeleteProjectRefusesNonEmpty(t *testing.T) {
	v := New()
	alice := newUser(t, v, "alice@acme.dev")
	mustCreateTree(t, v, alice, "acme", "prod")

	if err := v.DeleteProject("acme", alice); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("delete non-empty: got %v", err)
	}
}

func TestListingsAreScoped(t *testing.T) {
	v := New()
	alice := newUser(t, v, "alice@acme.dev")
	bob := newUser(t, v, "bob@acme.dev")
	mustCreateTree(t, v, alice, "acme", "prod")
	mustCreateTree(t, v, alice, "other", "dev")
	if err := v.CreateSecret("acme", "prod", "DB_PASS", []byte("x"), alice); err != nil {
		t.Fatalf("create: %v", err)
	}

	bobUser, _ := v.UserByID(bob.User.Key.ID())
	if err := v.GrantAccess("acme", "prod", bobUser, PermRead, alice); err != nil {
		t.Fatalf("grant: %v", err)
	}

	projects := v.ListProjects(bob)
	if len(projects) != 1 || projects[0] != "acme" {
		t.Fatalf("bob projects %v, want [acme]", projects)
	}
	names, err := v.ListSecrets("acme", "prod", bob)
	if err != nil {
		t.Fatalf("list secrets: %v", err)
	}
	if len(names) != 1 || names[0] != "DB_PASS" {
		t.Fatalf("bob secrets %v, want [DB_PASS]", names)
	}
	if _, err := v.ListSecrets("other", "dev", bob); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("unscoped list: got %v", err)
	}
}

func TestNotFoundErrors(t *testing.T) {
	v := New()
	alice := newUser(t, v, "alice@acme.dev")
	mustCreateTree(t, v, alice, "acme", "prod")

	if _, err := v.GetSecret("acme", "prod", "MISSING", alice); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing secret: got %v", err)
	}
	if _, err := v.CreateEnvironment("ghost", "prod", alice); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing project: got %v", err)
	}
	if err := v.CreateSecret("acme", "ghost", "K", []byte("v"), alice); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing env: got %v", err)
	}
}

func TestConcurrentGrantsAndListings(t *testing.T) {
	v := New()
	alice := newUser(t, v, "alice@acme.dev")
	bob := newUser(t, v, "bob@acme.dev")
	mustCreateTree(t, v, alice, "acme", "prod")
	if err := v.CreateSecret("acme", "prod", "DB_PASS", []byte("s3cr3t"), alice); err != nil {
		t.Fatalf("create: %v", err)
	}
	bobUser, _ := v.UserByID(bob.User.Key.ID())

	done := make(chan struct{})
	granterStopped := make(chan struct{})
	go func() {
		defer close(granterStopped)
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := v.GrantAccess("acme", "prod", bobUser, PermWrite, alice); err != nil {
				t.Errorf("grant: %v", err)
				return
			}
			if err := v.RevokeAccess("acme", "prod", bobUser.Key.ID(), alice); err != nil {
				t.Errorf("revoke: %v", err)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				v.ListProjects(bob)
				if _, err := v.ListEnvironments("acme", alice); err != nil {
					t.Errorf("list envs: %v", err)
					return
				}
				if _, err := v.Records(); err != nil {
					t.Errorf("records: %v", err)
					return
				}
				if _, err := v.DirtyRecords(); err != nil {
					t.Errorf("dirty: %v", err)
					return
				}
				v.AccessibleProjectIDs(bob.User.Key.ID())
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			name := fmt.Sprintf("K%d", j)
			if err := v.CreateSecret("acme", "prod", name, []byte("v"), alice); err != nil {
				t.Errorf("create %s: %v", name, err)
				return
			}
		}
	}()

	wg.Wait()
	close(done)
	<-granterStopped

	if _, err := v.GetSecret("acme", "prod", "DB_PASS", alice); err != nil {
		t.Fatalf("get after churn: %v", err)
	}
}
