// Package store defines the versioned key-value contract the vault
// synchronizes against. The remote only ever sees ciphertext and access
// metadata; plaintext never reaches an implementation of this interface.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("store: entity not found")

	// ErrStaleWrite indicates the stored version moved past the caller's
	// expected version. Exactly one concurrent writer per version wins.
	ErrStaleWrite = errors.New("store: stale write")

	// ErrUnavailable indicates a network or backend failure; retryable by
	// the caller with backoff.
	ErrUnavailable = errors.New("store: remote unavailable")
)

// Entity is one versioned unit of remote state: an encrypted secret envelope,
// an access grant, or a structural record.
type Entity struct {
	ID      string
	Payload []byte
	Version int64
}

// RemoteStore is the minimum the sync protocol requires of a backend. Writes
// are compare-and-swap: PutEntity succeeds only when the stored version still
// equals expectedVersion (0 meaning "must not exist yet") and returns the new
// version.
type RemoteStore interface {
	GetVersion(ctx context.Context, id string) (int64, error)
	GetEntity(ctx context.Context, id string) (Entity, error)
	PutEntity(ctx context.Context, id string, payload []byte, expectedVersion int64) (int64, error)
	ListEntities(ctx context.Context, scope string) ([]string, error)
}
