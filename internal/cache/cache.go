// Package cache persists the local copy of the vault between CLI runs: every
// entity record with its version bookkeeping, plus small config values such
// as the last sync time. Payloads stored here are the same ciphertext the
// remote holds; the cache never sees plaintext either.
package cache

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"envault/internal/vault"
)

var (
	entitiesBucket = []byte("entities") // record ID -> JSON vault.Record
	metaBucket     = []byte("meta")     // small config values
)

var metaLastSync = []byte("last_sync")

// Cache is a bbolt-backed store of vault records.
type Cache struct {
	db *bolt.DB
}

// Open opens or creates the cache database and its buckets.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{entitiesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// SaveVault replaces the cached record set with the vault's current state.
func (c *Cache) SaveVault(v *vault.Vault) error {
	recs, err := v.Records()
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(entitiesBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(entitiesBucket)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(rec.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadVault rebuilds a vault from the cached records.
func (c *Cache) LoadVault() (*vault.Vault, error) {
	var recs []vault.Record
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entitiesBucket)
		return b.ForEach(func(_, data []byte) error {
			var rec vault.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	v := vault.New()
	if err := v.LoadRecords(recs); err != nil {
		return nil, err
	}
	return v, nil
}

// SetLastSync records when a sync session last completed.
func (c *Cache) SetLastSync(t time.Time) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, _ := t.MarshalBinary()
		return tx.Bucket(metaBucket).Put(metaLastSync, data)
	})
}

// LastSync returns the recorded completion time of the last sync, or the zero
// time when no sync has run.
func (c *Cache) LastSync() (time.Time, error) {
	var out time.Time
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(metaBucket).Get(metaLastSync)
		if data == nil {
			return nil
		}
		return out.UnmarshalBinary(data)
	})
	return out, err
}
