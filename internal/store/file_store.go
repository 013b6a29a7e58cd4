package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps one JSON document per entity under dir. Entity IDs contain
// slashes, so files are named by the hex SHA-256 of the ID and carry the ID
// inside the document. Compare-and-swap is serialized by a store-level mutex;
// writes go through a temp file and rename.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

type fileDoc struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
	Version int64  `json:"version"`
}

func NewFileStore(dir string) *FileStore {
	_ = os.MkdirAll(dir, 0o700)
	return &FileStore{dir: dir}
}

func (f *FileStore) path(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+".json")
}

func (f *FileStore) read(id string) (fileDoc, error) {
	b, err := os.ReadFile(f.path(id))
	if os.IsNotExist(err) {
		return fileDoc{}, ErrNotFound
	}
	if err != nil {
		return fileDoc{}, err
	}
	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return fileDoc{}, err
	}
	return doc, nil
}

func (f *FileStore) GetVersion(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read(id)
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

func (f *FileStore) GetEntity(_ context.Context, id string) (Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read(id)
	if err != nil {
		return Entity{}, err
	}
	return Entity{ID: doc.ID, Payload: doc.Payload, Version: doc.Version}, nil
}

func (f *FileStore) PutEntity(_ context.Context, id string, payload []byte, expectedVersion int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, err := f.read(id)
	switch {
	case err == nil && cur.Version != expectedVersion:
		return 0, ErrStaleWrite
	case err == ErrNotFound && expectedVersion != 0:
		return 0, ErrStaleWrite
	case err != nil && err != ErrNotFound:
		return 0, err
	}

	next := expectedVersion + 1
	b, err := json.Marshal(fileDoc{ID: id, Payload: payload, Version: next})
	if err != nil {
		return 0, err
	}
	dst := f.path(id)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return next, nil
}

func (f *FileStore) ListEntities(_ context.Context, scope string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	names, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(f.dir, de.Name()))
		if err != nil {
			continue
		}
		var doc fileDoc
		if err := json.Unmarshal(b, &doc); err != nil {
			continue
		}
		if strings.HasPrefix(doc.ID, scope) {
			out = append(out, doc.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}
