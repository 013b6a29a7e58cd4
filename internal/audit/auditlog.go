// Package audit keeps a hash-chained, append-only record of entity writes.
// Each entry folds the previous entry's hash into its own, so truncation or
// edits anywhere in the chain are detectable by Verify.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

type Entry struct {
	TS     int64  `json:"ts"`
	Actor  string `json:"actor"`  // key fingerprint
	Action string `json:"action"` // "put", "register", "login"
	Entity string `json:"entity"` // entity ID, empty for auth events
	Hash   string `json:"hash"`
}

type Log struct {
	mu       sync.Mutex
	lastHash []byte
	entries  []Entry
}

func New() *Log { return &Log{} }

func (l *Log) Append(actor, action, entity string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().Unix()
	sum := chain(l.lastHash, ts, actor, action, entity)
	l.lastHash = sum
	e := Entry{TS: ts, Actor: actor, Action: action, Entity: entity, Hash: hex.EncodeToString(sum)}
	l.entries = append(l.entries, e)
	return e
}

func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var prev []byte
	for i, e := range l.entries {
		sum := chain(prev, e.TS, e.Actor, e.Action, e.Entity)
		if hex.EncodeToString(sum) != e.Hash {
			return fmt.Errorf("audit chain broken at entry %d", i)
		}
		prev = sum
	}
	return nil
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

func chain(prev []byte, ts int64, actor, action, entity string) []byte {
	h := sha256.New()
	h.Write(prev)
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s", ts, actor, action, entity)
	return h.Sum(nil)
}
