// Package keyspace implements the Versioned Keyspace (C3): the in-memory
// current-value-plus-history view rebuilt from WAL replay, with optimistic
// concurrency control on writes. Grounded on original_source's
// VersionedValue/KeyValueStorage (service/storage.py, domain/models.py):
// DELETE clears a key's version history entirely, so the next SET on that
// key restarts at version 1 (see test_storage_versioning.py::
// test_delete_removes_all_versions).
package keyspace

import (
	"sync"

	"github.com/devrev/replicatedkv/node/internal/errors"
	"github.com/devrev/replicatedkv/node/internal/model"
)

// entry is the per-key state: the current value/version plus a bounded
// ring of prior versions.
type entry struct {
	version uint64
	value   any
	history map[uint64]any
}

// Keyspace is the versioned, replicated key-value map. The leader's
// optimistic-concurrency path mutates it through Set and Delete; WAL
// replay and the follower's replicated-entry path go through Apply.
type Keyspace struct {
	mu               sync.RWMutex
	data             map[string]*entry
	historyRetention int // 0 = unbounded
}

func New(historyRetention int) *Keyspace {
	return &Keyspace{
		data:             make(map[string]*entry),
		historyRetention: historyRetention,
	}
}

// Apply applies a already-ordered LogEntry (from WAL replay or a
// replicated push) unconditionally — no version-conflict check, since the
// leader has already arbitrated ordering. Used both at startup replay and
// by the follower's replication receiver.
func (k *Keyspace) Apply(e model.LogEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch e.Operation {
	case model.OpDelete:
		delete(k.data, e.Key)
	case model.OpSet:
		version := uint64(1)
		if e.Version != nil {
			version = *e.Version
		}
		ent, ok := k.data[e.Key]
		if !ok {
			ent = &entry{history: make(map[uint64]any)}
			k.data[e.Key] = ent
		}
		if ent.version > 0 {
			ent.history[ent.version] = ent.value
			k.trimHistory(ent)
		}
		ent.value = e.Value
		ent.version = version
	}
}

// Set applies a new value for key honoring optimistic concurrency:
// expectedVersion, when non-nil, must equal the key's current version (0
// if the key does not exist). commit runs with the keyspace lock still
// held, between the version check and the map update, so a caller can use
// it to append the corresponding LogEntry to the WAL — making
// check-version, append, and update-map one atomic step with respect to
// every other Set/Delete/Get on this key (SPEC_FULL §5). commit receives
// the version this Set is about to install and returns the id the caller
// wants recorded against it (e.g. the WAL-assigned id); a non-nil commit
// error aborts before the map is touched. Pass a no-op commit to mutate
// the keyspace alone, as the tests in this package do.
func (k *Keyspace) Set(key string, value any, expectedVersion *uint64, commit func(newVersion uint64) (id uint64, err error)) (id uint64, version uint64, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	ent, ok := k.data[key]
	current := uint64(0)
	if ok {
		current = ent.version
	}

	if expectedVersion != nil && *expectedVersion != current {
		return 0, 0, errors.VersionConflict(key, current)
	}

	newVersion := current + 1
	id, err = commit(newVersion)
	if err != nil {
		return 0, 0, err
	}

	if !ok {
		ent = &entry{history: make(map[uint64]any)}
		k.data[key] = ent
	} else {
		ent.history[ent.version] = ent.value
		k.trimHistory(ent)
	}
	ent.value = value
	ent.version = newVersion
	return id, newVersion, nil
}

// Delete removes key entirely, including its version history, resetting
// it so a future Set starts again at version 1. commit runs with the lock
// still held, before the map entry is removed, for the same reason Set's
// commit does. Returns a KeyNotFound error, without calling commit, if the
// key does not exist.
func (k *Keyspace) Delete(key string, commit func() (id uint64, err error)) (id uint64, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.data[key]; !ok {
		return 0, errors.KeyNotFound(key)
	}

	id, err = commit()
	if err != nil {
		return 0, err
	}

	delete(k.data, key)
	return id, nil
}

// Get returns the current value and version of key.
func (k *Keyspace) Get(key string) (value any, version uint64, ok bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	ent, ok := k.data[key]
	if !ok {
		return nil, 0, false
	}
	return ent.value, ent.version, true
}

// GetVersion returns the value key held at exactly version, falling back
// to history if it is not the current version.
func (k *Keyspace) GetVersion(key string, version uint64) (value any, ok bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	ent, ok := k.data[key]
	if !ok {
		return nil, false
	}
	if ent.version == version {
		return ent.value, true
	}
	v, ok := ent.history[version]
	return v, ok
}

// History returns every retained version of key (current plus bounded
// history), or ok=false if the key does not exist.
func (k *Keyspace) History(key string) (versions map[uint64]any, ok bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	ent, ok := k.data[key]
	if !ok {
		return nil, false
	}
	out := make(map[uint64]any, len(ent.history)+1)
	for v, val := range ent.history {
		out[v] = val
	}
	out[ent.version] = ent.value
	return out, true
}

// Versions lists the version numbers retained for key, newest first.
func (k *Keyspace) Versions(key string) ([]uint64, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	ent, ok := k.data[key]
	if !ok {
		return nil, false
	}
	versions := make([]uint64, 0, len(ent.history)+1)
	versions = append(versions, ent.version)
	for v := range ent.history {
		versions = append(versions, v)
	}
	for i := 1; i < len(versions); i++ {
		for j := i; j > 0 && versions[j] > versions[j-1]; j-- {
			versions[j], versions[j-1] = versions[j-1], versions[j]
		}
	}
	return versions, true
}

// Len reports the number of live keys.
func (k *Keyspace) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.data)
}

// trimHistory drops the oldest retained versions once history exceeds the
// configured retention. Called with mu held.
func (k *Keyspace) trimHistory(ent *entry) {
	if k.historyRetention <= 0 || len(ent.history) <= k.historyRetention {
		return
	}
	oldest := uint64(0)
	for v := range ent.history {
		if oldest == 0 || v < oldest {
			oldest = v
		}
	}
	delete(ent.history, oldest)
}
