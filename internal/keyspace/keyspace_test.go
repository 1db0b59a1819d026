package keyspace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/replicatedkv/node/internal/model"
)

var errCommitFailed = errors.New("commit failed")

func applyEntry(key string, value any, version *uint64) model.LogEntry {
	return model.LogEntry{Operation: model.OpSet, Key: key, Value: value, Version: version}
}

func deleteEntry(key string) model.LogEntry {
	return model.LogEntry{Operation: model.OpDelete, Key: key}
}

// noopCommit stands in for the WAL-append callback in tests that only care
// about the in-memory version bookkeeping.
func noopCommit(uint64) (uint64, error) { return 0, nil }

func TestSetNewKeyStartsAtVersionOne(t *testing.T) {
	k := New(0)
	_, v, err := k.Set("a", "1", nil, noopCommit)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestSetExistingKeyIncrementsVersion(t *testing.T) {
	k := New(0)
	_, _, err := k.Set("a", "1", nil, noopCommit)
	require.NoError(t, err)

	_, v, err := k.Set("a", "2", nil, noopCommit)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}

func TestSetWithStaleExpectedVersionConflicts(t *testing.T) {
	k := New(0)
	_, _, err := k.Set("a", "1", nil, noopCommit)
	require.NoError(t, err)

	stale := uint64(0)
	_, _, err = k.Set("a", "2", &stale, noopCommit)
	assert.Error(t, err, "expected version conflict")
}

func TestSetCommitFailureLeavesKeyspaceUntouched(t *testing.T) {
	k := New(0)
	_, _, err := k.Set("a", "1", nil, func(uint64) (uint64, error) {
		return 0, errCommitFailed
	})
	assert.Error(t, err)

	_, _, ok := k.Get("a")
	assert.False(t, ok, "a failed commit must not install the value")
}

func TestDeleteResetsVersionCounter(t *testing.T) {
	k := New(0)
	_, _, err := k.Set("a", "1", nil, noopCommit)
	require.NoError(t, err)
	_, _, err = k.Set("a", "2", nil, noopCommit)
	require.NoError(t, err)

	_, err = k.Delete("a", func() (uint64, error) { return 0, nil })
	require.NoError(t, err, "Delete returned an error for an existing key")

	_, _, ok := k.Get("a")
	assert.False(t, ok, "Get succeeded after delete")
	_, ok = k.History("a")
	assert.False(t, ok, "History succeeded after delete")

	_, v, err := k.Set("a", "fresh", nil, noopCommit)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v, "version after delete+set should restart at 1")
}

func TestDeleteMissingKeyReturnsNotFoundWithoutCallingCommit(t *testing.T) {
	k := New(0)
	called := false
	_, err := k.Delete("missing", func() (uint64, error) {
		called = true
		return 0, nil
	})
	assert.Error(t, err)
	assert.False(t, called, "commit must not run for a key that does not exist")
}

func TestHistoryRetentionBound(t *testing.T) {
	k := New(2)
	for i := 0; i < 5; i++ {
		_, _, err := k.Set("a", i, nil, noopCommit)
		require.NoError(t, err)
	}
	versions, ok := k.Versions("a")
	require.True(t, ok)
	assert.LessOrEqual(t, len(versions), 3, "retention(2) + current") // retention(2) + current
}

func TestApplyReplaysSetAndDelete(t *testing.T) {
	k := New(0)
	v1 := uint64(1)
	k.Apply(applyEntry("a", "1", &v1))

	val, ver, ok := k.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", val)
	assert.EqualValues(t, 1, ver)

	k.Apply(deleteEntry("a"))
	_, _, ok = k.Get("a")
	assert.False(t, ok, "Get succeeded after Apply DELETE")
}
