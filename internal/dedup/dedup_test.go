package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLookupMissThenHitAfterRecord(t *testing.T) {
	c := New(100, time.Hour, zap.NewNop())

	_, hit := c.Lookup("client1", "req1", "SET")
	require.False(t, hit, "expected miss before Record")

	c.Record("client1", "req1", "SET", "ok")

	result, hit := c.Lookup("client1", "req1", "SET")
	require.True(t, hit, "expected hit after Record")
	assert.Equal(t, "ok", result)
}

func TestLookupDifferentOperationIsNotAHit(t *testing.T) {
	c := New(100, time.Hour, zap.NewNop())
	c.Record("client1", "req1", "SET", "ok")

	_, hit := c.Lookup("client1", "req1", "DELETE")
	assert.False(t, hit, "expected miss for a different operation sharing request_id")

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.DifferentOperationDuplicates)
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	c := New(100, -time.Second, zap.NewNop()) // already-expired TTL
	c.Record("client1", "req1", "SET", "ok")

	removed := c.Sweep()
	require.Equal(t, 1, removed)

	_, hit := c.Lookup("client1", "req1", "SET")
	assert.False(t, hit, "expected miss after sweep")
}

func TestEvictsOldestWhenOverCapacity(t *testing.T) {
	c := New(2, time.Hour, zap.NewNop())
	c.Record("client1", "req1", "SET", 1)
	time.Sleep(time.Millisecond)
	c.Record("client1", "req2", "SET", 2)
	time.Sleep(time.Millisecond)
	c.Record("client1", "req3", "SET", 3)

	require.Equal(t, 2, c.Stats().CurrentCacheSize)

	_, hit := c.Lookup("client1", "req1", "SET")
	assert.False(t, hit, "expected oldest entry to be evicted")
}
