package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduplicatorAtMostOnce(t *testing.T) {
	d := NewDeduplicator(time.Hour)

	require.True(t, d.CheckAndMark("0xabc"), "first observation must pass")
	assert.False(t, d.CheckAndMark("0xabc"), "second observation must be dropped")
	assert.False(t, d.CheckAndMark("0xabc"), "every later observation must be dropped")

	assert.True(t, d.CheckAndMark("0xdef"), "unrelated key must pass")
}

func TestDeduplicatorHorizonAging(t *testing.T) {
	d := NewDeduplicator(10 * time.Minute)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return current }

	require.True(t, d.CheckAndMark("key"))
	assert.False(t, d.CheckAndMark("key"))

	current = current.Add(9 * time.Minute)
	assert.False(t, d.CheckAndMark("key"), "inside horizon: still a duplicate")

	current = current.Add(2 * time.Minute)
	assert.True(t, d.CheckAndMark("key"), "past horizon: treated as new")
}

func TestDeduplicatorSnapshotRestore(t *testing.T) {
	d := NewDeduplicator(time.Hour)
	d.CheckAndMark("a")
	d.CheckAndMark("b")

	snap := d.Snapshot()
	require.Len(t, snap, 2)

	fresh := NewDeduplicator(time.Hour)
	fresh.Restore(snap)
	assert.False(t, fresh.CheckAndMark("a"), "restored key must still dedupe")
	assert.False(t, fresh.CheckAndMark("b"))
	assert.True(t, fresh.CheckAndMark("c"))
}

func TestDeduplicatorRestoreDropsExpired(t *testing.T) {
	d := NewDeduplicator(time.Hour)
	d.Restore(map[string]time.Time{
		"old": time.Now().Add(-2 * time.Hour),
	})
	assert.Equal(t, 0, d.Len())
	assert.True(t, d.CheckAndMark("old"))
}
