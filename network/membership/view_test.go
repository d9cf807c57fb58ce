package membership

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveAndRemove(t *testing.T) {
	v := NewView()

	p1, err := test.RandPeerID()
	require.NoError(t, err)
	p2, err := test.RandPeerID()
	require.NoError(t, err)

	v.Observe(p1, SourceGossip)
	v.Observe(p2, SourceConnect)
	assert.Equal(t, 2, v.Len())
	assert.True(t, v.Contains(p1))

	v.Remove(p1)
	assert.False(t, v.Contains(p1))
	assert.Equal(t, 1, v.Len())
}

func TestRemoveAbsentPeerIsNoOp(t *testing.T) {
	v := NewView()

	p, err := test.RandPeerID()
	require.NoError(t, err)

	// Never observed: removal must not panic or error.
	v.Remove(p)
	assert.Equal(t, 0, v.Len())

	// Redundant removal after a real one behaves the same.
	v.Observe(p, SourceGossip)
	v.Remove(p)
	v.Remove(p)
	assert.False(t, v.Contains(p))
}

func TestObserveRefreshesLastSeen(t *testing.T) {
	v := NewView()

	base := time.Unix(1000, 0)
	current := base
	v.now = func() time.Time { return current }

	p, err := test.RandPeerID()
	require.NoError(t, err)

	v.Observe(p, SourceGossip)
	current = base.Add(30 * time.Second)
	v.Observe(p, SourceExchange)

	entries := v.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, base.Add(30*time.Second), entries[0].LastSeen)
	// The original source is kept; a refresh does not rewrite history.
	assert.Equal(t, SourceGossip, entries[0].Source)
}

func TestEntriesSnapshotIsDetached(t *testing.T) {
	v := NewView()

	p, err := test.RandPeerID()
	require.NoError(t, err)
	v.Observe(p, SourceDiscovery)

	entries := v.Entries()
	v.Remove(p)

	require.Len(t, entries, 1)
	assert.Equal(t, 0, v.Len())
}
