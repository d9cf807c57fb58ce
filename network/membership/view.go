package membership

import (
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("membership")

// Source records how a peer entered the membership view.
type Source string

const (
	SourceConnect   Source = "connect"
	SourceGossip    Source = "gossip"
	SourceDiscovery Source = "discovery"
	SourceExchange  Source = "exchange"
)

// Entry is one peer believed reachable.
type Entry struct {
	Peer     peer.ID   `json:"peer"`
	Source   Source    `json:"source"`
	LastSeen time.Time `json:"last_seen"`
}

// View is the local node's working set of reachable peers. Entries are
// removed outright when a peer is judged unreachable; nothing is kept
// soft-deleted. Mutations happen inside the dispatch loop; the mutex covers
// concurrent readers on the API path.
type View struct {
	mu      sync.RWMutex
	entries map[peer.ID]*Entry
	now     func() time.Time
}

func NewView() *View {
	return &View{
		entries: make(map[peer.ID]*Entry),
		now:     time.Now,
	}
}

// Observe inserts p or refreshes its last-seen time.
func (v *View) Observe(p peer.ID, src Source) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if e, ok := v.entries[p]; ok {
		e.LastSeen = v.now()
		return
	}
	v.entries[p] = &Entry{Peer: p, Source: src, LastSeen: v.now()}
	log.Debugw("peer joined membership view", "peer", p, "source", src)
}

// Remove drops p from the view. Removing an absent peer is a no-op.
func (v *View) Remove(p peer.ID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, p)
}

// Contains reports whether p is currently believed reachable.
func (v *View) Contains(p peer.ID) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.entries[p]
	return ok
}

// Len returns the number of peers in the view.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// Entries returns a snapshot of the view ordered by peer id.
func (v *View) Entries() []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Entry, 0, len(v.entries))
	for _, e := range v.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}
