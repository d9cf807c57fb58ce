package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentmesh-labs/go-contentmesh/network/exchange"
	"github.com/contentmesh-labs/go-contentmesh/network/membership"
	"github.com/contentmesh-labs/go-contentmesh/network/p2p"
	"github.com/contentmesh-labs/go-contentmesh/store"
)

type sentRequest struct {
	peer peer.ID
	req  exchange.Request
}

// fakeNetwork records every call the engine makes and feeds it events.
type fakeNetwork struct {
	events chan p2p.Event

	mu         sync.Mutex
	sent       []sentRequest
	removed    []peer.ID
	external   []multiaddr.Multiaddr
	bootstraps int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{events: make(chan p2p.Event, 16)}
}

func (f *fakeNetwork) Events() <-chan p2p.Event { return f.events }

func (f *fakeNetwork) SendRequest(p peer.ID, req exchange.Request) (p2p.RequestID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentRequest{peer: p, req: req})
	return uuid.New(), nil
}

func (f *fakeNetwork) Bootstrap(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootstraps++
	return nil
}

func (f *fakeNetwork) RemovePeer(p peer.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, p)
}

func (f *fakeNetwork) AddExternalAddress(addr multiaddr.Multiaddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.external = append(f.external, addr)
}

func (f *fakeNetwork) sentRequests() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.sent...)
}

func (f *fakeNetwork) removedPeers() []peer.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]peer.ID(nil), f.removed...)
}

func (f *fakeNetwork) bootstrapCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bootstraps
}

func (f *fakeNetwork) externalAddrs() []multiaddr.Multiaddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]multiaddr.Multiaddr(nil), f.external...)
}

func startEngine(t *testing.T, fn *fakeNetwork, st store.Store, cfg Config) *membership.View {
	t.Helper()
	if cfg.TickInterval == 0 {
		// Keep the ticker out of the way unless the test drives it.
		cfg.TickInterval = time.Hour
	}
	view := membership.NewView()
	e := NewEngine(fn, view, st, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)
	return view
}

func randPeer(t *testing.T) peer.ID {
	t.Helper()
	p, err := test.RandPeerID()
	require.NoError(t, err)
	return p
}

func TestContentAnnouncementTriggersSingleFetch(t *testing.T) {
	fn := newFakeNetwork()
	startEngine(t, fn, nil, Config{})

	announcer := randPeer(t)
	fn.events <- p2p.GossipMessage{Topic: p2p.TopicFile, From: announcer, Data: []byte("abc123")}

	require.Eventually(t, func() bool {
		return len(fn.sentRequests()) == 1
	}, time.Second, 5*time.Millisecond)

	// A chat message afterwards must not produce another fetch.
	fn.events <- p2p.GossipMessage{Topic: p2p.TopicChat, From: randPeer(t), Data: []byte("hi")}
	time.Sleep(50 * time.Millisecond)

	sent := fn.sentRequests()
	require.Len(t, sent, 1)
	assert.Equal(t, announcer, sent[0].peer)
	assert.Equal(t, exchange.RequestFile, sent[0].req.Kind)
	assert.Equal(t, "abc123", sent[0].req.ContentID)
}

func TestUnsupportedRequestGetsErrorResponse(t *testing.T) {
	fn := newFakeNetwork()
	startEngine(t, fn, nil, Config{})

	replies := make(chan exchange.Response, 2)
	reply := func(r exchange.Response) error {
		replies <- r
		return nil
	}

	fn.events <- p2p.InboundRequest{
		From:    randPeer(t),
		Request: exchange.NewCloneRequest("/repos/demo.git"),
		Reply:   reply,
	}

	select {
	case resp := <-replies:
		assert.True(t, resp.IsError())
		assert.Contains(t, resp.Message, "unsupported")
	case <-time.After(time.Second):
		t.Fatal("no response to unsupported request")
	}

	// The loop keeps going: a supported variant is still answered.
	fn.events <- p2p.InboundRequest{
		From:    randPeer(t),
		Request: exchange.NewStatusRequest(""),
		Reply:   reply,
	}

	select {
	case resp := <-replies:
		assert.Equal(t, exchange.ResponseStatus, resp.Kind)
	case <-time.After(time.Second):
		t.Fatal("dispatch loop stopped after unsupported request")
	}
}

func TestDisconnectThenIdentifyTimeoutRemovesOnce(t *testing.T) {
	fn := newFakeNetwork()
	view := startEngine(t, fn, nil, Config{})

	y := randPeer(t)
	fn.events <- p2p.GossipMessage{Topic: p2p.TopicChat, From: y, Data: []byte("hello")}
	require.Eventually(t, func() bool { return view.Contains(y) }, time.Second, 5*time.Millisecond)

	// Connection closed, then the redundant identify timeout right after.
	fn.events <- p2p.PeerDisconnected{Peer: y}
	fn.events <- p2p.IdentifyFailed{Peer: y, Err: context.DeadlineExceeded}

	require.Eventually(t, func() bool {
		return len(fn.removedPeers()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, view.Contains(y))
}

func TestIdentifyNonTimeoutKeepsPeer(t *testing.T) {
	fn := newFakeNetwork()
	view := startEngine(t, fn, nil, Config{})

	p := randPeer(t)
	fn.events <- p2p.GossipMessage{Topic: p2p.TopicChat, From: p, Data: []byte("hello")}
	require.Eventually(t, func() bool { return view.Contains(p) }, time.Second, 5*time.Millisecond)

	fn.events <- p2p.IdentifyFailed{Peer: p, Err: errors.New("protocol mismatch")}
	time.Sleep(50 * time.Millisecond)

	assert.True(t, view.Contains(p))
	assert.Empty(t, fn.removedPeers())
}

func TestTickTriggersBootstrapWithoutDrift(t *testing.T) {
	fn := newFakeNetwork()
	mock := clock.NewMock()
	startEngine(t, fn, nil, Config{TickInterval: 15 * time.Second, Clock: mock})

	// Let Run create its ticker before advancing the clock.
	time.Sleep(20 * time.Millisecond)

	for i := 1; i <= 3; i++ {
		mock.Add(15 * time.Second)
		want := i
		require.Eventually(t, func() bool {
			return fn.bootstrapCount() == want
		}, time.Second, 5*time.Millisecond, "tick %d", i)
	}

	// Less than a full interval: no extra refresh.
	mock.Add(10 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, fn.bootstrapCount())
}

func TestUnrecognizedTopicIsRejected(t *testing.T) {
	fn := newFakeNetwork()
	startEngine(t, fn, nil, Config{})

	fn.events <- p2p.GossipMessage{Topic: "contentmesh/bogus", From: randPeer(t), Data: []byte("abc123")}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fn.sentRequests())

	// The loop is still alive afterwards.
	announcer := randPeer(t)
	fn.events <- p2p.GossipMessage{Topic: p2p.TopicFile, From: announcer, Data: []byte("def456")}
	require.Eventually(t, func() bool {
		return len(fn.sentRequests()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFileRequestServedFromStore(t *testing.T) {
	fn := newFakeNetwork()
	st, err := store.NewMemory(8)
	require.NoError(t, err)
	st.Put("abc123", []byte("cached content"))
	startEngine(t, fn, st, Config{})

	replies := make(chan exchange.Response, 1)
	fn.events <- p2p.InboundRequest{
		From:    randPeer(t),
		Request: exchange.NewFileRequest("abc123"),
		Reply:   func(r exchange.Response) error { replies <- r; return nil },
	}

	select {
	case resp := <-replies:
		require.Equal(t, exchange.ResponseData, resp.Kind)
		assert.Equal(t, []byte("cached content"), resp.Data)
	case <-time.After(time.Second):
		t.Fatal("no response to file request")
	}
}

func TestFileRequestServedFromShareDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("shared file"), 0o644))

	fn := newFakeNetwork()
	startEngine(t, fn, nil, Config{ShareDir: dir})

	replies := make(chan exchange.Response, 1)
	fn.events <- p2p.InboundRequest{
		From:    randPeer(t),
		Request: exchange.NewFileRequest("notes.txt"),
		Reply:   func(r exchange.Response) error { replies <- r; return nil },
	}

	select {
	case resp := <-replies:
		require.Equal(t, exchange.ResponseData, resp.Kind)
		assert.Equal(t, []byte("shared file"), resp.Data)
	case <-time.After(time.Second):
		t.Fatal("no response to file request")
	}
}

func TestFileRequestUnknownContent(t *testing.T) {
	fn := newFakeNetwork()
	startEngine(t, fn, nil, Config{})

	replies := make(chan exchange.Response, 1)
	fn.events <- p2p.InboundRequest{
		From:    randPeer(t),
		Request: exchange.NewFileRequest("missing"),
		Reply:   func(r exchange.Response) error { replies <- r; return nil },
	}

	select {
	case resp := <-replies:
		assert.True(t, resp.IsError())
	case <-time.After(time.Second):
		t.Fatal("no response to file request")
	}
}

func TestFetchedContentLandsInStore(t *testing.T) {
	fn := newFakeNetwork()
	st, err := store.NewMemory(8)
	require.NoError(t, err)
	startEngine(t, fn, st, Config{})

	from := randPeer(t)
	fn.events <- p2p.ResponseReceived{
		RequestID: uuid.New(),
		From:      from,
		Request:   exchange.NewFileRequest("abc123"),
		Response:  exchange.DataResponse([]byte("fetched body")),
	}

	require.Eventually(t, func() bool {
		return st.Has("abc123")
	}, time.Second, 5*time.Millisecond)

	data, ok := st.Get("abc123")
	require.True(t, ok)
	assert.Equal(t, []byte("fetched body"), data)
}

func TestObservedAddressIsRegistered(t *testing.T) {
	fn := newFakeNetwork()
	startEngine(t, fn, nil, Config{})

	addr, err := multiaddr.NewMultiaddr("/ip4/203.0.113.7/udp/9091/quic-v1")
	require.NoError(t, err)

	fn.events <- p2p.ObservedAddress{Peer: randPeer(t), Addr: addr}

	require.Eventually(t, func() bool {
		addrs := fn.externalAddrs()
		return len(addrs) == 1 && addrs[0].Equal(addr)
	}, time.Second, 5*time.Millisecond)
}
