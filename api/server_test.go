package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentmesh-labs/go-contentmesh/network/membership"
	"github.com/contentmesh-labs/go-contentmesh/store"
)

type stubNetwork struct {
	id        peer.ID
	chats     []string
	announced []string
}

func (s *stubNetwork) ID() peer.ID                        { return s.id }
func (s *stubNetwork) ListenAddrs() []multiaddr.Multiaddr { return nil }
func (s *stubNetwork) ConnectedPeers() []peer.ID          { return nil }

func (s *stubNetwork) PublishChat(text string) error {
	s.chats = append(s.chats, text)
	return nil
}

func (s *stubNetwork) AnnounceContent(id string) error {
	s.announced = append(s.announced, id)
	return nil
}

func newTestServer(t *testing.T) (*Server, *stubNetwork, *membership.View, store.Store) {
	t.Helper()
	id, err := test.RandPeerID()
	require.NoError(t, err)
	net := &stubNetwork{id: id}
	view := membership.NewView()
	st, err := store.NewMemory(8)
	require.NoError(t, err)
	return NewServer(net, view, st, Config{ListenAddr: ":0"}), net, view, st
}

func TestStatusEndpoint(t *testing.T) {
	srv, net, view, st := newTestServer(t)
	p, err := test.RandPeerID()
	require.NoError(t, err)
	view.Observe(p, membership.SourceGossip)
	st.Put("abc123", []byte("data"))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, net.id.String(), body["peer_id"])
	assert.EqualValues(t, 1, body["known_peers"])
	assert.EqualValues(t, 1, body["content_entries"])
}

func TestPeersEndpoint(t *testing.T) {
	srv, _, view, _ := newTestServer(t)
	p, err := test.RandPeerID()
	require.NoError(t, err)
	view.Observe(p, membership.SourceConnect)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/peers", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Peers []struct {
			PeerID string `json:"peer_id"`
			Source string `json:"source"`
		} `json:"peers"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, p.String(), body.Peers[0].PeerID)
	assert.Equal(t, string(membership.SourceConnect), body.Peers[0].Source)
}

func TestContentEndpoints(t *testing.T) {
	srv, _, _, st := newTestServer(t)
	st.Put("abc123", []byte("hello world"))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/content/abc123", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/content/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatAndAnnounceEndpoints(t *testing.T) {
	srv, net, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(
		"POST", "/api/v1/chat", strings.NewReader(`{"text":"hello"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"hello"}, net.chats)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(
		"POST", "/api/v1/announce", strings.NewReader(`{"content_id":"abc123"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"abc123"}, net.announced)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(
		"POST", "/api/v1/announce", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
