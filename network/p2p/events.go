package p2p

import (
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/contentmesh-labs/go-contentmesh/network/exchange"
)

// RequestID correlates an outbound request with the ResponseReceived or
// OutboundFailure event that answers it.
type RequestID = uuid.UUID

// Event is one occurrence delivered on the manager's event channel. The
// channel is the only path from the network stack into the dispatch loop,
// so events arrive in a single total order.
type Event interface {
	event()
}

// GossipMessage is a pubsub message from another peer. Messages published
// by the local node are filtered out before they reach the channel.
type GossipMessage struct {
	Topic string
	From  peer.ID
	Data  []byte
}

// InboundRequest is a decoded request from a remote peer. Reply sends the
// response and owns the stream close; it returns ErrReplyConsumed on every
// call after the first.
type InboundRequest struct {
	From    peer.ID
	Request exchange.Request
	Reply   func(exchange.Response) error
}

// ResponseReceived answers an earlier SendRequest. Request is the original
// outbound request, so consumers need no correlation table of their own.
type ResponseReceived struct {
	RequestID RequestID
	From      peer.ID
	Request   exchange.Request
	Response  exchange.Response
}

// OutboundFailure reports that a SendRequest exchange broke down before a
// response was decoded.
type OutboundFailure struct {
	RequestID RequestID
	Peer      peer.ID
	Err       error
}

// PeerDisconnected fires when the last connection to a peer closes.
type PeerDisconnected struct {
	Peer peer.ID
}

// IdentifyFailed reports an identify exchange that did not complete.
type IdentifyFailed struct {
	Peer peer.ID
	Err  error
}

// ObservedAddress carries an external address a peer observed for the
// local node during identify.
type ObservedAddress struct {
	Peer peer.ID
	Addr multiaddr.Multiaddr
}

func (GossipMessage) event()    {}
func (InboundRequest) event()   {}
func (ResponseReceived) event() {}
func (OutboundFailure) event()  {}
func (PeerDisconnected) event() {}
func (IdentifyFailed) event()   {}
func (ObservedAddress) event()  {}

// PeerRecord is the CBOR payload published on the peer-discovery topic.
type PeerRecord struct {
	ID    string   `cbor:"id"`
	Addrs []string `cbor:"addrs"`
}
