// Package dispatch runs the node's single event loop: it correlates gossip
// announcements with outbound fetches, answers inbound requests, and keeps
// the membership view current as peers come and go.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/contentmesh-labs/go-contentmesh/network/exchange"
	"github.com/contentmesh-labs/go-contentmesh/network/membership"
	"github.com/contentmesh-labs/go-contentmesh/network/p2p"
	"github.com/contentmesh-labs/go-contentmesh/store"
)

var log = logging.Logger("dispatch")

// DefaultTickInterval paces the periodic DHT refresh.
const DefaultTickInterval = 15 * time.Second

// Network is the slice of the transport/behaviour collaborator the engine
// drives.
type Network interface {
	Events() <-chan p2p.Event
	SendRequest(peer.ID, exchange.Request) (p2p.RequestID, error)
	Bootstrap(context.Context) error
	RemovePeer(peer.ID)
	AddExternalAddress(multiaddr.Multiaddr)
}

// Config tunes the engine.
type Config struct {
	// TickInterval is the spacing of DHT refresh ticks. Zero means
	// DefaultTickInterval.
	TickInterval time.Duration

	// ShareDir, when set, backs file requests for content not in the store.
	ShareDir string

	// Clock defaults to the wall clock; tests inject a mock.
	Clock clock.Clock
}

// Engine is the dispatch loop. All of its state is mutated from the single
// Run goroutine, so no locking discipline is needed beyond what the
// membership view does for its own readers.
type Engine struct {
	net      Network
	view     *membership.View
	store    store.Store
	shareDir string
	tick     time.Duration
	clk      clock.Clock
}

func NewEngine(net Network, view *membership.View, st store.Store, cfg Config) *Engine {
	e := &Engine{
		net:      net,
		view:     view,
		store:    st,
		shareDir: cfg.ShareDir,
		tick:     cfg.TickInterval,
		clk:      cfg.Clock,
	}
	if e.tick <= 0 {
		e.tick = DefaultTickInterval
	}
	if e.clk == nil {
		e.clk = clock.New()
	}
	return e
}

// Run processes events until ctx is cancelled or the event channel closes.
// One event is handled to completion per iteration; the ticker re-arms
// itself, so ticks stay evenly spaced regardless of handling time.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clk.Ticker(e.tick)
	defer ticker.Stop()

	log.Infow("dispatch loop started", "tick_interval", e.tick)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.net.Events():
			if !ok {
				return nil
			}
			e.handleEvent(ev)
		case <-ticker.C:
			e.handleTick(ctx)
		}
	}
}

func (e *Engine) handleEvent(ev p2p.Event) {
	switch ev := ev.(type) {
	case p2p.GossipMessage:
		e.handleGossip(ev)
	case p2p.InboundRequest:
		e.handleRequest(ev)
	case p2p.ResponseReceived:
		e.handleResponse(ev)
	case p2p.OutboundFailure:
		log.Errorw("outbound request failed",
			"request_id", ev.RequestID, "peer", ev.Peer, "err", ev.Err)
	case p2p.PeerDisconnected:
		e.removePeer(ev.Peer, "connection closed")
	case p2p.IdentifyFailed:
		// A browser tab closing produces no connection-closed event;
		// the identify timeout is the only signal it is gone.
		if isTimeout(ev.Err) {
			e.removePeer(ev.Peer, "identify timeout")
		} else {
			log.Debugw("identify failed", "peer", ev.Peer, "err", ev.Err)
		}
	case p2p.ObservedAddress:
		log.Debugw("peer observed our external address", "peer", ev.Peer, "addr", ev.Addr)
		e.net.AddExternalAddress(ev.Addr)
	default:
		log.Errorw("unhandled event type", "type", fmt.Sprintf("%T", ev))
	}
}

// handleGossip interprets an announcement per-topic. The topic partitions
// are disjoint; anything on an unrecognized topic is rejected, not
// mis-routed.
func (e *Engine) handleGossip(ev p2p.GossipMessage) {
	switch ev.Topic {
	case p2p.TopicChat:
		log.Infow("chat message", "from", ev.From, "text", string(ev.Data))
		e.view.Observe(ev.From, membership.SourceGossip)

	case p2p.TopicFile:
		contentID := string(ev.Data)
		e.view.Observe(ev.From, membership.SourceGossip)

		// Fetch from the announcing peer only, never broadcast. The
		// request id keeps the correlation; the loop does not wait.
		id, err := e.net.SendRequest(ev.From, exchange.NewFileRequest(contentID))
		if err != nil {
			log.Errorw("failed to request announced content",
				"content_id", contentID, "peer", ev.From, "err", err)
			return
		}
		log.Infow("requested announced content",
			"content_id", contentID, "peer", ev.From, "request_id", id)

	case p2p.TopicPeerDiscovery:
		var record p2p.PeerRecord
		if err := cbor.Unmarshal(ev.Data, &record); err != nil {
			log.Debugw("malformed peer record", "from", ev.From, "err", err)
			return
		}
		e.view.Observe(ev.From, membership.SourceDiscovery)
		log.Debugw("peer discovery signal", "from", ev.From, "addrs", record.Addrs)

	default:
		log.Errorw("message on unrecognized topic", "topic", ev.Topic, "from", ev.From)
	}
}

// handleRequest answers an inbound request with exactly one response.
// Variants the node does not serve get an explicit error, never silence.
func (e *Engine) handleRequest(ev p2p.InboundRequest) {
	e.view.Observe(ev.From, membership.SourceExchange)

	resp := e.respond(ev.Request)
	if err := ev.Reply(resp); err != nil {
		log.Errorw("failed to send response",
			"peer", ev.From, "kind", ev.Request.Kind, "err", err)
	}
}

func (e *Engine) respond(req exchange.Request) exchange.Response {
	switch req.Kind {
	case exchange.RequestFile:
		if e.store != nil {
			if data, ok := e.store.Get(req.ContentID); ok {
				return exchange.DataResponse(data)
			}
		}
		if e.shareDir != "" {
			// Clean against the root first so the id cannot escape the
			// share directory.
			path := filepath.Join(e.shareDir, filepath.Clean("/"+req.ContentID))
			if data, err := os.ReadFile(path); err == nil {
				return exchange.DataResponse(data)
			}
		}
		return exchange.ErrorResponse(fmt.Sprintf("unknown content id %q", req.ContentID))

	case exchange.RequestStatus:
		storeLen := 0
		if e.store != nil {
			storeLen = e.store.Len()
		}
		return exchange.StatusResponse(fmt.Sprintf(
			"%d known peers, %d content entries", e.view.Len(), storeLen))

	case exchange.RequestClone, exchange.RequestFetch, exchange.RequestPush, exchange.RequestLsRemote:
		return exchange.ErrorResponse(fmt.Sprintf("unsupported request variant %q", req.Kind))

	default:
		return exchange.ErrorResponse(fmt.Sprintf("unknown request variant %q", req.Kind))
	}
}

// handleResponse records the answer to an earlier fetch. Data payloads for
// file requests land in the content store; this is the extension point for
// anything richer.
func (e *Engine) handleResponse(ev p2p.ResponseReceived) {
	e.view.Observe(ev.From, membership.SourceExchange)

	resp := ev.Response
	switch resp.Kind {
	case exchange.ResponseData:
		log.Infow("received content",
			"request_id", ev.RequestID, "peer", ev.From, "size", len(resp.Data))
		if e.store != nil && ev.Request.Kind == exchange.RequestFile {
			e.store.Put(ev.Request.ContentID, resp.Data)
		}
	case exchange.ResponseError:
		log.Warnw("peer answered with error",
			"request_id", ev.RequestID, "peer", ev.From, "cause", resp.Message)
	default:
		log.Infow("response received",
			"request_id", ev.RequestID, "peer", ev.From, "kind", resp.Kind)
	}
}

// removePeer drops p from the membership view and advises the DHT.
// Removal is unconditional and idempotent.
func (e *Engine) removePeer(p peer.ID, reason string) {
	e.view.Remove(p)
	e.net.RemovePeer(p)
	log.Infow("removed peer from membership view", "peer", p, "reason", reason)
}

// handleTick refreshes the DHT. Failures are logged and retried on the
// next natural tick, never escalated.
func (e *Engine) handleTick(ctx context.Context) {
	if err := e.net.Bootstrap(ctx); err != nil {
		log.Debugw("routing table refresh failed", "err", err)
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
