package p2p

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsub_pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"github.com/contentmesh-labs/go-contentmesh/internal/telemetry"
)

var log = logging.Logger("p2p")

// Protocol ID and PubSub topic names for the contentmesh overlay.
const (
	ProtocolExchange protocol.ID = "/contentmesh/exchange/1.0.0"

	TopicChat          = "contentmesh/chat"
	TopicFile          = "contentmesh/file"
	TopicPeerDiscovery = "contentmesh/peer-discovery"

	// DiscoveryNamespace tags mDNS and DHT advertisements.
	DiscoveryNamespace = "contentmesh"
)

// Topics lists every overlay topic the manager subscribes to.
var Topics = []string{TopicChat, TopicFile, TopicPeerDiscovery}

// Config carries the manager's network settings.
type Config struct {
	// Identity is the node's long-lived key, supplied by the identity store.
	Identity crypto.PrivKey

	ListenAddrs    []string
	BootstrapPeers []string

	// ExternalAddrs are addresses this node is known to be reachable at;
	// identify-observed addresses are added to them at runtime.
	ExternalAddrs []string

	ConnectTimeout time.Duration

	// EventBuffer sizes the event channel handed to the dispatch loop.
	EventBuffer int
}

// Manager owns the libp2p host and its attached services, and turns
// everything the stack produces into Events for the dispatch loop.
type Manager struct {
	Host   host.Host
	PubSub *pubsub.PubSub
	DHT    *dht.IpfsDHT

	ctx    context.Context
	cancel context.CancelFunc

	events chan Event

	bootstrapPeers []multiaddr.Multiaddr
	connectTimeout time.Duration

	joinedTopics map[string]*pubsub.Topic
	topicsMu     sync.RWMutex

	externalAddrs []multiaddr.Multiaddr
	externalMu    sync.RWMutex

	rateLimiter *rate.Limiter

	mdnsService interface{ Close() error }

	wg sync.WaitGroup
}

// NewManager builds the libp2p host, GossipSub router and Kademlia DHT.
// The manager shuts down when ctx is cancelled or Stop is called.
func NewManager(ctx context.Context, cfg *Config) (*Manager, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("p2p: identity key is required")
	}
	ctx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:            ctx,
		cancel:         cancel,
		connectTimeout: cfg.ConnectTimeout,
		joinedTopics:   make(map[string]*pubsub.Topic),
		rateLimiter:    rate.NewLimiter(rate.Limit(100), 200),
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = 10 * time.Second
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 128
	}
	m.events = make(chan Event, buffer)

	for _, addr := range cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			log.Warnw("skipping invalid bootstrap peer address", "addr", addr, "err", err)
			continue
		}
		m.bootstrapPeers = append(m.bootstrapPeers, maddr)
	}
	for _, addr := range cfg.ExternalAddrs {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("p2p: invalid external address %q: %w", addr, err)
		}
		m.externalAddrs = append(m.externalAddrs, maddr)
	}

	opts := []libp2p.Option{
		libp2p.Identity(cfg.Identity),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.NATPortMap(),
		libp2p.EnableRelay(),
		libp2p.AddrsFactory(m.appendExternalAddrs),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}
	m.Host = h
	log.Infow("host created", "peer_id", h.ID(), "listen_addrs", h.Addrs())

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageIdFn(contentMessageID),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("p2p: create pubsub: %w", err)
	}
	m.PubSub = ps

	kademliaDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("p2p: create DHT: %w", err)
	}
	m.DHT = kademliaDHT

	if err := kademliaDHT.Bootstrap(ctx); err != nil {
		kademliaDHT.Close()
		h.Close()
		cancel()
		return nil, fmt.Errorf("p2p: bootstrap DHT: %w", err)
	}

	return m, nil
}

// contentMessageID derives the gossipsub message id from the payload hash,
// so identical announcements propagate once.
func contentMessageID(msg *pubsub_pb.Message) string {
	sum := blake2b.Sum256(msg.GetData())
	return hex.EncodeToString(sum[:])
}

// Start wires stream handlers, topic subscriptions, lifecycle watchers and
// discovery, then dials the bootstrap peers.
func (m *Manager) Start() error {
	m.Host.SetStreamHandler(ProtocolExchange, m.handleExchangeStream)

	if err := m.subscribeTopics(); err != nil {
		return err
	}
	if err := m.watchIdentify(); err != nil {
		return err
	}
	m.watchConnections()
	m.startMDNSDiscovery()
	m.startDHTDiscovery()
	m.connectToBootstrapPeersWithRetry()

	log.Info("p2p services started")
	return nil
}

// Stop tears the stack down. Event consumers should have stopped reading
// by the time Stop returns.
func (m *Manager) Stop() error {
	m.cancel()

	if m.mdnsService != nil {
		if err := m.mdnsService.Close(); err != nil {
			log.Warnw("error closing mDNS service", "err", err)
		}
	}

	m.topicsMu.Lock()
	for name, topic := range m.joinedTopics {
		if err := topic.Close(); err != nil {
			log.Warnw("error closing topic", "topic", name, "err", err)
		}
	}
	m.topicsMu.Unlock()

	if err := m.DHT.Close(); err != nil {
		log.Warnw("error closing DHT", "err", err)
	}
	if err := m.Host.Close(); err != nil {
		return fmt.Errorf("p2p: close host: %w", err)
	}

	m.wg.Wait()
	log.Info("p2p services stopped")
	return nil
}

// Events is the single ordered stream of occurrences for the dispatch loop.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// ID returns the local peer id.
func (m *Manager) ID() peer.ID {
	return m.Host.ID()
}

// ListenAddrs returns the addresses the host listens on.
func (m *Manager) ListenAddrs() []multiaddr.Multiaddr {
	return m.Host.Addrs()
}

// ConnectedPeers returns the peers with at least one live connection.
func (m *Manager) ConnectedPeers() []peer.ID {
	return m.Host.Network().Peers()
}

// AddExternalAddress registers an additional externally reachable address
// for the local node. Promotion to server-like DHT visibility is the DHT's
// own concern; this only widens the advertised address set.
func (m *Manager) AddExternalAddress(addr multiaddr.Multiaddr) {
	m.externalMu.Lock()
	defer m.externalMu.Unlock()

	for _, known := range m.externalAddrs {
		if known.Equal(addr) {
			return
		}
	}
	m.externalAddrs = append(m.externalAddrs, addr)
	log.Infow("added external address", "addr", addr)
}

// ExternalAddrs returns the addresses this node advertises as reachable.
func (m *Manager) ExternalAddrs() []multiaddr.Multiaddr {
	m.externalMu.RLock()
	defer m.externalMu.RUnlock()
	out := make([]multiaddr.Multiaddr, len(m.externalAddrs))
	copy(out, m.externalAddrs)
	return out
}

func (m *Manager) appendExternalAddrs(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
	m.externalMu.RLock()
	defer m.externalMu.RUnlock()
	return append(addrs, m.externalAddrs...)
}

// RemovePeer drops p from the DHT routing view. The removal is advisory;
// the DHT owns the authoritative routing table.
func (m *Manager) RemovePeer(p peer.ID) {
	m.DHT.RoutingTable().RemovePeer(p)
	log.Debugw("removed peer from routing table", "peer", p)
}

// Bootstrap triggers a DHT refresh. Best effort; callers retry on their
// own schedule.
func (m *Manager) Bootstrap(ctx context.Context) error {
	return m.DHT.Bootstrap(ctx)
}

// getOrJoinTopic returns a cached topic handle or joins the topic.
func (m *Manager) getOrJoinTopic(topicName string) (*pubsub.Topic, error) {
	m.topicsMu.RLock()
	if topic, exists := m.joinedTopics[topicName]; exists {
		m.topicsMu.RUnlock()
		return topic, nil
	}
	m.topicsMu.RUnlock()

	m.topicsMu.Lock()
	defer m.topicsMu.Unlock()

	if topic, exists := m.joinedTopics[topicName]; exists {
		return topic, nil
	}

	topic, err := m.PubSub.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("p2p: join topic %s: %w", topicName, err)
	}
	m.joinedTopics[topicName] = topic
	return topic, nil
}

func (m *Manager) subscribeTopics() error {
	for _, topicName := range Topics {
		topic, err := m.getOrJoinTopic(topicName)
		if err != nil {
			return err
		}
		sub, err := topic.Subscribe()
		if err != nil {
			return fmt.Errorf("p2p: subscribe to topic %s: %w", topicName, err)
		}

		m.wg.Add(1)
		go m.readTopic(topicName, sub)
		log.Infow("subscribed to topic", "topic", topicName)
	}
	return nil
}

// readTopic forwards one topic's messages into the event channel.
func (m *Manager) readTopic(topicName string, sub *pubsub.Subscription) {
	defer m.wg.Done()
	defer sub.Cancel()

	for {
		msg, err := sub.Next(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil {
				log.Errorw("topic subscription failed", "topic", topicName, "err", err)
			}
			return
		}
		if msg.ReceivedFrom == m.Host.ID() {
			continue
		}

		telemetry.GossipMessagesReceived.WithLabelValues(topicName).Inc()
		m.emit(GossipMessage{
			Topic: topicName,
			From:  msg.ReceivedFrom,
			Data:  msg.Data,
		})
	}
}

// rateLimitedPublish publishes to a topic under the shared rate limit.
func (m *Manager) rateLimitedPublish(topicName string, data []byte) error {
	if !m.rateLimiter.Allow() {
		return fmt.Errorf("p2p: rate limit exceeded for topic %s", topicName)
	}
	topic, err := m.getOrJoinTopic(topicName)
	if err != nil {
		return err
	}
	if err := topic.Publish(m.ctx, data); err != nil {
		return fmt.Errorf("p2p: publish to topic %s: %w", topicName, err)
	}
	telemetry.GossipMessagesPublished.WithLabelValues(topicName).Inc()
	return nil
}

// PublishChat sends a chat line to the overlay.
func (m *Manager) PublishChat(text string) error {
	return m.rateLimitedPublish(TopicChat, []byte(text))
}

// AnnounceContent tells the overlay this node can serve contentID.
func (m *Manager) AnnounceContent(contentID string) error {
	return m.rateLimitedPublish(TopicFile, []byte(contentID))
}

// AnnouncePresence publishes this node's id and listen addresses on the
// peer-discovery topic.
func (m *Manager) AnnouncePresence() error {
	record := PeerRecord{ID: m.Host.ID().String()}
	for _, addr := range m.Host.Addrs() {
		record.Addrs = append(record.Addrs, addr.String())
	}
	data, err := cbor.Marshal(&record)
	if err != nil {
		return fmt.Errorf("p2p: encode peer record: %w", err)
	}
	return m.rateLimitedPublish(TopicPeerDiscovery, data)
}

// watchConnections emits PeerDisconnected once the last connection to a
// peer closes. The transport guarantees the connection is gone, so no
// grace period applies.
func (m *Manager) watchConnections() {
	m.Host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, _ network.Conn) {
			telemetry.ConnectedPeers.Set(float64(len(m.Host.Network().Peers())))
		},
		DisconnectedF: func(n network.Network, conn network.Conn) {
			telemetry.ConnectedPeers.Set(float64(len(m.Host.Network().Peers())))
			p := conn.RemotePeer()
			if n.Connectedness(p) == network.Connected {
				// Another connection to the peer is still up.
				return
			}
			m.emit(PeerDisconnected{Peer: p})
		},
	})
}

// watchIdentify subscribes to identify outcomes on the host event bus and
// turns them into IdentifyFailed / ObservedAddress events.
func (m *Manager) watchIdentify() error {
	sub, err := m.Host.EventBus().Subscribe([]interface{}{
		new(event.EvtPeerIdentificationCompleted),
		new(event.EvtPeerIdentificationFailed),
	})
	if err != nil {
		return fmt.Errorf("p2p: subscribe to identify events: %w", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-m.ctx.Done():
				return
			case e, ok := <-sub.Out():
				if !ok {
					return
				}
				switch evt := e.(type) {
				case event.EvtPeerIdentificationCompleted:
					if evt.ObservedAddr != nil {
						m.emit(ObservedAddress{Peer: evt.Peer, Addr: evt.ObservedAddr})
					}
				case event.EvtPeerIdentificationFailed:
					m.emit(IdentifyFailed{Peer: evt.Peer, Err: evt.Reason})
				}
			}
		}
	}()
	return nil
}
