package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

// HandlePeerFound connects to peers discovered via mDNS on the local
// network.
func (m *Manager) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.Host.ID() {
		return
	}
	log.Debugw("discovered peer via mDNS", "peer", pi.ID)
	go func() {
		connectCtx, connectCancel := context.WithTimeout(m.ctx, m.connectTimeout)
		defer connectCancel()
		if err := m.Host.Connect(connectCtx, pi); err != nil {
			log.Debugw("failed to connect to mDNS peer", "peer", pi.ID, "err", err)
		}
	}()
}

func (m *Manager) startMDNSDiscovery() {
	service := mdns.NewMdnsService(m.Host, DiscoveryNamespace, m)
	if err := service.Start(); err != nil {
		log.Warnw("failed to start mDNS discovery", "err", err)
		return
	}
	m.mdnsService = service
	log.Info("mDNS discovery started")
}

// startDHTDiscovery advertises this node under the overlay namespace and
// periodically searches the DHT for other members.
func (m *Manager) startDHTDiscovery() {
	routingDiscovery := routing.NewRoutingDiscovery(m.DHT)
	dutil.Advertise(m.ctx, routingDiscovery, DiscoveryNamespace)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				peerChan, err := routingDiscovery.FindPeers(m.ctx, DiscoveryNamespace)
				if err != nil {
					log.Debugw("DHT peer discovery failed", "err", err)
					continue
				}
				for pi := range peerChan {
					if pi.ID == m.Host.ID() || len(pi.Addrs) == 0 {
						continue
					}
					go func(pi peer.AddrInfo) {
						connectCtx, connectCancel := context.WithTimeout(m.ctx, m.connectTimeout)
						defer connectCancel()
						if err := m.Host.Connect(connectCtx, pi); err != nil {
							log.Debugw("failed to connect to DHT peer", "peer", pi.ID, "err", err)
						}
					}(pi)
				}
			}
		}
	}()
	log.Info("DHT discovery started")
}

// connectToBootstrapPeersWithRetry dials the configured bootstrap peers,
// each with its own retry budget.
func (m *Manager) connectToBootstrapPeersWithRetry() {
	var wg sync.WaitGroup

	for _, addr := range m.bootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warnw("invalid bootstrap peer address", "addr", addr, "err", err)
			continue
		}
		if pi.ID == m.Host.ID() {
			continue
		}

		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			m.connectWithRetry(pi, 3)
		}(*pi)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("bootstrap peer connection attempts completed")
	case <-time.After(30 * time.Second):
		log.Warn("bootstrap peer connection attempts timed out")
	case <-m.ctx.Done():
	}
}

func (m *Manager) connectWithRetry(pi peer.AddrInfo, maxRetries int) {
	for attempt := 1; attempt <= maxRetries; attempt++ {
		connectCtx, connectCancel := context.WithTimeout(m.ctx, m.connectTimeout)
		err := m.Host.Connect(connectCtx, pi)
		connectCancel()

		if err == nil {
			log.Infow("connected to bootstrap peer", "peer", pi.ID, "attempt", attempt)
			return
		}
		log.Debugw("failed to connect to bootstrap peer",
			"peer", pi.ID, "attempt", attempt, "max", maxRetries, "err", err)

		if attempt < maxRetries {
			backoff := time.Duration(attempt*attempt) * time.Second
			select {
			case <-time.After(backoff):
			case <-m.ctx.Done():
				return
			}
		}
	}
	log.Warnw("giving up on bootstrap peer", "peer", pi.ID, "attempts", maxRetries)
}
