// Package node assembles the overlay node: identity, p2p stack, content
// store, membership view, dispatch loop and HTTP API.
package node

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/contentmesh-labs/go-contentmesh/api"
	"github.com/contentmesh-labs/go-contentmesh/config"
	"github.com/contentmesh-labs/go-contentmesh/crypto"
	"github.com/contentmesh-labs/go-contentmesh/network/dispatch"
	"github.com/contentmesh-labs/go-contentmesh/network/membership"
	"github.com/contentmesh-labs/go-contentmesh/network/p2p"
	"github.com/contentmesh-labs/go-contentmesh/store"
)

var log = logging.Logger("node")

// Node is a running overlay member.
type Node struct {
	cfg *config.Config

	manager *p2p.Manager
	view    *membership.View
	store   *store.Memory
	engine  *dispatch.Engine
	apiSrv  *api.Server

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runOnce sync.Once
}

// New wires a node from configuration. Nothing touches the network until
// Start.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	identity, err := crypto.LoadOrCreateIdentity(filepath.Join(cfg.DataDir, "identity.key"))
	if err != nil {
		return nil, fmt.Errorf("node: load identity: %w", err)
	}

	manager, err := p2p.NewManager(ctx, &p2p.Config{
		Identity:       identity,
		ListenAddrs:    cfg.Network.ListenAddrs,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		ExternalAddrs:  cfg.Network.ExternalAddrs,
		ConnectTimeout: cfg.Network.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("node: create p2p manager: %w", err)
	}

	contentStore, err := store.NewMemory(cfg.Exchange.StoreEntries)
	if err != nil {
		manager.Stop()
		return nil, fmt.Errorf("node: create content store: %w", err)
	}

	view := membership.NewView()
	engine := dispatch.NewEngine(manager, view, contentStore, dispatch.Config{
		TickInterval: cfg.Network.TickInterval,
		ShareDir:     cfg.Exchange.ShareDir,
	})

	apiSrv := api.NewServer(manager, view, contentStore, api.Config{
		ListenAddr: cfg.API.ListenAddr,
		EnableCORS: cfg.API.EnableCORS,
	})

	return &Node{
		cfg:     cfg,
		manager: manager,
		view:    view,
		store:   contentStore,
		engine:  engine,
		apiSrv:  apiSrv,
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or the
// dispatch loop stops.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if err := n.manager.Start(); err != nil {
		cancel()
		return fmt.Errorf("node: start p2p services: %w", err)
	}
	log.Infow("node online",
		"peer_id", n.manager.ID(), "listen_addrs", n.manager.ListenAddrs())

	// Let the overlay know we exist. Best effort, the discovery services
	// reach the same peers eventually.
	if err := n.manager.AnnouncePresence(); err != nil {
		log.Debugw("presence announcement failed", "err", err)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.apiSrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Errorw("API server stopped", "err", err)
		}
	}()

	err := n.engine.Run(ctx)
	n.shutdown()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Stop cancels the dispatch loop; Run performs the teardown.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
}

func (n *Node) shutdown() {
	n.runOnce.Do(func() {
		if err := n.apiSrv.Stop(); err != nil {
			log.Warnw("error stopping API server", "err", err)
		}
		if err := n.manager.Stop(); err != nil {
			log.Warnw("error stopping p2p services", "err", err)
		}
		n.wg.Wait()
		log.Info("node stopped")
	})
}
