package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/contentmesh-labs/go-contentmesh/config"
	"github.com/contentmesh-labs/go-contentmesh/node"
)

var log = logging.Logger("main")

func main() {
	var (
		listen   = flag.String("listen", "", "Comma-separated listen multiaddrs")
		external = flag.String("external", "", "Comma-separated externally reachable multiaddrs")
		connect  = flag.String("connect", "", "Comma-separated bootstrap peer multiaddrs")
		dataDir  = flag.String("data", "", "Data directory (identity key lives here)")
		apiAddr  = flag.String("api", "", "HTTP API listen address")
		shareDir = flag.String("share", "", "Directory of files served on request")
		logLevel = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		tick     = flag.Duration("tick", 0, "Membership maintenance tick interval")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *listen, *external, *connect, *dataDir, *apiAddr, *shareDir, *logLevel, *tick)

	level, err := logging.LevelFromString(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	logging.SetAllLoggers(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg)
	if err != nil {
		log.Fatalw("failed to initialize node", "err", err)
	}

	if err := n.Run(ctx); err != nil {
		log.Fatalw("node exited with error", "err", err)
	}
}

func applyFlags(cfg *config.Config, listen, external, connect, dataDir, apiAddr, shareDir, logLevel string, tick time.Duration) {
	if listen != "" {
		cfg.Network.ListenAddrs = splitList(listen)
	}
	if external != "" {
		cfg.Network.ExternalAddrs = splitList(external)
	}
	if connect != "" {
		cfg.Network.BootstrapPeers = splitList(connect)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if apiAddr != "" {
		cfg.API.ListenAddr = apiAddr
	}
	if shareDir != "" {
		cfg.Exchange.ShareDir = shareDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if tick > 0 {
		cfg.Network.TickInterval = tick
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
