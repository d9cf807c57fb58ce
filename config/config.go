package config

import (
	"time"
)

type Config struct {
	// Node configuration
	NodeID   string `json:"node_id"`
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`

	// Network configuration
	Network NetworkConfig `json:"network"`

	// Content exchange configuration
	Exchange ExchangeConfig `json:"exchange"`

	// API configuration
	API APIConfig `json:"api"`
}

type NetworkConfig struct {
	ListenAddrs    []string      `json:"listen_addrs"`
	ExternalAddrs  []string      `json:"external_addrs"`
	BootstrapPeers []string      `json:"bootstrap_peers"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	TickInterval   time.Duration `json:"tick_interval"`
}

type ExchangeConfig struct {
	ShareDir     string `json:"share_dir"`
	StoreEntries int    `json:"store_entries"`
}

type APIConfig struct {
	ListenAddr string `json:"listen_addr"`
	EnableCORS bool   `json:"enable_cors"`
}

// Load returns a default configuration
// TODO: Add file-based configuration loading
func Load() (*Config, error) {
	return &Config{
		NodeID:   "contentmesh-node",
		DataDir:  "./data",
		LogLevel: "info",
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/udp/9091/quic-v1",
				"/ip4/0.0.0.0/tcp/9092",
			},
			ExternalAddrs:  []string{},
			BootstrapPeers: []string{},
			ConnectTimeout: 10 * time.Second,
			TickInterval:   15 * time.Second,
		},
		Exchange: ExchangeConfig{
			ShareDir:     "./share",
			StoreEntries: 256,
		},
		API: APIConfig{
			ListenAddr: ":8080",
			EnableCORS: true,
		},
	}, nil
}
