// Package crypto handles the node's persistent libp2p identity.
package crypto

import (
	"fmt"
	"os"
	"path/filepath"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// LoadOrCreateIdentity returns the private key stored at path, generating
// and persisting a fresh Ed25519 key on first run. The node keeps the same
// peer id across restarts this way.
func LoadOrCreateIdentity(path string) (libp2pcrypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		priv, err := libp2pcrypto.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity key %s: %w", path, err)
		}
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity key %s: %w", path, err)
	}

	priv, _, err := libp2pcrypto.GenerateKeyPair(libp2pcrypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}

	raw, err = libp2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write identity key %s: %w", path, err)
	}
	return priv, nil
}
