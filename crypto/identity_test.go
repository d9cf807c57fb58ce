package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	firstID, err := peer.IDFromPrivateKey(first)
	require.NoError(t, err)
	secondID, err := peer.IDFromPrivateKey(second)
	require.NoError(t, err)
	assert.Equal(t, firstID, secondID)
}

func TestLoadOrCreateIdentityRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := LoadOrCreateIdentity(path)
	assert.Error(t, err)
}
