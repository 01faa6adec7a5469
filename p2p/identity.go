package p2p

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// LoadOrCreateIdentity returns the node key stored at path, generating and
// saving a fresh Ed25519 key on first run. An empty path yields an
// ephemeral key that is never written.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	if path == "" {
		return generateIdentity()
	}

	key, id, err := loadIdentity(path)
	switch {
	case err == nil:
		nodeLog.Infof("Loaded node identity %s from %s", id, path)
		return key, id, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, "", fmt.Errorf("failed to load identity %s: %w", path, err)
	}

	key, id, err = generateIdentity()
	if err != nil {
		return nil, "", err
	}
	if err := saveIdentity(path, key); err != nil {
		return nil, "", fmt.Errorf("failed to save identity to %s: %w", path, err)
	}
	nodeLog.Infof("Generated node identity %s (saved to %s)", id, path)
	return key, id, nil
}

// loadIdentity loads an identity from disk
func loadIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}

	key, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, "", err
	}

	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, "", err
	}

	return key, id, nil
}

// saveIdentity saves an identity to disk
func saveIdentity(path string, key crypto.PrivKey) error {
	data, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// generateIdentity creates a new Ed25519 keypair for peer identity
func generateIdentity() (crypto.PrivKey, peer.ID, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, "", err
	}

	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", err
	}

	return priv, id, nil
}
