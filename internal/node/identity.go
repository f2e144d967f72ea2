package node

import (
	"crypto/ecdsa"
	"os"
	"path/filepath"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Identity is this validator's long-lived secp256k1 transport identity.
// Peers encrypt DKG shares to its public half.
type Identity struct {
	Key *ecdsa.PrivateKey
}

// LoadOrCreateIdentity loads the identity key from path, generating and
// persisting a fresh one on first start.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		key, err := ethcrypto.LoadECDSA(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load identity key")
		}
		return &Identity{Key: key}, nil
	}

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate identity key")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create identity directory")
	}
	if err := ethcrypto.SaveECDSA(path, key); err != nil {
		return nil, errors.Wrap(err, "failed to persist identity key")
	}
	log.Info().Str("path", path).Msg("Generated new transport identity")
	return &Identity{Key: key}, nil
}
