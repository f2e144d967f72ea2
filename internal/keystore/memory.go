package keystore

import (
	"context"
	"math/big"
	"sync"

	"github.com/pkg/errors"

	"github.com/kashguard/go-bridge-validator/internal/crypto"
)

// MemoryStore keeps shares in process memory. Test backend; also documents
// the Store contract in its simplest form.
type MemoryStore struct {
	mu     sync.RWMutex
	shares map[string]*big.Int
	metas  map[string]Metadata
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shares: make(map[string]*big.Int),
		metas:  make(map[string]Metadata),
	}
}

// Put stores the share.
func (s *MemoryStore) Put(ctx context.Context, keyID string, share []byte, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shares[keyID]; ok {
		return errors.Wrapf(ErrKeyExists, "key %s", keyID)
	}
	s.shares[keyID] = new(big.Int).SetBytes(share)
	s.metas[keyID] = meta
	return nil
}

func (s *MemoryStore) load(keyID string) (*big.Int, Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	share, ok := s.shares[keyID]
	if !ok {
		return nil, Metadata{}, errors.Wrapf(ErrKeyNotFound, "key %s", keyID)
	}
	return share, s.metas[keyID], nil
}

// Sign implements the standalone sign oracle.
func (s *MemoryStore) Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error) {
	share, meta, err := s.load(keyID)
	if err != nil {
		return nil, err
	}
	if err := checkAlgorithm(meta, AlgorithmSchnorrSecp256k1); err != nil {
		return nil, err
	}
	return signStandalone(share, digest)
}

// PartialSign computes the threshold share.
func (s *MemoryStore) PartialSign(ctx context.Context, keyID string, digest []byte, params PartialSignParams) (*big.Int, error) {
	share, meta, err := s.load(keyID)
	if err != nil {
		return nil, err
	}
	if err := checkAlgorithm(meta, params.Algorithm); err != nil {
		return nil, err
	}
	return partialSign(share, digest, params)
}

// PublicKey derives the public share.
func (s *MemoryStore) PublicKey(ctx context.Context, keyID string) (crypto.Point, error) {
	share, _, err := s.load(keyID)
	if err != nil {
		return crypto.Point{}, err
	}
	return crypto.ScalarBaseMult(share), nil
}

// Metadata returns the stored metadata.
func (s *MemoryStore) Metadata(ctx context.Context, keyID string) (*Metadata, error) {
	_, meta, err := s.load(keyID)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// List enumerates stored key ids.
func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.shares))
	for id := range s.shares {
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shares[keyID]; !ok {
		return errors.Wrapf(ErrKeyNotFound, "key %s", keyID)
	}
	delete(s.shares, keyID)
	delete(s.metas, keyID)
	return nil
}
