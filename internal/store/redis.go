package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	dkgKeyPrefix      = "bridge:dkg:"
	signatureKeyPrefix = "bridge:sig:"
	observedKeyPrefix  = "bridge:signal:"

	// observedTTL bounds the persisted dedup ring; entries older than this
	// are past any realistic reorg horizon.
	observedTTL = 14 * 24 * time.Hour
)

// RedisStore is the Redis-backed Store implementation.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SaveDKGArtifact stores the ceremony output.
func (s *RedisStore) SaveDKGArtifact(ctx context.Context, artifact *DKGArtifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dkg artifact")
	}
	if err := s.client.Set(ctx, dkgKeyPrefix+artifact.KeyID, data, 0).Err(); err != nil {
		return errors.Wrap(err, "failed to save dkg artifact")
	}
	return nil
}

// GetDKGArtifact loads the ceremony output for a key.
func (s *RedisStore) GetDKGArtifact(ctx context.Context, keyID string) (*DKGArtifact, error) {
	data, err := s.client.Get(ctx, dkgKeyPrefix+keyID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errors.Wrapf(ErrNotFound, "dkg artifact %s", keyID)
		}
		return nil, errors.Wrap(err, "failed to get dkg artifact")
	}
	var artifact DKGArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal dkg artifact")
	}
	return &artifact, nil
}

// SaveSignature writes the record with SETNX semantics so concurrent
// ceremonies for one signal collapse to a single persisted signature.
func (s *RedisStore) SaveSignature(ctx context.Context, rec *SignatureRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal signature record")
	}
	ok, err := s.client.SetNX(ctx, signatureKeyPrefix+rec.SignalID, data, 0).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to save signature record")
	}
	return ok, nil
}

// GetSignature loads the record for a signal.
func (s *RedisStore) GetSignature(ctx context.Context, signalID string) (*SignatureRecord, error) {
	data, err := s.client.Get(ctx, signatureKeyPrefix+signalID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errors.Wrapf(ErrNotFound, "signature for signal %s", signalID)
		}
		return nil, errors.Wrap(err, "failed to get signature record")
	}
	var rec SignatureRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal signature record")
	}
	return &rec, nil
}

// MarkSignalObserved records an observation with SETNX semantics.
func (s *RedisStore) MarkSignalObserved(ctx context.Context, chain, signalID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, observedKeyPrefix+chain+":"+signalID, "1", observedTTL).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to mark signal observed")
	}
	return ok, nil
}
