package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"

	"github.com/kashguard/go-bridge-validator/internal/crypto"
)

const (
	fileSaltSize   = 32
	fileIVSize     = 16
	fileTagSize    = 16
	filePBKDF2Iter = 100_000
	fileExtension  = ".share"
)

// FileStore is the encrypted-local-file backend. The share is sealed with
// AES-256-GCM under a PBKDF2-derived key; the on-disk layout is
// salt(32) || iv(16) || tag(16) || ciphertext.
//
// This backend exists for development and single-machine deployments;
// production selects a remote backend.
type FileStore struct {
	dir      string
	password []byte
	mu       sync.Mutex
}

// filePayload is the sealed plaintext.
type filePayload struct {
	Share    string   `json:"share"` // scalar, hex
	Metadata Metadata `json:"metadata"`
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string, password string) (*FileStore, error) {
	if password == "" {
		return nil, errors.New("key store password is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create key store directory")
	}
	log.Warn().Str("dir", dir).Msg("Using file key store backend (development only)")
	return &FileStore{dir: dir, password: []byte(password)}, nil
}

func (s *FileStore) path(keyID string) string {
	return filepath.Join(s.dir, keyID+fileExtension)
}

// Put seals and writes the share. Writing is atomic via rename; a second
// Put on the same key fails with ErrKeyExists until the key is deleted.
func (s *FileStore) Put(ctx context.Context, keyID string, share []byte, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(keyID)
	if _, err := os.Stat(path); err == nil {
		return errors.Wrapf(ErrKeyExists, "key %s", keyID)
	}

	plaintext, err := json.Marshal(filePayload{
		Share:    hex.EncodeToString(share),
		Metadata: meta,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal share payload")
	}

	sealed, err := seal(plaintext, s.password)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return errors.Wrap(err, "failed to write share file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "failed to finalize share file")
	}
	return nil
}

func (s *FileStore) load(keyID string) (*big.Int, Metadata, error) {
	sealed, err := os.ReadFile(s.path(keyID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Metadata{}, errors.Wrapf(ErrKeyNotFound, "key %s", keyID)
		}
		return nil, Metadata{}, errors.Wrapf(ErrBackendUnavailable, "read share file: %v", err)
	}

	plaintext, err := open(sealed, s.password)
	if err != nil {
		return nil, Metadata{}, err
	}

	var payload filePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, Metadata{}, errors.Wrap(err, "failed to unmarshal share payload")
	}
	shareBytes, err := hex.DecodeString(payload.Share)
	if err != nil {
		return nil, Metadata{}, errors.Wrap(err, "failed to decode share")
	}
	return new(big.Int).SetBytes(shareBytes), payload.Metadata, nil
}

// Sign implements the standalone sign oracle.
func (s *FileStore) Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error) {
	share, meta, err := s.load(keyID)
	if err != nil {
		return nil, err
	}
	if err := checkAlgorithm(meta, AlgorithmSchnorrSecp256k1); err != nil {
		return nil, err
	}
	return signStandalone(share, digest)
}

// PartialSign computes the threshold share inside the store.
func (s *FileStore) PartialSign(ctx context.Context, keyID string, digest []byte, params PartialSignParams) (*big.Int, error) {
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
func (s *FileStore) PublicKey(ctx context.Context, keyID string) (crypto.Point, error) {
	share, _, err := s.load(keyID)
	if err != nil {
		return crypto.Point{}, err
	}
	return crypto.ScalarBaseMult(share), nil
}

// Metadata returns the stored metadata.
func (s *FileStore) Metadata(ctx context.Context, keyID string) (*Metadata, error) {
	_, meta, err := s.load(keyID)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// List enumerates stored key ids.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(ErrBackendUnavailable, "list key store: %v", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExtension) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), fileExtension))
	}
	return ids, nil
}

// Delete removes a key. Deleting a missing key is an error so accidental
// double-rotation is visible.
func (s *FileStore) Delete(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(keyID)); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrKeyNotFound, "key %s", keyID)
		}
		return errors.Wrap(err, "failed to delete share file")
	}
	return nil
}

// seal encrypts plaintext into salt || iv || tag || ciphertext.
func seal(plaintext, password []byte) ([]byte, error) {
	salt := make([]byte, fileSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "failed to generate salt")
	}
	iv := make([]byte, fileIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.Wrap(err, "failed to generate iv")
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	// Seal appends the tag after the ciphertext; the file layout wants it
	// in front, so split and reorder.
	ctAndTag := gcm.Seal(nil, iv, plaintext, nil)
	ct := ctAndTag[:len(ctAndTag)-fileTagSize]
	tag := ctAndTag[len(ctAndTag)-fileTagSize:]

	out := make([]byte, 0, fileSaltSize+fileIVSize+fileTagSize+len(ct))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// open reverses seal.
func open(sealed, password []byte) ([]byte, error) {
	if len(sealed) < fileSaltSize+fileIVSize+fileTagSize {
		return nil, errors.New("share file truncated")
	}
	salt := sealed[:fileSaltSize]
	iv := sealed[fileSaltSize : fileSaltSize+fileIVSize]
	tag := sealed[fileSaltSize+fileIVSize : fileSaltSize+fileIVSize+fileTagSize]
	ct := sealed[fileSaltSize+fileIVSize+fileTagSize:]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	ctAndTag := make([]byte, 0, len(ct)+len(tag))
	ctAndTag = append(ctAndTag, ct...)
	ctAndTag = append(ctAndTag, tag...)

	plaintext, err := gcm.Open(nil, iv, ctAndTag, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt share file")
	}
	return plaintext, nil
}

func newGCM(password, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(password, salt, filePBKDF2Iter, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create aes cipher")
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, fileIVSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gcm")
	}
	return gcm, nil
}
