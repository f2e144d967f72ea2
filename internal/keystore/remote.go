package keystore

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-bridge-validator/internal/crypto"
)

// RemoteConfig configures the remote KMS backend.
type RemoteConfig struct {
	Endpoint   string // base URL, e.g. "https://kms.bridge.internal:8443"
	CertFile   string
	KeyFile    string
	CACertFile string
	Timeout    time.Duration
}

// RemoteStore talks to an external HSM/KMS provider over mutual-TLS HTTPS.
// The share scalar lives on the provider; every operation is a round trip.
// Transport failures surface as ErrBackendUnavailable.
type RemoteStore struct {
	cfg    RemoteConfig
	client *http.Client
}

// NewRemoteStore builds the mTLS client.
func NewRemoteStore(cfg RemoteConfig) (*RemoteStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.Wrap(ErrBackendUnavailable, "remote key store endpoint is not configured")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load KMS client certificate")
	}
	caBytes, err := os.ReadFile(cfg.CACertFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read KMS CA certificate")
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caBytes) {
		return nil, errors.New("failed to parse KMS CA certificate")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	log.Info().Str("endpoint", cfg.Endpoint).Msg("Using remote key store backend")
	return &RemoteStore{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					RootCAs:      caPool,
					MinVersion:   tls.VersionTLS13,
				},
			},
		},
	}, nil
}

type remotePutRequest struct {
	Share    string   `json:"share"`
	Metadata Metadata `json:"metadata"`
}

type remoteSignRequest struct {
	Digest    string `json:"digest"`
	Algorithm string `json:"algorithm,omitempty"`
	// Threshold parameters, present only for partial signing.
	Nonce           string `json:"nonce,omitempty"`
	AggregatedNonce string `json:"aggregatedNonce,omitempty"`
	GroupKey        string `json:"groupKey,omitempty"`
	Lambda          string `json:"lambda,omitempty"`
}

type remoteSignResponse struct {
	Signature string `json:"signature"`
}

type remoteKeyResponse struct {
	PublicKey string   `json:"publicKey"`
	Metadata  Metadata `json:"metadata"`
}

type remoteListResponse struct {
	Keys []string `json:"keys"`
}

func (s *RemoteStore) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return errors.Wrap(err, "failed to encode KMS request")
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.Endpoint+path, &buf)
	if err != nil {
		return errors.Wrap(err, "failed to build KMS request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(ErrBackendUnavailable, "KMS request failed: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusNotFound:
		return ErrKeyNotFound
	case http.StatusConflict:
		return ErrKeyExists
	case http.StatusUnprocessableEntity:
		return ErrAlgorithmMismatch
	default:
		return errors.Wrapf(ErrBackendUnavailable, "KMS returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "failed to decode KMS response")
		}
	}
	return nil
}

// Put uploads the share to the provider.
func (s *RemoteStore) Put(ctx context.Context, keyID string, share []byte, meta Metadata) error {
	return s.do(ctx, http.MethodPost, "/v1/keys/"+keyID, remotePutRequest{
		Share:    hex.EncodeToString(share),
		Metadata: meta,
	}, nil)
}

// Sign requests a standalone signature from the provider.
func (s *RemoteStore) Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error) {
	var out remoteSignResponse
	err := s.do(ctx, http.MethodPost, "/v1/keys/"+keyID+"/sign", remoteSignRequest{
		Digest:    hex.EncodeToString(digest),
		Algorithm: AlgorithmSchnorrSecp256k1,
	}, &out)
	if err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(out.Signature)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode KMS signature")
	}
	return sig, nil
}

// PartialSign requests a threshold share from the provider.
func (s *RemoteStore) PartialSign(ctx context.Context, keyID string, digest []byte, params PartialSignParams) (*big.Int, error) {
	if params.Nonce == nil || params.Lambda == nil {
		return nil, errors.New("nonce and lambda are required")
	}
	var out remoteSignResponse
	err := s.do(ctx, http.MethodPost, "/v1/keys/"+keyID+"/partial-sign", remoteSignRequest{
		Digest:          hex.EncodeToString(digest),
		Algorithm:       params.Algorithm,
		Nonce:           hex.EncodeToString(params.Nonce.Bytes()),
		AggregatedNonce: hex.EncodeToString(params.AggregatedNonce.Compress()),
		GroupKey:        hex.EncodeToString(params.GroupKey.Compress()),
		Lambda:          hex.EncodeToString(params.Lambda.Bytes()),
	}, &out)
	if err != nil {
		return nil, err
	}
	zBytes, err := hex.DecodeString(out.Signature)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode KMS signature share")
	}
	return new(big.Int).SetBytes(zBytes), nil
}

// PublicKey fetches the public share from the provider.
func (s *RemoteStore) PublicKey(ctx context.Context, keyID string) (crypto.Point, error) {
	var out remoteKeyResponse
	if err := s.do(ctx, http.MethodGet, "/v1/keys/"+keyID, nil, &out); err != nil {
		return crypto.Point{}, err
	}
	pubBytes, err := hex.DecodeString(out.PublicKey)
	if err != nil {
		return crypto.Point{}, errors.Wrap(err, "failed to decode KMS public key")
	}
	return crypto.ParsePoint(pubBytes)
}

// Metadata fetches the key metadata from the provider.
func (s *RemoteStore) Metadata(ctx context.Context, keyID string) (*Metadata, error) {
	var out remoteKeyResponse
	if err := s.do(ctx, http.MethodGet, "/v1/keys/"+keyID, nil, &out); err != nil {
		return nil, err
	}
	return &out.Metadata, nil
}

// List fetches the provider's key ids.
func (s *RemoteStore) List(ctx context.Context) ([]string, error) {
	var out remoteListResponse
	if err := s.do(ctx, http.MethodGet, "/v1/keys", nil, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// Delete removes the key on the provider.
func (s *RemoteStore) Delete(ctx context.Context, keyID string) error {
	return s.do(ctx, http.MethodDelete, "/v1/keys/"+keyID, nil, nil)
}
