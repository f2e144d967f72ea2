package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kashguard/go-bridge-validator/internal/config"
	"github.com/kashguard/go-bridge-validator/internal/dkg"
	"github.com/kashguard/go-bridge-validator/internal/keystore"
	"github.com/kashguard/go-bridge-validator/internal/node"
	"github.com/kashguard/go-bridge-validator/internal/signing"
	"github.com/kashguard/go-bridge-validator/internal/store"
	"github.com/kashguard/go-bridge-validator/internal/transport"
)

type failingKeystore struct{ keystore.Store }

func (f failingKeystore) List(ctx context.Context) ([]string, error) {
	return nil, keystore.ErrBackendUnavailable
}

func newTestServer(t *testing.T, keys keystore.Store, startDKG DKGStarter) *Server {
	t.Helper()
	cfg := config.DefaultServiceConfigFromEnv()
	cfg.Party.ID = 1
	cfg.Party.Threshold = 3
	cfg.Party.TotalParties = 5

	net := transport.NewMemoryNetwork()
	bus := net.Join(1)
	registry := node.NewRegistry(1, 5, 0)
	coord, err := signing.New(signing.Config{
		PartyID:   1,
		Threshold: 3,
		Parties:   5,
		KeyID:     cfg.Party.KeyID,
	}, bus, keys, store.NewMemoryStore(), registry)
	require.NoError(t, err)

	if startDKG == nil {
		startDKG = func(ctx context.Context, ceremonyID string) error { return nil }
	}
	return NewServer(cfg, nil, coord, registry, keys, bus, startDKG)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, keystore.NewMemoryStore(), nil)

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestHealthDegradedOnKeystoreFailure(t *testing.T) {
	s := newTestServer(t, failingKeystore{keystore.NewMemoryStore()}, nil)

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unavailable", resp.Checks["keystore"])
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, keystore.NewMemoryStore(), nil)

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.PartyID)
	assert.Equal(t, 3, resp.Threshold)
	assert.False(t, resp.HasKeyShare)
	assert.Equal(t, []int{1}, resp.Available)
	assert.Empty(t, resp.Pending)
}

func TestDKGStartEndpoint(t *testing.T) {
	var started []string
	s := newTestServer(t, keystore.NewMemoryStore(), func(ctx context.Context, ceremonyID string) error {
		started = append(started, ceremonyID)
		return nil
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/dkg/start", strings.NewReader(`{"ceremonyId":"ceremony-7"}`))
	req.Header.Set(echoContentType, "application/json")
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"ceremony-7"}, started)

	var resp dkgStartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ceremony-7", resp.CeremonyID)
}

func TestDKGStartConflict(t *testing.T) {
	s := newTestServer(t, keystore.NewMemoryStore(), func(ctx context.Context, ceremonyID string) error {
		return errors.Wrap(dkg.ErrCeremonyActive, "refused")
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/dkg/start", strings.NewReader(`{}`))
	req.Header.Set(echoContentType, "application/json")
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

const echoContentType = "Content-Type"
