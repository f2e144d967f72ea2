package api

import (
	"context"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-bridge-validator/internal/config"
	"github.com/kashguard/go-bridge-validator/internal/keystore"
	"github.com/kashguard/go-bridge-validator/internal/monitor"
	"github.com/kashguard/go-bridge-validator/internal/node"
	"github.com/kashguard/go-bridge-validator/internal/signing"
	"github.com/kashguard/go-bridge-validator/internal/transport"
)

// DKGStarter launches a ceremony; implemented in the command wiring so the
// HTTP surface never owns the engine directly.
type DKGStarter func(ctx context.Context, ceremonyID string) error

// Server is the operator HTTP surface: health, status, metrics and the
// DKG trigger. It is a boundary component; failures here never affect the
// ceremonies.
type Server struct {
	cfg         config.Server
	echo        *echo.Echo
	monitor     *monitor.Monitor
	coordinator *signing.Coordinator
	registry    *node.Registry
	keys        keystore.Store
	bus         transport.Bus
	startDKG    DKGStarter
	startedAt   time.Time
}

// NewServer wires the routes.
func NewServer(cfg config.Server, mon *monitor.Monitor, coord *signing.Coordinator, registry *node.Registry, keys keystore.Store, bus transport.Bus, startDKG DKGStarter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		cfg:         cfg,
		echo:        e,
		monitor:     mon,
		coordinator: coord,
		registry:    registry,
		keys:        keys,
		bus:         bus,
		startDKG:    startDKG,
		startedAt:   time.Now(),
	}

	e.GET("/health", s.getHealth)
	e.GET("/status", s.getStatus)
	e.POST("/api/dkg/start", s.postDKGStart)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	log.Info().Str("addr", s.cfg.HTTP.ListenAddr).Msg("Operator API listening")
	if err := s.echo.Start(s.cfg.HTTP.ListenAddr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type healthResponse struct {
	Status string                    `json:"status"`
	Chains map[string]monitor.Health `json:"chains"`
	Checks map[string]string         `json:"checks"`
}

// getHealth returns 200 when every chain worker and the key store are
// reachable, 503 otherwise.
func (s *Server) getHealth(c echo.Context) error {
	resp := healthResponse{
		Status: "healthy",
		Chains: map[string]monitor.Health{},
		Checks: map[string]string{},
	}
	healthy := true
	if s.monitor != nil {
		resp.Chains = s.monitor.HealthCheck()
	}

	for chain, h := range resp.Chains {
		if !h.Healthy {
			healthy = false
			resp.Checks["chain:"+chain] = "unhealthy"
		}
	}
	if _, err := s.keys.List(c.Request().Context()); err != nil {
		healthy = false
		resp.Checks["keystore"] = "unavailable"
	}

	if !healthy {
		resp.Status = "degraded"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

type peerStatus struct {
	PartyID       int       `json:"party_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	HasKeyShare   bool      `json:"has_key_share"`
	Pending       int       `json:"pending"`
}

type statusResponse struct {
	PartyID        int                       `json:"party_id"`
	Threshold      int                       `json:"threshold"`
	TotalParties   int                       `json:"total_parties"`
	UptimeSeconds  int64                     `json:"uptime_seconds"`
	HasKeyShare    bool                      `json:"has_key_share"`
	GroupPublicKey string                    `json:"group_public_key,omitempty"`
	CustodyAddress string                    `json:"custody_address,omitempty"`
	Available      []int                     `json:"available_validators"`
	Peers          []peerStatus              `json:"peers"`
	Pending        []string                  `json:"pending_requests"`
	Requests       []signing.RequestStatus   `json:"requests"`
	Chains         map[string]monitor.Health `json:"chains"`
	SignalsReceived uint64                   `json:"signals_received"`
}

func (s *Server) getStatus(c echo.Context) error {
	resp := statusResponse{
		PartyID:       s.cfg.Party.ID,
		Threshold:     s.cfg.Party.Threshold,
		TotalParties:  s.cfg.Party.TotalParties,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		HasKeyShare:   s.coordinator.HasKeyShare(),
		Available:     s.registry.Available(),
		Pending:       s.coordinator.Pending(),
		Requests:      s.coordinator.Requests(),
		Chains:        map[string]monitor.Health{},
	}
	if s.monitor != nil {
		resp.Chains = s.monitor.HealthCheck()
		resp.SignalsReceived = s.monitor.ReceivedCount()
	}

	if groupKey, err := s.coordinator.GroupKey(); err == nil {
		compressed := groupKey.Compress()
		resp.GroupPublicKey = hex.EncodeToString(compressed)
		if addr, err := monitor.CustodyAddress(compressed); err == nil {
			resp.CustodyAddress = addr
		}
	}
	for _, p := range s.registry.Peers() {
		resp.Peers = append(resp.Peers, peerStatus{
			PartyID:       int(p.ID),
			LastHeartbeat: p.LastHeartbeat,
			HasKeyShare:   p.LastStatus.HasKeyShare,
			Pending:       p.LastStatus.Pending,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

type dkgStartRequest struct {
	CeremonyID string `json:"ceremonyId"`
}

type dkgStartResponse struct {
	CeremonyID string `json:"ceremonyId"`
	Status     string `json:"status"`
}

// postDKGStart broadcasts DKG_START to the committee and launches the
// local ceremony.
func (s *Server) postDKGStart(c echo.Context) error {
	var req dkgStartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ceremonyID := req.CeremonyID
	if ceremonyID == "" {
		ceremonyID = uuid.NewString()
	}

	env, err := transport.NewEnvelope(transport.TypeDKGStart, transport.PartyID(s.cfg.Party.ID), ceremonyID, transport.DKGStart{
		CeremonyID: ceremonyID,
		Threshold:  s.cfg.Party.Threshold,
		Parties:    s.cfg.Party.TotalParties,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to build DKG_START")
	}
	if err := s.bus.Broadcast(c.Request().Context(), env); err != nil {
		log.Warn().Err(err).Str("ceremony_id", ceremonyID).Msg("DKG start broadcast incomplete")
	}

	if err := s.startDKG(c.Request().Context(), ceremonyID); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusAccepted, dkgStartResponse{CeremonyID: ceremonyID, Status: "started"})
}
