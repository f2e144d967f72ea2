package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kashguard/go-bridge-validator/cmd/cert"
	"github.com/kashguard/go-bridge-validator/internal/api"
	"github.com/kashguard/go-bridge-validator/internal/config"
	"github.com/kashguard/go-bridge-validator/internal/dkg"
	"github.com/kashguard/go-bridge-validator/internal/keystore"
	"github.com/kashguard/go-bridge-validator/internal/metrics"
	"github.com/kashguard/go-bridge-validator/internal/monitor"
	"github.com/kashguard/go-bridge-validator/internal/node"
	"github.com/kashguard/go-bridge-validator/internal/signing"
	"github.com/kashguard/go-bridge-validator/internal/store"
	"github.com/kashguard/go-bridge-validator/internal/transport"
	utilcert "github.com/kashguard/go-bridge-validator/internal/util/cert"
)

const shutdownGrace = 5 * time.Second

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	root := &cobra.Command{
		Use:   "bridge-validator",
		Short: "Threshold signature validator node for the cross-chain bridge",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(cert.New())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the validator node",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.DefaultServiceConfigFromEnv()
			if err := cfg.Validate(); err != nil {
				log.Fatal().Err(err).Msg("Invalid configuration")
			}
			if err := runNode(cfg); err != nil {
				log.Fatal().Err(err).Msg("Validator node stopped")
			}
		},
	}
}

// heartbeatSource feeds the coordinator's and monitor's state into the
// outgoing heartbeats.
type heartbeatSource struct {
	chains      []string
	coordinator *signing.Coordinator
}

func (s *heartbeatSource) ActiveChains() []string { return s.chains }
func (s *heartbeatSource) PendingRequests() int   { return s.coordinator.PendingCount() }
func (s *heartbeatSource) HasKeyShare() bool      { return s.coordinator.HasKeyShare() }

// runNode builds and supervises the component tree: key store, then bus,
// then chain monitors, then the signing coordinator. The DKG engine runs
// on demand.
func runNode(cfg config.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Int("party_id", cfg.Party.ID).
		Int("threshold", cfg.Party.Threshold).
		Int("total_parties", cfg.Party.TotalParties).
		Msg("Starting bridge validator")

	// Key store (component A).
	keys, err := buildKeystore(cfg.Keystore)
	if err != nil {
		return err
	}

	// Persistent records: Redis when configured, memory otherwise.
	var records store.Store
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		records = store.NewRedisStore(client)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis record store")
	} else {
		records = store.NewMemoryStore()
		log.Warn().Msg("Using in-memory record store; observations reset on restart")
	}

	// Transport bus (component B). CA trust failure here is fatal.
	if err := utilcert.VerifyTLSConfig(cfg.Transport.CertFile, cfg.Transport.KeyFile, cfg.Transport.CACertFile); err != nil {
		return err
	}
	identity, err := node.LoadOrCreateIdentity(cfg.Transport.IdentityPath)
	if err != nil {
		return err
	}
	peers := make(map[transport.PartyID]string, len(cfg.Transport.Peers))
	for id, endpoint := range cfg.Transport.Peers {
		peers[transport.PartyID(id)] = endpoint
	}
	bus, err := transport.NewWSBus(transport.WSConfig{
		PartyID:    transport.PartyID(cfg.Party.ID),
		ListenAddr: cfg.Transport.ListenAddr,
		Peers:      peers,
		Domain:     cfg.Transport.Domain,
		CertFile:   cfg.Transport.CertFile,
		KeyFile:    cfg.Transport.KeyFile,
		CACertFile: cfg.Transport.CACertFile,
	})
	if err != nil {
		return err
	}

	registry := node.NewRegistry(transport.PartyID(cfg.Party.ID), cfg.Party.TotalParties, cfg.Timeouts.HeartbeatWindow)

	// Signing coordinator (component E).
	coordinator, err := signing.New(signing.Config{
		PartyID:        transport.PartyID(cfg.Party.ID),
		Threshold:      cfg.Party.Threshold,
		Parties:        cfg.Party.TotalParties,
		KeyID:          cfg.Party.KeyID,
		RequestTimeout: cfg.Timeouts.Request,
	}, bus, keys, records, registry)
	if err != nil {
		return err
	}
	if err := coordinator.LoadKeyMaterial(ctx); err != nil {
		log.Warn().Err(err).Msg("No group key material yet; signing is disabled until DKG completes")
	}

	// DKG engine (component C), single-instance, on demand.
	engine, err := dkg.New(dkg.Config{
		PartyID:      transport.PartyID(cfg.Party.ID),
		Threshold:    cfg.Party.Threshold,
		Parties:      cfg.Party.TotalParties,
		KeyID:        cfg.Party.KeyID,
		RoundTimeout: cfg.Timeouts.Round,
	}, bus, keys, records, registry, identity.Key)
	if err != nil {
		return err
	}

	promMetrics := metrics.New(func() float64 { return float64(coordinator.PendingCount()) })

	startDKG := func(_ context.Context, ceremonyID string) error {
		if engine.Running() {
			return dkg.ErrCeremonyActive
		}
		go func() {
			if _, err := engine.Run(context.Background(), ceremonyID); err != nil {
				promMetrics.DKGCeremonies.WithLabelValues("failed").Inc()
				log.Error().Err(err).Str("ceremony_id", ceremonyID).Msg("DKG ceremony failed")
				return
			}
			promMetrics.DKGCeremonies.WithLabelValues("ok").Inc()
			if err := coordinator.LoadKeyMaterial(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to load key material after DKG")
			}
		}()
		return nil
	}

	coordinator.SetOnComplete(func(done *signing.Completed) {
		promMetrics.SigningCeremonies.WithLabelValues("ok").Inc()
		log.Info().
			Str("request_id", done.RequestID).
			Str("signal_id", done.SignalID).
			Str("participants", signing.EncodeParticipants(done.Participants)).
			Msg("Aggregated signature ready for submission")
	})

	// Chain event monitor (component D).
	chainNames := make([]string, 0, len(cfg.Chains))
	chainCfgs := make([]monitor.ChainConfig, 0, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		chainNames = append(chainNames, chain.Name)
		chainCfgs = append(chainCfgs, monitor.ChainConfig{
			Name:          chain.Name,
			ChainID:       chain.ChainID,
			RPC:           chain.RPC,
			SignalAddress: common.HexToAddress(chain.SignalAddress),
			Confirmations: chain.Confirmations,
			PollInterval:  chain.PollInterval,
		})
	}
	var mon *monitor.Monitor
	if len(chainCfgs) > 0 {
		mon, err = monitor.New(chainCfgs, func(ctx context.Context, ev *monitor.SignalEvent) error {
			promMetrics.SignalsObserved.WithLabelValues(ev.Chain).Inc()
			return coordinator.OnSignalEvent(ctx, ev)
		}, records)
		if err != nil {
			return err
		}
	} else {
		log.Warn().Msg("No chains configured; monitor disabled")
	}

	dispatcher := node.NewDispatcher(registry, engine.HandleEnvelope, coordinator.HandleEnvelope,
		func(ctx context.Context, msg transport.DKGStart) {
			if err := startDKG(ctx, msg.CeremonyID); err != nil {
				log.Warn().Err(err).Str("ceremony_id", msg.CeremonyID).Msg("Ignoring DKG start")
			}
		},
		func(msgType string) { promMetrics.BusMessages.WithLabelValues(msgType).Inc() },
	)
	bus.SetHandler(dispatcher.Handle)

	heartbeater := node.NewHeartbeater(bus, identity, cfg.Timeouts.HeartbeatWindow, &heartbeatSource{
		chains:      chainNames,
		coordinator: coordinator,
	})

	apiServer := api.NewServer(cfg, mon, coordinator, registry, keys, bus, startDKG)

	// Startup order: bus, then heartbeats, then monitors, then the API.
	if err := bus.Start(ctx); err != nil {
		return err
	}
	if err := heartbeater.Start(ctx); err != nil {
		return err
	}
	if mon != nil {
		if err := mon.Start(ctx); err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return apiServer.Start(groupCtx) })
	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})

	<-groupCtx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API shutdown incomplete")
	}
	if mon != nil {
		if err := mon.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Monitor shutdown incomplete")
		}
	}
	if err := heartbeater.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Heartbeater shutdown incomplete")
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Bus shutdown incomplete")
	}

	return group.Wait()
}

// buildKeystore selects the key share backend.
func buildKeystore(cfg config.Keystore) (keystore.Store, error) {
	switch cfg.Backend {
	case "file":
		return keystore.NewFileStore(cfg.Dir, cfg.Password)
	case "remote":
		return keystore.NewRemoteStore(keystore.RemoteConfig{
			Endpoint:   cfg.RemoteEndpoint,
			CertFile:   cfg.RemoteCertFile,
			KeyFile:    cfg.RemoteKeyFile,
			CACertFile: cfg.RemoteCACert,
		})
	case "memory":
		log.Warn().Msg("Using in-memory key store backend (testing only)")
		return keystore.NewMemoryStore(), nil
	default:
		return nil, keystore.ErrBackendUnavailable
	}
}
