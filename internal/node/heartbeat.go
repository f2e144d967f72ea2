package node

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-bridge-validator/internal/transport"
)

// StatusSource supplies the workload hints a heartbeat carries.
type StatusSource interface {
	ActiveChains() []string
	PendingRequests() int
	HasKeyShare() bool
}

// Heartbeater announces this validator and broadcasts heartbeats at half
// the availability window, so one lost frame does not mark the party dead.
type Heartbeater struct {
	bus      transport.Bus
	identity []byte // compressed encryption pubkey
	window   time.Duration
	source   StatusSource

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewHeartbeater builds the announcer. identity is this party's share
// encryption key pair; only the public half leaves the process.
func NewHeartbeater(bus transport.Bus, identity *Identity, window time.Duration, source StatusSource) *Heartbeater {
	if window == 0 {
		window = defaultHeartbeatWindow
	}
	return &Heartbeater{
		bus:      bus,
		identity: ethcrypto.CompressPubkey(&identity.Key.PublicKey),
		window:   window,
		source:   source,
	}
}

// Start registers with the committee and begins the heartbeat loop.
func (h *Heartbeater) Start(ctx context.Context) error {
	h.startedAt = time.Now()
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	if err := h.register(runCtx); err != nil {
		log.Warn().Err(err).Msg("Initial registration reached only part of the committee")
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.window / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := h.beat(runCtx); err != nil {
					log.Debug().Err(err).Msg("Heartbeat broadcast incomplete")
				}
			case <-runCtx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the loop.
func (h *Heartbeater) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	return nil
}

func (h *Heartbeater) register(ctx context.Context) error {
	env, err := transport.NewEnvelope(transport.TypeValidatorRegister, h.bus.Self(), "", transport.ValidatorRegister{
		ValidatorID:   int(h.bus.Self()),
		EncryptionKey: hex.EncodeToString(h.identity),
		Timestamp:     time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return h.bus.Broadcast(ctx, env)
}

func (h *Heartbeater) beat(ctx context.Context) error {
	hb := transport.Heartbeat{
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	if h.source != nil {
		hb.ActiveChains = h.source.ActiveChains()
		hb.Pending = h.source.PendingRequests()
		hb.HasKeyShare = h.source.HasKeyShare()
	}
	env, err := transport.NewEnvelope(transport.TypeHeartbeat, h.bus.Self(), "", hb)
	if err != nil {
		return err
	}
	return h.bus.Broadcast(ctx, env)
}
