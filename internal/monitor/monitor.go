package monitor

import (
	"context"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-bridge-validator/internal/store"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultConfirmations = 12
	backoffBase          = 1 * time.Second
	backoffCap           = 30 * time.Second
	drainGrace           = 5 * time.Second
)

// Backend is the slice of the chain RPC surface the monitor needs.
// *ethclient.Client satisfies it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Handler receives each fresh, confirmed SignalEvent exactly once per
// dedup window.
type Handler func(ctx context.Context, ev *SignalEvent) error

// ChainConfig describes one monitored chain.
type ChainConfig struct {
	Name          string
	ChainID       uint32
	RPC           string
	SignalAddress common.Address
	// Confirmations is the reorg depth gate; 12 for Ethereum-family, 1 for
	// optimistic L2s where the operator accepts it.
	Confirmations uint64
	PollInterval  time.Duration
}

// Health is the per-chain health check result.
type Health struct {
	Healthy   bool  `json:"healthy"`
	LatencyMs int64 `json:"latency_ms"`
}

// Monitor runs one worker per configured chain and hands deduplicated
// SignalEvents to the handler.
type Monitor struct {
	handler Handler
	ring    *dedupRing
	workers []*worker

	// dial is swapped out by tests; production connects with ethclient.
	dial func(ctx context.Context, rpc string) (Backend, error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// worker owns one chain subscription.
type worker struct {
	cfg     ChainConfig
	backend Backend

	mu       sync.Mutex
	health   Health
	received uint64 // SignalReceived observations, exposed via status
}

// New builds a monitor over the given chains. records may be nil; when set,
// the dedup ring persists observations through it.
func New(chains []ChainConfig, handler Handler, records store.Store) (*Monitor, error) {
	if len(chains) == 0 {
		return nil, errors.New("at least one chain is required")
	}
	if handler == nil {
		return nil, errors.New("signal handler is required")
	}
	m := &Monitor{
		handler: handler,
		ring:    newDedupRing(defaultRingSize, records),
		dial: func(ctx context.Context, rpc string) (Backend, error) {
			client, err := ethclient.DialContext(ctx, rpc)
			if err != nil {
				return nil, errors.Wrap(err, "failed to dial chain RPC")
			}
			return client, nil
		},
	}
	for _, cfg := range chains {
		if cfg.Name == "" || cfg.RPC == "" {
			return nil, errors.Errorf("chain %q is missing a name or RPC endpoint", cfg.Name)
		}
		if cfg.Confirmations == 0 {
			cfg.Confirmations = defaultConfirmations
		}
		if cfg.PollInterval == 0 {
			cfg.PollInterval = defaultPollInterval
		}
		m.workers = append(m.workers, &worker{cfg: cfg})
	}
	return m, nil
}

// NewWithBackends is the test constructor: backends are injected instead of
// dialed.
func NewWithBackends(chains []ChainConfig, handler Handler, records store.Store, backends map[string]Backend) (*Monitor, error) {
	m, err := New(chains, handler, records)
	if err != nil {
		return nil, err
	}
	m.dial = func(ctx context.Context, rpc string) (Backend, error) {
		b, ok := backends[rpc]
		if !ok {
			return nil, errors.Errorf("no backend for %s", rpc)
		}
		return b, nil
	}
	return m, nil
}

// Start launches all chain workers.
func (m *Monitor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	for _, w := range m.workers {
		m.wg.Add(1)
		go func(w *worker) {
			defer m.wg.Done()
			m.runWorker(runCtx, w)
		}(w)
	}
	return nil
}

// Stop detaches all subscriptions and drains in-flight events. It returns
// an error if the workers do not drain within the grace period.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(drainGrace):
		return errors.New("monitor workers did not drain in time")
	}
}

// HealthCheck reports per-chain health.
func (m *Monitor) HealthCheck() map[string]Health {
	out := make(map[string]Health, len(m.workers))
	for _, w := range m.workers {
		w.mu.Lock()
		out[w.cfg.Name] = w.health
		w.mu.Unlock()
	}
	return out
}

// ReceivedCount sums the observational SignalReceived logs seen across
// all chains.
func (m *Monitor) ReceivedCount() uint64 {
	var total uint64
	for _, w := range m.workers {
		w.mu.Lock()
		total += w.received
		w.mu.Unlock()
	}
	return total
}

// runWorker is the per-chain loop: connect, then poll confirmed ranges,
// backing off with jitter on transport failure.
func (m *Monitor) runWorker(ctx context.Context, w *worker) {
	logger := log.With().Str("chain", w.cfg.Name).Uint32("chain_id", w.cfg.ChainID).Logger()
	backoff := backoffBase

	for {
		if ctx.Err() != nil {
			return
		}
		backend, err := m.dial(ctx, w.cfg.RPC)
		if err != nil {
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("Chain dial failed")
			w.setHealth(false, 0)
			if !sleep(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		w.backend = backend
		backoff = backoffBase
		logger.Info().Uint64("confirmations", w.cfg.Confirmations).Msg("Chain monitor connected")

		if err := m.pollLoop(ctx, w, logger); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("Chain poll loop failed, reconnecting")
			w.setHealth(false, 0)
			if !sleep(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	}
}

func (m *Monitor) pollLoop(ctx context.Context, w *worker, logger zerolog.Logger) error {
	var from uint64
	consecutiveFailures := 0

	for {
		start := time.Now()
		latest, err := w.backend.BlockNumber(ctx)
		latency := time.Since(start)
		if err != nil {
			consecutiveFailures++
			w.setHealth(false, latency.Milliseconds())
			if consecutiveFailures >= 3 {
				return errors.Wrap(err, "repeated block number failures")
			}
			if !sleep(ctx, jitter(backoffBase)) {
				return ctx.Err()
			}
			continue
		}
		consecutiveFailures = 0
		w.setHealth(true, latency.Milliseconds())

		if latest >= w.cfg.Confirmations {
			safe := latest - w.cfg.Confirmations
			if from == 0 {
				// First pass starts at the confirmation horizon rather than
				// replaying deep history.
				from = safe
			}
			if safe >= from {
				if err := m.scanRange(ctx, w, from, safe, logger); err != nil {
					return err
				}
				from = safe + 1
			}
		}

		if !sleep(ctx, w.cfg.PollInterval) {
			return ctx.Err()
		}
	}
}

func (m *Monitor) scanRange(ctx context.Context, w *worker, from, to uint64, logger zerolog.Logger) error {
	logs, err := w.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.cfg.SignalAddress},
		Topics:    [][]common.Hash{{SignalSentTopic, SignalReceivedTopic}},
	})
	if err != nil {
		return errors.Wrap(err, "failed to filter signal logs")
	}

	for i := range logs {
		lg := &logs[i]
		if lg.Removed {
			continue
		}
		switch lg.Topics[0] {
		case SignalReceivedTopic:
			// Observational only: counted for the status surface.
			w.mu.Lock()
			w.received++
			w.mu.Unlock()
		case SignalSentTopic:
			ev, err := parseSignalSent(w.cfg.Name, w.cfg.ChainID, lg)
			if err != nil {
				logger.Warn().Err(err).Str("tx", lg.TxHash.Hex()).Msg("Undecodable SignalSent log")
				continue
			}
			if !m.ring.Observe(ctx, w.cfg.Name, ev.SignalIDHex()) {
				logger.Debug().Str("signal_id", ev.SignalIDHex()).Msg("Duplicate signal dropped")
				continue
			}
			logger.Info().
				Str("signal_id", ev.SignalIDHex()).
				Uint32("src_chain", ev.SrcChainID).
				Uint32("dst_chain", ev.DstChainID).
				Uint64("block", ev.BlockNumber).
				Msg("Signal observed")
			if err := m.handler(ctx, ev); err != nil {
				logger.Warn().Err(err).Str("signal_id", ev.SignalIDHex()).Msg("Signal handler failed")
			}
		}
	}
	return nil
}

func (w *worker) setHealth(healthy bool, latencyMs int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.health = Health{Healthy: healthy, LatencyMs: latencyMs}
}

// jitter spreads retries by +-20%.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
