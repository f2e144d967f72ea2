package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	wsPath          = "/v1/bus"
	wsQueueDepth    = 1024
	wsWriteTimeout  = 10 * time.Second
	wsRedialBase    = 1 * time.Second
	wsRedialCap     = 30 * time.Second
	wsDedupCapacity = 16384
)

// WSConfig configures the mutual-TLS WebSocket mesh bus.
type WSConfig struct {
	PartyID    PartyID
	ListenAddr string
	// Peers maps party ids to their bus endpoints, e.g.
	// "validator-2.bridge.internal:9443".
	Peers map[PartyID]string
	// Domain is the certificate CN suffix, e.g. "bridge.internal".
	Domain       string
	CertFile     string
	KeyFile      string
	CACertFile   string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// WSBus is a mesh transport: every party runs a TLS WebSocket server for
// inbound traffic and maintains one dialed connection per peer for outbound
// traffic. Writers redial with exponential backoff, giving at-least-once
// delivery; receivers dedup on (sender, ceremony, type, seq).
type WSBus struct {
	cfg     WSConfig
	tlsCert tls.Certificate
	caPool  *x509.CertPool

	mu      sync.RWMutex
	handler Handler

	seq   *seqCounter
	dedup *dedupSet

	outbound map[PartyID]chan *Envelope

	server   *http.Server
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWSBus validates the TLS material and builds the bus.
func NewWSBus(cfg WSConfig) (*WSBus, error) {
	if cfg.PartyID < 1 {
		return nil, errors.New("party id is required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load bus certificate key pair")
	}
	caBytes, err := os.ReadFile(cfg.CACertFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read CA certificate")
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caBytes) {
		return nil, errors.New("failed to parse CA certificate")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = wsWriteTimeout
	}

	bus := &WSBus{
		cfg:      cfg,
		tlsCert:  cert,
		caPool:   caPool,
		seq:      newSeqCounter(),
		dedup:    newDedupSet(wsDedupCapacity),
		outbound: make(map[PartyID]chan *Envelope),
	}
	for id := range cfg.Peers {
		if id != cfg.PartyID {
			bus.outbound[id] = make(chan *Envelope, wsQueueDepth)
		}
	}
	return bus, nil
}

// Self returns this bus's party id.
func (b *WSBus) Self() PartyID { return b.cfg.PartyID }

// SetHandler registers the inbound callback. Must be called before Start.
func (b *WSBus) SetHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Start launches the server and one writer goroutine per peer.
func (b *WSBus) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, b.handleInbound(runCtx))

	// TLS 1.3 only. The protocol's three permitted ciphersuites are
	// exactly Go's TLS 1.3 defaults; 1.2 and below are refused outright.
	b.server = &http.Server{
		Addr:    b.cfg.ListenAddr,
		Handler: mux,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{b.tlsCert},
			ClientCAs:    b.caPool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
			MinVersion:   tls.VersionTLS13,
		},
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", b.cfg.ListenAddr).Msg("Bus server stopped")
		}
	}()

	for id, queue := range b.outbound {
		b.wg.Add(1)
		go b.writerLoop(runCtx, id, queue)
	}

	log.Info().
		Int("party_id", int(b.cfg.PartyID)).
		Str("addr", b.cfg.ListenAddr).
		Int("peers", len(b.outbound)).
		Msg("Transport bus started")
	return nil
}

// Stop closes the server and drains writers within the context deadline.
func (b *WSBus) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		if b.server != nil {
			err = b.server.Shutdown(ctx)
		}
		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// Send queues one envelope for a peer. Queue overflow is reported rather
// than blocking a ceremony goroutine.
func (b *WSBus) Send(ctx context.Context, to PartyID, env *Envelope) error {
	queue, ok := b.outbound[to]
	if !ok {
		return errors.Errorf("unknown peer %d", to)
	}
	stamped := *env
	stamped.Sender = b.cfg.PartyID
	stamped.Seq = b.seq.assign(env.CeremonyID)
	select {
	case queue <- &stamped:
		return nil
	default:
		return errors.Errorf("send queue to party %d is full", to)
	}
}

// Broadcast queues the envelope for every peer, collecting per-peer
// failures into a PartialBroadcastError.
func (b *WSBus) Broadcast(ctx context.Context, env *Envelope) error {
	failed := make(map[PartyID]error)
	for id := range b.outbound {
		if err := b.Send(ctx, id, env); err != nil {
			failed[id] = err
		}
	}
	if len(failed) > 0 {
		return &PartialBroadcastError{Failed: failed}
	}
	return nil
}

// writerLoop owns the dialed connection to one peer. It redials with
// exponential backoff and retries the in-flight envelope until written.
func (b *WSBus) writerLoop(ctx context.Context, peer PartyID, queue chan *Envelope) {
	defer b.wg.Done()

	var conn *websocket.Conn
	var pending *Envelope
	backoff := wsRedialBase

	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	for {
		if pending == nil {
			select {
			case pending = <-queue:
			case <-ctx.Done():
				return
			}
		}

		if conn == nil {
			dialed, err := b.dial(ctx, peer)
			if err != nil {
				log.Debug().Err(err).Int("peer", int(peer)).Dur("backoff", backoff).Msg("Bus dial failed")
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				backoff *= 2
				if backoff > wsRedialCap {
					backoff = wsRedialCap
				}
				continue
			}
			conn = dialed
			backoff = wsRedialBase
		}

		_ = conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
		if err := conn.WriteJSON(pending); err != nil {
			log.Warn().Err(err).Int("peer", int(peer)).Msg("Bus write failed, redialing")
			_ = conn.Close()
			conn = nil
			continue
		}
		pending = nil
	}
}

func (b *WSBus) dial(ctx context.Context, peer PartyID) (*websocket.Conn, error) {
	endpoint, ok := b.cfg.Peers[peer]
	if !ok {
		return nil, errors.Errorf("no endpoint for peer %d", peer)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: b.cfg.DialTimeout,
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{b.tlsCert},
			RootCAs:      b.caPool,
			MinVersion:   tls.VersionTLS13,
			ServerName:   b.peerServerName(peer),
		},
	}
	conn, _, err := dialer.DialContext(ctx, "wss://"+endpoint+wsPath, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial peer %d", peer)
	}
	return conn, nil
}

func (b *WSBus) peerServerName(peer PartyID) string {
	if b.cfg.Domain == "" {
		return peer.String()
	}
	return fmt.Sprintf("%s.%s", peer.String(), b.cfg.Domain)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleInbound upgrades an authenticated peer connection and pumps its
// envelopes into the handler. One goroutine per inbound connection keeps
// per-sender FIFO intact.
func (b *WSBus) handleInbound(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peer, err := b.authenticatePeer(r)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected bus connection")
			http.Error(w, "client certificate rejected", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Int("peer", int(peer)).Msg("Bus upgrade failed")
			return
		}
		defer conn.Close()

		log.Info().Int("peer", int(peer)).Msg("Peer connected to bus")

		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				log.Debug().Err(err).Int("peer", int(peer)).Msg("Peer connection closed")
				return
			}
			// The envelope's claimed sender must match the TLS identity.
			if env.Sender != peer {
				log.Warn().
					Int("peer", int(peer)).
					Int("claimed", int(env.Sender)).
					Msg("Dropping envelope with forged sender")
				continue
			}
			if b.dedup.Observe(env.dedupKey()) {
				continue
			}
			b.mu.RLock()
			h := b.handler
			b.mu.RUnlock()
			if h != nil {
				if err := h(ctx, &env); err != nil {
					log.Warn().
						Err(err).
						Int("peer", int(peer)).
						Str("type", string(env.Type)).
						Msg("Envelope handler failed")
				}
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// authenticatePeer maps the client certificate CN "validator-<id>[.<domain>]"
// to a PartyID.
func (b *WSBus) authenticatePeer(r *http.Request) (PartyID, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return 0, errors.New("no client certificate presented")
	}
	cn := r.TLS.PeerCertificates[0].Subject.CommonName
	name := cn
	if b.cfg.Domain != "" {
		name = strings.TrimSuffix(name, "."+b.cfg.Domain)
	}
	if !strings.HasPrefix(name, "validator-") {
		return 0, errors.Errorf("unexpected certificate subject %q", cn)
	}
	id, err := strconv.Atoi(strings.TrimPrefix(name, "validator-"))
	if err != nil {
		return 0, errors.Wrapf(err, "unparseable certificate subject %q", cn)
	}
	peer := PartyID(id)
	if peer == b.cfg.PartyID {
		return 0, errors.New("peer presented this validator's own identity")
	}
	if _, ok := b.cfg.Peers[peer]; !ok {
		return 0, errors.Errorf("certificate subject %q is not a committee member", cn)
	}
	return peer, nil
}
