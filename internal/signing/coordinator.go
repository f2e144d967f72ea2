package signing

import (
	"bytes"
	"context"
	"encoding/hex"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-bridge-validator/internal/crypto"
	"github.com/kashguard/go-bridge-validator/internal/keystore"
	"github.com/kashguard/go-bridge-validator/internal/monitor"
	"github.com/kashguard/go-bridge-validator/internal/store"
	"github.com/kashguard/go-bridge-validator/internal/transport"
)

const defaultRequestTimeout = 30 * time.Second

// AvailabilityView is the slice of the peer registry participant selection
// needs.
type AvailabilityView interface {
	Available() []int
}

// Coordinator turns observed signals into signing ceremonies: it selects
// participants, runs the commit-reveal nonce exchange, produces this
// party's partial through the key store, collects the others and
// aggregates.
type Coordinator struct {
	cfg          Config
	bus          transport.Bus
	keys         keystore.Store
	records      store.Store
	availability AvailabilityView

	keyMu     sync.RWMutex
	groupKey  crypto.Point
	pubShares map[transport.PartyID]crypto.Point

	mu       sync.Mutex
	requests map[string]*request

	onComplete func(*Completed)
	wg         sync.WaitGroup
}

// request is the per-ceremony state. Channel inboxes buffer peer messages
// the ceremony goroutine has not consumed yet, keeping the state machine
// serialized behind one owner.
type request struct {
	id           string
	signalID     string
	digest       []byte
	participants []int

	mu        sync.Mutex
	state     State
	err       error
	started   bool
	startedAt time.Time

	commits  chan *transport.NonceCommitment
	reveals  chan *transport.NonceReveal
	partials chan *transport.PartialSignatureMsg
}

func (r *request) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *request) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateFailed
	r.err = err
}

func (r *request) status() RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RequestStatus{
		RequestID:    r.id,
		State:        r.state,
		Participants: r.participants,
		StartedAt:    r.startedAt,
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	return st
}

// New builds a coordinator. Key material is loaded separately once a DKG
// artifact exists.
func New(cfg Config, bus transport.Bus, keys keystore.Store, records store.Store, availability AvailabilityView) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid signing config")
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Coordinator{
		cfg:          cfg,
		bus:          bus,
		keys:         keys,
		records:      records,
		availability: availability,
		requests:     make(map[string]*request),
	}, nil
}

// SetOnComplete registers the emission callback for aggregated signatures.
func (c *Coordinator) SetOnComplete(fn func(*Completed)) {
	c.onComplete = fn
}

// LoadKeyMaterial reads the DKG artifact and caches the group key and
// public shares. The cache is immutable between ceremonies.
func (c *Coordinator) LoadKeyMaterial(ctx context.Context) error {
	artifact, err := c.records.GetDKGArtifact(ctx, c.cfg.KeyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(ErrKeyMaterialMissing, "key %s", c.cfg.KeyID)
		}
		return err
	}

	groupKeyBytes, err := hex.DecodeString(artifact.GroupPublicKey)
	if err != nil {
		return errors.Wrap(err, "undecodable group public key")
	}
	groupKey, err := crypto.ParsePoint(groupKeyBytes)
	if err != nil {
		return errors.Wrap(err, "invalid group public key")
	}
	pubShares := make(map[transport.PartyID]crypto.Point, len(artifact.PublicShares))
	for id, h := range artifact.PublicShares {
		b, err := hex.DecodeString(h)
		if err != nil {
			return errors.Wrapf(err, "undecodable public share for party %d", id)
		}
		pt, err := crypto.ParsePoint(b)
		if err != nil {
			return errors.Wrapf(err, "invalid public share for party %d", id)
		}
		pubShares[transport.PartyID(id)] = pt
	}

	c.keyMu.Lock()
	c.groupKey = groupKey
	c.pubShares = pubShares
	c.keyMu.Unlock()

	log.Info().
		Str("key_id", c.cfg.KeyID).
		Str("group_key", artifact.GroupPublicKey).
		Msg("Loaded group key material")
	return nil
}

// HasKeyShare reports whether key material is loaded; the heartbeat
// carries it.
func (c *Coordinator) HasKeyShare() bool {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return !c.groupKey.IsInfinity()
}

// GroupKey returns the cached group public key.
func (c *Coordinator) GroupKey() (crypto.Point, error) {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	if c.groupKey.IsInfinity() {
		return crypto.Point{}, ErrKeyMaterialMissing
	}
	return c.groupKey, nil
}

// Pending returns every request id not yet in a terminal state.
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, req := range c.requests {
		req.mu.Lock()
		started, state := req.started, req.state
		req.mu.Unlock()
		if !started {
			continue
		}
		switch state {
		case StateDone, StateFailed, StateNotSelected:
		default:
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Requests returns the status of every known request, for /status.
func (c *Coordinator) Requests() []RequestStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RequestStatus, 0, len(c.requests))
	for _, req := range c.requests {
		out = append(out, req.status())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RequestID < out[b].RequestID })
	return out
}

// PendingCount implements the heartbeat status source.
func (c *Coordinator) PendingCount() int {
	return len(c.Pending())
}

// OnSignalEvent is the monitor's callback. Idempotent in the signal id:
// replays and duplicate observations are no-ops.
func (c *Coordinator) OnSignalEvent(ctx context.Context, ev *monitor.SignalEvent) error {
	signalID := ev.SignalIDHex()

	// A signal that already carries a persisted signature is settled.
	if _, err := c.records.GetSignature(ctx, signalID); err == nil {
		log.Debug().Str("signal_id", signalID).Msg("Signal already signed, ignoring")
		return nil
	}

	requestID := ev.RequestID()
	digest := CanonicalDigest(ev)

	participants, err := SelectParticipants(ev.SignalID[:], c.availability.Available(), c.cfg.Threshold)
	if err != nil {
		return errors.Wrapf(err, "cannot select participants for signal %s", signalID)
	}

	// Tell peers which request this signal maps to; parties whose monitor
	// lags join from the SIGNING_REQUEST instead of the chain.
	notice, err := transport.NewEnvelope(transport.TypeSigningRequest, c.cfg.PartyID, requestID, transport.SigningRequest{
		RequestID:    requestID,
		Message:      hex.EncodeToString(digest),
		Participants: participants,
	})
	if err != nil {
		return err
	}
	if err := c.bus.Broadcast(ctx, notice); err != nil {
		log.Debug().Err(err).Str("request_id", requestID).Msg("Signing request broadcast incomplete")
	}

	return c.startRequest(requestID, signalID, digest, participants)
}

// inboxFor returns the request entry for an id, creating an empty skeleton
// so peer messages that race ahead of the local signal observation are
// buffered instead of dropped.
func (c *Coordinator) inboxFor(requestID string) *request {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		req = newRequest(requestID, "", nil, nil, c.cfg.Parties)
		c.requests[requestID] = req
	}
	return req
}

// startRequest attaches ceremony metadata to the request and launches it
// when this party is selected. Idempotent in the request id.
func (c *Coordinator) startRequest(requestID, signalID string, digest []byte, participants []int) error {
	req := c.inboxFor(requestID)

	req.mu.Lock()
	if req.started {
		req.mu.Unlock()
		return nil
	}
	req.started = true
	req.signalID = signalID
	req.digest = digest
	req.participants = participants
	req.mu.Unlock()

	if !contains(participants, int(c.cfg.PartyID)) {
		req.setState(StateNotSelected)
		log.Info().
			Str("request_id", requestID).
			Str("participants", EncodeParticipants(participants)).
			Msg("Not selected for signing request")
		return nil
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runCeremony(req)
	}()
	return nil
}

func newRequest(requestID, signalID string, digest []byte, participants []int, parties int) *request {
	depth := parties * 2
	return &request{
		id:           requestID,
		signalID:     signalID,
		digest:       digest,
		participants: participants,
		state:        StateNew,
		startedAt:    time.Now().UTC(),
		commits:      make(chan *transport.NonceCommitment, depth),
		reveals:      make(chan *transport.NonceReveal, depth),
		partials:     make(chan *transport.PartialSignatureMsg, depth),
	}
}

// HandleEnvelope is the bus callback for signing message types.
func (c *Coordinator) HandleEnvelope(ctx context.Context, env *transport.Envelope) error {
	switch env.Type {
	case transport.TypeSigningRequest:
		return c.onSigningRequest(env)
	case transport.TypeNonceCommitment:
		var msg transport.NonceCommitment
		if err := env.Decode(&msg); err != nil {
			return err
		}
		if transport.PartyID(msg.PartyID) != env.Sender {
			return errors.Errorf("nonce commitment names party %d but was sent by %d", msg.PartyID, env.Sender)
		}
		req := c.inboxFor(msg.RequestID)
		select {
		case req.commits <- &msg:
		default:
		}
	case transport.TypeNonceReveal:
		var msg transport.NonceReveal
		if err := env.Decode(&msg); err != nil {
			return err
		}
		if transport.PartyID(msg.PartyID) != env.Sender {
			return errors.Errorf("nonce reveal names party %d but was sent by %d", msg.PartyID, env.Sender)
		}
		req := c.inboxFor(msg.RequestID)
		select {
		case req.reveals <- &msg:
		default:
		}
	case transport.TypePartialSignature:
		var msg transport.PartialSignatureMsg
		if err := env.Decode(&msg); err != nil {
			return err
		}
		if transport.PartyID(msg.PartyID) != env.Sender {
			return errors.Errorf("partial names party %d but was sent by %d", msg.PartyID, env.Sender)
		}
		req := c.inboxFor(msg.RequestID)
		select {
		case req.partials <- &msg:
		default:
		}
	case transport.TypeSignatureComplete:
		return c.onSignatureComplete(ctx, env)
	case transport.TypeSignalEvent:
		// Informational; the SIGNING_REQUEST that follows carries
		// everything needed to join the ceremony.
		return nil
	default:
		return errors.Errorf("unexpected message type %s", env.Type)
	}
	return nil
}

func (c *Coordinator) lookup(requestID string) *request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[requestID]
}

// onSigningRequest joins a ceremony announced by a peer whose monitor saw
// the signal first.
func (c *Coordinator) onSigningRequest(env *transport.Envelope) error {
	var msg transport.SigningRequest
	if err := env.Decode(&msg); err != nil {
		return err
	}
	if len(msg.Participants) < c.cfg.Threshold {
		return errors.Errorf("signing request %s names %d participants, need %d", msg.RequestID, len(msg.Participants), c.cfg.Threshold)
	}
	for _, id := range msg.Participants {
		if !transport.PartyID(id).IsValid(c.cfg.Parties) {
			return errors.Errorf("signing request %s names invalid party %d", msg.RequestID, id)
		}
	}
	digest, err := hex.DecodeString(msg.Message)
	if err != nil {
		return errors.Wrap(err, "undecodable signing request message")
	}
	signalID := msg.RequestID
	if i := strings.IndexByte(signalID, '-'); i > 0 {
		signalID = signalID[:i]
	}
	return c.startRequest(msg.RequestID, signalID, digest, msg.Participants)
}

// onSignatureComplete verifies and persists a signature finished by a peer,
// so the settled-signal dedup holds for parties that did not participate.
func (c *Coordinator) onSignatureComplete(ctx context.Context, env *transport.Envelope) error {
	var msg transport.SignatureComplete
	if err := env.Decode(&msg); err != nil {
		return err
	}
	sigBytes, err := hex.DecodeString(msg.Signature)
	if err != nil {
		return errors.Wrap(err, "undecodable completed signature")
	}
	sig, err := crypto.ParseSignature(sigBytes)
	if err != nil {
		return errors.Wrap(err, "unparseable completed signature")
	}
	groupKey, err := c.GroupKey()
	if err != nil {
		return err
	}

	req := c.lookup(msg.RequestID)
	signalID := msg.RequestID
	if req != nil && req.signalID != "" {
		signalID = req.signalID
	} else if i := strings.IndexByte(signalID, '-'); i > 0 {
		signalID = signalID[:i]
	}

	// Without the request we cannot rebuild the digest, but participants
	// re-verified before emitting; only record verified signatures when
	// the digest is known.
	if req == nil || len(req.digest) == 0 {
		return nil
	}
	if !sig.Verify(groupKey, req.digest) {
		return errors.Wrapf(ErrAggregationInvalid, "completed signature for request %s", msg.RequestID)
	}
	// A selected participant persists and emits through its own ceremony.
	if contains(req.participants, int(c.cfg.PartyID)) {
		return nil
	}
	req.setState(StateDone)

	_, err = c.records.SaveSignature(ctx, &store.SignatureRecord{
		RequestID:    msg.RequestID,
		SignalID:     signalID,
		Signature:    msg.Signature,
		Participants: msg.Participants,
		CreatedAt:    time.Now().UTC(),
	})
	return err
}

// runCeremony drives one signing ceremony to a terminal state.
func (c *Coordinator) runCeremony(req *request) {
	logger := log.With().
		Str("request_id", req.id).
		Str("participants", EncodeParticipants(req.participants)).
		Int("party_id", int(c.cfg.PartyID)).
		Logger()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	groupKey, err := c.GroupKey()
	if err != nil {
		req.fail(err)
		logger.Error().Err(err).Msg("Signing request without key material")
		return
	}

	outcome, err := c.executeCeremony(ctx, req, groupKey, logger)
	if err != nil {
		req.fail(err)
		logger.Warn().Err(err).Msg("Signing ceremony failed")
		return
	}
	if outcome != nil {
		req.setState(StateDone)
		logger.Info().
			Int64("duration_ms", time.Since(req.startedAt).Milliseconds()).
			Msg("Signing ceremony complete")
	}
}

func (c *Coordinator) executeCeremony(ctx context.Context, req *request, groupKey crypto.Point, logger zerolog.Logger) (*Completed, error) {
	self := int(c.cfg.PartyID)

	// Nonce round one: commit to a fresh nonce point. Deterministic or
	// reused nonces across requests would leak the key share, so every
	// ceremony samples anew.
	nonce, err := crypto.RandomScalar()
	if err != nil {
		return nil, errors.Wrap(err, "failed to sample signing nonce")
	}
	noncePoint := crypto.ScalarBaseMult(nonce)
	commitment := nonceBinding(req.id, self, noncePoint)

	commitEnv, err := transport.NewEnvelope(transport.TypeNonceCommitment, c.cfg.PartyID, req.id, transport.NonceCommitment{
		RequestID:  req.id,
		PartyID:    self,
		Commitment: hex.EncodeToString(commitment),
	})
	if err != nil {
		return nil, err
	}
	if err := c.bus.Broadcast(ctx, commitEnv); err != nil {
		logger.Debug().Err(err).Msg("Nonce commitment broadcast incomplete")
	}

	commitments := map[int][]byte{self: commitment}
	for len(commitments) < len(req.participants) {
		select {
		case msg := <-req.commits:
			if !contains(req.participants, msg.PartyID) {
				logger.Warn().Int("from", msg.PartyID).Msg("Nonce commitment from non-participant rejected")
				continue
			}
			if _, seen := commitments[msg.PartyID]; seen {
				continue
			}
			b, err := hex.DecodeString(msg.Commitment)
			if err != nil {
				logger.Warn().Int("from", msg.PartyID).Msg("Undecodable nonce commitment rejected")
				continue
			}
			commitments[msg.PartyID] = b
		case <-ctx.Done():
			return nil, errors.Wrap(ErrInsufficientPartials, "nonce commitment round timed out")
		}
	}

	// Nonce round two: reveal, checking every reveal against its
	// commitment before the challenge is fixed.
	revealEnv, err := transport.NewEnvelope(transport.TypeNonceReveal, c.cfg.PartyID, req.id, transport.NonceReveal{
		RequestID:  req.id,
		PartyID:    self,
		NoncePoint: hex.EncodeToString(noncePoint.Compress()),
	})
	if err != nil {
		return nil, err
	}
	if err := c.bus.Broadcast(ctx, revealEnv); err != nil {
		logger.Debug().Err(err).Msg("Nonce reveal broadcast incomplete")
	}

	noncePoints := map[int]crypto.Point{self: noncePoint}
	for len(noncePoints) < len(req.participants) {
		select {
		case msg := <-req.reveals:
			if !contains(req.participants, msg.PartyID) {
				continue
			}
			if _, seen := noncePoints[msg.PartyID]; seen {
				continue
			}
			b, err := hex.DecodeString(msg.NoncePoint)
			if err != nil {
				return nil, errors.Wrapf(ErrNonceCommitmentInvalid, "party %d sent undecodable nonce point", msg.PartyID)
			}
			pt, err := crypto.ParsePoint(b)
			if err != nil {
				return nil, errors.Wrapf(ErrNonceCommitmentInvalid, "party %d sent invalid nonce point", msg.PartyID)
			}
			expected, ok := commitments[msg.PartyID]
			if !ok || !bytes.Equal(expected, nonceBinding(req.id, msg.PartyID, pt)) {
				return nil, errors.Wrapf(ErrNonceCommitmentInvalid, "party %d", msg.PartyID)
			}
			noncePoints[msg.PartyID] = pt
		case <-ctx.Done():
			return nil, errors.Wrap(ErrInsufficientPartials, "nonce reveal round timed out")
		}
	}

	aggregatedNonce := crypto.Point{}
	for _, pt := range noncePoints {
		aggregatedNonce = aggregatedNonce.Add(pt)
	}
	challenge := crypto.Challenge(aggregatedNonce, groupKey, req.digest)

	// Produce this party's partial inside the key store and broadcast it.
	lambda, err := crypto.LagrangeCoefficient(self, req.participants)
	if err != nil {
		return nil, err
	}
	z, err := c.keys.PartialSign(ctx, c.cfg.KeyID, req.digest, keystore.PartialSignParams{
		Algorithm:       keystore.AlgorithmSchnorrSecp256k1,
		Nonce:           nonce,
		AggregatedNonce: aggregatedNonce,
		GroupKey:        groupKey,
		Lambda:          lambda,
	})
	if err != nil {
		return nil, errors.Wrap(err, "key store refused partial signature")
	}

	req.setState(StateAwaitingPartials)

	// The request timeout for partial collection starts at AWAITING_PARTIALS.
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	c.keyMu.RLock()
	ownPubShare := c.pubShares[c.cfg.PartyID]
	c.keyMu.RUnlock()

	partialEnv, err := transport.NewEnvelope(transport.TypePartialSignature, c.cfg.PartyID, req.id, transport.PartialSignatureMsg{
		RequestID:      req.id,
		PartyID:        self,
		Signature:      hex.EncodeToString(z.Bytes()),
		NoncePoint:     hex.EncodeToString(noncePoint.Compress()),
		PublicKeyShare: hex.EncodeToString(ownPubShare.Compress()),
	})
	if err != nil {
		return nil, err
	}
	if err := c.bus.Broadcast(ctx, partialEnv); err != nil {
		logger.Debug().Err(err).Msg("Partial signature broadcast incomplete")
	}

	// Collect partials: one per participant, each verified against the
	// party's public share before it counts toward the threshold.
	partials := map[int]*big.Int{self: z}
	for len(partials) < len(req.participants) {
		select {
		case msg := <-req.partials:
			if err := c.acceptPartial(req, msg, noncePoints, challenge, partials, logger); err != nil {
				logger.Warn().Err(err).Int("from", msg.PartyID).Msg("Partial signature rejected")
			}
		case <-ctx.Done():
			return nil, errors.Wrapf(ErrInsufficientPartials, "%d of %d partials before deadline", len(partials), len(req.participants))
		}
	}

	// Aggregate and verify against the group key before anything is
	// emitted. A coordinator bug must never surface as an invalid
	// signature on the destination chain.
	req.setState(StateAggregating)
	shares := make([]*big.Int, 0, len(partials))
	for _, v := range partials {
		shares = append(shares, v)
	}
	sig := &crypto.Signature{R: aggregatedNonce, Z: crypto.Aggregate(shares)}
	if !sig.Verify(groupKey, req.digest) {
		return nil, errors.Wrapf(ErrAggregationInvalid, "request %s", req.id)
	}

	sigBytes := sig.Serialize()
	fresh, err := c.records.SaveSignature(ctx, &store.SignatureRecord{
		RequestID:    req.id,
		SignalID:     req.signalID,
		Signature:    hex.EncodeToString(sigBytes),
		Participants: req.participants,
		DurationMs:   time.Since(req.startedAt).Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to persist signature record")
	}
	if !fresh {
		// Another ceremony settled this signal first; the signature is
		// identical in effect, so nothing more to emit.
		logger.Info().Msg("Signal already settled by a concurrent ceremony")
		return &Completed{}, nil
	}

	completeEnv, err := transport.NewEnvelope(transport.TypeSignatureComplete, c.cfg.PartyID, req.id, transport.SignatureComplete{
		RequestID:    req.id,
		Signature:    hex.EncodeToString(sigBytes),
		Participants: req.participants,
	})
	if err != nil {
		return nil, err
	}
	if err := c.bus.Broadcast(ctx, completeEnv); err != nil {
		logger.Debug().Err(err).Msg("Signature complete broadcast incomplete")
	}

	completed := &Completed{
		RequestID:    req.id,
		SignalID:     req.signalID,
		Signature:    sigBytes,
		Participants: req.participants,
	}
	if c.onComplete != nil {
		c.onComplete(completed)
	}
	return completed, nil
}

// acceptPartial validates one incoming partial and adds it to the set.
func (c *Coordinator) acceptPartial(req *request, msg *transport.PartialSignatureMsg, noncePoints map[int]crypto.Point, challenge *big.Int, partials map[int]*big.Int, logger zerolog.Logger) error {
	if !contains(req.participants, msg.PartyID) {
		return errors.Wrapf(ErrUnexpectedParticipant, "party %d", msg.PartyID)
	}
	if _, seen := partials[msg.PartyID]; seen {
		// At most one partial per party per request; later arrivals are
		// dropped.
		return nil
	}

	zBytes, err := hex.DecodeString(msg.Signature)
	if err != nil {
		return errors.Wrap(err, "undecodable partial scalar")
	}
	z := new(big.Int).SetBytes(zBytes)

	c.keyMu.RLock()
	pubShare, ok := c.pubShares[transport.PartyID(msg.PartyID)]
	c.keyMu.RUnlock()
	if !ok {
		return errors.Errorf("no public share for party %d", msg.PartyID)
	}

	noncePoint, ok := noncePoints[msg.PartyID]
	if !ok {
		return errors.Errorf("party %d sent a partial without a revealed nonce", msg.PartyID)
	}

	lambda, err := crypto.LagrangeCoefficient(msg.PartyID, req.participants)
	if err != nil {
		return err
	}
	if !crypto.VerifyPartial(z, noncePoint, pubShare, lambda, challenge) {
		return errors.Errorf("partial from party %d fails verification against its public share", msg.PartyID)
	}

	partials[msg.PartyID] = z
	logger.Debug().
		Int("from", msg.PartyID).
		Int("have", len(partials)).
		Int("need", len(req.participants)).
		Msg("Partial signature accepted")
	return nil
}

// Drain waits for in-flight ceremonies during shutdown.
func (c *Coordinator) Drain() {
	c.wg.Wait()
}
